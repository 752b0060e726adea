// Package raw models the PDF object graph as parsed from the file:
// indirect object references, the primitive object variants, and the
// document container that owns them.
package raw

import (
	"fmt"
	"sort"
)

// ObjectRef uniquely identifies an indirect PDF object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Object is the base interface for all raw PDF objects. The concrete
// variants are NameObj, NumberObj, BoolObj, NullObj, StringObj,
// *ArrayObj, *DictObj, *StreamObj and RefObj; consumers switch
// exhaustively over these.
type Object interface {
	Type() string
}

// Dictionary is the mutable dictionary surface shared by plain
// dictionaries and stream dictionaries.
type Dictionary interface {
	Object
	Get(key string) (Object, bool)
	Set(key string, value Object)
	Delete(key string)
	Keys() []string
	Len() int
}

// Document is the root container for raw PDF objects. It is owned by a
// single conversion pass at a time; mutation happens object by object
// through Set, never by replacing the map wholesale.
type Document struct {
	Objects map[ObjectRef]Object
	Trailer *DictObj
	Version string // header version, e.g. "1.7"

	// Encrypted reports whether the file carried an Encrypt dictionary;
	// Decrypted whether authentication succeeded and object payloads
	// were decrypted during load.
	Encrypted bool
	Decrypted bool
}

func NewDocument() *Document {
	return &Document{Objects: make(map[ObjectRef]Object)}
}

// Get returns the object stored under ref.
func (d *Document) Get(ref ObjectRef) (Object, bool) {
	obj, ok := d.Objects[ref]
	return obj, ok
}

// Set stores obj under ref, replacing any previous value.
func (d *Document) Set(ref ObjectRef, obj Object) {
	if d.Objects == nil {
		d.Objects = make(map[ObjectRef]Object)
	}
	d.Objects[ref] = obj
}

// Delete removes the object stored under ref, if any.
func (d *Document) Delete(ref ObjectRef) {
	delete(d.Objects, ref)
}

// Refs returns a sorted snapshot of all object identifiers. Callers
// iterate the snapshot while mutating the graph through Get/Set, so
// mutation never invalidates the iteration.
func (d *Document) Refs() []ObjectRef {
	out := make([]ObjectRef, 0, len(d.Objects))
	for ref := range d.Objects {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Num != out[j].Num {
			return out[i].Num < out[j].Num
		}
		return out[i].Gen < out[j].Gen
	})
	return out
}

// Resolve follows indirect references until a direct object is reached.
// Unresolvable references yield NullObj. The depth limit guards against
// reference cycles in hostile files.
func (d *Document) Resolve(obj Object) Object {
	for depth := 0; depth < 32; depth++ {
		ref, ok := obj.(RefObj)
		if !ok {
			return obj
		}
		next, ok := d.Objects[ref.R]
		if !ok {
			return NullObj{}
		}
		obj = next
	}
	return NullObj{}
}

// Stream returns the stream object stored under ref, or false when the
// slot is empty or holds a different variant.
func (d *Document) Stream(ref ObjectRef) (*StreamObj, bool) {
	obj, ok := d.Objects[ref]
	if !ok {
		return nil, false
	}
	st, ok := obj.(*StreamObj)
	return st, ok
}
