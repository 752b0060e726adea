package parser

import (
	"context"
	"errors"
	"fmt"

	"github.com/blaisethom/pdfshrink/filters"
	"github.com/blaisethom/pdfshrink/ir/raw"
	"github.com/blaisethom/pdfshrink/observability"
	"github.com/blaisethom/pdfshrink/scanner"
	"github.com/blaisethom/pdfshrink/security"
	"github.com/blaisethom/pdfshrink/xref"
)

type objStmPayload struct {
	first   int
	offsets map[int]objStmSlot // keyed by position within the stream
	data    []byte
}

type objStmSlot struct {
	num    int64
	offset int
}

type objectLoader struct {
	data     []byte
	doc      *raw.Document
	table    *xref.Table
	pipeline *filters.Pipeline
	scanCfg  scanner.Config
	log      observability.Logger
	sec      security.Handler
	encRef   raw.ObjectRef
	hasEnc   bool
	loaded   map[int64]bool
	objStm   map[int64]*objStmPayload
}

// setupSecurity builds the security handler from the trailer's Encrypt
// entry. A failed empty-password authentication is not fatal: the
// document is loaded with raw stream bytes and each downstream
// consumer fails or succeeds per object.
func (l *objectLoader) setupSecurity(password string) {
	encObj, ok := l.doc.Trailer.Get("Encrypt")
	if !ok {
		return
	}
	l.doc.Encrypted = true
	var encDict raw.Dictionary
	switch e := encObj.(type) {
	case *raw.DictObj:
		encDict = e
	case raw.RefObj:
		l.encRef = e.R
		l.hasEnc = true
		obj, _, err := l.parseDirect(int64(e.R.Num))
		if err != nil {
			l.log.Warn("encrypt dictionary unreadable", observability.Error("err", err))
			return
		}
		d, ok := obj.(*raw.DictObj)
		if !ok {
			l.log.Warn("encrypt entry is not a dictionary")
			return
		}
		encDict = d
	default:
		l.log.Warn("encrypt entry has unexpected type")
		return
	}

	h, err := security.NewHandler(encDict, l.doc.Trailer)
	if err != nil {
		l.log.Warn("unsupported encryption, keeping raw bytes", observability.Error("err", err))
		return
	}
	if err := h.Authenticate(password); err != nil {
		l.log.Warn("decryption failed, keeping raw bytes", observability.Error("err", err))
		return
	}
	l.sec = h
	l.doc.Decrypted = true
}

func (l *objectLoader) loadAll(ctx context.Context) error {
	for _, num := range l.table.Numbers() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.load(ctx, num); err != nil {
			l.log.Warn("object unreadable, skipped",
				observability.Int64("obj", num), observability.Error("err", err))
		}
	}
	l.dropBookkeepingStreams()
	return nil
}

// dropBookkeepingStreams removes cross-reference streams and object
// stream containers. They describe the previous serialization; the
// writer rebuilds that layer from scratch and the compressed objects
// were expanded into the graph.
func (l *objectLoader) dropBookkeepingStreams() {
	for _, ref := range l.doc.Refs() {
		stm, ok := l.doc.Stream(ref)
		if !ok {
			continue
		}
		if t, ok := raw.DictName(stm.Dict, "Type"); ok && (t == "XRef" || t == "ObjStm") {
			l.doc.Delete(ref)
		}
	}
}

func (l *objectLoader) load(ctx context.Context, num int64) error {
	if l.loaded[num] {
		return nil
	}
	l.loaded[num] = true
	entry, ok := l.table.Lookup(num)
	if !ok || entry.Type == xref.EntryFree {
		return nil
	}
	switch entry.Type {
	case xref.EntryInFile:
		obj, gen, err := l.parseAt(entry.Offset, num)
		if err != nil {
			return err
		}
		ref := raw.ObjectRef{Num: int(num), Gen: gen}
		obj = l.decryptObject(ref, obj)
		l.doc.Set(ref, obj)
		return nil
	case xref.EntryInObjStream:
		return l.loadFromObjStream(ctx, num, entry)
	}
	return nil
}

// parseAt parses the indirect object at a byte offset. The object
// number recorded in the file wins over the xref entry when they
// disagree.
func (l *objectLoader) parseAt(offset int64, expect int64) (raw.Object, int, error) {
	if offset < 0 || offset >= int64(len(l.data)) {
		return nil, 0, errors.New("parser: object offset out of range")
	}
	s := scanner.New(l.data, l.scanCfg)
	if err := s.SeekTo(int(offset)); err != nil {
		return nil, 0, err
	}
	num, gen, err := readObjHeader(s)
	if err != nil {
		return nil, 0, err
	}
	if num != expect {
		l.log.Warn("object number mismatch",
			observability.Int64("expected", expect), observability.Int64("found", num))
	}
	obj, err := nextValue(s)
	if err != nil {
		return nil, 0, err
	}
	dict, ok := obj.(*raw.DictObj)
	if !ok {
		return obj, gen, nil
	}

	// A stream keyword may follow; resolve Length first so the scanner
	// can slice the payload without searching.
	s.SetNextStreamLength(l.lengthOf(dict))
	tok, err := s.Next()
	if err != nil {
		// endobj may simply be missing at end of file.
		return dict, gen, nil
	}
	if tok.Type != scanner.TokenStream {
		s.SetNextStreamLength(-1)
		return dict, gen, nil
	}
	return raw.NewStream(dict, tok.Bytes), gen, nil
}

// lengthOf resolves the declared stream length, following one level of
// indirection. Returns -1 when unknown, which switches the scanner to
// an endstream search.
func (l *objectLoader) lengthOf(dict *raw.DictObj) int {
	v, ok := dict.Get("Length")
	if !ok {
		return -1
	}
	switch n := v.(type) {
	case raw.NumberObj:
		if n.Int() >= 0 {
			return int(n.Int())
		}
	case raw.RefObj:
		entry, ok := l.table.Lookup(int64(n.R.Num))
		if !ok || entry.Type != xref.EntryInFile {
			return -1
		}
		obj, _, err := l.parseDirect(int64(n.R.Num))
		if err != nil {
			return -1
		}
		if num, ok := obj.(raw.NumberObj); ok && num.Int() >= 0 {
			return int(num.Int())
		}
	}
	return -1
}

// parseDirect parses an in-file object without touching the loaded
// set, for bootstrap lookups like the Encrypt dictionary and indirect
// stream lengths.
func (l *objectLoader) parseDirect(num int64) (raw.Object, int, error) {
	entry, ok := l.table.Lookup(num)
	if !ok || entry.Type != xref.EntryInFile {
		return nil, 0, fmt.Errorf("parser: object %d not directly addressable", num)
	}
	return l.parseAt(entry.Offset, num)
}

func (l *objectLoader) loadFromObjStream(ctx context.Context, num int64, entry xref.Entry) error {
	payload, err := l.objStmData(ctx, entry.StreamNum)
	if err != nil {
		return fmt.Errorf("parser: object stream %d: %w", entry.StreamNum, err)
	}
	slot, ok := payload.offsets[entry.StreamIdx]
	if !ok {
		return fmt.Errorf("parser: object stream %d has no slot %d", entry.StreamNum, entry.StreamIdx)
	}
	if slot.num != num {
		l.log.Warn("object stream slot mismatch",
			observability.Int64("expected", num), observability.Int64("found", slot.num))
	}
	s := scanner.New(payload.data, l.scanCfg)
	if err := s.SeekTo(payload.first + slot.offset); err != nil {
		return err
	}
	obj, err := nextValue(s)
	if err != nil {
		return err
	}
	// Compressed objects always have generation 0 and were decrypted
	// with their container, so no per-object decryption here.
	l.doc.Set(raw.ObjectRef{Num: int(num), Gen: 0}, obj)
	return nil
}

// objStmData loads, decodes and indexes an object stream container,
// caching the result for the other objects it holds.
func (l *objectLoader) objStmData(ctx context.Context, containerNum int64) (*objStmPayload, error) {
	if p, ok := l.objStm[containerNum]; ok {
		if p == nil {
			return nil, errors.New("container unusable")
		}
		return p, nil
	}
	l.objStm[containerNum] = nil // poisoned until successfully built

	if err := l.load(ctx, containerNum); err != nil {
		return nil, err
	}
	stm, ok := l.doc.Stream(raw.ObjectRef{Num: int(containerNum), Gen: 0})
	if !ok {
		return nil, errors.New("container is not a stream")
	}
	names, params := directFilterChain(stm.Dict)
	data, err := l.pipeline.Decode(ctx, stm.Data, names, params)
	if err != nil {
		return nil, err
	}
	n, ok := raw.DictInt(stm.Dict, "N")
	if !ok {
		return nil, errors.New("container missing N")
	}
	first, ok := raw.DictInt(stm.Dict, "First")
	if !ok {
		return nil, errors.New("container missing First")
	}

	payload := &objStmPayload{
		first:   int(first),
		offsets: make(map[int]objStmSlot, n),
		data:    data,
	}
	s := scanner.New(data, l.scanCfg)
	for i := 0; i < int(n); i++ {
		numTok, err := s.Next()
		if err != nil || numTok.Type != scanner.TokenNumber {
			return nil, errors.New("container header malformed")
		}
		offTok, err := s.Next()
		if err != nil || offTok.Type != scanner.TokenNumber {
			return nil, errors.New("container header malformed")
		}
		payload.offsets[i] = objStmSlot{num: numTok.Int, offset: int(offTok.Int)}
	}
	l.objStm[containerNum] = payload
	return payload, nil
}

// decryptObject walks the object and decrypts strings and stream
// payloads in place. The Encrypt dictionary itself and cross-reference
// streams are stored unencrypted and are left alone.
func (l *objectLoader) decryptObject(ref raw.ObjectRef, obj raw.Object) raw.Object {
	if !l.sec.IsEncrypted() {
		return obj
	}
	if l.hasEnc && ref == l.encRef {
		return obj
	}
	return l.decryptValue(ref, obj)
}

func (l *objectLoader) decryptValue(ref raw.ObjectRef, obj raw.Object) raw.Object {
	switch o := obj.(type) {
	case raw.StringObj:
		dec, err := l.sec.Decrypt(ref.Num, ref.Gen, o.Bytes, security.DataClassString)
		if err != nil {
			l.log.Warn("string decryption failed", observability.Int("obj", ref.Num), observability.Error("err", err))
			return o
		}
		return raw.StringObj{Bytes: dec, Hex: o.Hex}
	case *raw.ArrayObj:
		for i := 0; i < o.Len(); i++ {
			o.Items[i] = l.decryptValue(ref, o.Items[i])
		}
		return o
	case *raw.DictObj:
		for _, k := range o.Keys() {
			v, _ := o.Get(k)
			o.Set(k, l.decryptValue(ref, v))
		}
		return o
	case *raw.StreamObj:
		if t, ok := raw.DictName(o.Dict, "Type"); ok && t == "XRef" {
			return o
		}
		class := security.DataClassStream
		if t, ok := raw.DictName(o.Dict, "Type"); ok && t == "Metadata" {
			class = security.DataClassMetadataStream
		}
		dec, err := l.sec.Decrypt(ref.Num, ref.Gen, o.Data, class)
		if err != nil {
			l.log.Warn("stream decryption failed", observability.Int("obj", ref.Num), observability.Error("err", err))
		} else {
			o.Data = dec
		}
		l.decryptValue(ref, o.Dict)
		return o
	default:
		return obj
	}
}
