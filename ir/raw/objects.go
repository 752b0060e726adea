package raw

// Concrete object variants.

// NameObj is a PDF name such as /Filter.
type NameObj struct{ Val string }

func (n NameObj) Type() string  { return "name" }
func (n NameObj) Value() string { return n.Val }

// NumberObj holds either an integer or a real value.
type NumberObj struct {
	I     int64
	F     float64
	IsInt bool
}

func (n NumberObj) Type() string { return "number" }
func (n NumberObj) Int() int64 {
	if n.IsInt {
		return n.I
	}
	return int64(n.F)
}
func (n NumberObj) Float() float64 {
	if n.IsInt {
		return float64(n.I)
	}
	return n.F
}

// BoolObj is a PDF boolean.
type BoolObj struct{ V bool }

func (b BoolObj) Type() string { return "boolean" }

// NullObj is the PDF null object.
type NullObj struct{}

func (NullObj) Type() string { return "null" }

// StringObj is a PDF string; Hex records the source notation so the
// writer can round-trip it.
type StringObj struct {
	Bytes []byte
	Hex   bool
}

func (s StringObj) Type() string  { return "string" }
func (s StringObj) Value() []byte { return s.Bytes }

// ArrayObj is an ordered sequence of objects.
type ArrayObj struct{ Items []Object }

func (a *ArrayObj) Type() string { return "array" }
func (a *ArrayObj) Len() int     { return len(a.Items) }
func (a *ArrayObj) Get(i int) (Object, bool) {
	if i < 0 || i >= len(a.Items) {
		return nil, false
	}
	return a.Items[i], true
}
func (a *ArrayObj) Append(o Object) { a.Items = append(a.Items, o) }

// DictObj maps name keys to objects.
type DictObj struct{ KV map[string]Object }

func (d *DictObj) Type() string { return "dict" }
func (d *DictObj) Get(key string) (Object, bool) {
	o, ok := d.KV[key]
	return o, ok
}
func (d *DictObj) Set(key string, value Object) {
	if d.KV == nil {
		d.KV = make(map[string]Object)
	}
	d.KV[key] = value
}
func (d *DictObj) Delete(key string) { delete(d.KV, key) }
func (d *DictObj) Keys() []string {
	keys := make([]string, 0, len(d.KV))
	for k := range d.KV {
		keys = append(keys, k)
	}
	return keys
}
func (d *DictObj) Len() int { return len(d.KV) }

// StreamObj couples a dictionary with its raw (still encoded) content.
type StreamObj struct {
	Dict *DictObj
	Data []byte
}

func (s *StreamObj) Type() string { return "stream" }

// RefObj is an indirect reference to another object.
type RefObj struct{ R ObjectRef }

func (r RefObj) Type() string   { return "ref" }
func (r RefObj) Ref() ObjectRef { return r.R }

// Constructors.

func Name(v string) NameObj           { return NameObj{Val: v} }
func Int(i int64) NumberObj           { return NumberObj{I: i, IsInt: true} }
func Real(f float64) NumberObj        { return NumberObj{F: f} }
func Bool(v bool) BoolObj             { return BoolObj{V: v} }
func Str(b []byte) StringObj          { return StringObj{Bytes: b} }
func NewArray(items ...Object) *ArrayObj { return &ArrayObj{Items: items} }
func Dict() *DictObj                  { return &DictObj{KV: make(map[string]Object)} }
func Ref(num, gen int) RefObj         { return RefObj{R: ObjectRef{Num: num, Gen: gen}} }

func NewStream(dict *DictObj, data []byte) *StreamObj {
	if dict == nil {
		dict = Dict()
	}
	dict.Set("Length", Int(int64(len(data))))
	return &StreamObj{Dict: dict, Data: data}
}

// Dictionary accessors used throughout the module. They all treat a
// wrong-variant value the same as an absent key.

// DictInt returns the integer stored under key.
func DictInt(d Dictionary, key string) (int64, bool) {
	if d == nil {
		return 0, false
	}
	if v, ok := d.Get(key); ok {
		if n, ok := v.(NumberObj); ok {
			return n.Int(), true
		}
	}
	return 0, false
}

// DictName returns the name value stored under key.
func DictName(d Dictionary, key string) (string, bool) {
	if d == nil {
		return "", false
	}
	if v, ok := d.Get(key); ok {
		if n, ok := v.(NameObj); ok {
			return n.Val, true
		}
	}
	return "", false
}

// DictString returns the string bytes stored under key.
func DictString(d Dictionary, key string) ([]byte, bool) {
	if d == nil {
		return nil, false
	}
	if v, ok := d.Get(key); ok {
		if s, ok := v.(StringObj); ok {
			return s.Bytes, true
		}
	}
	return nil, false
}

// DictBool returns the boolean stored under key.
func DictBool(d Dictionary, key string) (bool, bool) {
	if d == nil {
		return false, false
	}
	if v, ok := d.Get(key); ok {
		if b, ok := v.(BoolObj); ok {
			return b.V, true
		}
	}
	return false, false
}
