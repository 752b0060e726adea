// Package writer serializes a document object graph back to PDF
// bytes: body objects in numeric order, a classic cross-reference
// table and a rebuilt trailer. Output is always unencrypted.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/blaisethom/pdfshrink/ir/raw"
	"github.com/blaisethom/pdfshrink/observability"
)

type Config struct {
	Logger observability.Logger
}

type DocumentWriter struct {
	log observability.Logger
}

func New(cfg Config) *DocumentWriter {
	log := cfg.Logger
	if log == nil {
		log = observability.NopLogger{}
	}
	return &DocumentWriter{log: log}
}

// Trailer keys that describe the previous serialization, not the
// document. They are dropped and rebuilt.
var staleTrailerKeys = map[string]bool{
	"Size": true, "Prev": true, "XRefStm": true,
	"W": true, "Index": true, "Filter": true, "DecodeParms": true,
	"Type": true, "Length": true,
}

func (w *DocumentWriter) Write(ctx context.Context, doc *raw.Document, out io.Writer) error {
	data, err := w.Bytes(ctx, doc)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func (w *DocumentWriter) Bytes(ctx context.Context, doc *raw.Document) ([]byte, error) {
	var buf bytes.Buffer
	version := doc.Version
	if version == "" {
		version = "1.7"
	}
	fmt.Fprintf(&buf, "%%PDF-%s\n%%\xE2\xE3\xCF\xD3\n", version)

	refs := doc.Refs()
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Num != refs[j].Num {
			return refs[i].Num < refs[j].Num
		}
		return refs[i].Gen < refs[j].Gen
	})

	type slot struct {
		offset int64
		gen    int
	}
	offsets := make(map[int]slot, len(refs))
	var maxNum int
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obj, ok := doc.Get(ref)
		if !ok {
			continue
		}
		offsets[ref.Num] = slot{offset: int64(buf.Len()), gen: ref.Gen}
		buf.Write(SerializeObject(ref, obj))
		if ref.Num > maxNum {
			maxNum = ref.Num
		}
	}

	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", maxNum+1)
	// Free entries form a linked list: each names the next free object
	// number, the last one loops back to object 0.
	nextFree := make(map[int]int)
	prevFree := 0
	for n := 1; n <= maxNum; n++ {
		if _, ok := offsets[n]; !ok {
			nextFree[prevFree] = n
			prevFree = n
		}
	}
	nextFree[prevFree] = 0
	fmt.Fprintf(&buf, "%010d 65535 f \n", nextFree[0])
	for n := 1; n <= maxNum; n++ {
		if s, ok := offsets[n]; ok {
			fmt.Fprintf(&buf, "%010d %05d n \n", s.offset, s.gen)
		} else {
			fmt.Fprintf(&buf, "%010d 65535 f \n", nextFree[n])
		}
	}

	trailer := w.cleanTrailer(doc)
	trailer.Set("Size", raw.Int(int64(maxNum)+1))
	buf.WriteString("trailer\n")
	buf.Write(serializePrimitive(trailer))
	fmt.Fprintf(&buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	w.log.Debug("document serialized",
		observability.Int("objects", len(offsets)),
		observability.Int("bytes", buf.Len()))
	return buf.Bytes(), nil
}

func (w *DocumentWriter) cleanTrailer(doc *raw.Document) *raw.DictObj {
	trailer := raw.Dict()
	if doc.Trailer == nil {
		return trailer
	}
	for _, k := range doc.Trailer.Keys() {
		if staleTrailerKeys[k] {
			continue
		}
		if k == "Encrypt" && doc.Decrypted {
			continue
		}
		v, _ := doc.Trailer.Get(k)
		trailer.Set(k, v)
	}
	return trailer
}

// SerializeObject renders one indirect object including its framing.
func SerializeObject(ref raw.ObjectRef, obj raw.Object) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %d obj\n", ref.Num, ref.Gen)
	buf.Write(serializePrimitive(obj))
	buf.WriteString("\nendobj\n")
	return buf.Bytes()
}

func serializePrimitive(o raw.Object) []byte {
	switch v := o.(type) {
	case raw.NameObj:
		return []byte("/" + escapeName(v.Val))
	case raw.NumberObj:
		if v.IsInt {
			return strconv.AppendInt(nil, v.I, 10)
		}
		return []byte(formatReal(v.F))
	case raw.BoolObj:
		if v.V {
			return []byte("true")
		}
		return []byte("false")
	case raw.NullObj:
		return []byte("null")
	case raw.StringObj:
		if v.Hex {
			return hexString(v.Bytes)
		}
		return escapeLiteralString(v.Bytes)
	case raw.RefObj:
		return []byte(fmt.Sprintf("%d %d R", v.R.Num, v.R.Gen))
	case *raw.ArrayObj:
		var b bytes.Buffer
		b.WriteByte('[')
		for i, it := range v.Items {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.Write(serializePrimitive(it))
		}
		b.WriteByte(']')
		return b.Bytes()
	case *raw.DictObj:
		var b bytes.Buffer
		b.WriteString("<<")
		keys := v.Keys()
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString("/" + escapeName(k) + " ")
			val, _ := v.Get(k)
			b.Write(serializePrimitive(val))
		}
		b.WriteString(">>")
		return b.Bytes()
	case *raw.StreamObj:
		var b bytes.Buffer
		dict := v.Dict
		if dict == nil {
			dict = raw.Dict()
		}
		dict.Set("Length", raw.Int(int64(len(v.Data))))
		b.Write(serializePrimitive(dict))
		b.WriteString("\nstream\n")
		b.Write(v.Data)
		b.WriteString("\nendstream")
		return b.Bytes()
	default:
		return []byte("null")
	}
}

// formatReal trims the trailing zeros %f leaves behind.
func formatReal(f float64) string {
	s := strconv.FormatFloat(f, 'f', 6, 64)
	s = trimRight(s, '0')
	s = trimRight(s, '.')
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

func trimRight(s string, c byte) string {
	for len(s) > 0 && s[len(s)-1] == c {
		s = s[:len(s)-1]
	}
	return s
}

func escapeName(name string) string {
	var b bytes.Buffer
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= 0x20 || c >= 0x7F || isNameDelimiter(c) || c == '#' {
			fmt.Fprintf(&b, "#%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isNameDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func escapeLiteralString(s []byte) []byte {
	var b bytes.Buffer
	b.WriteByte('(')
	for _, c := range s {
		switch c {
		case '(', ')', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte(')')
	return b.Bytes()
}

func hexString(s []byte) []byte {
	var b bytes.Buffer
	b.WriteByte('<')
	for _, c := range s {
		fmt.Fprintf(&b, "%02X", c)
	}
	b.WriteByte('>')
	return b.Bytes()
}
