package parser

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/blaisethom/pdfshrink/filters"
	"github.com/blaisethom/pdfshrink/ir/raw"
)

// pdfBuilder assembles a file body while tracking object offsets.
type pdfBuilder struct {
	buf     bytes.Buffer
	offsets map[int]int
}

func newPDFBuilder(version string) *pdfBuilder {
	b := &pdfBuilder{offsets: map[int]int{}}
	fmt.Fprintf(&b.buf, "%%PDF-%s\n", version)
	return b
}

func (b *pdfBuilder) add(num int, body string) {
	b.offsets[num] = b.buf.Len()
	fmt.Fprintf(&b.buf, "%d 0 obj\n%s\nendobj\n", num, body)
}

func (b *pdfBuilder) addStream(num int, dict string, data []byte) {
	b.offsets[num] = b.buf.Len()
	fmt.Fprintf(&b.buf, "%d 0 obj\n%s\nstream\n", num, dict)
	b.buf.Write(data)
	b.buf.WriteString("\nendstream\nendobj\n")
}

func (b *pdfBuilder) finishClassic(size int, trailerExtra string) []byte {
	xrefOff := b.buf.Len()
	fmt.Fprintf(&b.buf, "xref\n0 %d\n0000000000 65535 f \n", size)
	for n := 1; n < size; n++ {
		fmt.Fprintf(&b.buf, "%010d 00000 n \n", b.offsets[n])
	}
	fmt.Fprintf(&b.buf, "trailer\n<< /Size %d /Root 1 0 R%s >>\nstartxref\n%d\n%%%%EOF\n",
		size, trailerExtra, xrefOff)
	return b.buf.Bytes()
}

func parseBytes(t *testing.T, data []byte, cfg Config) *raw.Document {
	t.Helper()
	doc, err := New(cfg).Parse(context.Background(), data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return doc
}

func TestParseClassicFile(t *testing.T) {
	b := newPDFBuilder("1.4")
	b.add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.add(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	b.addStream(3, "<< /Length 4 0 R >>", []byte("hello world"))
	b.add(4, "11")
	doc := parseBytes(t, b.finishClassic(5, ""), Config{})

	if doc.Version != "1.4" {
		t.Errorf("Version = %q", doc.Version)
	}
	obj, ok := doc.Get(raw.ObjectRef{Num: 1})
	if !ok {
		t.Fatal("object 1 missing")
	}
	d, ok := obj.(*raw.DictObj)
	if !ok {
		t.Fatalf("object 1 is %T", obj)
	}
	if typ, _ := raw.DictName(d, "Type"); typ != "Catalog" {
		t.Errorf("Type = %q", typ)
	}
	stm, ok := doc.Stream(raw.ObjectRef{Num: 3})
	if !ok {
		t.Fatal("object 3 is not a stream")
	}
	if string(stm.Data) != "hello world" {
		t.Errorf("stream data = %q", stm.Data)
	}
	if root, _ := doc.Trailer.Get("Root"); root != raw.Ref(1, 0) {
		t.Errorf("Root = %v", root)
	}
}

func TestParseMissingHeader(t *testing.T) {
	if _, err := New(Config{}).Parse(context.Background(), []byte("not a pdf")); err == nil {
		t.Error("expected error")
	}
}

func TestParseRevisionChain(t *testing.T) {
	// First revision defines objects 1-2, an update redefines 2.
	b := newPDFBuilder("1.4")
	b.add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.add(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	firstXref := b.buf.Len()
	fmt.Fprintf(&b.buf, "xref\n0 3\n0000000000 65535 f \n%010d 00000 n \n%010d 00000 n \ntrailer\n<< /Size 3 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		b.offsets[1], b.offsets[2], firstXref)
	updOff := b.buf.Len()
	fmt.Fprintf(&b.buf, "2 0 obj\n<< /Type /Pages /Kids [] /Count 7 >>\nendobj\n")
	secondXref := b.buf.Len()
	fmt.Fprintf(&b.buf, "xref\n2 1\n%010d 00000 n \ntrailer\n<< /Size 3 /Prev %d >>\nstartxref\n%d\n%%%%EOF\n",
		updOff, firstXref, secondXref)

	doc := parseBytes(t, b.buf.Bytes(), Config{})
	obj, _ := doc.Get(raw.ObjectRef{Num: 2})
	d := obj.(*raw.DictObj)
	if count, _ := raw.DictInt(d, "Count"); count != 7 {
		t.Errorf("Count = %d, want the updated revision", count)
	}
	// Root only appears in the older trailer and must be carried over.
	if _, ok := doc.Trailer.Get("Root"); !ok {
		t.Error("Root missing from merged trailer")
	}
}

func TestParseXrefStreamAndObjStm(t *testing.T) {
	b := newPDFBuilder("1.5")
	b.add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.add(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	// Object 3 lives inside object stream 4.
	embedded := []byte("3 0\n<< /Kind /Hidden >>")
	b.addStream(4, fmt.Sprintf("<< /Type /ObjStm /N 1 /First 4 /Length %d >>", len(embedded)), embedded)

	xrefOff := b.buf.Len()
	var rows bytes.Buffer
	writeRow := func(typ byte, f2 int, f3 byte) {
		rows.WriteByte(typ)
		var off [4]byte
		binary.BigEndian.PutUint32(off[:], uint32(f2))
		rows.Write(off[:])
		rows.WriteByte(f3)
	}
	writeRow(0, 0, 0)              // 0: free
	writeRow(1, b.offsets[1], 0)   // 1
	writeRow(1, b.offsets[2], 0)   // 2
	writeRow(2, 4, 0)              // 3: in object stream 4, slot 0
	writeRow(1, b.offsets[4], 0)   // 4
	writeRow(1, xrefOff, 0)        // 5: the xref stream itself
	packed, err := filters.DeflateBest(rows.Bytes())
	if err != nil {
		t.Fatalf("DeflateBest: %v", err)
	}
	b.offsets[5] = xrefOff
	fmt.Fprintf(&b.buf, "5 0 obj\n<< /Type /XRef /Size 6 /W [1 4 1] /Root 1 0 R /Filter /FlateDecode /Length %d >>\nstream\n", len(packed))
	b.buf.Write(packed)
	fmt.Fprintf(&b.buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", xrefOff)

	doc := parseBytes(t, b.buf.Bytes(), Config{})
	obj, ok := doc.Get(raw.ObjectRef{Num: 3})
	if !ok {
		t.Fatal("compressed object 3 missing")
	}
	d, ok := obj.(*raw.DictObj)
	if !ok {
		t.Fatalf("object 3 is %T", obj)
	}
	if kind, _ := raw.DictName(d, "Kind"); kind != "Hidden" {
		t.Errorf("Kind = %q", kind)
	}
}

// rc4Of applies the per-object cipher used by 40-bit RC4 files.
func rc4Of(fileKey []byte, num, gen int, data []byte) []byte {
	key := append(append([]byte{}, fileKey...),
		byte(num), byte(num>>8), byte(num>>16), byte(gen), byte(gen>>8))
	sum := md5.Sum(key)
	c, _ := rc4.NewCipher(sum[:10])
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out
}

var stdPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func TestParseEncryptedEmptyPassword(t *testing.T) {
	// 40-bit RC4, revision 2, empty user password.
	fileID := []byte("0123456789abcdef")
	pVal := int32(-4)

	ownerSum := md5.Sum(stdPadding) // owner password empty too
	oc, _ := rc4.NewCipher(ownerSum[:5])
	oEntry := make([]byte, 32)
	oc.XORKeyStream(oEntry, stdPadding)

	keySrc := append(append([]byte{}, stdPadding...), oEntry...)
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], uint32(pVal))
	keySrc = append(keySrc, pBuf[:]...)
	keySrc = append(keySrc, fileID...)
	keySum := md5.Sum(keySrc)
	fileKey := keySum[:5]

	uc, _ := rc4.NewCipher(fileKey)
	uEntry := make([]byte, 32)
	uc.XORKeyStream(uEntry, stdPadding)

	plain := []byte("top secret stream")
	b := newPDFBuilder("1.4")
	b.add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.add(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	b.addStream(3, fmt.Sprintf("<< /Length %d >>", len(plain)), rc4Of(fileKey, 3, 0, plain))
	b.add(4, fmt.Sprintf("<< /Filter /Standard /V 1 /R 2 /Length 40 /P %d /O <%X> /U <%X> >>",
		pVal, oEntry, uEntry))
	data := b.finishClassic(5, fmt.Sprintf(" /Encrypt 4 0 R /ID [<%X> <%X>]", fileID, fileID))

	doc := parseBytes(t, data, Config{})
	if !doc.Encrypted || !doc.Decrypted {
		t.Fatalf("Encrypted=%v Decrypted=%v", doc.Encrypted, doc.Decrypted)
	}
	stm, ok := doc.Stream(raw.ObjectRef{Num: 3})
	if !ok {
		t.Fatal("stream missing")
	}
	if !bytes.Equal(stm.Data, plain) {
		t.Errorf("decrypted data = %q, want %q", stm.Data, plain)
	}
}

func TestParseEncryptedUnsupportedKeepsRawBytes(t *testing.T) {
	// An encrypt dictionary the handler rejects must not abort parsing.
	enc := []byte("encrypted junk")
	b := newPDFBuilder("1.4")
	b.add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.add(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	b.addStream(3, fmt.Sprintf("<< /Length %d >>", len(enc)), enc)
	b.add(4, "<< /Filter /PubSec /V 9 >>")
	data := b.finishClassic(5, " /Encrypt 4 0 R")

	doc := parseBytes(t, data, Config{})
	if !doc.Encrypted {
		t.Error("Encrypted = false")
	}
	if doc.Decrypted {
		t.Error("Decrypted = true for unsupported encryption")
	}
	stm, ok := doc.Stream(raw.ObjectRef{Num: 3})
	if !ok || !bytes.Equal(stm.Data, enc) {
		t.Error("raw bytes must be kept when decryption is unavailable")
	}
}

func TestParseSkipsBrokenObject(t *testing.T) {
	b := newPDFBuilder("1.4")
	b.add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.add(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	b.offsets[3] = b.buf.Len()
	b.buf.WriteString("3 0 obj\n<< /Broken\nendobj\n")
	doc := parseBytes(t, b.finishClassic(4, ""), Config{})
	if _, ok := doc.Get(raw.ObjectRef{Num: 1}); !ok {
		t.Error("healthy objects must survive a broken sibling")
	}
	if _, ok := doc.Get(raw.ObjectRef{Num: 3}); ok {
		t.Error("broken object should be skipped")
	}
}
