// Package xref decodes cross-reference data: classic xref tables and
// the binary rows of cross-reference streams. It records where each
// object lives so the loader can fetch object bytes on demand.
package xref

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

type EntryType int

const (
	EntryFree EntryType = iota
	EntryInFile
	EntryInObjStream
)

// Entry locates one object. Offset is set for EntryInFile;
// StreamNum/StreamIdx for EntryInObjStream.
type Entry struct {
	Type      EntryType
	Offset    int64
	Gen       int
	StreamNum int64
	StreamIdx int
}

// Table merges the sections of a revision chain. Sections are added
// newest first, and the first entry seen for an object number wins.
type Table struct {
	entries map[int64]Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[int64]Entry)}
}

func (t *Table) Add(num int64, e Entry) {
	if _, exists := t.entries[num]; !exists {
		t.entries[num] = e
	}
}

func (t *Table) Lookup(num int64) (Entry, bool) {
	e, ok := t.entries[num]
	return e, ok
}

func (t *Table) Len() int { return len(t.entries) }

// Numbers returns every object number the table knows about.
func (t *Table) Numbers() []int64 {
	out := make([]int64, 0, len(t.entries))
	for n := range t.entries {
		out = append(out, n)
	}
	return out
}

// FindStartXref scans the file tail for the startxref marker and
// returns the offset it points at.
func FindStartXref(data []byte) (int64, error) {
	tail := data
	if len(tail) > 2048 {
		tail = tail[len(tail)-2048:]
	}
	idx := bytes.LastIndex(tail, []byte("startxref"))
	if idx < 0 {
		return 0, errors.New("xref: startxref not found")
	}
	rest := tail[idx+len("startxref"):]
	i := 0
	for i < len(rest) && (rest[i] == '\r' || rest[i] == '\n' || rest[i] == ' ') {
		i++
	}
	j := i
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	if j == i {
		return 0, errors.New("xref: startxref offset missing")
	}
	off, err := strconv.ParseInt(string(rest[i:j]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("xref: bad startxref offset: %w", err)
	}
	if off < 0 || off >= int64(len(data)) {
		return 0, errors.New("xref: startxref offset out of range")
	}
	return off, nil
}

// IsClassic reports whether a classic xref table starts at offset.
func IsClassic(data []byte, offset int64) bool {
	if offset < 0 || offset >= int64(len(data)) {
		return false
	}
	rest := data[offset:]
	for len(rest) > 0 && isWS(rest[0]) {
		rest = rest[1:]
	}
	return bytes.HasPrefix(rest, []byte("xref")) &&
		(len(rest) == 4 || !isRegular(rest[4]))
}

// ParseClassic reads the classic table at offset into t and returns the
// position just past the trailer keyword, where the trailer dictionary
// begins.
func ParseClassic(data []byte, offset int64, t *Table) (int64, error) {
	p := &lineReader{data: data, pos: offset}
	kw, err := p.word()
	if err != nil || kw != "xref" {
		return 0, errors.New("xref: table keyword missing")
	}
	for {
		save := p.pos
		kw, err := p.word()
		if err != nil {
			return 0, errors.New("xref: trailer keyword missing")
		}
		if kw == "trailer" {
			return p.pos, nil
		}
		p.pos = save

		start, err := p.integer()
		if err != nil {
			return 0, fmt.Errorf("xref: subsection header: %w", err)
		}
		count, err := p.integer()
		if err != nil {
			return 0, fmt.Errorf("xref: subsection header: %w", err)
		}
		for i := int64(0); i < count; i++ {
			off, err := p.integer()
			if err != nil {
				return 0, fmt.Errorf("xref: entry %d: %w", start+i, err)
			}
			gen, err := p.integer()
			if err != nil {
				return 0, fmt.Errorf("xref: entry %d: %w", start+i, err)
			}
			kind, err := p.word()
			if err != nil || (kind != "n" && kind != "f") {
				return 0, fmt.Errorf("xref: entry %d: bad type", start+i)
			}
			if kind == "f" {
				t.Add(start+i, Entry{Type: EntryFree, Gen: int(gen)})
			} else {
				t.Add(start+i, Entry{Type: EntryInFile, Offset: off, Gen: int(gen)})
			}
		}
	}
}

// ParseStreamRows decodes the binary rows of a cross-reference stream.
// w holds the three field widths from /W; index holds (start, count)
// pairs from /Index.
func ParseStreamRows(decoded []byte, w [3]int, index []int64, t *Table) error {
	rowLen := w[0] + w[1] + w[2]
	if rowLen <= 0 {
		return errors.New("xref: zero row width")
	}
	if len(index)%2 != 0 {
		return errors.New("xref: odd index array")
	}
	pos := 0
	for i := 0; i < len(index); i += 2 {
		start, count := index[i], index[i+1]
		for j := int64(0); j < count; j++ {
			if pos+rowLen > len(decoded) {
				return errors.New("xref: stream data truncated")
			}
			row := decoded[pos : pos+rowLen]
			pos += rowLen

			typ := int64(1) // omitted type field defaults to in-file
			if w[0] > 0 {
				typ = beInt(row[:w[0]])
			}
			f2 := beInt(row[w[0] : w[0]+w[1]])
			f3 := beInt(row[w[0]+w[1]:])
			num := start + j
			switch typ {
			case 0:
				t.Add(num, Entry{Type: EntryFree, Gen: int(f3)})
			case 1:
				t.Add(num, Entry{Type: EntryInFile, Offset: f2, Gen: int(f3)})
			case 2:
				t.Add(num, Entry{Type: EntryInObjStream, StreamNum: f2, StreamIdx: int(f3)})
			default:
				// Unknown row types are reserved; treat as free.
				t.Add(num, Entry{Type: EntryFree})
			}
		}
	}
	return nil
}

func beInt(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

type lineReader struct {
	data []byte
	pos  int64
}

func (r *lineReader) skipWS() {
	for r.pos < int64(len(r.data)) && isWS(r.data[r.pos]) {
		r.pos++
	}
}

func (r *lineReader) word() (string, error) {
	r.skipWS()
	start := r.pos
	for r.pos < int64(len(r.data)) && isRegular(r.data[r.pos]) {
		r.pos++
	}
	if r.pos == start {
		return "", errors.New("unexpected end of table")
	}
	return string(r.data[start:r.pos]), nil
}

func (r *lineReader) integer() (int64, error) {
	w, err := r.word()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(w, 10, 64)
}

func isWS(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}

func isRegular(c byte) bool {
	if isWS(c) {
		return false
	}
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return false
	}
	return true
}
