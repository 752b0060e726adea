package scanner

import (
	"bytes"
	"io"
	"testing"
)

func nextToken(t *testing.T, s *Scanner) Token {
	t.Helper()
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tok
}

func TestScanner_BasicTokens(t *testing.T) {
	s := New([]byte("%PDF-1.7\n1 0 obj\n<< /Name /Value /Nums [1 2 3] /Flag true /Nothing null >>\nendobj"), Config{})

	tok := nextToken(t, s)
	if tok.Type != TokenNumber || !tok.IsInt || tok.Int != 1 {
		t.Fatalf("expected number 1, got %+v", tok)
	}
	tok = nextToken(t, s)
	if tok.Type != TokenNumber || tok.Int != 0 {
		t.Fatalf("expected generation 0, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenKeyword || tok.Str != "obj" {
		t.Fatalf("expected obj keyword, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenDict {
		t.Fatalf("expected dict start, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Name" {
		t.Fatalf("expected Name key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Value" {
		t.Fatalf("expected Value name, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Nums" {
		t.Fatalf("expected Nums key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenArray {
		t.Fatalf("expected array start, got %+v", tok)
	}
	for i := int64(1); i <= 3; i++ {
		tok = nextToken(t, s)
		if tok.Type != TokenNumber || !tok.IsInt || tok.Int != i {
			t.Fatalf("expected array number %d, got %+v", i, tok)
		}
	}
	if tok = nextToken(t, s); tok.Type != TokenKeyword || tok.Str != "]" {
		t.Fatalf("expected array end, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Flag" {
		t.Fatalf("expected Flag key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenBoolean || !tok.Bool {
		t.Fatalf("expected true, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Nothing" {
		t.Fatalf("expected Nothing key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenNull {
		t.Fatalf("expected null, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenKeyword || tok.Str != ">>" {
		t.Fatalf("expected dict end, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenKeyword || tok.Str != "endobj" {
		t.Fatalf("expected endobj, got %+v", tok)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestScanner_IndirectReference(t *testing.T) {
	s := New([]byte("12 3 R 42"), Config{})
	tok := nextToken(t, s)
	if tok.Type != TokenRef || tok.Int != 12 || tok.Gen != 3 {
		t.Fatalf("expected reference 12 3 R, got %+v", tok)
	}
	tok = nextToken(t, s)
	if tok.Type != TokenNumber || tok.Int != 42 {
		t.Fatalf("expected trailing number, got %+v", tok)
	}
}

func TestScanner_TwoNumbersWithoutR(t *testing.T) {
	// The lookahead must rewind on a failed reference match.
	s := New([]byte("5 7 /Next"), Config{})
	for _, want := range []int64{5, 7} {
		tok := nextToken(t, s)
		if tok.Type != TokenNumber || tok.Int != want {
			t.Fatalf("expected number %d, got %+v", want, tok)
		}
	}
	if tok := nextToken(t, s); tok.Type != TokenName || tok.Str != "Next" {
		t.Fatalf("expected name after numbers, got %+v", tok)
	}
}

func TestScanner_Reals(t *testing.T) {
	s := New([]byte("-3.25 .5 +4"), Config{})
	tok := nextToken(t, s)
	if tok.Type != TokenNumber || tok.IsInt || tok.Float != -3.25 {
		t.Fatalf("expected real -3.25, got %+v", tok)
	}
	tok = nextToken(t, s)
	if tok.Type != TokenNumber || tok.IsInt || tok.Float != 0.5 {
		t.Fatalf("expected real 0.5, got %+v", tok)
	}
	tok = nextToken(t, s)
	if tok.Type != TokenNumber || !tok.IsInt || tok.Int != 4 {
		t.Fatalf("expected integer 4, got %+v", tok)
	}
}

func TestScanner_NameEscapes(t *testing.T) {
	s := New([]byte("/A#20B /Lime#47reen"), Config{})
	if tok := nextToken(t, s); tok.Str != "A B" {
		t.Fatalf("expected decoded space, got %+v", tok)
	}
	if tok := nextToken(t, s); tok.Str != "LimeGreen" {
		t.Fatalf("expected decoded hex pair, got %+v", tok)
	}
}

func TestScanner_LiteralStrings(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"(plain)", "plain"},
		{"(nested (parens) kept)", "nested (parens) kept"},
		{`(esc \( \) \\ \n)`, "esc ( ) \\ \n"},
		{`(\101\102\103)`, "ABC"},
		{"(split \\\nline)", "split line"},
	}
	for _, c := range cases {
		s := New([]byte(c.in), Config{})
		tok := nextToken(t, s)
		if tok.Type != TokenString || !bytes.Equal(tok.Bytes, []byte(c.want)) {
			t.Errorf("%s: got %q, want %q", c.in, tok.Bytes, c.want)
		}
	}
}

func TestScanner_UnterminatedString(t *testing.T) {
	s := New([]byte("(never closed"), Config{})
	if _, err := s.Next(); err == nil {
		t.Fatal("expected error for unterminated string")
	}
}

func TestScanner_StringLengthLimit(t *testing.T) {
	s := New([]byte("(abcdefgh)"), Config{MaxStringLength: 4})
	if _, err := s.Next(); err == nil {
		t.Fatal("expected error for oversized string")
	}
}

func TestScanner_HexStrings(t *testing.T) {
	s := New([]byte("<48 65 6C6C6F> <41424>"), Config{})
	tok := nextToken(t, s)
	if tok.Type != TokenString || !tok.Hex || string(tok.Bytes) != "Hello" {
		t.Fatalf("expected Hello, got %+v", tok)
	}
	// Odd nibble count pads with zero.
	tok = nextToken(t, s)
	if string(tok.Bytes) != "AB@" {
		t.Fatalf("expected padded AB@, got %q", tok.Bytes)
	}
}

func TestScanner_StreamWithLengthHint(t *testing.T) {
	payload := "binary\nendstream fake\x00data"
	src := "<< /Length 21 >> stream\n" + payload + "\nendstream endobj"
	s := New([]byte(src), Config{})
	for i := 0; i < 4; i++ {
		nextToken(t, s) // << /Length 21 >>
	}
	s.SetNextStreamLength(len(payload))
	tok := nextToken(t, s)
	if tok.Type != TokenStream || string(tok.Bytes) != payload {
		t.Fatalf("hinted stream payload = %q, want %q", tok.Bytes, payload)
	}
	if tok = nextToken(t, s); tok.Type != TokenKeyword || tok.Str != "endobj" {
		t.Fatalf("expected endobj after stream, got %+v", tok)
	}
}

func TestScanner_StreamSearchFallback(t *testing.T) {
	src := "stream\r\npayload bytes\nendstream"
	s := New([]byte(src), Config{})
	tok := nextToken(t, s)
	if tok.Type != TokenStream || string(tok.Bytes) != "payload bytes" {
		t.Fatalf("searched stream payload = %q, want %q", tok.Bytes, "payload bytes")
	}
}

func TestScanner_StreamScanBound(t *testing.T) {
	src := "stream\n0123456789endstream"
	s := New([]byte(src), Config{MaxStreamScan: 5})
	if _, err := s.Next(); err == nil {
		t.Fatal("expected error when endstream lies beyond the scan bound")
	}
}

func TestScanner_SeekTo(t *testing.T) {
	s := New([]byte("junk /Here"), Config{})
	if err := s.SeekTo(5); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	if tok := nextToken(t, s); tok.Type != TokenName || tok.Str != "Here" {
		t.Fatalf("expected name after seek, got %+v", tok)
	}
	if err := s.SeekTo(99); err == nil {
		t.Fatal("expected range error")
	}
}

func TestScanner_CommentsSkipped(t *testing.T) {
	s := New([]byte("% leading comment\n7 % trailing\n8"), Config{})
	if tok := nextToken(t, s); tok.Int != 7 {
		t.Fatalf("expected 7, got %+v", tok)
	}
	if tok := nextToken(t, s); tok.Int != 8 {
		t.Fatalf("expected 8, got %+v", tok)
	}
}
