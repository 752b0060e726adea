package filters

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/blaisethom/pdfshrink/ir/raw"
)

func TestFlateRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("stream payload "), 64)
	packed, err := DeflateBest(plain)
	if err != nil {
		t.Fatalf("DeflateBest: %v", err)
	}
	out, err := Default().Decode(context.Background(), packed, []string{"FlateDecode"}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Errorf("round trip mismatch: got %d bytes, want %d", len(out), len(plain))
	}
}

func TestInflateRawDeflate(t *testing.T) {
	// A raw deflate stream without the zlib header still inflates.
	packed, err := DeflateBest([]byte("abcabcabc"))
	if err != nil {
		t.Fatalf("DeflateBest: %v", err)
	}
	raw := packed[2 : len(packed)-4] // strip zlib header and adler32
	out, err := Inflate(raw)
	if err != nil {
		t.Fatalf("Inflate: %v", err)
	}
	if string(out) != "abcabcabc" {
		t.Errorf("got %q", out)
	}
}

func TestFlatePNGPredictor(t *testing.T) {
	// Two rows of 4 gray samples, Up predictor on the second row.
	rows := []byte{
		0, 10, 20, 30, 40, // None
		2, 1, 1, 1, 1, // Up
	}
	packed, err := DeflateBest(rows)
	if err != nil {
		t.Fatalf("DeflateBest: %v", err)
	}
	params := raw.Dict()
	params.Set("Predictor", raw.Int(12))
	params.Set("Colors", raw.Int(1))
	params.Set("BitsPerComponent", raw.Int(8))
	params.Set("Columns", raw.Int(4))
	out, err := Default().Decode(context.Background(), packed, []string{"FlateDecode"}, []raw.Dictionary{params})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []byte{10, 20, 30, 40, 11, 21, 31, 41}
	if !bytes.Equal(out, want) {
		t.Errorf("got %v, want %v", out, want)
	}
}

func TestTIFFPredictor(t *testing.T) {
	params := raw.Dict()
	params.Set("Predictor", raw.Int(2))
	params.Set("Colors", raw.Int(3))
	params.Set("BitsPerComponent", raw.Int(8))
	params.Set("Columns", raw.Int(2))
	// Row of two RGB pixels stored as differences.
	in := []byte{100, 50, 25, 10, 10, 10}
	out, err := reversePredictor(in, params)
	if err != nil {
		t.Fatalf("reversePredictor: %v", err)
	}
	want := []byte{100, 50, 25, 110, 60, 35}
	if !bytes.Equal(out, want) {
		t.Errorf("got %v, want %v", out, want)
	}
}

func TestASCIIHex(t *testing.T) {
	out, err := Default().Decode(context.Background(), []byte("48 65 6C 6C 6F>"), []string{"ASCIIHexDecode"}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(out) != "Hello" {
		t.Errorf("got %q", out)
	}
	// Odd digit count implies a trailing zero.
	out, err = Default().Decode(context.Background(), []byte("7>"), []string{"ASCIIHexDecode"}, nil)
	if err != nil {
		t.Fatalf("Decode odd: %v", err)
	}
	if !bytes.Equal(out, []byte{0x70}) {
		t.Errorf("got %s", hex.EncodeToString(out))
	}
}

func TestASCII85(t *testing.T) {
	out, err := Default().Decode(context.Background(), []byte("<~87cURD]i*~>"), []string{"ASCII85Decode"}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(out) != "Hello W" {
		t.Errorf("got %q", out)
	}
}

func TestRunLength(t *testing.T) {
	in := []byte{2, 'a', 'b', 'c', 255, 'x', 128}
	out, err := Default().Decode(context.Background(), in, []string{"RunLengthDecode"}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(out) != "abcxx" {
		t.Errorf("got %q", out)
	}
}

func TestRunLengthTruncated(t *testing.T) {
	if _, err := Default().Decode(context.Background(), []byte{5, 'a'}, []string{"RunLengthDecode"}, nil); err == nil {
		t.Error("expected error for truncated literal run")
	}
}

func TestDCTPassthrough(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3}
	out, err := Default().Decode(context.Background(), jpeg, []string{"DCTDecode"}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out, jpeg) {
		t.Error("DCTDecode must not alter the payload")
	}
}

func TestChainedFilters(t *testing.T) {
	plain := []byte("chained payload")
	packed, err := DeflateBest(plain)
	if err != nil {
		t.Fatalf("DeflateBest: %v", err)
	}
	hexed := []byte(hex.EncodeToString(packed) + ">")
	out, err := Default().Decode(context.Background(), hexed, []string{"ASCIIHexDecode", "FlateDecode"}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Errorf("got %q, want %q", out, plain)
	}
}

func TestUnknownFilter(t *testing.T) {
	_, err := Default().Decode(context.Background(), nil, []string{"JBIG2Decode"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDecompressedSizeLimit(t *testing.T) {
	packed, err := DeflateBest(make([]byte, 4096))
	if err != nil {
		t.Fatalf("DeflateBest: %v", err)
	}
	p := NewPipeline([]Decoder{NewFlateDecoder()}, Limits{MaxDecompressedSize: 1024})
	if _, err := p.Decode(context.Background(), packed, []string{"FlateDecode"}, nil); err == nil {
		t.Error("expected size limit error")
	}
}
