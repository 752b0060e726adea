// Package filters decodes PDF stream filter chains. Decoders are
// looked up by filter name and applied in order; each step either
// yields bytes for the next step or fails the whole chain.
package filters

import (
	"bytes"
	"compress/lzw"
	"context"
	stdascii85 "encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	kflate "github.com/klauspost/compress/flate"
	kzlib "github.com/klauspost/compress/zlib"
	tifflzw "golang.org/x/image/tiff/lzw"

	"github.com/blaisethom/pdfshrink/ir/raw"
)

// ErrUnsupportedFilter marks a filter name with no registered decoder.
var ErrUnsupportedFilter = errors.New("unsupported filter")

type Decoder interface {
	Name() string
	Decode(ctx context.Context, input []byte, params raw.Dictionary) ([]byte, error)
}

type Limits struct {
	MaxDecompressedSize int64 // 0 = unlimited
}

type Pipeline struct {
	decoders map[string]Decoder
	limits   Limits
}

func NewPipeline(decoders []Decoder, limits Limits) *Pipeline {
	m := make(map[string]Decoder, len(decoders))
	for _, d := range decoders {
		m[d.Name()] = d
	}
	return &Pipeline{decoders: m, limits: limits}
}

// Default returns a pipeline with every decoder this module ships.
func Default() *Pipeline {
	return NewPipeline([]Decoder{
		NewFlateDecoder(),
		NewLZWDecoder(),
		NewASCII85Decoder(),
		NewASCIIHexDecoder(),
		NewRunLengthDecoder(),
		NewDCTDecoder(),
	}, Limits{})
}

// Decode applies the named filters in order. params aligns with
// filterNames positionally; a short params slice leaves trailing
// filters without parameters.
func (p *Pipeline) Decode(ctx context.Context, input []byte, filterNames []string, params []raw.Dictionary) ([]byte, error) {
	data := input
	for i, name := range filterNames {
		dec, ok := p.decoders[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
		}
		var param raw.Dictionary
		if i < len(params) {
			param = params[i]
		}
		out, err := dec.Decode(ctx, data, param)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if p.limits.MaxDecompressedSize > 0 && int64(len(out)) > p.limits.MaxDecompressedSize {
			return nil, errors.New("decompressed size exceeds limit")
		}
		data = out
	}
	return data, nil
}

// FlateDecode: zlib-wrapped deflate plus optional predictor reversal.
type flateDecoder struct{}

func NewFlateDecoder() Decoder    { return flateDecoder{} }
func (flateDecoder) Name() string { return "FlateDecode" }

func (flateDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	data, err := Inflate(in)
	if err != nil {
		return nil, err
	}
	return reversePredictor(data, params)
}

// Inflate decompresses a zlib stream, tolerating raw-deflate payloads
// written without the zlib header.
func Inflate(in []byte) ([]byte, error) {
	zr, err := kzlib.NewReader(bytes.NewReader(in))
	if err != nil {
		fr := kflate.NewReader(bytes.NewReader(in))
		defer fr.Close()
		var out bytes.Buffer
		if _, err := io.Copy(&out, fr); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}
	defer zr.Close()
	var out bytes.Buffer
	if _, err := io.Copy(&out, zr); err != nil {
		// Truncated streams still carry usable image data; keep what
		// decoded cleanly, as the manual fallback in the driver would.
		if out.Len() > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
			return out.Bytes(), nil
		}
		return nil, err
	}
	return out.Bytes(), nil
}

// DeflateBest compresses data as a zlib stream at maximum ratio.
func DeflateBest(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := kzlib.NewWriterLevel(&buf, kzlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LZWDecode: MSB-first codes; EarlyChange selects the TIFF variant.
type lzwDecoder struct{}

func NewLZWDecoder() Decoder    { return lzwDecoder{} }
func (lzwDecoder) Name() string { return "LZWDecode" }

func (lzwDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	earlyChange := int64(1)
	if v, ok := raw.DictInt(params, "EarlyChange"); ok {
		earlyChange = v
	}
	var r io.ReadCloser
	if earlyChange == 0 {
		r = lzw.NewReader(bytes.NewReader(in), lzw.MSB, 8)
	} else {
		r = tifflzw.NewReader(bytes.NewReader(in), tifflzw.MSB, 8)
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil && out.Len() == 0 {
		return nil, err
	}
	return reversePredictor(out.Bytes(), params)
}

type ascii85Decoder struct{}

func NewASCII85Decoder() Decoder    { return ascii85Decoder{} }
func (ascii85Decoder) Name() string { return "ASCII85Decode" }

func (ascii85Decoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	trimmed := bytes.TrimSpace(in)
	trimmed = bytes.TrimPrefix(trimmed, []byte("<~"))
	trimmed = bytes.TrimSuffix(trimmed, []byte("~>"))
	out := make([]byte, len(trimmed))
	n, _, err := stdascii85.Decode(out, trimmed, true)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

type asciiHexDecoder struct{}

func NewASCIIHexDecoder() Decoder    { return asciiHexDecoder{} }
func (asciiHexDecoder) Name() string { return "ASCIIHexDecode" }

func (asciiHexDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	trimmed := in
	if i := bytes.IndexByte(trimmed, '>'); i >= 0 {
		trimmed = trimmed[:i]
	}
	compact := make([]byte, 0, len(trimmed))
	for _, c := range trimmed {
		if !isWS(c) {
			compact = append(compact, c)
		}
	}
	if len(compact)%2 == 1 {
		compact = append(compact, '0')
	}
	out := make([]byte, hex.DecodedLen(len(compact)))
	n, err := hex.Decode(out, compact)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// RunLengthDecode per PDF 7.4.5.
type runLengthDecoder struct{}

func NewRunLengthDecoder() Decoder    { return runLengthDecoder{} }
func (runLengthDecoder) Name() string { return "RunLengthDecode" }

func (runLengthDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	var out bytes.Buffer
	for i := 0; i < len(in); {
		n := in[i]
		i++
		switch {
		case n == 128:
			return out.Bytes(), nil
		case n < 128:
			end := i + int(n) + 1
			if end > len(in) {
				return nil, errors.New("runlength: literal run past end of data")
			}
			out.Write(in[i:end])
			i = end
		default:
			if i >= len(in) {
				return nil, errors.New("runlength: repeat run past end of data")
			}
			out.Write(bytes.Repeat(in[i:i+1], 257-int(n)))
			i++
		}
	}
	return out.Bytes(), nil
}

// DCTDecode is a passthrough: JPEG bytes go to the image decoder as-is.
type dctDecoder struct{}

func NewDCTDecoder() Decoder    { return dctDecoder{} }
func (dctDecoder) Name() string { return "DCTDecode" }

func (dctDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	return in, nil
}

func isWS(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}
