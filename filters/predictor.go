package filters

import (
	"errors"
	"fmt"

	"github.com/blaisethom/pdfshrink/ir/raw"
)

// reversePredictor undoes the TIFF or PNG predictor named in the
// decode parameters. Predictor 1 (or no parameters) is the identity.
func reversePredictor(data []byte, params raw.Dictionary) ([]byte, error) {
	if params == nil {
		return data, nil
	}
	predictor := int64(1)
	if v, ok := raw.DictInt(params, "Predictor"); ok {
		predictor = v
	}
	if predictor <= 1 {
		return data, nil
	}
	colors := int64(1)
	if v, ok := raw.DictInt(params, "Colors"); ok {
		colors = v
	}
	bpc := int64(8)
	if v, ok := raw.DictInt(params, "BitsPerComponent"); ok {
		bpc = v
	}
	columns := int64(1)
	if v, ok := raw.DictInt(params, "Columns"); ok {
		columns = v
	}
	if colors < 1 || bpc < 1 || columns < 1 {
		return nil, errors.New("predictor: invalid decode parameters")
	}

	sampleBits := colors * bpc
	bytesPerPixel := int((sampleBits + 7) / 8)
	rowBytes := int((sampleBits*columns + 7) / 8)

	if predictor == 2 {
		return reverseTIFFPredictor(data, int(colors), int(bpc), rowBytes)
	}
	if predictor >= 10 && predictor <= 15 {
		return reversePNGPredictor(data, bytesPerPixel, rowBytes)
	}
	return nil, fmt.Errorf("predictor: unsupported predictor %d", predictor)
}

func reverseTIFFPredictor(data []byte, colors, bpc, rowBytes int) ([]byte, error) {
	if bpc != 8 {
		return nil, fmt.Errorf("predictor: TIFF predictor with %d bits per component not supported", bpc)
	}
	out := make([]byte, len(data))
	copy(out, data)
	for row := 0; row+rowBytes <= len(out); row += rowBytes {
		for i := colors; i < rowBytes; i++ {
			out[row+i] += out[row+i-colors]
		}
	}
	return out, nil
}

// reversePNGPredictor handles predictors 10 through 15. Each row
// carries its own algorithm tag byte, so the dictionary value only
// declares that PNG filtering is present.
func reversePNGPredictor(data []byte, bytesPerPixel, rowBytes int) ([]byte, error) {
	stride := rowBytes + 1
	if len(data)%stride != 0 {
		return nil, errors.New("predictor: data length not a multiple of row size")
	}
	rows := len(data) / stride
	out := make([]byte, 0, rows*rowBytes)
	prev := make([]byte, rowBytes)
	cur := make([]byte, rowBytes)

	for r := 0; r < rows; r++ {
		tag := data[r*stride]
		copy(cur, data[r*stride+1:(r+1)*stride])
		switch tag {
		case 0: // None
		case 1: // Sub
			for i := bytesPerPixel; i < rowBytes; i++ {
				cur[i] += cur[i-bytesPerPixel]
			}
		case 2: // Up
			for i := 0; i < rowBytes; i++ {
				cur[i] += prev[i]
			}
		case 3: // Average
			for i := 0; i < rowBytes; i++ {
				var left byte
				if i >= bytesPerPixel {
					left = cur[i-bytesPerPixel]
				}
				cur[i] += byte((int(left) + int(prev[i])) / 2)
			}
		case 4: // Paeth
			for i := 0; i < rowBytes; i++ {
				var left, upLeft byte
				if i >= bytesPerPixel {
					left = cur[i-bytesPerPixel]
					upLeft = prev[i-bytesPerPixel]
				}
				cur[i] += paeth(left, prev[i], upLeft)
			}
		default:
			return nil, fmt.Errorf("predictor: unknown PNG row filter %d", tag)
		}
		out = append(out, cur...)
		prev, cur = cur, prev
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
