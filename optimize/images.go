package optimize

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/blaisethom/pdfshrink/filters"
	"github.com/blaisethom/pdfshrink/ir/raw"
	"github.com/blaisethom/pdfshrink/observability"
)

// processImage runs the full per-image pipeline: resolve indirect
// filter entries, decode, rebuild pixels, recombine the soft mask,
// downscale and re-encode, then write the streams back. The returned
// actions describe what happened, in order.
func (o *Optimizer) processImage(ctx context.Context, doc *raw.Document, c candidate, debugIndex int) ([]string, error) {
	stm, ok := doc.Stream(c.ref)
	if !ok {
		return nil, ErrNotStream
	}
	var actions []string

	resolveFilterEntries(doc, stm.Dict)

	names, params := filterChain(stm.Dict)
	isJPEG := false
	for _, n := range names {
		if n == "DCTDecode" {
			isJPEG = true
		}
	}
	if isJPEG {
		actions = append(actions, "was JPEG")
	}

	content, err := o.decodeImageContent(ctx, stm.Data, names, params, isJPEG)
	if err != nil {
		return nil, err
	}

	width := int(dictIntDefault(stm.Dict, "Width", 0))
	height := int(dictIntDefault(stm.Dict, "Height", 0))
	csName, hasCS := raw.DictName(stm.Dict, "ColorSpace")
	if hasCS && csName != "DeviceGray" && csName != "DeviceRGB" && csName != "DeviceCMYK" {
		o.log.Debug("unrecognized color space, assuming RGB",
			observability.String("colorspace", csName))
	}
	comps := componentCount(csName, hasCS, len(content), width, height)

	img, err := buildImage(content, width, height, comps)
	if comps == 4 {
		actions = append(actions, "CMYK->RGB")
	}
	if err != nil {
		return nil, err
	}
	o.emitDebug(debugIndex, "before", img)

	rgba := toNRGBA(img)
	hasAlpha := false
	if c.hasMask {
		applied, err := o.applySoftMask(ctx, doc, c.mask, rgba, debugIndex)
		if err != nil {
			return nil, err
		}
		if applied {
			actions = append(actions, "applied SMask")
			hasAlpha = true
		}
	}

	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	if w > o.cfg.MaxDim || h > o.cfg.MaxDim {
		nw, nh := fitDimensions(w, h, o.cfg.MaxDim)
		rgba = scaleNRGBA(rgba, nw, nh)
		actions = append(actions, fmt.Sprintf("resize %dx%d -> %dx%d", w, h, nw, nh))
		w, h = nw, nh
	} else {
		actions = append(actions, fmt.Sprintf("keep dims %dx%d", w, h))
	}
	o.emitDebug(debugIndex, "after", rgba)

	if hasAlpha {
		actions = append(actions, "re-encode: Split RGB(JPEG) + Alpha(Flate)")
		rgb, alpha := splitAlpha(rgba)
		jpegData, err := encodeJPEG(rgb, o.cfg.Quality)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncode, err)
		}
		maskData, err := filters.DeflateBest(alpha)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncode, err)
		}
		writeImageStream(stm, jpegData, w, h)
		if mstm, ok := doc.Stream(c.mask); ok {
			writeMaskStream(mstm, maskData, w, h)
		}
	} else {
		actions = append(actions, fmt.Sprintf("re-encode: JPEG(q=%d)", o.cfg.Quality))
		jpegData, err := encodeJPEG(rgba, o.cfg.Quality)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncode, err)
		}
		writeImageStream(stm, jpegData, w, h)
	}
	return actions, nil
}

// resolveFilterEntries replaces indirect Filter and DecodeParms values
// with the objects they point at, before any decode happens. A direct
// reference that does not resolve degrades to Null; an unresolvable
// array element keeps its original value.
func resolveFilterEntries(doc *raw.Document, dict *raw.DictObj) {
	for _, key := range []string{"Filter", "DecodeParms"} {
		v, ok := dict.Get(key)
		if !ok {
			continue
		}
		if resolved, changed := resolveEntry(doc, v); changed {
			dict.Set(key, resolved)
		}
	}
}

func resolveEntry(doc *raw.Document, obj raw.Object) (raw.Object, bool) {
	switch v := obj.(type) {
	case raw.RefObj:
		if r, ok := doc.Get(v.R); ok {
			return r, true
		}
		return raw.NullObj{}, true
	case *raw.ArrayObj:
		changed := false
		items := make([]raw.Object, v.Len())
		for i, it := range v.Items {
			items[i] = it
			if ref, ok := it.(raw.RefObj); ok {
				if r, ok := doc.Get(ref.R); ok {
					items[i] = r
					changed = true
				}
			}
		}
		if changed {
			return &raw.ArrayObj{Items: items}, true
		}
	}
	return obj, false
}

func filterChain(dict *raw.DictObj) ([]string, []raw.Dictionary) {
	var names []string
	var params []raw.Dictionary
	appendParm := func(obj raw.Object) {
		if d, ok := obj.(*raw.DictObj); ok {
			params = append(params, d)
		} else {
			params = append(params, nil)
		}
	}
	f, ok := dict.Get("Filter")
	if !ok {
		return nil, nil
	}
	parmObj, _ := dict.Get("DecodeParms")
	switch fv := f.(type) {
	case raw.NameObj:
		names = append(names, fv.Val)
		appendParm(parmObj)
	case *raw.ArrayObj:
		parms, _ := parmObj.(*raw.ArrayObj)
		for i, it := range fv.Items {
			if n, ok := it.(raw.NameObj); ok {
				names = append(names, n.Val)
				if parms != nil && i < parms.Len() {
					p, _ := parms.Get(i)
					appendParm(p)
				} else {
					params = append(params, nil)
				}
			}
		}
	}
	return names, params
}

// decodeImageContent decodes the encoded payload. JPEG chains degrade
// to the raw bytes on failure, since the JPEG decoder downstream reads
// them directly.
func (o *Optimizer) decodeImageContent(ctx context.Context, data []byte, names []string, params []raw.Dictionary, isJPEG bool) ([]byte, error) {
	if isJPEG {
		out, err := o.pipeline.Decode(ctx, data, names, params)
		if err != nil {
			return data, nil
		}
		return out, nil
	}
	return o.decodeData(ctx, data, names, params)
}

// decodeData is the two-step decoder: the full filter pipeline first,
// then a bare zlib inflate that ignores decode parameters when the
// chain is a single FlateDecode step.
func (o *Optimizer) decodeData(ctx context.Context, data []byte, names []string, params []raw.Dictionary) ([]byte, error) {
	out, err := o.pipeline.Decode(ctx, data, names, params)
	if err == nil {
		return out, nil
	}
	if len(names) == 1 && names[0] == "FlateDecode" {
		if plain, ierr := filters.Inflate(data); ierr == nil {
			return plain, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrDecode, err)
}

// componentCount applies the color-space name mapping, falling back to
// a buffer-length heuristic. Zero means "let a generic image decoder
// figure it out".
func componentCount(csName string, hasCS bool, n, w, h int) int {
	if w <= 0 || h <= 0 {
		return 0
	}
	if hasCS {
		switch csName {
		case "DeviceGray":
			return 1
		case "DeviceRGB":
			return 3
		case "DeviceCMYK":
			return 4
		default:
			return 3 // assume RGB, a known approximation
		}
	}
	switch n {
	case w * h:
		return 1
	case w * h * 3:
		return 3
	case w * h * 4:
		return 4
	default:
		return 3
	}
}

func buildImage(content []byte, w, h, comps int) (image.Image, error) {
	switch comps {
	case 0:
		img, _, err := image.Decode(bytes.NewReader(content))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return img, nil
	case 1:
		if len(content) == w*h {
			return &image.Gray{Pix: content, Stride: w, Rect: image.Rect(0, 0, w, h)}, nil
		}
		img, _, err := image.Decode(bytes.NewReader(content))
		if err != nil {
			return nil, fmt.Errorf("%w: gray buffer of %d bytes for %dx%d", ErrColorConversion, len(content), w, h)
		}
		return img, nil
	case 3:
		if len(content) == w*h*3 {
			return rgbToNRGBA(content, w, h), nil
		}
		img, _, err := image.Decode(bytes.NewReader(content))
		if err != nil {
			return nil, fmt.Errorf("%w: rgb buffer of %d bytes for %dx%d", ErrColorConversion, len(content), w, h)
		}
		return img, nil
	case 4:
		// JPEG-encoded CMYK decodes generically; packed quadruplets
		// get the naive conversion. No color management by contract.
		if img, _, err := image.Decode(bytes.NewReader(content)); err == nil {
			return img, nil
		}
		if len(content) >= w*h*4 {
			return cmykToNRGBA(content, w, h), nil
		}
		return nil, fmt.Errorf("%w: cmyk buffer of %d bytes for %dx%d", ErrColorConversion, len(content), w, h)
	default:
		return nil, fmt.Errorf("%w: %d components", ErrColorConversion, comps)
	}
}

func rgbToNRGBA(content []byte, w, h int) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		out.Pix[i*4+0] = content[i*3+0]
		out.Pix[i*4+1] = content[i*3+1]
		out.Pix[i*4+2] = content[i*3+2]
		out.Pix[i*4+3] = 0xFF
	}
	return out
}

// cmykToNRGBA converts packed CMYK with R=(1-C)(1-K) and friends,
// channels normalized to 0..1 and the product truncated back to 0..255.
func cmykToNRGBA(content []byte, w, h int) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		c := float64(content[i*4+0]) / 255
		m := float64(content[i*4+1]) / 255
		y := float64(content[i*4+2]) / 255
		k := float64(content[i*4+3]) / 255
		out.Pix[i*4+0] = byte((1 - c) * (1 - k) * 255)
		out.Pix[i*4+1] = byte((1 - m) * (1 - k) * 255)
		out.Pix[i*4+2] = byte((1 - y) * (1 - k) * 255)
		out.Pix[i*4+3] = 0xFF
	}
	return out
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == image.Pt(0, 0) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}

// applySoftMask decodes the mask stream and copies its samples into
// the alpha channel. Dimension mismatch skips masking without error.
func (o *Optimizer) applySoftMask(ctx context.Context, doc *raw.Document, maskRef raw.ObjectRef, rgba *image.NRGBA, debugIndex int) (bool, error) {
	mstm, ok := doc.Stream(maskRef)
	if !ok {
		return false, fmt.Errorf("soft mask %s: %w", maskRef, ErrNotStream)
	}
	names, params := filterChain(mstm.Dict)
	content, err := o.decodeData(ctx, mstm.Data, names, params)
	if err != nil {
		return false, fmt.Errorf("soft mask %s: %w", maskRef, err)
	}
	mw := int(dictIntDefault(mstm.Dict, "Width", 0))
	mh := int(dictIntDefault(mstm.Dict, "Height", 0))
	if mw != rgba.Rect.Dx() || mh != rgba.Rect.Dy() {
		o.log.Debug("soft mask dimensions differ, treating image as opaque",
			observability.String("mask", maskRef.String()))
		return false, nil
	}
	if len(content) < mw*mh {
		return false, fmt.Errorf("soft mask %s: %w: %d samples for %dx%d", maskRef, ErrColorConversion, len(content), mw, mh)
	}
	gray := &image.Gray{Pix: content[:mw*mh], Stride: mw, Rect: image.Rect(0, 0, mw, mh)}
	o.emitDebug(debugIndex, "mask-extracted", gray)
	for i := 0; i < mw*mh; i++ {
		rgba.Pix[i*4+3] = content[i]
	}
	return true, nil
}

// fitDimensions shrinks (w, h) so the larger side equals max, aspect
// preserved within one-pixel rounding. Never upsamples.
func fitDimensions(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return w, h
	}
	if w >= h {
		nh := int(float64(h)*float64(max)/float64(w) + 0.5)
		if nh < 1 {
			nh = 1
		}
		return max, nh
	}
	nw := int(float64(w)*float64(max)/float64(h) + 0.5)
	if nw < 1 {
		nw = 1
	}
	return nw, max
}

func scaleNRGBA(src *image.NRGBA, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	return dst
}

// splitAlpha separates the buffer into an opaque RGB image and the raw
// alpha plane, row-major.
func splitAlpha(rgba *image.NRGBA) (*image.NRGBA, []byte) {
	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	rgb := image.NewNRGBA(image.Rect(0, 0, w, h))
	alpha := make([]byte, w*h)
	for i := 0; i < w*h; i++ {
		rgb.Pix[i*4+0] = rgba.Pix[i*4+0]
		rgb.Pix[i*4+1] = rgba.Pix[i*4+1]
		rgb.Pix[i*4+2] = rgba.Pix[i*4+2]
		rgb.Pix[i*4+3] = 0xFF
		alpha[i] = rgba.Pix[i*4+3]
	}
	return rgb, alpha
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeImageStream commits the JPEG bytes and a consistent dictionary:
// dimensions, codec, color space and sample depth all describe the new
// content, and stale decode metadata is dropped.
func writeImageStream(stm *raw.StreamObj, data []byte, w, h int) {
	stm.Data = data
	d := stm.Dict
	d.Set("Length", raw.Int(int64(len(data))))
	d.Set("Filter", raw.Name("DCTDecode"))
	d.Set("Width", raw.Int(int64(w)))
	d.Set("Height", raw.Int(int64(h)))
	d.Set("ColorSpace", raw.Name("DeviceRGB"))
	d.Set("BitsPerComponent", raw.Int(8))
	d.Delete("DecodeParms")
	d.Delete("Decode")
}

func writeMaskStream(stm *raw.StreamObj, data []byte, w, h int) {
	stm.Data = data
	d := stm.Dict
	d.Set("Length", raw.Int(int64(len(data))))
	d.Set("Filter", raw.Name("FlateDecode"))
	d.Set("Width", raw.Int(int64(w)))
	d.Set("Height", raw.Int(int64(h)))
	d.Set("ColorSpace", raw.Name("DeviceGray"))
	d.Set("BitsPerComponent", raw.Int(8))
	d.Delete("DecodeParms")
	d.Delete("Decode")
}

func (o *Optimizer) emitDebug(index int, stage string, img image.Image) {
	if o.cfg.Debug == nil {
		return
	}
	if err := o.cfg.Debug.Emit(index, stage, img); err != nil {
		o.log.Warn("debug emit failed",
			observability.String("stage", stage), observability.Error("err", err))
	}
}

func dictIntDefault(d raw.Dictionary, key string, def int64) int64 {
	if v, ok := raw.DictInt(d, key); ok {
		return v
	}
	return def
}
