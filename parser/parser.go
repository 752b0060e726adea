// Package parser turns raw PDF bytes into a document object graph. It
// follows the cross-reference chain through every revision, loads
// objects from the file body and from object streams, and decrypts
// protected documents that open with an empty user password.
package parser

import (
	"bytes"
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

type Config struct {
	// Password tried against encrypted documents. The empty string is
	// always attempted, matching viewers that open permission-only
	// protected files without prompting.
	Password string
	Logger   observability.Logger
	Scanner  scanner.Config
	Filters  filters.Limits
}

type DocumentParser struct {
	cfg      Config
	log      observability.Logger
	pipeline *filters.Pipeline
}

func New(cfg Config) *DocumentParser {
	log := cfg.Logger
	if log == nil {
		log = observability.NopLogger{}
	}
	return &DocumentParser{
		cfg: cfg,
		log: log,
		pipeline: filters.NewPipeline([]filters.Decoder{
			filters.NewFlateDecoder(),
			filters.NewLZWDecoder(),
			filters.NewASCII85Decoder(),
			filters.NewASCIIHexDecoder(),
			filters.NewRunLengthDecoder(),
			filters.NewDCTDecoder(),
		}, cfg.Filters),
	}
}

// Parse loads the whole document. Structural failures (bad header,
// unusable xref chain) are fatal; individual unreadable objects are
// logged and skipped.
func (p *DocumentParser) Parse(ctx context.Context, data []byte) (*raw.Document, error) {
	doc := raw.NewDocument()
	version, err := detectVersion(data)
	if err != nil {
		return nil, err
	}
	doc.Version = version

	start, err := xref.FindStartXref(data)
	if err != nil {
		return nil, err
	}
	table := xref.NewTable()
	trailer, err := p.loadXrefChain(ctx, data, start, table)
	if err != nil {
		return nil, err
	}
	doc.Trailer = trailer
	p.log.Debug("xref chain loaded", observability.Int("entries", table.Len()))

	ld := &objectLoader{
		data:     data,
		doc:      doc,
		table:    table,
		pipeline: p.pipeline,
		scanCfg:  p.cfg.Scanner,
		log:      p.log,
		sec:      security.NoopHandler(),
		loaded:   make(map[int64]bool),
		objStm:   make(map[int64]*objStmPayload),
	}
	ld.setupSecurity(p.cfg.Password)
	if err := ld.loadAll(ctx); err != nil {
		return nil, err
	}
	return doc, nil
}

func detectVersion(data []byte) (string, error) {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	idx := bytes.Index(head, []byte("%PDF-"))
	if idx < 0 {
		return "", errors.New("parser: PDF header not found")
	}
	rest := head[idx+5:]
	end := 0
	for end < len(rest) && end < 8 && !isEOLByte(rest[end]) {
		end++
	}
	v := string(bytes.TrimSpace(rest[:end]))
	if v == "" {
		v = "1.7"
	}
	return v, nil
}

func isEOLByte(c byte) bool { return c == '\r' || c == '\n' }

// loadXrefChain walks the revision chain newest to oldest. The newest
// trailer is authoritative; keys missing from it are filled in from
// older revisions.
func (p *DocumentParser) loadXrefChain(ctx context.Context, data []byte, start int64, table *xref.Table) (*raw.DictObj, error) {
	var main *raw.DictObj
	visited := make(map[int64]bool)
	offset := start
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if visited[offset] {
			p.log.Warn("xref chain loop", observability.Int64("offset", offset))
			break
		}
		visited[offset] = true

		var trailer *raw.DictObj
		if xref.IsClassic(data, offset) {
			classic := xref.NewTable()
			trailerPos, err := xref.ParseClassic(data, offset, classic)
			if err != nil {
				return nil, err
			}
			s := scanner.New(data, p.cfg.Scanner)
			if err := s.SeekTo(int(trailerPos)); err != nil {
				return nil, err
			}
			obj, err := nextValue(s)
			if err != nil {
				return nil, fmt.Errorf("parser: trailer: %w", err)
			}
			var ok bool
			if trailer, ok = obj.(*raw.DictObj); !ok {
				return nil, errors.New("parser: trailer is not a dictionary")
			}
			// Hybrid files hide objects in a companion xref stream;
			// its entries must win over the classic free markers.
			if stm, ok := raw.DictInt(trailer, "XRefStm"); ok && !visited[stm] {
				visited[stm] = true
				if _, err := p.loadXrefStream(ctx, data, stm, table); err != nil {
					p.log.Warn("hybrid xref stream unreadable", observability.Error("err", err))
				}
			}
			mergeTable(classic, table)
		} else {
			var err error
			trailer, err = p.loadXrefStream(ctx, data, offset, table)
			if err != nil {
				return nil, err
			}
		}

		if main == nil {
			main = trailer
		} else {
			for _, k := range trailer.Keys() {
				if _, ok := main.Get(k); !ok {
					v, _ := trailer.Get(k)
					main.Set(k, v)
				}
			}
		}
		prev, ok := raw.DictInt(trailer, "Prev")
		if !ok {
			break
		}
		offset = prev
	}
	if main == nil {
		return nil, errors.New("parser: no trailer found")
	}
	return main, nil
}

func mergeTable(from, into *xref.Table) {
	for _, num := range from.Numbers() {
		if e, ok := from.Lookup(num); ok {
			into.Add(num, e)
		}
	}
}

// loadXrefStream parses the cross-reference stream object at offset
// and returns its dictionary, which doubles as the trailer.
func (p *DocumentParser) loadXrefStream(ctx context.Context, data []byte, offset int64, table *xref.Table) (*raw.DictObj, error) {
	s := scanner.New(data, p.cfg.Scanner)
	if err := s.SeekTo(int(offset)); err != nil {
		return nil, err
	}
	if _, _, err := readObjHeader(s); err != nil {
		return nil, fmt.Errorf("parser: xref stream at %d: %w", offset, err)
	}
	obj, err := nextValue(s)
	if err != nil {
		return nil, err
	}
	dict, ok := obj.(*raw.DictObj)
	if !ok {
		return nil, errors.New("parser: xref stream object is not a stream")
	}
	// The Length of a cross-reference stream must be direct.
	length := -1
	if n, ok := raw.DictInt(dict, "Length"); ok {
		length = int(n)
	}
	s.SetNextStreamLength(length)
	tok, err := s.Next()
	if err != nil || tok.Type != scanner.TokenStream {
		return nil, errors.New("parser: xref stream payload missing")
	}
	decoded, err := p.decodeXrefStream(ctx, dict, tok.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parser: xref stream decode: %w", err)
	}

	w, err := widthsFrom(dict)
	if err != nil {
		return nil, err
	}
	size, _ := raw.DictInt(dict, "Size")
	index := []int64{0, size}
	if arr, ok := dict.Get("Index"); ok {
		idxArr, ok := arr.(*raw.ArrayObj)
		if !ok {
			return nil, errors.New("parser: Index must be an array")
		}
		index = index[:0]
		for i := 0; i < idxArr.Len(); i++ {
			item, _ := idxArr.Get(i)
			n, ok := item.(raw.NumberObj)
			if !ok {
				return nil, errors.New("parser: Index entries must be integers")
			}
			index = append(index, n.Int())
		}
	}
	if err := xref.ParseStreamRows(decoded, w, index, table); err != nil {
		return nil, err
	}
	return dict, nil
}

func widthsFrom(dict *raw.DictObj) ([3]int, error) {
	var w [3]int
	arr, ok := dict.Get("W")
	if !ok {
		return w, errors.New("parser: xref stream missing W")
	}
	wArr, ok := arr.(*raw.ArrayObj)
	if !ok || wArr.Len() != 3 {
		return w, errors.New("parser: W must be a three-element array")
	}
	for i := 0; i < 3; i++ {
		item, _ := wArr.Get(i)
		n, ok := item.(raw.NumberObj)
		if !ok {
			return w, errors.New("parser: W entries must be integers")
		}
		w[i] = int(n.Int())
	}
	return w, nil
}

// decodeXrefStream runs the stream's filter chain. Filter and
// DecodeParms in a cross-reference stream are always direct values.
func (p *DocumentParser) decodeXrefStream(ctx context.Context, dict *raw.DictObj, data []byte) ([]byte, error) {
	names, params := directFilterChain(dict)
	if len(names) == 0 {
		return data, nil
	}
	return p.pipeline.Decode(ctx, data, names, params)
}

func directFilterChain(dict *raw.DictObj) ([]string, []raw.Dictionary) {
	var names []string
	var params []raw.Dictionary
	appendParm := func(obj raw.Object) {
		if d, ok := obj.(*raw.DictObj); ok {
			params = append(params, d)
		} else {
			params = append(params, nil)
		}
	}
	switch f := mustGet(dict, "Filter").(type) {
	case raw.NameObj:
		names = append(names, f.Val)
		appendParm(mustGet(dict, "DecodeParms"))
	case *raw.ArrayObj:
		parms, _ := mustGet(dict, "DecodeParms").(*raw.ArrayObj)
		for i := 0; i < f.Len(); i++ {
			item, _ := f.Get(i)
			if n, ok := item.(raw.NameObj); ok {
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

func mustGet(d *raw.DictObj, key string) raw.Object {
	if v, ok := d.Get(key); ok {
		return v
	}
	return raw.NullObj{}
}
