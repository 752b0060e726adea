// Package optimize recompresses the raster images embedded in a
// document graph. Each image XObject is decoded, rebuilt as a pixel
// buffer, optionally downscaled and re-encoded as JPEG, with soft-mask
// alpha recombined and written back as a Flate-compressed gray plane.
// Everything that is not a raster image passes through untouched.
package optimize

import (
	"context"
	"strings"

	"github.com/blaisethom/pdfshrink/filters"
	"github.com/blaisethom/pdfshrink/ir/raw"
	"github.com/blaisethom/pdfshrink/observability"
)

type Config struct {
	// Quality is the JPEG quality, 1 to 100. Zero means 50.
	Quality int
	// MaxDim bounds the larger image dimension; bigger images are
	// downscaled, smaller ones are never upsampled. Zero means 1500.
	MaxDim int
	Logger observability.Logger
	Debug  DebugSink
}

// Summary reports what a run did.
type Summary struct {
	Images    int // images submitted to the pipeline
	Processed int // images re-encoded successfully
}

type Optimizer struct {
	cfg      Config
	log      observability.Logger
	pipeline *filters.Pipeline
}

func New(cfg Config) *Optimizer {
	if cfg.Quality <= 0 {
		cfg.Quality = 50
	}
	if cfg.Quality > 100 {
		cfg.Quality = 100
	}
	if cfg.MaxDim <= 0 {
		cfg.MaxDim = 1500
	}
	log := cfg.Logger
	if log == nil {
		log = observability.NopLogger{}
	}
	return &Optimizer{cfg: cfg, log: log, pipeline: filters.Default()}
}

type candidate struct {
	ref     raw.ObjectRef
	mask    raw.ObjectRef
	hasMask bool
}

// Run processes every image in the document once. Failures are scoped
// to the image they occur in; the only errors Run itself returns come
// from context cancellation.
func (o *Optimizer) Run(ctx context.Context, doc *raw.Document) (Summary, error) {
	var sum Summary

	// Snapshot and classify before any mutation.
	candidates := o.collectImages(doc)
	o.log.Info("images detected", observability.Int("count", len(candidates)))

	claimed := make(map[raw.ObjectRef]bool)
	index := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if claimed[c.ref] {
			// A soft mask owned by an earlier image.
			continue
		}
		claimed[c.ref] = true
		if c.hasMask {
			// Claim the mask now so a failed image still retires it.
			claimed[c.mask] = true
		}
		index++
		sum.Images++
		o.log.Info("processing image",
			observability.Int("index", index),
			observability.Int("total", len(candidates)),
			observability.String("obj", c.ref.String()))

		actions, err := o.processImage(ctx, doc, c, index)
		if err != nil {
			o.log.Warn("image left unmodified",
				observability.String("obj", c.ref.String()),
				observability.Error("reason", err))
			continue
		}
		sum.Processed++
		o.log.Info("image re-encoded",
			observability.String("obj", c.ref.String()),
			observability.String("actions", strings.Join(actions, ", ")))
	}
	o.log.Info("run complete",
		observability.Int("images", sum.Images),
		observability.Int("processed", sum.Processed))
	return sum, nil
}

// collectImages walks a fixed identifier snapshot and keeps stream
// objects whose Subtype is Image, noting their soft-mask references.
func (o *Optimizer) collectImages(doc *raw.Document) []candidate {
	var out []candidate
	for _, ref := range doc.Refs() {
		stm, ok := doc.Stream(ref)
		if !ok {
			continue
		}
		sub, _ := raw.DictName(stm.Dict, "Subtype")
		if sub != "Image" {
			continue
		}
		c := candidate{ref: ref}
		if m, ok := stm.Dict.Get("SMask"); ok {
			if r, ok := m.(raw.RefObj); ok {
				c.mask = r.R
				c.hasMask = true
			}
		}
		out = append(out, c)
	}
	return out
}
