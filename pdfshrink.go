// Package pdfshrink shrinks PDF files by recompressing the raster
// images they embed. The document structure is preserved; only image
// XObjects (and their soft masks) are decoded, optionally downscaled,
// and re-encoded as JPEG before the file is rewritten.
package pdfshrink

import (
	"context"
	"fmt"
	"os"

	"github.com/blaisethom/pdfshrink/observability"
	"github.com/blaisethom/pdfshrink/optimize"
	"github.com/blaisethom/pdfshrink/parser"
	"github.com/blaisethom/pdfshrink/writer"
)

type Options struct {
	// Quality is the JPEG quality for re-encoded images, 1 to 100.
	// Zero means 50.
	Quality int
	// MaxDim bounds the larger dimension of re-encoded images.
	// Zero means 1500.
	MaxDim int
	// Password opens encrypted files. The empty string is itself a
	// valid password and is always tried.
	Password string
	// Debug, when set, receives intermediate pixel buffers for every
	// image stage.
	Debug  optimize.DebugSink
	Logger observability.Logger
}

// Result reports the size change and how many images the run touched.
type Result struct {
	InputSize  int
	OutputSize int
	Images     int
	Processed  int
}

// Compress runs the full pipeline on an in-memory file and returns the
// rewritten bytes. Per-image failures are logged and contained; an
// error means the file itself could not be read or rewritten.
func Compress(ctx context.Context, data []byte, opts Options) ([]byte, Result, error) {
	log := opts.Logger
	if log == nil {
		log = observability.NopLogger{}
	}

	doc, err := parser.New(parser.Config{
		Password: opts.Password,
		Logger:   log,
	}).Parse(ctx, data)
	if err != nil {
		return nil, Result{}, fmt.Errorf("parse document: %w", err)
	}

	sum, err := optimize.New(optimize.Config{
		Quality: opts.Quality,
		MaxDim:  opts.MaxDim,
		Logger:  log,
		Debug:   opts.Debug,
	}).Run(ctx, doc)
	if err != nil {
		return nil, Result{}, err
	}

	out, err := writer.New(writer.Config{Logger: log}).Bytes(ctx, doc)
	if err != nil {
		return nil, Result{}, fmt.Errorf("write document: %w", err)
	}

	res := Result{
		InputSize:  len(data),
		OutputSize: len(out),
		Images:     sum.Images,
		Processed:  sum.Processed,
	}
	log.Info("compression finished",
		observability.Int("input_bytes", res.InputSize),
		observability.Int("output_bytes", res.OutputSize),
		observability.Int("images", res.Images),
		observability.Int("processed", res.Processed))
	return out, res, nil
}

// CompressFile reads inPath, compresses it, and writes outPath.
func CompressFile(ctx context.Context, inPath, outPath string, opts Options) (Result, error) {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return Result{}, fmt.Errorf("read %q: %w", inPath, err)
	}
	out, res, err := Compress(ctx, data, opts)
	if err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return Result{}, fmt.Errorf("write %q: %w", outPath, err)
	}
	return res, nil
}
