package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/blaisethom/pdfshrink"
	"github.com/blaisethom/pdfshrink/observability"
	"github.com/blaisethom/pdfshrink/optimize"
)

type options struct {
	inPath   string
	outPath  string
	quality  int
	maxDim   int
	password string
	debugDir string
	verbose  bool
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdfshrink: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "pdfshrink: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: pdfshrink [flags] <input.pdf> <output.pdf>\n")
		flag.PrintDefaults()
	}
	quality := flag.Int("quality", 50, "JPEG quality for re-encoded images (1-100)")
	maxDim := flag.Int("max-dim", 1500, "Bound on the larger image dimension in pixels")
	password := flag.String("password", "", "Password to open encrypted PDFs")
	debugDir := flag.String("debug", "", "Directory for per-stage debug images (empty disables)")
	verbose := flag.Bool("v", false, "Log per-object detail")
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		return options{}, fmt.Errorf("need input and output paths")
	}
	opts.inPath = flag.Arg(0)
	opts.outPath = flag.Arg(1)
	opts.quality = *quality
	opts.maxDim = *maxDim
	opts.password = *password
	opts.debugDir = *debugDir
	opts.verbose = *verbose
	return opts, nil
}

func run(opts options) error {
	level := observability.LevelInfo
	if opts.verbose {
		level = observability.LevelDebug
	}
	log := observability.NewTextLogger(os.Stderr, level)

	var debug optimize.DebugSink
	if opts.debugDir != "" {
		sink, err := optimize.NewDirSink(opts.debugDir)
		if err != nil {
			return fmt.Errorf("debug dir: %w", err)
		}
		debug = sink
	}

	res, err := pdfshrink.CompressFile(context.Background(), opts.inPath, opts.outPath, pdfshrink.Options{
		Quality:  opts.quality,
		MaxDim:   opts.maxDim,
		Password: opts.password,
		Debug:    debug,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d bytes -> %d bytes (%.1f%%), %d/%d images re-encoded\n",
		opts.outPath, res.InputSize, res.OutputSize,
		100*float64(res.OutputSize)/float64(res.InputSize),
		res.Processed, res.Images)
	return nil
}
