package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wudi/gulagcleaner/batch"
	"github.com/wudi/gulagcleaner/cleaner"
	"github.com/wudi/gulagcleaner/deembed"
	"github.com/wudi/gulagcleaner/observability"
	"github.com/wudi/gulagcleaner/parser"
	"github.com/wudi/gulagcleaner/recovery"
	"github.com/wudi/gulagcleaner/scripting"
)

type options struct {
	root         string
	marker       string
	replacement  string
	in, out      string
	forceGeneric bool
	workers      int
	script       string
	verbose      bool
	verify       bool
	lenient      bool
	deembed      bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "gulagcleaner: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "gulagcleaner: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("gulagcleaner", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: gulagcleaner [flags]\n       gulagcleaner -in file.pdf [-out clean.pdf]\n")
		fs.PrintDefaults()
	}
	home, _ := os.UserHomeDir()
	fs.StringVar(&opts.root, "root", home, "Directory tree to clean")
	fs.StringVar(&opts.marker, "marker", batch.DefaultMarker, "Only clean PDFs whose name contains this")
	fs.StringVar(&opts.replacement, "replacement", batch.DefaultReplacement, "Replaces the marker in output names")
	fs.StringVar(&opts.in, "in", "", "Clean a single file instead of walking -root")
	fs.StringVar(&opts.out, "out", "", "Output for -in (default: marker replaced, or _clean suffix)")
	fs.BoolVar(&opts.forceGeneric, "force-generic", false, "Skip producer detection and classify every page")
	fs.IntVar(&opts.workers, "workers", 0, "Files cleaned in parallel (default: number of CPUs)")
	fs.StringVar(&opts.script, "script", "", "JavaScript page classifier defining classify(page)")
	fs.BoolVar(&opts.verbose, "verbose", false, "Debug logging")
	fs.BoolVar(&opts.verify, "verify", false, "Re-open every output with pdfcpu and compare page counts")
	fs.BoolVar(&opts.lenient, "lenient", false, "Repair damaged cross-reference data instead of failing")
	fs.BoolVar(&opts.deembed, "deembed", false, "With -in, write each embedded page of the file as a page of its own")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return options{}, fmt.Errorf("unexpected arguments %v", fs.Args())
	}
	if opts.out != "" && opts.in == "" {
		return options{}, errors.New("-out requires -in")
	}
	if opts.deembed && opts.in == "" {
		return options{}, errors.New("-deembed requires -in")
	}
	if opts.in == "" && opts.root == "" {
		return options{}, errors.New("no -root directory")
	}
	return opts, nil
}

func newLogger(verbose bool) observability.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return observability.NewSlogLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newCleaner(opts options, logger observability.Logger) (*cleaner.Cleaner, error) {
	cleanerOpts := []cleaner.Option{cleaner.WithLogger(logger)}
	if opts.lenient {
		strategy := recovery.NewLenientStrategy()
		strategy.Logger = logger
		cleanerOpts = append(cleanerOpts, cleaner.WithParserConfig(parser.Config{Recovery: strategy}))
	}
	if opts.script != "" {
		sc, err := scripting.LoadScriptClassifier(opts.script, scripting.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		cleanerOpts = append(cleanerOpts, cleaner.WithClassifier(sc))
	}
	return cleaner.New(cleanerOpts...), nil
}

func run(ctx context.Context, opts options) error {
	logger := newLogger(opts.verbose)
	c, err := newCleaner(opts, logger)
	if err != nil {
		return err
	}
	if opts.deembed {
		return deembedOne(ctx, opts, logger)
	}
	if opts.in != "" {
		return cleanOne(ctx, c, opts, logger)
	}

	report, err := batch.Run(ctx, batch.Config{
		Root:         opts.root,
		Marker:       opts.marker,
		Replacement:  opts.replacement,
		ForceGeneric: opts.forceGeneric,
		Workers:      opts.workers,
		Cleaner:      c,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	failed := report.Failed()
	if opts.verify {
		for _, res := range report.Results {
			if res.Err != nil {
				continue
			}
			if err := verify(res.Output); err != nil {
				logger.Error("verification failed", observability.String("file", res.Output), observability.Error("error", err))
				failed++
			}
		}
	}
	logger.Info("done", observability.Int("files", len(report.Results)), observability.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(report.Results))
	}
	return nil
}

func cleanOne(ctx context.Context, c *cleaner.Cleaner, opts options, logger observability.Logger) error {
	data, err := os.ReadFile(opts.in)
	if err != nil {
		return err
	}
	out, tag, err := c.Clean(ctx, data, opts.forceGeneric)
	if err != nil {
		return fmt.Errorf("%s: %w", opts.in, err)
	}
	dest := opts.out
	if dest == "" {
		dest = defaultOutput(opts.in, opts.marker, opts.replacement)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dest, out, 0o644); err != nil {
		return err
	}
	logger.Info("clean version written", observability.String("output", dest), observability.String("scheme", tag.String()))
	if opts.verify {
		return verify(dest)
	}
	return nil
}

func deembedOne(ctx context.Context, opts options, logger observability.Logger) error {
	data, err := os.ReadFile(opts.in)
	if err != nil {
		return err
	}
	dest := opts.out
	if dest == "" {
		if dest, err = deembed.OutputPath(opts.in); err != nil {
			return err
		}
	}
	cfg := deembed.Config{Logger: logger}
	if opts.lenient {
		strategy := recovery.NewLenientStrategy()
		strategy.Logger = logger
		cfg.Parser = parser.Config{Recovery: strategy}
	}
	out, n, err := deembed.Extract(ctx, data, cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", opts.in, err)
	}
	if err := os.WriteFile(dest, out, 0o644); err != nil {
		return err
	}
	logger.Info("deembedded version written", observability.String("output", dest), observability.Int("pages", n))
	if opts.verify {
		return verify(dest)
	}
	return nil
}

func defaultOutput(in, marker, replacement string) string {
	if batch.Matches(in, marker) {
		return batch.OutputPath(in, marker, replacement)
	}
	ext := filepath.Ext(in)
	return in[:len(in)-len(ext)] + "_clean" + ext
}
