// Package batch cleans every marked PDF under a directory tree.
package batch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wudi/gulagcleaner/cleaner"
	"github.com/wudi/gulagcleaner/observability"
)

const (
	DefaultMarker      = "wuolah"
	DefaultReplacement = "clean"
)

type Config struct {
	Root string
	// Marker selects files whose name contains it; Replacement takes its
	// place in the output name.
	Marker       string
	Replacement  string
	ForceGeneric bool
	// Workers bounds concurrent files. Zero means runtime.NumCPU().
	Workers int
	Cleaner *cleaner.Cleaner
	Logger  observability.Logger
}

func (c Config) withDefaults() Config {
	if c.Marker == "" {
		c.Marker = DefaultMarker
	}
	if c.Replacement == "" {
		c.Replacement = DefaultReplacement
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Cleaner == nil {
		c.Cleaner = cleaner.New()
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger{}
	}
	return c
}

// Result is the outcome for one file.
type Result struct {
	Path   string
	Output string
	Scheme cleaner.SchemeTag
	Err    error
}

type Report struct {
	Results []Result
}

func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Matches reports whether path names a PDF selected by marker.
func Matches(path, marker string) bool {
	return filepath.Ext(path) == ".pdf" && strings.Contains(filepath.Base(path), marker)
}

// OutputPath replaces marker in the file name of path, leaving the directory alone.
func OutputPath(path, marker, replacement string) string {
	dir, name := filepath.Split(path)
	return filepath.Join(dir, strings.ReplaceAll(name, marker, replacement))
}

// Run cleans every matching file. A file that fails is logged and recorded
// in the report; only walk errors and cancellation abort the run.
func Run(ctx context.Context, cfg Config) (Report, error) {
	cfg = cfg.withDefaults()
	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)

	walkErr := filepath.WalkDir(cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			cfg.Logger.Warn("skipping unreadable path", observability.String("path", path), observability.Error("error", err))
			return nil
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || !Matches(path, cfg.Marker) {
			return nil
		}
		g.Go(func() error {
			res := cleanFile(gctx, cfg, path)
			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				return res.Err
			}
			return nil
		})
		return nil
	})
	err := g.Wait()
	if walkErr != nil {
		err = walkErr
	}
	return report, err
}

func cleanFile(ctx context.Context, cfg Config, path string) Result {
	res := Result{Path: path, Output: OutputPath(path, cfg.Marker, cfg.Replacement)}
	log := cfg.Logger.With(observability.String("file", path))
	log.Info("cleaning")

	data, err := os.ReadFile(path)
	if err != nil {
		res.Err = err
		log.Error("read failed", observability.Error("error", err))
		return res
	}
	out, tag, err := cfg.Cleaner.Clean(ctx, data, cfg.ForceGeneric)
	res.Scheme = tag
	if err != nil {
		res.Err = err
		log.Error("clean failed", observability.Error("error", err))
		return res
	}
	if err := os.MkdirAll(filepath.Dir(res.Output), 0o755); err != nil {
		res.Err = err
		log.Error("create output directory failed", observability.Error("error", err))
		return res
	}
	if err := os.WriteFile(res.Output, out, 0o644); err != nil {
		res.Err = err
		log.Error("write failed", observability.Error("error", err))
		return res
	}
	log.Info("clean version written", observability.String("output", res.Output), observability.String("scheme", tag.String()))
	return res
}
