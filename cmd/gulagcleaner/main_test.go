package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/wudi/gulagcleaner/testpdf"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-root", "/tmp/x", "-marker", "studocu", "-workers", "3", "-force-generic"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.root != "/tmp/x" || opts.marker != "studocu" || opts.workers != 3 || !opts.forceGeneric {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.replacement != "clean" {
		t.Fatalf("default replacement lost: %q", opts.replacement)
	}
	if _, err := parseFlags([]string{"-out", "x.pdf"}); err == nil {
		t.Fatalf("-out without -in should fail")
	}
	if _, err := parseFlags([]string{"stray"}); err == nil {
		t.Fatalf("positional arguments should fail")
	}
}

func TestDefaultOutput(t *testing.T) {
	if got := defaultOutput("dir/wuolah-a.pdf", "wuolah", "clean"); got != filepath.Join("dir", "clean-a.pdf") {
		t.Fatalf("got %q", got)
	}
	if got := defaultOutput("dir/a.pdf", "wuolah", "clean"); got != "dir/a_clean.pdf" {
		t.Fatalf("got %q", got)
	}
}

func TestRunSingleFile(t *testing.T) {
	data, err := testpdf.Generated([]testpdf.GofpdfPage{
		{Text: "keep", Images: []testpdf.Size{{Width: 390, Height: 71}}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	dir := t.TempDir()
	in := filepath.Join(dir, "wuolah-notes.pdf")
	if err := os.WriteFile(in, data, 0o644); err != nil {
		t.Fatal(err)
	}
	opts, err := parseFlags([]string{"-in", in})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := run(context.Background(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "clean-notes.pdf")); err != nil {
		t.Fatalf("output missing: %v", err)
	}
}

func TestRunDeembed(t *testing.T) {
	b := testpdf.New()
	form := b.AddStream("/Type /XObject /Subtype /Form /BBox [0 0 100 100]", []byte("0 0 m 100 100 l S"))
	root := b.Pages([]testpdf.Page{{Contents: []int{b.AddContent("/F Do")}, Images: map[string]int{"F": form}}})
	dir := t.TempDir()
	in := filepath.Join(dir, "slides.pdf")
	if err := os.WriteFile(in, b.Bytes(root, ""), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := parseFlags([]string{"-deembed"}); err == nil {
		t.Fatalf("-deembed without -in should fail")
	}
	opts, err := parseFlags([]string{"-deembed", "-in", in})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := run(context.Background(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "slides_deembedded.pdf")); err != nil {
		t.Fatalf("output missing: %v", err)
	}
}
