package scripting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wudi/gulagcleaner/cleaner"
	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/parser"
	"github.com/wudi/gulagcleaner/testpdf"
)

const bySize = `
function classify(page) {
	app.log("classifying", page.number);
	for (const img of page.images) {
		if (img.width > 1000) return "FullPageAd";
	}
	for (const img of page.images) {
		for (const d of tables.logo) {
			if (img.height === d[0] && img.width === d[1]) return "Watermark";
		}
	}
	return page.contents > 0 ? "Watermark" : "Unclassifiable";
}
`

func fixture(t *testing.T) *document.Document {
	t.Helper()
	b := testpdf.New()
	big := b.AddImage(2000, 100)
	logo := b.AddImage(130, 23)
	root := b.Pages([]testpdf.Page{
		{Contents: []int{b.AddContent("q Q")}, Images: map[string]int{"Big": big}},
		{Images: map[string]int{"Logo": logo}},
		{},
		{Contents: []int{b.AddContent("q Q")}},
	})
	doc, err := document.Load(context.Background(), b.Bytes(root, ""), parser.Config{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return doc
}

func TestScriptClassifier(t *testing.T) {
	c, err := NewScriptClassifier(bySize)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	doc := fixture(t)
	want := []cleaner.PageType{cleaner.FullPageAd, cleaner.Watermark, cleaner.Unclassifiable, cleaner.Watermark}
	for i, w := range want {
		got, err := c.Classify(doc, i+1)
		if err != nil {
			t.Fatalf("page %d: %v", i+1, err)
		}
		if got != w {
			t.Fatalf("page %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestScriptClassifierRequiresFunction(t *testing.T) {
	if _, err := NewScriptClassifier("var classify = 3"); err == nil {
		t.Fatalf("expected error without classify function")
	}
	if _, err := NewScriptClassifier("function classify( {"); err == nil {
		t.Fatalf("expected syntax error")
	}
}

func TestScriptClassifierBadVerdict(t *testing.T) {
	c, err := NewScriptClassifier(`function classify(page) { return "Spam" }`)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	kind, err := c.Classify(fixture(t), 1)
	if !errors.Is(err, ErrBadVerdict) || kind != cleaner.Unclassifiable {
		t.Fatalf("expected ErrBadVerdict, got %v %v", kind, err)
	}
}

func TestScriptClassifierTimeout(t *testing.T) {
	c, err := NewScriptClassifier(`function classify(page) { while (true) {} }`, WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Classify(fixture(t), 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestScriptClassifierDrivesCleaner(t *testing.T) {
	c, err := NewScriptClassifier(`function classify(page) { return page.number === 1 ? "FullPageAd" : "Watermark" }`)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b := testpdf.New()
	root := b.Pages([]testpdf.Page{
		{Contents: []int{b.AddContent("q Q")}},
		{Contents: []int{b.AddContent("q Q")}},
	})
	out, tag, err := cleaner.New(cleaner.WithClassifier(c)).Clean(context.Background(), b.Bytes(root, ""), false)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if tag != cleaner.TagGeneric {
		t.Fatalf("expected generic, got %v", tag)
	}
	doc, err := document.Load(context.Background(), out, parser.Config{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if doc.PageCount() != 1 {
		t.Fatalf("expected 1 page left, got %d", doc.PageCount())
	}
}

func TestScriptClassifierRepeatedCalls(t *testing.T) {
	c, err := NewScriptClassifier(`function classify(page) { return "Watermark" }`)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	doc := fixture(t)
	for i := 0; i < 2000; i++ {
		kind, err := c.Classify(doc, 1)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if kind != cleaner.Watermark {
			t.Fatalf("call %d: got %v", i, kind)
		}
	}
}
