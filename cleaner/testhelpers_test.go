package cleaner

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/ir/raw"
	"github.com/wudi/gulagcleaner/parser"
	"github.com/wudi/gulagcleaner/testpdf"
)

func loadDoc(t *testing.T, data []byte) *document.Document {
	t.Helper()
	doc, err := document.Load(context.Background(), data, parser.Config{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return doc
}

// contents adds n distinct content streams labelled with prefix.
func contents(b *testpdf.Builder, prefix string, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = b.AddContent(fmt.Sprintf("%% %s%d", prefix, i))
	}
	return out
}

func nums(refs []raw.ObjectRef) []int {
	out := make([]int, len(refs))
	for i, r := range refs {
		out[i] = r.Num
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func assertBox(t *testing.T, doc *document.Document, page int, want [4]float64) {
	t.Helper()
	for _, key := range document.BoxKeys {
		got, err := doc.Box(page, key)
		if err != nil {
			t.Fatalf("page %d %s: %v", page, key, err)
		}
		for i := range got {
			if math.Abs(got[i]-want[i]) > 1e-3 {
				t.Fatalf("page %d %s = %v, want %v", page, key, got, want)
			}
		}
	}
}

func assertNoAnnots(t *testing.T, doc *document.Document, page int) {
	t.Helper()
	v, err := doc.Get(page, "Annots")
	if err != nil {
		t.Fatalf("page %d Annots: %v", page, err)
	}
	if arr, ok := v.(*raw.ArrayObj); !ok || arr.Len() != 0 {
		t.Fatalf("page %d Annots not cleared: %#v", page, v)
	}
}

func cleanBytes(t *testing.T, c *Cleaner, data []byte, forceGeneric bool) ([]byte, SchemeTag) {
	t.Helper()
	out, tag, err := c.Clean(context.Background(), data, forceGeneric)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF-")) {
		t.Fatalf("output is not a PDF")
	}
	return out, tag
}
