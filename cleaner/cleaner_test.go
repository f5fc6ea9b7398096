package cleaner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/ir/raw"
	"github.com/wudi/gulagcleaner/observability"
	"github.com/wudi/gulagcleaner/testpdf"
	"github.com/wudi/gulagcleaner/writer"
)

// Pages [A,B,C] and [A,B,D,E] share their leading pair, which leaves no room
// for the two padding streams before it.
func TestCleanSandwichBoundaryIsRejected(t *testing.T) {
	b := testpdf.New()
	ab := contents(b, "ab", 2)
	c := contents(b, "c", 1)
	d := contents(b, "d", 2)
	root := b.Pages([]testpdf.Page{
		{Contents: append(append([]int{}, ab...), c...)},
		{Contents: append(append([]int{}, ab...), d...)},
	})
	data := b.Bytes(root, "")

	s, err := Classify(loadDoc(t, data), false)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	sw, ok := s.(SandwichScheme)
	if !ok {
		t.Fatalf("expected SandwichScheme, got %T", s)
	}
	if low, high := FindPair(sw.Pages[0].Contents, sw.Pages[1].Contents); low != 0 || high != 1 {
		t.Fatalf("expected pair (0,1), got (%d,%d)", low, high)
	}

	_, tag, err := Clean(data, false)
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
	var be *BoundaryError
	if !errors.As(err, &be) || be.Page != 1 || be.Low != 0 || be.High != 1 || be.Len != 3 {
		t.Fatalf("expected BoundaryError for page 1, got %#v", err)
	}
	if tag != TagSandwich {
		t.Fatalf("expected sandwich tag, got %v", tag)
	}
}

func sandwichFixture(b *testpdf.Builder) (root int, p1, p2 []int) {
	shared := contents(b, "shared", 2)
	p1 = append(append(contents(b, "a", 2), shared...), contents(b, "b", 4)...)
	p2 = append(append(contents(b, "c", 2), shared...), contents(b, "d", 3)...)
	root = b.Pages([]testpdf.Page{
		{Contents: contents(b, "ad", 1)},
		{Contents: p1, MediaBox: "[10 20 610 862]", Annots: true},
		{Contents: p2, Annots: true},
		{Contents: contents(b, "ad2", 1)},
	})
	return root, p1, p2
}

func TestCleanSandwich(t *testing.T) {
	b := testpdf.New()
	root, p1, p2 := sandwichFixture(b)
	data := b.Bytes(root, "")

	out, tag := cleanBytes(t, New(), data, false)
	if tag != TagSandwich {
		t.Fatalf("expected sandwich tag, got %v", tag)
	}
	doc := loadDoc(t, out)
	if doc.PageCount() != 2 {
		t.Fatalf("expected single-stream pages removed, got %d pages", doc.PageCount())
	}

	got, _ := doc.ContentRefs(1)
	if want := p1[0:7]; !equalInts(nums(got), want) {
		t.Fatalf("page 1 contents %v, want %v", nums(got), want)
	}
	got, _ = doc.ContentRefs(2)
	if want := p2[0:7]; !equalInts(nums(got), want) {
		t.Fatalf("page 2 contents %v, want %v", nums(got), want)
	}
	assertBox(t, doc, 1, [4]float64{0, 0, 600, 842})
	assertBox(t, doc, 2, [4]float64{0, 0, 595, 842})
	assertNoAnnots(t, doc, 1)
	assertNoAnnots(t, doc, 2)
}

func TestSandwichFallsBackToPreviousPage(t *testing.T) {
	b := testpdf.New()
	s := contents(b, "s", 2)
	x := contents(b, "x", 1)
	page := func(tag string, extra ...int) []int {
		list := append(contents(b, tag+"pre", 2), s...)
		list = append(list, extra...)
		return append(list, contents(b, tag+"post", 3)...)
	}
	root := b.Pages([]testpdf.Page{
		{Contents: page("p1")},
		{Contents: page("p2", x...)}, // shares three streams with p3
		{Contents: page("p3", x...)},
		{Contents: page("p4")},
	})
	doc := loadDoc(t, b.Bytes(root, ""))
	scheme, err := Classify(doc, false)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if _, err := New().rewrite(context.Background(), doc, scheme); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	for _, n := range []int{1, 2, 3, 4} {
		refs, _ := doc.ContentRefs(n)
		if len(refs) != 7 {
			t.Fatalf("page %d kept %d streams, want 7", n, len(refs))
		}
	}
}

func TestSandwichWithoutUsablePair(t *testing.T) {
	b := testpdf.New()
	s := contents(b, "s", 3)
	root := b.Pages([]testpdf.Page{
		{Contents: append(contents(b, "a", 2), s...)},
		{Contents: append(contents(b, "b", 2), s...)},
	})
	_, _, err := Clean(b.Bytes(root, ""), false)
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
	var be *BoundaryError
	if errors.As(err, &be) {
		t.Fatalf("missing pair must not be reported as a boundary problem")
	}
}

// Scenario: pages 2 and 3 carry exactly three streams each.
func TestCleanPrepended(t *testing.T) {
	b := testpdf.New()
	p2 := contents(b, "p2-", 3)
	p3 := contents(b, "p3-", 3)
	root := b.Pages([]testpdf.Page{
		{Contents: contents(b, "cover", 1)},
		{Contents: p2, Annots: true},
		{Contents: p3},
	})

	out, tag := cleanBytes(t, New(), b.Bytes(root, ""), false)
	if tag != TagPrepended {
		t.Fatalf("expected tag 1, got %v", tag)
	}
	doc := loadDoc(t, out)
	if doc.PageCount() != 2 {
		t.Fatalf("cover page not deleted: %d pages", doc.PageCount())
	}
	for i, want := range []int{p2[1], p3[1]} {
		got, _ := doc.ContentRefs(i + 1)
		if len(got) != 1 || got[0].Num != want {
			t.Fatalf("page %d contents %v, want [%d]", i+1, nums(got), want)
		}
		assertNoAnnots(t, doc, i+1)
	}
}

func TestRewritePrependedReturnsCover(t *testing.T) {
	b := testpdf.New()
	root := b.Pages([]testpdf.Page{
		{Contents: contents(b, "cover", 3)},
		{Contents: contents(b, "p2-", 3)},
		{Contents: contents(b, "p3-", 1)},
	})
	doc := loadDoc(t, b.Bytes(root, ""))
	scheme, _ := Classify(doc, false)
	p, ok := scheme.(PrependedScheme)
	if !ok {
		t.Fatalf("expected PrependedScheme, got %T", scheme)
	}
	del, err := New().rewritePrepended(doc, p)
	if err != nil || !equalInts(del, []int{1}) {
		t.Fatalf("got %v %v", del, err)
	}
	// the cover keeps its streams, it is about to be deleted anyway
	if refs, _ := doc.ContentRefs(1); len(refs) != 3 {
		t.Fatalf("cover page rewritten")
	}
	if refs, _ := doc.ContentRefs(3); len(refs) != 1 {
		t.Fatalf("single-stream page changed")
	}
}

// Scenario: a lone page with no recognisable images is dropped.
func TestCleanGenericDeletesUnclassifiable(t *testing.T) {
	b := testpdf.New()
	root := b.Pages([]testpdf.Page{{Contents: contents(b, "only", 1)}})
	data := b.Bytes(root, "")

	scheme, err := Classify(loadDoc(t, data), false)
	if err != nil || scheme.Tag() != TagGeneric {
		t.Fatalf("expected generic scheme, got %v %v", scheme, err)
	}
	out, tag := cleanBytes(t, New(), data, false)
	if tag != TagGeneric {
		t.Fatalf("expected tag 2, got %v", tag)
	}
	if n := loadDoc(t, out).PageCount(); n != 0 {
		t.Fatalf("expected the page deleted, %d left", n)
	}
}

// Scenario: banner box lower-left x is 0.164*(w-ox) + ox*1.124.
func TestCleanGenericBanner(t *testing.T) {
	b := testpdf.New()
	h := b.AddImage(1414, 247)
	v := b.AddImage(170, 1753)
	logo := b.AddImage(390, 71)
	content := b.AddFlateStream("", []byte("BT (body) Tj ET"))
	root := b.Pages([]testpdf.Page{{
		Contents: []int{content},
		MediaBox: "[10 20 610 862]",
		Images:   map[string]int{"H": h, "V": v, "L": logo},
		Annots:   true,
	}})

	out, tag := cleanBytes(t, New(), b.Bytes(root, ""), true)
	if tag != TagGeneric {
		t.Fatalf("expected tag 2, got %v", tag)
	}
	doc := loadDoc(t, out)
	if doc.PageCount() != 1 {
		t.Fatalf("banner page deleted")
	}
	ox, oy, w, hh := 10.0, 20.0, 610.0, 862.0
	assertBox(t, doc, 1, [4]float64{
		0.164*(w-ox) + ox*1.124,
		0.031*(hh-oy) + oy*1.124,
		0.978*(w-ox)*1.124 + ox*1.124,
		0.865*(hh-oy)*1.124 + oy*1.124,
	})
	got, err := doc.Content(context.Background(), 1)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if want := "q\n1.124 0 0 1.124 0 0 cm\nBT (body) Tj ETQ"; string(got) != want {
		t.Fatalf("content %q, want %q", got, want)
	}
	assertNoAnnots(t, doc, 1)
	if hgt := imageHeight(t, doc, logo); hgt != 0 {
		t.Fatalf("logo height %d, want 0", hgt)
	}
	if hgt := imageHeight(t, doc, h); hgt != 247 {
		t.Fatalf("banner image height changed to %d", hgt)
	}
}

func TestCleanGenericWatermarkAndFullPage(t *testing.T) {
	b := testpdf.New()
	full := b.AddImage(595, 842)
	logo := b.AddImage(203, 37)
	root := b.Pages([]testpdf.Page{
		{Contents: contents(b, "ad", 1), Images: map[string]int{"Full": full}},
		{Contents: contents(b, "text", 1), Images: map[string]int{"Logo": logo}, MediaBox: "[0 0 600 800]"},
		{Contents: contents(b, "both", 1), Images: map[string]int{"Full": full, "Logo": logo}},
	})

	out, _ := cleanBytes(t, New(), b.Bytes(root, ""), false)
	doc := loadDoc(t, out)
	if doc.PageCount() != 1 {
		t.Fatalf("expected only the watermark page, got %d pages", doc.PageCount())
	}
	assertBox(t, doc, 1, [4]float64{0.015 * 600, 0.05 * 800, 0.95 * 600, 0.98 * 800})
	if hgt := imageHeight(t, doc, logo); hgt != 0 {
		t.Fatalf("logo height %d, want 0", hgt)
	}
}

type failingClassifier struct{}

func (failingClassifier) Classify(*document.Document, int) (PageType, error) {
	return BannerAd, errors.New("cannot tell")
}

func TestClassifierErrorDeletesPage(t *testing.T) {
	b := testpdf.New()
	root := b.Pages([]testpdf.Page{{Contents: contents(b, "x", 1)}, {Contents: contents(b, "y", 1)}})
	out, _ := cleanBytes(t, New(WithClassifier(failingClassifier{})), b.Bytes(root, ""), true)
	if n := loadDoc(t, out).PageCount(); n != 0 {
		t.Fatalf("expected all pages deleted, %d left", n)
	}
}

func TestGenericMissingMediaBoxFails(t *testing.T) {
	b := testpdf.New()
	logo := b.AddImage(390, 71)
	catalog := b.Reserve()
	tree := b.Reserve()
	page := b.Add(sprintf("<< /Type /Page /Parent %d 0 R /Resources << /XObject << /L %d 0 R >> >> >>", tree, logo))
	b.Set(tree, sprintf("<< /Type /Pages /Kids [%d 0 R] /Count 1 >>", page))
	b.Set(catalog, sprintf("<< /Type /Catalog /Pages %d 0 R >>", tree))

	_, _, err := Clean(b.Bytes(catalog, ""), true)
	if !errors.Is(err, document.ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestCleanMalformedInput(t *testing.T) {
	_, _, err := Clean([]byte("%PDF-1.4\nnothing here"), false)
	if !errors.Is(err, document.ErrMalformedDocument) {
		t.Fatalf("expected ErrMalformedDocument, got %v", err)
	}
}

func TestCleanCorruptArrayTerminates(t *testing.T) {
	b := testpdf.New()
	root := b.Pages([]testpdf.Page{
		{Contents: contents(b, "a", 1)},
		{Contents: contents(b, "b", 1), MediaBox: "[%0 20 310 420]"},
	})
	data := b.Bytes(root, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		Clean(data, false)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Clean did not return on a %d-byte input", len(data))
	}
}

func TestCleanNeverGrowsOrAddsPages(t *testing.T) {
	fixtures := map[string][]byte{}

	b := testpdf.New()
	root, _, _ := sandwichFixture(b)
	fixtures["sandwich"] = b.Bytes(root, "")

	b = testpdf.New()
	root = b.Pages([]testpdf.Page{
		{Contents: contents(b, "cover", 1)},
		{Contents: contents(b, "p2-", 3)},
		{Contents: contents(b, "p3-", 3)},
	})
	fixtures["prepended"] = b.Bytes(root, "")

	b = testpdf.New()
	full := b.AddImage(595, 842)
	root = b.Pages([]testpdf.Page{
		{Contents: contents(b, "a", 1), Images: map[string]int{"F": full}},
		{Contents: contents(b, "b", 1)},
		{Contents: contents(b, "c", 2)},
	})
	fixtures["generic"] = b.Bytes(root, "")

	for name, data := range fixtures {
		out, _ := cleanBytes(t, New(), data, false)
		if len(out) > len(data) {
			t.Fatalf("%s: output grew from %d to %d bytes", name, len(data), len(out))
		}
		if before, after := loadDoc(t, data).PageCount(), loadDoc(t, out).PageCount(); after > before {
			t.Fatalf("%s: page count grew from %d to %d", name, before, after)
		}
		// a second pass may pick another scheme; it only has to run
		New().Clean(context.Background(), out, false)
	}
}

// Cropping a watermark page adds four boxes and an empty Annots array and
// deletes nothing, so this is the one case where the output is larger.
func TestCleanWatermarkPageGrowsOutput(t *testing.T) {
	b := testpdf.New()
	logo := b.AddImage(390, 71)
	root := b.Pages([]testpdf.Page{{Contents: contents(b, "w", 1), Images: map[string]int{"L": logo}}})
	data := b.Bytes(root, "")

	out, tag := cleanBytes(t, New(), data, false)
	if tag != TagGeneric {
		t.Fatalf("expected generic, got %v", tag)
	}
	if len(out) <= len(data) {
		t.Fatalf("expected the cropped page to grow the file, got %d -> %d bytes", len(data), len(out))
	}
	doc := loadDoc(t, out)
	if doc.PageCount() != 1 {
		t.Fatalf("watermark page was deleted")
	}
	assertBox(t, doc, 1, [4]float64{0.015 * 595, 0.05 * 842, 0.95 * 595, 0.98 * 842})
}

func TestCleanGofpdfDocument(t *testing.T) {
	data, err := testpdf.Generated([]testpdf.GofpdfPage{
		{Text: "notes", Images: []testpdf.Size{{Width: 390, Height: 71}}},
		{Text: "more notes", Link: true},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	out, tag := cleanBytes(t, New(), data, false)
	if tag != TagGeneric {
		t.Fatalf("expected generic, got %v", tag)
	}
	doc := loadDoc(t, out)
	// gofpdf shares one resource dictionary, so both pages see the logo
	if doc.PageCount() != 2 {
		t.Fatalf("expected 2 watermark pages, got %d", doc.PageCount())
	}
	if n := loadDoc(t, data).PageCount(); doc.PageCount() > n {
		t.Fatalf("page count grew from %d to %d", n, doc.PageCount())
	}
	assertNoAnnots(t, doc, 2)
	dims, err := PageImages(doc, 1)
	if err != nil || len(dims) != 1 || dims[0] != (ImageDims{Height: 0, Width: 390}) {
		t.Fatalf("logo not neutralized: %v %v", dims, err)
	}
}

func TestCleanKeepsXRefStreamLayout(t *testing.T) {
	b := testpdf.New()
	root := b.Pages([]testpdf.Page{
		{Contents: contents(b, "cover", 1)},
		{Contents: contents(b, "p2-", 3)},
		{Contents: contents(b, "p3-", 3)},
	})
	doc := loadDoc(t, b.Bytes(root, ""))

	// re-save as xref streams to get a compressed source document
	var buf bytes.Buffer
	if err := doc.Write(context.Background(), &buf, writer.Config{XRefStreams: true, ObjectStreams: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, _ := cleanBytes(t, New(), buf.Bytes(), false)
	if !loadDoc(t, out).Raw().XRefStreams {
		t.Fatalf("cleaned output lost xref streams")
	}
}

type recordingTracer struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingTracer) StartSpan(ctx context.Context, name string) (context.Context, observability.Span) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return observability.NopTracer().StartSpan(ctx, name)
}

type recordingLogger struct {
	observability.NopLogger
	infos []string
}

func (l *recordingLogger) Info(msg string, _ ...observability.Field) { l.infos = append(l.infos, msg) }
func (l *recordingLogger) With(...observability.Field) observability.Logger { return l }

func TestCleanTracesPhases(t *testing.T) {
	b := testpdf.New()
	root := b.Pages([]testpdf.Page{
		{Contents: contents(b, "cover", 1)},
		{Contents: contents(b, "p2-", 3)},
		{Contents: contents(b, "p3-", 3)},
	})
	tracer := &recordingTracer{}
	logger := &recordingLogger{}
	cleanBytes(t, New(WithTracer(tracer), WithLogger(logger)), b.Bytes(root, ""), false)

	want := []string{observability.SpanParse, observability.SpanClassify, observability.SpanRewrite, observability.SpanWrite}
	if len(tracer.names) != len(want) {
		t.Fatalf("spans %v, want %v", tracer.names, want)
	}
	for i := range want {
		if tracer.names[i] != want[i] {
			t.Fatalf("spans %v, want %v", tracer.names, want)
		}
	}
	if len(logger.infos) != 2 || logger.infos[0] != "scheme selected" || logger.infos[1] != "deleting pages" {
		t.Fatalf("unexpected info logs %v", logger.infos)
	}
}

func TestCleanHonoursCancelledContext(t *testing.T) {
	b := testpdf.New()
	root := b.Pages([]testpdf.Page{{Contents: contents(b, "x", 1)}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := New().Clean(ctx, b.Bytes(root, ""), false); err == nil {
		t.Fatalf("expected an error for a cancelled context")
	}
}

func imageHeight(t *testing.T, doc *document.Document, num int) int64 {
	t.Helper()
	obj, err := doc.Object(raw.ObjectRef{Num: num})
	if err != nil {
		t.Fatalf("image %d: %v", num, err)
	}
	stm, ok := obj.(*raw.StreamObj)
	if !ok {
		t.Fatalf("image %d is %T", num, obj)
	}
	h, _ := stm.Dict.Lookup("Height")
	return h.(raw.NumberObj).Int()
}

func sprintf(format string, args ...interface{}) string { return fmt.Sprintf(format, args...) }
