package cleaner

import (
	"fmt"

	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/ir/raw"
)

// SchemeTag identifies the scheme a document was cleaned with.
type SchemeTag uint8

const (
	TagSandwich SchemeTag = iota
	TagPrepended
	TagGeneric
)

func (t SchemeTag) String() string {
	switch t {
	case TagSandwich:
		return "sandwich"
	case TagPrepended:
		return "prepended"
	case TagGeneric:
		return "generic"
	default:
		return fmt.Sprintf("SchemeTag(%d)", uint8(t))
	}
}

// PageRecord is a page's content stream sequence at classification time.
type PageRecord struct {
	Number   int
	Contents []raw.ObjectRef
}

// Scheme is the injection pattern chosen for a document. The set of
// implementations is closed.
type Scheme interface {
	Tag() SchemeTag
	scheme()
}

// SandwichScheme: ad streams wrap the original content on every page;
// Delete holds the single-stream pages.
type SandwichScheme struct {
	Pages  []PageRecord
	Delete []int
}

// PrependedScheme: a cover page was inserted and each page got a leading
// wrapper stream.
type PrependedScheme struct {
	Pages []PageRecord
}

// GenericScheme classifies each page on its own.
type GenericScheme struct{}

func (SandwichScheme) Tag() SchemeTag  { return TagSandwich }
func (PrependedScheme) Tag() SchemeTag { return TagPrepended }
func (GenericScheme) Tag() SchemeTag   { return TagGeneric }

func (SandwichScheme) scheme()  {}
func (PrependedScheme) scheme() {}
func (GenericScheme) scheme()   {}

// Classify fingerprints the document's content stream layout. Only the
// first two multi-stream pages are compared for the sandwich signature.
func Classify(doc *document.Document, forceGeneric bool) (Scheme, error) {
	if forceGeneric {
		return GenericScheme{}, nil
	}

	var multi []PageRecord
	var singles []int
	for _, n := range doc.PageNumbers() {
		refs, err := doc.ContentRefs(n)
		if err != nil {
			return nil, err
		}
		switch {
		case len(refs) > 1:
			multi = append(multi, PageRecord{Number: n, Contents: refs})
		case len(refs) == 1:
			singles = append(singles, n)
		}
	}

	threes := 0
	for _, rec := range multi {
		if len(rec.Contents) == 3 {
			threes++
		}
	}
	if threes > 1 {
		return PrependedScheme{Pages: multi}, nil
	}
	if len(multi) >= 2 && sharedCount(multi[0].Contents, multi[1].Contents) > 1 {
		return SandwichScheme{Pages: multi, Delete: singles}, nil
	}
	return GenericScheme{}, nil
}

func sharedCount(a, b []raw.ObjectRef) int {
	inA := make(map[raw.ObjectRef]bool, len(a))
	for _, ref := range a {
		inA[ref] = true
	}
	n := 0
	for _, ref := range b {
		if inA[ref] {
			n++
			delete(inA, ref)
		}
	}
	return n
}
