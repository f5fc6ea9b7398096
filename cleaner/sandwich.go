package cleaner

import (
	"fmt"

	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/ir/raw"
	"github.com/wudi/gulagcleaner/observability"
)

// The producer pads the original content with two streams before the shared
// pair and three after it.
const (
	sandwichBefore = 2
	sandwichAfter  = 3
)

func (c *Cleaner) rewriteSandwich(doc *document.Document, s SandwichScheme) ([]int, error) {
	for i, rec := range s.Pages {
		low, high := 0, 0
		if i+1 < len(s.Pages) {
			low, high = FindPair(rec.Contents, s.Pages[i+1].Contents)
		}
		if low == 0 && high == 0 && i > 0 {
			low, high = FindPair(rec.Contents, s.Pages[i-1].Contents)
		}
		if low == 0 && high == 0 {
			return nil, fmt.Errorf("page %d: no stream pair shared with a neighbour: %w", rec.Number, ErrUnsupportedScheme)
		}

		kept, err := sandwichRange(rec, low, high)
		if err != nil {
			return nil, err
		}
		if err := doc.SetContentRefs(rec.Number, kept); err != nil {
			return nil, err
		}
		if err := clearAnnots(doc, rec.Number); err != nil {
			return nil, err
		}
		media, err := mediaBox(doc, rec.Number)
		if err != nil {
			return nil, err
		}
		if err := setBoxes(doc, rec.Number, media.Trimmed()); err != nil {
			return nil, err
		}
		c.logger.Debug("sandwich page rewritten",
			observability.Int("page", rec.Number), observability.Int("streams", len(kept)))
	}
	return s.Delete, nil
}

// sandwichRange returns Contents[low-2 .. high+3] inclusive.
func sandwichRange(rec PageRecord, low, high int) ([]raw.ObjectRef, error) {
	start, end := low-sandwichBefore, high+sandwichAfter
	if start < 0 || end >= len(rec.Contents) {
		return nil, &BoundaryError{Page: rec.Number, Low: low, High: high, Len: len(rec.Contents)}
	}
	return append([]raw.ObjectRef(nil), rec.Contents[start:end+1]...), nil
}
