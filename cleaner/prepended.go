package cleaner

import (
	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/ir/raw"
)

// rewritePrepended keeps the stream after the wrapper on every page but the
// cover, which is always deleted.
func (c *Cleaner) rewritePrepended(doc *document.Document, s PrependedScheme) ([]int, error) {
	for _, rec := range s.Pages {
		if rec.Number == 1 {
			continue
		}
		if err := doc.SetContentRefs(rec.Number, []raw.ObjectRef{rec.Contents[1]}); err != nil {
			return nil, err
		}
		if err := clearAnnots(doc, rec.Number); err != nil {
			return nil, err
		}
	}
	return []int{1}, nil
}
