package cleaner

import (
	"github.com/wudi/gulagcleaner/coords"
	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/ir/raw"
)

// setBoxes writes the same rectangle to all five page boundaries.
func setBoxes(doc *document.Document, page int, r coords.Rect) error {
	for _, key := range document.BoxKeys {
		rect := raw.NewArray(raw.NumberFloat(r.LLX), raw.NumberFloat(r.LLY), raw.NumberFloat(r.URX), raw.NumberFloat(r.URY))
		if err := doc.Set(page, key, rect); err != nil {
			return err
		}
	}
	return nil
}

func clearAnnots(doc *document.Document, page int) error {
	return doc.Set(page, "Annots", raw.NewArray())
}

// mediaBox returns the page's effective MediaBox.
func mediaBox(doc *document.Document, page int) (coords.Rect, error) {
	box, err := doc.Box(page, "MediaBox")
	if err != nil {
		return coords.Rect{}, err
	}
	return coords.RectFrom(box), nil
}
