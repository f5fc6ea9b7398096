package cleaner

import (
	"context"

	"github.com/wudi/gulagcleaner/coords"
	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/observability"
)

// bannerScale enlarges banner pages back to the size of the cropped box.
const bannerScale = 1.124

func (c *Cleaner) rewriteGeneric(ctx context.Context, doc *document.Document) ([]int, error) {
	var del []int
	pages := doc.PageNumbers()

	for _, n := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind, err := c.classifier.Classify(doc, n)
		if err != nil {
			c.logger.Debug("page classification failed", observability.Int("page", n), observability.Error("error", err))
			kind = Unclassifiable
		}
		c.logger.Debug("page classified", observability.Int("page", n), observability.String("type", kind.String()))

		switch kind {
		case FullPageAd, Unclassifiable:
			del = append(del, n)
		case BannerAd:
			if err := c.rewriteBanner(ctx, doc, n); err != nil {
				return nil, err
			}
		case Watermark:
			media, err := mediaBox(doc, n)
			if err != nil {
				return nil, err
			}
			if err := setBoxes(doc, n, media.Fraction(0.015, 0.05, 0.95, 0.98)); err != nil {
				return nil, err
			}
		}
	}

	for _, n := range pages {
		removed, err := RemoveLogos(doc, n)
		if err != nil {
			c.logger.Warn("logo removal failed", observability.Int("page", n), observability.Error("error", err))
		} else if removed > 0 {
			c.logger.Debug("logos removed", observability.Int("page", n), observability.Int("count", removed))
		}
		if err := clearAnnots(doc, n); err != nil {
			return nil, err
		}
	}
	return del, nil
}

// rewriteBanner crops away the banners and scales the remaining content up
// to fill the page again.
func (c *Cleaner) rewriteBanner(ctx context.Context, doc *document.Document, n int) error {
	media, err := mediaBox(doc, n)
	if err != nil {
		return err
	}
	w, h := media.Width(), media.Height()
	ox, oy := media.LLX*bannerScale, media.LLY*bannerScale
	crop := coords.Rect{
		LLX: 0.164*w + ox,
		LLY: 0.031*h + oy,
		URX: 0.978*w*bannerScale + ox,
		URY: 0.865*h*bannerScale + oy,
	}
	if err := setBoxes(doc, n, crop); err != nil {
		return err
	}

	content, err := doc.Content(ctx, n)
	if err != nil {
		return err
	}
	wrapped := make([]byte, 0, len(content)+32)
	wrapped = append(wrapped, "q\n"+coords.Scale(bannerScale, bannerScale).Operator()+"\n"...)
	wrapped = append(wrapped, content...)
	wrapped = append(wrapped, 'Q')
	return doc.SetContent(n, wrapped)
}
