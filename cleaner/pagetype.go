package cleaner

import (
	"github.com/wudi/gulagcleaner/document"
)

// PageType is the generic rewriter's verdict on one page.
type PageType int

const (
	Unclassifiable PageType = iota
	FullPageAd
	BannerAd
	Watermark
)

func (t PageType) String() string {
	switch t {
	case FullPageAd:
		return "FullPageAd"
	case BannerAd:
		return "BannerAd"
	case Watermark:
		return "Watermark"
	default:
		return "Unclassifiable"
	}
}

// ParsePageType maps a PageType name back to its value.
func ParsePageType(name string) (PageType, bool) {
	for _, t := range []PageType{Unclassifiable, FullPageAd, BannerAd, Watermark} {
		if t.String() == name {
			return t, true
		}
	}
	return Unclassifiable, false
}

// PageClassifier decides what kind of injected content a page carries.
type PageClassifier interface {
	Classify(doc *document.Document, page int) (PageType, error)
}

// ImageDims is the (Height, Width) of an image XObject in pixels.
type ImageDims struct {
	Height int64
	Width  int64
}

type dimSet map[ImageDims]bool

func newDimSet(dims ...ImageDims) dimSet {
	s := make(dimSet, len(dims))
	for _, d := range dims {
		s[d] = true
	}
	return s
}

func (s dimSet) any(images []ImageDims) bool {
	for _, img := range images {
		if s[img] {
			return true
		}
	}
	return false
}

// Producer image sizes. Values are calibrated against real documents.
var (
	LogoDims = []ImageDims{
		{71, 390}, {37, 203}, {73, 390}, {23, 130}, {24, 130}, {19, 105}, {20, 109}, {72, 391},
	}
	HorizontalBannerDims = []ImageDims{
		{247, 1414}, {213, 1219}, {215, 1219}, {249, 1414}, {217, 1240},
		{147, 1757}, {221, 1240}, {221, 1241}, {200, 1240}, {250, 1414},
	}
	VerticalBannerDims = []ImageDims{
		{1753, 170}, {1518, 248}, {1520, 147}, {1753, 177}, {1751, 171}, {1537, 147},
		{1093, 217}, {1534, 150}, {1753, 173}, {1520, 210}, {1753, 176}, {1536, 230},
	}
	FullPageDims = []ImageDims{
		{842, 595}, {1754, 1240}, {2526, 1785}, {1733, 1219}, {3508, 2480}, {2339, 1653}, {1785, 2526},
	}
)

// DimensionClassifier recognises injected pages by the pixel sizes of the
// images they draw.
type DimensionClassifier struct {
	logo, horizontal, vertical, fullPage dimSet
}

func NewDimensionClassifier() *DimensionClassifier {
	return &DimensionClassifier{
		logo:       newDimSet(LogoDims...),
		horizontal: newDimSet(HorizontalBannerDims...),
		vertical:   newDimSet(VerticalBannerDims...),
		fullPage:   newDimSet(FullPageDims...),
	}
}

// Classify reports BannerAd when the page has both a horizontal and a
// vertical banner, then FullPageAd, then Watermark for a logo alone.
func (c *DimensionClassifier) Classify(doc *document.Document, page int) (PageType, error) {
	images, err := PageImages(doc, page)
	if err != nil {
		return Unclassifiable, err
	}
	switch {
	case c.horizontal.any(images) && c.vertical.any(images):
		return BannerAd, nil
	case c.fullPage.any(images):
		return FullPageAd, nil
	case c.logo.any(images):
		return Watermark, nil
	default:
		return Unclassifiable, nil
	}
}
