package cleaner

import (
	"errors"
	"strings"

	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/ir/raw"
)

type imageXObject struct {
	ref  raw.ObjectRef
	dict *raw.DictObj
	dims ImageDims
}

// pageImages lists the image XObjects in the page's resources. A page
// without resources has none; form XObjects are ignored.
func pageImages(doc *document.Document, page int) ([]imageXObject, error) {
	res, err := doc.Resources(page)
	if errors.Is(err, document.ErrMissingKey) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	xobjObj, ok := res.Lookup("XObject")
	if !ok {
		return nil, nil
	}
	xobjs, ok := doc.Resolve(xobjObj).(*raw.DictObj)
	if !ok {
		ref, _ := doc.PageRef(page)
		return nil, &document.ObjectError{Op: "xobjects", Ref: ref, Key: "XObject", Err: document.ErrUnexpectedObjectType}
	}

	var out []imageXObject
	for _, name := range xobjs.SortedKeys() {
		ref, ok := xobjs.KV[name].(raw.RefObj)
		if !ok {
			continue
		}
		stm, ok := doc.Resolve(ref).(*raw.StreamObj)
		if !ok {
			continue
		}
		subtype, _ := stm.Dict.Lookup("Subtype")
		if n, ok := subtype.(raw.NameObj); !ok || !strings.HasPrefix(n.Value(), "Image") {
			continue
		}
		h, err := intEntry(doc, ref.R, stm.Dict, "Height")
		if err != nil {
			return nil, err
		}
		w, err := intEntry(doc, ref.R, stm.Dict, "Width")
		if err != nil {
			return nil, err
		}
		out = append(out, imageXObject{ref: ref.R, dict: stm.Dict, dims: ImageDims{Height: h, Width: w}})
	}
	return out, nil
}

// PageImages returns the dimensions of every image the page can draw.
func PageImages(doc *document.Document, page int) ([]ImageDims, error) {
	images, err := pageImages(doc, page)
	if err != nil {
		return nil, err
	}
	dims := make([]ImageDims, len(images))
	for i, img := range images {
		dims[i] = img.dims
	}
	return dims, nil
}

func intEntry(doc *document.Document, ref raw.ObjectRef, dict *raw.DictObj, key string) (int64, error) {
	v, ok := dict.Lookup(key)
	if !ok {
		return 0, &document.ObjectError{Op: "image", Ref: ref, Key: key, Err: document.ErrMissingKey}
	}
	n, ok := doc.Resolve(v).(raw.NumberObj)
	if !ok {
		return 0, &document.ObjectError{Op: "image", Ref: ref, Key: key, Err: document.ErrUnexpectedObjectType}
	}
	return n.Int(), nil
}

// RemoveLogos sets Height to 0 on every image of the page whose size is a
// known logo size, leaving the stream itself in place. It returns how many
// images were neutralized.
func RemoveLogos(doc *document.Document, page int) (int, error) {
	images, err := pageImages(doc, page)
	if err != nil {
		return 0, err
	}
	logos := newDimSet(LogoDims...)
	n := 0
	for _, img := range images {
		if logos[img.dims] {
			img.dict.Set(raw.NameLiteral("Height"), raw.NumberInt(0))
			n++
		}
	}
	return n, nil
}
