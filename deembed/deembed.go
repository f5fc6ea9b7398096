// Package deembed lifts embedded pages out of a PDF. Producers that paste
// the original pages into their own as form XObjects leave each original
// page intact inside the form; deembedding gives every such form a page of
// its own and drops everything else.
package deembed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/ir/raw"
	"github.com/wudi/gulagcleaner/observability"
	"github.com/wudi/gulagcleaner/parser"
	"github.com/wudi/gulagcleaner/writer"
)

var (
	ErrNoEmbeddedPages = errors.New("no embedded pages found")
	ErrNotPDF          = errors.New("file is not a .pdf file")
)

type Config struct {
	Parser parser.Config
	// Writer defaults to the source's cross-reference layout.
	Writer *writer.Config
	Logger observability.Logger
}

// Extract returns a document with one page per form XObject reachable from
// data's pages, in the order they are found, and the number of pages.
func Extract(ctx context.Context, data []byte, cfg Config) ([]byte, int, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger{}
	}
	doc, err := document.Load(ctx, data, cfg.Parser)
	if err != nil {
		return nil, 0, err
	}
	forms, err := FindForms(ctx, doc)
	if err != nil {
		return nil, 0, err
	}

	pages := make([]*raw.DictObj, 0, len(forms))
	for _, form := range forms {
		page, ok := wrapForm(doc.Raw(), form)
		if !ok {
			logger.Debug("form without bounding box skipped")
			continue
		}
		pages = append(pages, page)
	}
	if len(pages) == 0 {
		return nil, 0, ErrNoEmbeddedPages
	}
	logger.Info("embedded pages found",
		observability.Int("pages", doc.PageCount()),
		observability.Int("forms", len(pages)))

	if err := doc.ReplacePages(pages); err != nil {
		return nil, 0, err
	}
	wcfg := writer.Config{XRefStreams: doc.Raw().XRefStreams, ObjectStreams: doc.Raw().XRefStreams}
	if cfg.Writer != nil {
		wcfg = *cfg.Writer
	}
	var buf bytes.Buffer
	if err := doc.Write(ctx, &buf, wcfg); err != nil {
		return nil, 0, fmt.Errorf("write: %w", err)
	}
	return buf.Bytes(), len(pages), nil
}

// FindForms walks every page depth first, dictionary keys in lexical order
// and arrays in order, and returns each form XObject once. Parent links are
// not followed. Forms nested in other forms are found too.
func FindForms(ctx context.Context, doc *document.Document) ([]*raw.StreamObj, error) {
	rd := doc.Raw()
	var stack []raw.Object
	for i := doc.PageCount(); i >= 1; i-- {
		ref, err := doc.PageRef(i)
		if err != nil {
			return nil, err
		}
		stack = append(stack, raw.RefObj{R: ref})
	}

	visited := map[raw.Object]bool{}
	var forms []*raw.StreamObj
	for len(stack) > 0 {
		if len(visited)%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		obj := rd.Resolve(stack[len(stack)-1])
		stack = stack[:len(stack)-1]

		var dict *raw.DictObj
		switch o := obj.(type) {
		case *raw.ArrayObj:
			if visited[o] {
				continue
			}
			visited[o] = true
			for i := len(o.Items) - 1; i >= 0; i-- {
				stack = append(stack, o.Items[i])
			}
			continue
		case *raw.DictObj:
			if visited[o] {
				continue
			}
			visited[o] = true
			dict = o
		case *raw.StreamObj:
			if visited[o] {
				continue
			}
			visited[o] = true
			if isForm(o.Dict) {
				forms = append(forms, o)
			}
			dict = o.Dict
		default:
			continue
		}
		keys := dict.SortedKeys()
		for i := len(keys) - 1; i >= 0; i-- {
			if keys[i] == "Parent" {
				continue
			}
			v, _ := dict.Lookup(keys[i])
			stack = append(stack, v)
		}
	}
	return forms, nil
}

func isForm(d *raw.DictObj) bool {
	if typ, ok := d.Lookup("Type"); ok && typ != raw.NameLiteral("XObject") {
		return false
	}
	sub, _ := d.Lookup("Subtype")
	return sub == raw.NameLiteral("Form")
}

// wrapForm builds a page showing form: its bounding box becomes the
// MediaBox and its stream, still encoded, the page content.
func wrapForm(rd *raw.Document, form *raw.StreamObj) (*raw.DictObj, bool) {
	bbox, ok := rd.Resolve(lookup(form.Dict, "BBox")).(*raw.ArrayObj)
	if !ok || bbox.Len() != 4 {
		return nil, false
	}
	content := raw.Dict()
	for _, key := range []string{"Filter", "DecodeParms"} {
		if v, ok := form.Dict.Lookup(key); ok {
			content.Set(raw.NameLiteral(key), v)
		}
	}
	contentRef := rd.Add(raw.NewStream(content, form.Data))

	page := raw.Dict()
	page.Set(raw.NameLiteral("Type"), raw.NameLiteral("Page"))
	page.Set(raw.NameLiteral("MediaBox"), bbox)
	page.Set(raw.NameLiteral("Contents"), raw.RefObj{R: contentRef})
	if res, ok := form.Dict.Lookup("Resources"); ok {
		page.Set(raw.NameLiteral("Resources"), res)
	}
	return page, true
}

func lookup(d *raw.DictObj, key string) raw.Object {
	if v, ok := d.Lookup(key); ok {
		return v
	}
	return raw.NullObj{}
}

// OutputPath is path with "_deembedded" before the .pdf extension.
func OutputPath(path string) (string, error) {
	if filepath.Ext(path) != ".pdf" {
		return "", fmt.Errorf("%w: %s", ErrNotPDF, path)
	}
	return strings.TrimSuffix(path, ".pdf") + "_deembedded.pdf", nil
}
