// Package document is the page-level view of a parsed PDF that the cleaner
// mutates. Every page and content stream is addressed through the single
// object store of the underlying raw.Document.
package document

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/wudi/gulagcleaner/filters"
	"github.com/wudi/gulagcleaner/ir/raw"
	"github.com/wudi/gulagcleaner/parser"
	"github.com/wudi/gulagcleaner/security"
	"github.com/wudi/gulagcleaner/writer"
)

// BoxKeys lists the five page boundary entries.
var BoxKeys = []string{"MediaBox", "ArtBox", "TrimBox", "CropBox", "BleedBox"}

// inheritable page attributes, ISO 32000-1 table 30
var inheritable = map[string]bool{"Resources": true, "MediaBox": true, "CropBox": true, "Rotate": true}

type Document struct {
	raw      *raw.Document
	pages    []raw.ObjectRef
	limits   security.Limits
	pipeline *filters.Pipeline
}

// Load parses data and indexes its page tree. Any failure is reported as
// ErrMalformedDocument.
func Load(ctx context.Context, data []byte, cfg parser.Config) (*Document, error) {
	rd, err := parser.NewDocumentParser(cfg).Parse(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	d, err := New(rd, cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	return d, nil
}

// New wraps an already parsed document.
func New(rd *raw.Document, limits security.Limits) (*Document, error) {
	limits = limits.WithDefaults()
	d := &Document{
		raw:    rd,
		limits: limits,
		pipeline: filters.NewDefaultPipeline(filters.Limits{
			MaxDecompressedSize: limits.MaxDecompressedSize,
			MaxDecodeTime:       limits.MaxDecodeTime,
		}),
	}
	if err := d.indexPages(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Document) Raw() *raw.Document { return d.raw }

func (d *Document) indexPages() error {
	rootObj, ok := d.raw.Trailer.Lookup("Root")
	if !ok {
		return &ObjectError{Op: "trailer", Key: "Root", Err: ErrMissingKey}
	}
	catalog, ok := d.raw.Resolve(rootObj).(*raw.DictObj)
	if !ok {
		return &ObjectError{Op: "catalog", Err: ErrUnexpectedObjectType}
	}
	treeObj, ok := catalog.Lookup("Pages")
	if !ok {
		return &ObjectError{Op: "catalog", Key: "Pages", Err: ErrMissingKey}
	}
	d.pages = d.pages[:0]
	return d.walk(treeObj, map[raw.ObjectRef]bool{}, 0)
}

// walk appends leaf pages in document order. Malformed kids are skipped.
func (d *Document) walk(node raw.Object, seen map[raw.ObjectRef]bool, depth int) error {
	if depth > d.limits.MaxPageTreeDepth {
		return fmt.Errorf("page tree deeper than %d", d.limits.MaxPageTreeDepth)
	}
	ref, isRef := node.(raw.RefObj)
	if !isRef {
		return nil
	}
	if seen[ref.R] {
		return nil
	}
	seen[ref.R] = true
	dict, ok := d.raw.Resolve(ref).(*raw.DictObj)
	if !ok {
		return nil
	}

	kidsObj, hasKids := dict.Lookup("Kids")
	isPage := !hasKids
	if typ, ok := dict.Lookup("Type"); ok {
		isPage = typ == raw.NameLiteral("Page")
	}
	if isPage {
		d.pages = append(d.pages, ref.R)
		return nil
	}
	kids, ok := d.raw.Resolve(kidsObj).(*raw.ArrayObj)
	if !ok {
		return nil
	}
	for _, kid := range kids.Items {
		if err := d.walk(kid, seen, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) PageCount() int { return len(d.pages) }

// PageNumbers returns 1..PageCount in order.
func (d *Document) PageNumbers() []int {
	nums := make([]int, len(d.pages))
	for i := range nums {
		nums[i] = i + 1
	}
	return nums
}

// PageRef returns the object holding page n (1-based).
func (d *Document) PageRef(n int) (raw.ObjectRef, error) {
	if n < 1 || n > len(d.pages) {
		return raw.ObjectRef{}, fmt.Errorf("page %d of %d: %w", n, len(d.pages), ErrPageNotFound)
	}
	return d.pages[n-1], nil
}

func (d *Document) PageDict(n int) (*raw.DictObj, error) {
	ref, err := d.PageRef(n)
	if err != nil {
		return nil, err
	}
	dict, ok := d.raw.Objects[ref].(*raw.DictObj)
	if !ok {
		return nil, &ObjectError{Op: "page", Ref: ref, Err: ErrUnexpectedObjectType}
	}
	return dict, nil
}

// Get returns the page's own entry for key, resolved.
func (d *Document) Get(n int, key string) (raw.Object, error) {
	dict, err := d.PageDict(n)
	if err != nil {
		return nil, err
	}
	v, ok := dict.Lookup(key)
	if !ok {
		return nil, &ObjectError{Op: "get", Ref: d.pages[n-1], Key: key, Err: ErrMissingKey}
	}
	return d.raw.Resolve(v), nil
}

// Set stores value under key directly on the page dictionary.
func (d *Document) Set(n int, key string, value raw.Object) error {
	dict, err := d.PageDict(n)
	if err != nil {
		return err
	}
	dict.Set(raw.NameLiteral(key), value)
	return nil
}

// Inherited looks key up on the page and then along its /Parent chain.
// Only the inheritable attributes are searched past the page itself.
func (d *Document) Inherited(n int, key string) (raw.Object, error) {
	dict, err := d.PageDict(n)
	if err != nil {
		return nil, err
	}
	if v, ok := dict.Lookup(key); ok {
		return d.raw.Resolve(v), nil
	}
	if inheritable[key] {
		node := dict
		for depth := 0; depth < d.limits.MaxPageTreeDepth; depth++ {
			parentObj, ok := node.Lookup("Parent")
			if !ok {
				break
			}
			parent, ok := d.raw.Resolve(parentObj).(*raw.DictObj)
			if !ok {
				break
			}
			if v, ok := parent.Lookup(key); ok {
				return d.raw.Resolve(v), nil
			}
			node = parent
		}
	}
	return nil, &ObjectError{Op: "inherit", Ref: d.pages[n-1], Key: key, Err: ErrMissingKey}
}

// Box reads a rectangle entry as [llx lly urx ury].
func (d *Document) Box(n int, key string) ([4]float64, error) {
	var box [4]float64
	v, err := d.Inherited(n, key)
	if err != nil {
		return box, err
	}
	arr, ok := v.(*raw.ArrayObj)
	if !ok || arr.Len() != 4 {
		return box, &ObjectError{Op: "box", Ref: d.pages[n-1], Key: key, Err: ErrUnexpectedObjectType}
	}
	for i, item := range arr.Items {
		num, ok := d.raw.Resolve(item).(raw.NumberObj)
		if !ok {
			return box, &ObjectError{Op: "box", Ref: d.pages[n-1], Key: key, Err: ErrUnexpectedObjectType}
		}
		box[i] = num.Float()
	}
	return box, nil
}

// ContentRefs returns the page's content streams in order. A page without
// /Contents has none.
func (d *Document) ContentRefs(n int) ([]raw.ObjectRef, error) {
	dict, err := d.PageDict(n)
	if err != nil {
		return nil, err
	}
	v, ok := dict.Lookup("Contents")
	if !ok {
		return nil, nil
	}
	if ref, ok := v.(raw.RefObj); ok {
		if _, isStream := d.raw.Objects[ref.R].(*raw.StreamObj); isStream {
			return []raw.ObjectRef{ref.R}, nil
		}
	}
	arr, ok := d.raw.Resolve(v).(*raw.ArrayObj)
	if !ok {
		if _, isNull := d.raw.Resolve(v).(raw.NullObj); isNull {
			return nil, nil
		}
		return nil, &ObjectError{Op: "contents", Ref: d.pages[n-1], Key: "Contents", Err: ErrUnexpectedObjectType}
	}
	refs := make([]raw.ObjectRef, 0, arr.Len())
	for _, item := range arr.Items {
		if ref, ok := item.(raw.RefObj); ok {
			refs = append(refs, ref.R)
		}
	}
	return refs, nil
}

// SetContentRefs replaces /Contents with an array of references.
func (d *Document) SetContentRefs(n int, refs []raw.ObjectRef) error {
	items := make([]raw.Object, len(refs))
	for i, ref := range refs {
		items[i] = raw.RefObj{R: ref}
	}
	return d.Set(n, "Contents", raw.NewArray(items...))
}

// Content returns the page's decoded content streams joined by newlines.
func (d *Document) Content(ctx context.Context, n int) ([]byte, error) {
	refs, err := d.ContentRefs(n)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for i, ref := range refs {
		stm, ok := d.raw.Objects[ref].(*raw.StreamObj)
		if !ok {
			continue
		}
		data, err := d.pipeline.DecodeStream(ctx, stm)
		if err != nil {
			return nil, &ObjectError{Op: "decode", Ref: ref, Err: err}
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// SetContent stores data as a new Flate stream and makes it the page's only
// content stream. The previous streams stay in the store until the writer
// prunes them.
func (d *Document) SetContent(n int, data []byte) error {
	if _, err := d.PageRef(n); err != nil {
		return err
	}
	encoded, err := filters.EncodeFlate(data)
	if err != nil {
		return err
	}
	dict := raw.Dict()
	dict.Set(raw.NameLiteral("Filter"), raw.NameLiteral("FlateDecode"))
	ref := d.raw.Add(raw.NewStream(dict, encoded))
	return d.Set(n, "Contents", raw.RefObj{R: ref})
}

// Resources returns the page's (possibly inherited) resource dictionary.
func (d *Document) Resources(n int) (*raw.DictObj, error) {
	v, err := d.Inherited(n, "Resources")
	if err != nil {
		return nil, err
	}
	res, ok := v.(*raw.DictObj)
	if !ok {
		return nil, &ObjectError{Op: "resources", Ref: d.pages[n-1], Key: "Resources", Err: ErrUnexpectedObjectType}
	}
	return res, nil
}

func (d *Document) Resolve(obj raw.Object) raw.Object { return d.raw.Resolve(obj) }

// Object returns the stored object for ref.
func (d *Document) Object(ref raw.ObjectRef) (raw.Object, error) {
	obj, ok := d.raw.Objects[ref]
	if !ok {
		return nil, &ObjectError{Op: "object", Ref: ref, Err: ErrMissingKey}
	}
	return obj, nil
}

// DeletePages removes the given pages, numbered as before the call, from the
// page tree. Pages are detached highest first; duplicates are ignored.
func (d *Document) DeletePages(nums []int) error {
	sorted := append([]int(nil), nums...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	targets := make([]raw.ObjectRef, 0, len(sorted))
	for i, n := range sorted {
		if i > 0 && n == sorted[i-1] {
			continue
		}
		ref, err := d.PageRef(n)
		if err != nil {
			return err
		}
		targets = append(targets, ref)
	}
	for _, ref := range targets {
		if err := d.detach(ref); err != nil {
			return err
		}
	}
	return d.indexPages()
}

// detach drops ref from its parent's Kids, decrements every ancestor's Count
// and removes the page object from the store.
func (d *Document) detach(ref raw.ObjectRef) error {
	page, ok := d.raw.Objects[ref].(*raw.DictObj)
	if !ok {
		return &ObjectError{Op: "delete", Ref: ref, Err: ErrUnexpectedObjectType}
	}
	parentObj, ok := page.Lookup("Parent")
	if !ok {
		return &ObjectError{Op: "delete", Ref: ref, Key: "Parent", Err: ErrMissingKey}
	}
	parent, ok := d.raw.Resolve(parentObj).(*raw.DictObj)
	if !ok {
		return &ObjectError{Op: "delete", Ref: ref, Key: "Parent", Err: ErrUnexpectedObjectType}
	}
	kids, ok := d.raw.Resolve(lookupOrNull(parent, "Kids")).(*raw.ArrayObj)
	if !ok {
		return &ObjectError{Op: "delete", Ref: ref, Key: "Kids", Err: ErrUnexpectedObjectType}
	}
	kept := kids.Items[:0]
	for _, kid := range kids.Items {
		if r, ok := kid.(raw.RefObj); ok && r.R == ref {
			continue
		}
		kept = append(kept, kid)
	}
	kids.Items = kept

	node := parent
	for depth := 0; node != nil && depth < d.limits.MaxPageTreeDepth; depth++ {
		if c, ok := d.raw.Resolve(lookupOrNull(node, "Count")).(raw.NumberObj); ok && c.Int() > 0 {
			node.Set(raw.NameLiteral("Count"), raw.NumberInt(c.Int()-1))
		}
		next, _ := d.raw.Resolve(lookupOrNull(node, "Parent")).(*raw.DictObj)
		node = next
	}
	delete(d.raw.Objects, ref)
	return nil
}

// ReplacePages discards the page tree and installs a flat one holding pages
// in order under a fresh catalog. Objects only the old tree reached become
// unreachable and are dropped on Write.
func (d *Document) ReplacePages(pages []*raw.DictObj) error {
	treeRef := d.raw.Add(raw.Dict())
	kids := raw.NewArray()
	for _, p := range pages {
		p.Set(raw.NameLiteral("Parent"), raw.RefObj{R: treeRef})
		kids.Append(raw.RefObj{R: d.raw.Add(p)})
	}
	tree := raw.Dict()
	tree.Set(raw.NameLiteral("Type"), raw.NameLiteral("Pages"))
	tree.Set(raw.NameLiteral("Kids"), kids)
	tree.Set(raw.NameLiteral("Count"), raw.NumberInt(int64(len(pages))))
	d.raw.Objects[treeRef] = tree

	catalog := raw.Dict()
	catalog.Set(raw.NameLiteral("Type"), raw.NameLiteral("Catalog"))
	catalog.Set(raw.NameLiteral("Pages"), raw.RefObj{R: treeRef})
	d.raw.Trailer.Set(raw.NameLiteral("Root"), raw.RefObj{R: d.raw.Add(catalog)})
	return d.indexPages()
}

func lookupOrNull(dict *raw.DictObj, key string) raw.Object {
	if v, ok := dict.Lookup(key); ok {
		return v
	}
	return raw.NullObj{}
}

// Write serializes the document. Objects no longer reachable from the
// trailer, such as deleted pages and replaced content, are dropped.
func (d *Document) Write(ctx context.Context, out io.Writer, cfg writer.Config, interceptors ...writer.Interceptor) error {
	b := &writer.WriterBuilder{}
	for _, ic := range interceptors {
		b.WithInterceptor(ic)
	}
	return b.Build().Write(ctx, d.raw, out, cfg)
}
