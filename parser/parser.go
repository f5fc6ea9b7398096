// Package parser turns PDF bytes into a raw.Document.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wudi/gulagcleaner/filters"
	"github.com/wudi/gulagcleaner/ir/raw"
	"github.com/wudi/gulagcleaner/recovery"
	"github.com/wudi/gulagcleaner/security"
	"github.com/wudi/gulagcleaner/xref"
)

// ErrEncrypted is returned for documents with an /Encrypt trailer entry.
var ErrEncrypted = errors.New("encrypted documents are not supported")

// Config controls high-level PDF parsing (xref resolution + object loading).
// A nil Recovery fails on the first damaged structure.
type Config struct {
	Recovery recovery.Strategy
	Limits   security.Limits
	Cache    Cache
}

// DocumentParser builds a raw.Document using xref tables/streams and the object loader.
type DocumentParser struct {
	cfg Config
}

func NewDocumentParser(cfg Config) *DocumentParser {
	cfg.Limits = cfg.Limits.WithDefaults()
	return &DocumentParser{cfg: cfg}
}

func (p *DocumentParser) Parse(ctx context.Context, r io.ReaderAt) (*raw.Document, error) {
	resolver := xref.NewResolver(xref.ResolverConfig{
		MaxXRefDepth: p.cfg.Limits.MaxXRefDepth,
		Recovery:     p.cfg.Recovery,
		Limits: filters.Limits{
			MaxDecompressedSize: p.cfg.Limits.MaxDecompressedSize,
			MaxDecodeTime:       p.cfg.Limits.MaxDecodeTime,
		},
	})
	table, err := resolver.Resolve(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("resolve xref: %w", err)
	}
	trailer := resolver.Trailer()
	if _, ok := trailer.Lookup("Encrypt"); ok {
		return nil, ErrEncrypted
	}

	loader, err := (&ObjectLoaderBuilder{}).
		WithReader(r).
		WithXRef(table).
		WithLimits(p.cfg.Limits).
		WithRecovery(p.cfg.Recovery).
		WithCache(p.cfg.Cache).
		Build()
	if err != nil {
		return nil, err
	}

	doc := &raw.Document{
		Objects:     make(map[raw.ObjectRef]raw.Object),
		Trailer:     trailer,
		Version:     detectHeaderVersion(r),
		XRefStreams: table.Type() == "xref-stream",
	}

	for _, objNum := range table.Objects() {
		_, gen, _ := table.Lookup(objNum)
		ref := raw.ObjectRef{Num: objNum, Gen: gen}
		obj, err := loader.Load(ctx, ref)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !p.skip(ctx, err, ref) {
				return nil, fmt.Errorf("load object %d: %w", objNum, err)
			}
			continue
		}
		if isStructural(obj) {
			continue
		}
		doc.Objects[ref] = obj
	}

	p.populateMetadata(doc)
	return doc, nil
}

// skip asks the recovery strategy whether an unreadable object may be
// dropped. Readers treat references to missing objects as null.
func (p *DocumentParser) skip(ctx context.Context, err error, ref raw.ObjectRef) bool {
	if p.cfg.Recovery == nil {
		return false
	}
	loc := recovery.Location{ObjectNum: ref.Num, ObjectGen: ref.Gen, Component: "parser:load"}
	return p.cfg.Recovery.OnError(ctx, err, loc) != recovery.ActionFail
}

// isStructural reports cross-reference and object streams, which the writer
// regenerates.
func isStructural(obj raw.Object) bool {
	stm, ok := obj.(*raw.StreamObj)
	if !ok {
		return false
	}
	typ, _ := stm.Dict.Lookup("Type")
	return typ == raw.NameLiteral("XRef") || typ == raw.NameLiteral("ObjStm")
}

func detectHeaderVersion(r io.ReaderAt) string {
	buf := make([]byte, 1024)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	head := string(buf[:n])
	// garbage before the header is tolerated by readers
	idx := strings.Index(head, "%PDF-")
	if idx < 0 {
		return ""
	}
	line := head[idx+5:]
	if end := strings.IndexAny(line, "\r\n \t%"); end >= 0 {
		line = line[:end]
	}
	return line
}
