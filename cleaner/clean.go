// Package cleaner removes the advertising that document-sharing platforms
// inject into PDFs. A document is fingerprinted once against its unmodified
// layout, rewritten according to the matching scheme and serialized again.
package cleaner

import (
	"bytes"
	"context"
	"fmt"

	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/ir/raw"
	"github.com/wudi/gulagcleaner/observability"
	"github.com/wudi/gulagcleaner/parser"
	"github.com/wudi/gulagcleaner/writer"
)

type Cleaner struct {
	logger     observability.Logger
	tracer     observability.Tracer
	classifier PageClassifier
	parserCfg  parser.Config
	writerCfg  *writer.Config
}

type Option func(*Cleaner)

func WithLogger(l observability.Logger) Option { return func(c *Cleaner) { c.logger = l } }
func WithTracer(t observability.Tracer) Option { return func(c *Cleaner) { c.tracer = t } }

// WithClassifier replaces the page classifier used by the generic scheme.
func WithClassifier(pc PageClassifier) Option { return func(c *Cleaner) { c.classifier = pc } }

func WithParserConfig(cfg parser.Config) Option { return func(c *Cleaner) { c.parserCfg = cfg } }

// WithWriterConfig fixes the output layout. By default output uses xref and
// object streams exactly when the input did.
func WithWriterConfig(cfg writer.Config) Option {
	return func(c *Cleaner) { c.writerCfg = &cfg }
}

func New(opts ...Option) *Cleaner {
	c := &Cleaner{
		logger:     observability.NopLogger{},
		tracer:     observability.NopTracer(),
		classifier: NewDimensionClassifier(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Clean cleans data with the default configuration.
func Clean(data []byte, forceGeneric bool) ([]byte, SchemeTag, error) {
	return New().Clean(context.Background(), data, forceGeneric)
}

// Clean returns the cleaned document and the scheme used. forceGeneric skips
// fingerprinting and classifies every page on its own.
func (c *Cleaner) Clean(ctx context.Context, data []byte, forceGeneric bool) ([]byte, SchemeTag, error) {
	doc, err := c.parse(ctx, data)
	if err != nil {
		return nil, 0, err
	}

	sctx, span := c.tracer.StartSpan(ctx, observability.SpanClassify)
	scheme, err := Classify(doc, forceGeneric)
	span.SetError(err)
	span.Finish()
	if err != nil {
		return nil, 0, err
	}
	tag := scheme.Tag()
	c.logger.Info("scheme selected", observability.String("scheme", tag.String()), observability.Int("pages", doc.PageCount()))

	sctx, span = c.tracer.StartSpan(sctx, observability.SpanRewrite)
	span.SetTag("scheme", tag.String())
	del, err := c.rewrite(sctx, doc, scheme)
	if err == nil && len(del) > 0 {
		c.logger.Info("deleting pages", observability.Ints("pages", del))
		err = doc.DeletePages(del)
	}
	span.SetError(err)
	span.Finish()
	if err != nil {
		return nil, tag, err
	}

	out, err := c.write(sctx, doc)
	if err != nil {
		return nil, tag, err
	}
	return out, tag, nil
}

func (c *Cleaner) parse(ctx context.Context, data []byte) (*document.Document, error) {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanParse)
	defer span.Finish()
	doc, err := document.Load(ctx, data, c.parserCfg)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	span.SetTag("pages", doc.PageCount())
	meta := doc.Raw().Metadata
	c.logger.Debug("document loaded",
		observability.Int("pages", doc.PageCount()),
		observability.String("producer", meta.Producer),
		observability.String("creator", meta.Creator))
	return doc, nil
}

// rewrite is the single dispatch over the closed set of schemes.
func (c *Cleaner) rewrite(ctx context.Context, doc *document.Document, s Scheme) ([]int, error) {
	switch s := s.(type) {
	case SandwichScheme:
		return c.rewriteSandwich(doc, s)
	case PrependedScheme:
		return c.rewritePrepended(doc, s)
	case GenericScheme:
		return c.rewriteGeneric(ctx, doc)
	default:
		return nil, fmt.Errorf("%T: %w", s, ErrUnsupportedScheme)
	}
}

func (c *Cleaner) write(ctx context.Context, doc *document.Document) ([]byte, error) {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanWrite)
	defer span.Finish()

	cfg := writer.Config{XRefStreams: doc.Raw().XRefStreams, ObjectStreams: doc.Raw().XRefStreams}
	if c.writerCfg != nil {
		cfg = *c.writerCfg
	}
	stats := &writeStats{}
	var buf bytes.Buffer
	if err := doc.Write(ctx, &buf, cfg, stats); err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("write: %w", err)
	}
	span.SetTag("objects", stats.objects)
	c.logger.Debug("document written",
		observability.Int("objects", stats.objects),
		observability.Int64("object_bytes", stats.bytes),
		observability.Int("bytes", buf.Len()))
	return buf.Bytes(), nil
}

// writeStats counts the indirect objects the writer emits.
type writeStats struct {
	objects int
	bytes   int64
}

func (s *writeStats) BeforeWrite(writer.Context, raw.ObjectRef, raw.Object) error { return nil }

func (s *writeStats) AfterWrite(_ writer.Context, _ raw.ObjectRef, _ raw.Object, n int64) error {
	s.objects++
	s.bytes += n
	return nil
}
