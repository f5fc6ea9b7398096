// Package writer serializes a raw.Document to a complete PDF file.
package writer

import (
	"io"

	"github.com/wudi/gulagcleaner/ir/raw"
)

type PDFVersion string

const (
	PDF14 PDFVersion = "1.4"
	PDF15 PDFVersion = "1.5"
	PDF17 PDFVersion = "1.7"
)

// Config selects the file layout. The zero value writes a classic xref
// table and keeps the document's header version.
type Config struct {
	// Version overrides the header version; xref streams force at least 1.5.
	Version PDFVersion
	// Compression is the zlib level for object and xref streams (0 means default).
	Compression   int
	XRefStreams   bool
	ObjectStreams bool
	// KeepUnreachable disables pruning of objects the trailer cannot reach.
	KeepUnreachable bool
}

type Writer interface {
	Write(ctx Context, doc *raw.Document, w io.Writer, cfg Config) error
	SerializeObject(ref raw.ObjectRef, obj raw.Object) ([]byte, error)
}

// Interceptor observes every indirect object as it is written.
type Interceptor interface {
	BeforeWrite(ctx Context, ref raw.ObjectRef, obj raw.Object) error
	AfterWrite(ctx Context, ref raw.ObjectRef, obj raw.Object, bytesWritten int64) error
}

type WriterBuilder struct{ interceptors []Interceptor }

func (b *WriterBuilder) WithInterceptor(i Interceptor) *WriterBuilder {
	b.interceptors = append(b.interceptors, i)
	return b
}
func (b *WriterBuilder) Build() Writer { return &impl{interceptors: b.interceptors} }

type Context interface {
	Done() <-chan struct{}
	Err() error
}
