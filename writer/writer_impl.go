package writer

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/wudi/gulagcleaner/ir/raw"
)

// objectsPerStream caps how many objects share one object stream.
const objectsPerStream = 100

type impl struct{ interceptors []Interceptor }

func (w *impl) SerializeObject(ref raw.ObjectRef, obj raw.Object) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %d obj\n", ref.Num, ref.Gen)
	buf.Write(serializePrimitive(obj))
	buf.WriteString("\nendobj\n")
	return buf.Bytes(), nil
}

type xrefEntry struct {
	typ    int   // 1 offset, 2 compressed
	field2 int64 // offset or object stream number
	field3 int   // generation or index within the stream
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

func (w *impl) Write(ctx Context, doc *raw.Document, out io.Writer, cfg Config) error {
	if doc == nil || doc.Trailer == nil {
		return errors.New("document has no trailer")
	}
	root, ok := doc.Trailer.Lookup("Root")
	if !ok {
		return errors.New("trailer has no /Root")
	}

	refs := doc.SortedRefs()
	if !cfg.KeepUnreachable {
		refs = reachable(doc)
	}
	maxNum := 0
	for _, ref := range refs {
		if ref.Num > maxNum {
			maxNum = ref.Num
		}
	}

	cw := &countingWriter{w: out}
	fmt.Fprintf(cw, "%%PDF-%s\n%%\xE2\xE3\xCF\xD3\n", headerVersion(doc, cfg))

	// the ID digest covers the serialized body
	hash := md5.New()
	entries := make(map[int]xrefEntry, len(refs))

	var packed []raw.ObjectRef
	for _, ref := range refs {
		obj := doc.Objects[ref]
		if cfg.XRefStreams && cfg.ObjectStreams && packable(ref, obj, root) {
			packed = append(packed, ref)
			continue
		}
		if err := w.writeIndirect(ctx, cw, hash, ref, obj, entries); err != nil {
			return err
		}
	}

	next := maxNum + 1
	for start := 0; start < len(packed); start += objectsPerStream {
		end := start + objectsPerStream
		if end > len(packed) {
			end = len(packed)
		}
		stmRef := raw.ObjectRef{Num: next}
		next++
		stm, err := buildObjectStream(doc, packed[start:end], cfg.Compression)
		if err != nil {
			return err
		}
		for i, ref := range packed[start:end] {
			entries[ref.Num] = xrefEntry{typ: 2, field2: int64(stmRef.Num), field3: i}
		}
		if err := w.writeIndirect(ctx, cw, hash, stmRef, stm, entries); err != nil {
			return err
		}
	}

	trailer := buildTrailer(doc, next, hash.Sum(nil))
	if cfg.XRefStreams {
		return w.writeXRefStream(ctx, cw, hash, trailer, entries, next, cfg.Compression)
	}
	return writeXRefTable(cw, trailer, entries, next)
}

func (w *impl) writeIndirect(ctx Context, cw *countingWriter, hash io.Writer, ref raw.ObjectRef, obj raw.Object, entries map[int]xrefEntry) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("write object %d: %w", ref.Num, ctx.Err())
	default:
	}
	for _, ic := range w.interceptors {
		if err := ic.BeforeWrite(ctx, ref, obj); err != nil {
			return err
		}
	}
	data, err := w.SerializeObject(ref, obj)
	if err != nil {
		return err
	}
	entries[ref.Num] = xrefEntry{typ: 1, field2: cw.n, field3: ref.Gen}
	hash.Write(data)
	if _, err := cw.Write(data); err != nil {
		return err
	}
	for _, ic := range w.interceptors {
		if err := ic.AfterWrite(ctx, ref, obj, int64(len(data))); err != nil {
			return err
		}
	}
	return nil
}

// packable reports objects allowed inside an object stream: not streams,
// generation zero, and not the catalog, which some readers fetch eagerly.
func packable(ref raw.ObjectRef, obj raw.Object, root raw.Object) bool {
	if ref.Gen != 0 {
		return false
	}
	if r, ok := root.(raw.RefObj); ok && r.R == ref {
		return false
	}
	_, isStream := obj.(*raw.StreamObj)
	return !isStream
}

func buildObjectStream(doc *raw.Document, refs []raw.ObjectRef, level int) (*raw.StreamObj, error) {
	var header, body bytes.Buffer
	for i, ref := range refs {
		if i > 0 {
			header.WriteByte(' ')
		}
		fmt.Fprintf(&header, "%d %d", ref.Num, body.Len())
		body.Write(serializePrimitive(doc.Objects[ref]))
		body.WriteByte('\n')
	}
	header.WriteByte('\n')
	first := header.Len()
	header.Write(body.Bytes())

	data, err := deflate(header.Bytes(), level)
	if err != nil {
		return nil, err
	}
	dict := raw.Dict()
	dict.Set(raw.NameLiteral("Type"), raw.NameLiteral("ObjStm"))
	dict.Set(raw.NameLiteral("N"), raw.NumberInt(int64(len(refs))))
	dict.Set(raw.NameLiteral("First"), raw.NumberInt(int64(first)))
	dict.Set(raw.NameLiteral("Filter"), raw.NameLiteral("FlateDecode"))
	return raw.NewStream(dict, data), nil
}

func buildTrailer(doc *raw.Document, size int, digest []byte) *raw.DictObj {
	trailer := raw.Dict()
	trailer.Set(raw.NameLiteral("Size"), raw.NumberInt(int64(size)))
	root, _ := doc.Trailer.Lookup("Root")
	trailer.Set(raw.NameLiteral("Root"), root)
	if info, ok := doc.Trailer.Lookup("Info"); ok {
		if _, isNull := doc.Resolve(info).(raw.NullObj); !isNull {
			trailer.Set(raw.NameLiteral("Info"), info)
		}
	}
	// keep the permanent half of an existing ID and refresh the changing one
	if idObj, ok := doc.Trailer.Lookup("ID"); ok {
		if arr, ok := doc.Resolve(idObj).(*raw.ArrayObj); ok && arr.Len() == 2 {
			if s, ok := doc.Resolve(arr.Items[0]).(raw.String); ok {
				trailer.Set(raw.NameLiteral("ID"), raw.NewArray(raw.HexStr(s.Value()), raw.HexStr(digest)))
			}
		}
	}
	return trailer
}

func writeXRefTable(cw *countingWriter, trailer *raw.DictObj, entries map[int]xrefEntry, size int) error {
	start := cw.n
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "xref\n0 %d\n", size)
	buf.WriteString("0000000000 65535 f \n")
	for num := 1; num < size; num++ {
		e, ok := entries[num]
		if !ok {
			buf.WriteString("0000000000 00000 f \n")
			continue
		}
		fmt.Fprintf(&buf, "%010d %05d n \n", e.field2, e.field3)
	}
	buf.WriteString("trailer\n")
	buf.Write(serializePrimitive(trailer))
	fmt.Fprintf(&buf, "\nstartxref\n%d\n%%%%EOF\n", start)
	_, err := cw.Write(buf.Bytes())
	return err
}

func (w *impl) writeXRefStream(ctx Context, cw *countingWriter, hash io.Writer, trailer *raw.DictObj, entries map[int]xrefEntry, size int, level int) error {
	ref := raw.ObjectRef{Num: size}
	size++
	start := cw.n
	entries[ref.Num] = xrefEntry{typ: 1, field2: start}

	rows := make([]byte, 0, size*7)
	for num := 0; num < size; num++ {
		e, ok := entries[num]
		if !ok {
			gen := 0
			if num == 0 {
				gen = 65535
			}
			rows = appendXRefStreamEntry(rows, 0, 0, gen)
			continue
		}
		rows = appendXRefStreamEntry(rows, e.typ, e.field2, e.field3)
	}
	data, err := deflate(rows, level)
	if err != nil {
		return err
	}
	dict := raw.Dict()
	for _, k := range trailer.SortedKeys() {
		v, _ := trailer.Lookup(k)
		dict.Set(raw.NameLiteral(k), v)
	}
	dict.Set(raw.NameLiteral("Type"), raw.NameLiteral("XRef"))
	dict.Set(raw.NameLiteral("Size"), raw.NumberInt(int64(size)))
	dict.Set(raw.NameLiteral("W"), raw.NewArray(raw.NumberInt(1), raw.NumberInt(4), raw.NumberInt(2)))
	dict.Set(raw.NameLiteral("Filter"), raw.NameLiteral("FlateDecode"))

	obj, _ := w.SerializeObject(ref, raw.NewStream(dict, data))
	if _, err := cw.Write(obj); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cw, "startxref\n%d\n%%%%EOF\n", start)
	return err
}

// appendXRefStreamEntry writes one row for W [1 4 2].
func appendXRefStreamEntry(buf []byte, typ int, field2 int64, field3 int) []byte {
	off := uint32(field2)
	return append(buf, byte(typ),
		byte(off>>24), byte(off>>16), byte(off>>8), byte(off),
		byte(field3>>8), byte(field3))
}

func deflate(data []byte, level int) ([]byte, error) {
	if level == 0 {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func headerVersion(doc *raw.Document, cfg Config) string {
	v := string(cfg.Version)
	if v == "" {
		v = doc.Version
	}
	if _, err := strconv.ParseFloat(v, 64); err != nil {
		v = string(PDF17)
	}
	if cfg.XRefStreams && v < string(PDF15) {
		v = string(PDF15)
	}
	return v
}

// reachable returns the stored objects reachable from the trailer's /Root
// and /Info, ordered by object number.
func reachable(doc *raw.Document) []raw.ObjectRef {
	seen := make(map[raw.ObjectRef]bool)
	var stack []raw.Object
	for _, k := range []string{"Root", "Info"} {
		if v, ok := doc.Trailer.Lookup(k); ok {
			stack = append(stack, v)
		}
	}
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch o := obj.(type) {
		case raw.RefObj:
			if seen[o.R] {
				continue
			}
			target, ok := doc.Objects[o.R]
			if !ok {
				continue
			}
			seen[o.R] = true
			stack = append(stack, target)
		case *raw.ArrayObj:
			stack = append(stack, o.Items...)
		case *raw.DictObj:
			for _, v := range o.KV {
				stack = append(stack, v)
			}
		case *raw.StreamObj:
			stack = append(stack, o.Dict)
		}
	}
	out := make([]raw.ObjectRef, 0, len(seen))
	for ref := range seen {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Num != out[j].Num {
			return out[i].Num < out[j].Num
		}
		return out[i].Gen < out[j].Gen
	})
	return out
}
