// Package xref locates objects in a PDF file through its cross-reference
// sections, or by scanning the body when those are damaged.
package xref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/wudi/gulagcleaner/filters"
	"github.com/wudi/gulagcleaner/ir/raw"
	"github.com/wudi/gulagcleaner/recovery"
	"github.com/wudi/gulagcleaner/scanner"
)

// Table maps object numbers to their location in the file.
type Table interface {
	// Lookup returns the byte offset of an uncompressed object.
	Lookup(objNum int) (offset int64, gen int, found bool)
	// ObjStream returns the object stream holding a compressed object.
	ObjStream(objNum int) (stream int, index int, found bool)
	// Objects lists every in-use object number in ascending order.
	Objects() []int
	Type() string
}

// Resolver locates and parses xref information in a PDF.
type Resolver interface {
	Resolve(ctx context.Context, r io.ReaderAt) (Table, error)
	Trailer() *raw.DictObj
	Linearized() bool
}

type ResolverConfig struct {
	MaxXRefDepth int
	Recovery     recovery.Strategy
	Limits       filters.Limits
}

func NewResolver(cfg ResolverConfig) Resolver {
	if cfg.MaxXRefDepth <= 0 {
		cfg.MaxXRefDepth = 50
	}
	return &resolver{cfg: cfg}
}

type entryKind int

const (
	entryFree entryKind = iota
	entryInUse
	entryCompressed
)

type entry struct {
	kind   entryKind
	offset int64 // byte offset, or object stream number when compressed
	gen    int   // generation, or index within the object stream
}

type table struct {
	entries map[int]entry
	kind    string
}

func newTable(kind string) *table { return &table{entries: make(map[int]entry), kind: kind} }

func (t *table) Lookup(objNum int) (int64, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || e.kind != entryInUse {
		return 0, 0, false
	}
	return e.offset, e.gen, true
}

func (t *table) ObjStream(objNum int) (int, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || e.kind != entryCompressed {
		return 0, 0, false
	}
	return int(e.offset), e.gen, true
}

func (t *table) Objects() []int {
	out := make([]int, 0, len(t.entries))
	for k, e := range t.entries {
		if e.kind != entryFree && k != 0 {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}

func (t *table) Type() string { return t.kind }

// merge adds entries from an older section; newer entries win, including
// free ones.
func (t *table) merge(older map[int]entry) {
	for num, e := range older {
		if _, ok := t.entries[num]; !ok {
			t.entries[num] = e
		}
	}
}

type resolver struct {
	cfg        ResolverConfig
	trailer    *raw.DictObj
	linearized bool
}

func (r *resolver) Trailer() *raw.DictObj { return r.trailer }
func (r *resolver) Linearized() bool      { return r.linearized }

func (r *resolver) Resolve(ctx context.Context, ra io.ReaderAt) (Table, error) {
	data := readAll(ra)
	r.linearized = detectLinearized(data)

	t, err := r.resolveChain(ctx, data)
	if err == nil {
		return t, nil
	}
	if !r.shouldRepair(ctx, err) {
		return nil, err
	}
	t, trailer, rerr := repair(ctx, data, r.cfg)
	if rerr != nil {
		return nil, fmt.Errorf("%v; repair: %w", err, rerr)
	}
	r.trailer = trailer
	return t, nil
}

func (r *resolver) shouldRepair(ctx context.Context, err error) bool {
	if r.cfg.Recovery == nil || ctx.Err() != nil {
		return false
	}
	switch r.cfg.Recovery.OnError(ctx, err, recovery.Location{Component: "xref"}) {
	case recovery.ActionFix, recovery.ActionWarn, recovery.ActionSkip:
		return true
	}
	return false
}

func (r *resolver) resolveChain(ctx context.Context, data []byte) (Table, error) {
	start, err := findStartXRef(data)
	if err != nil {
		return nil, err
	}

	var result *table
	var sections []*raw.DictObj
	visited := make(map[int64]bool)
	offset := start
	for depth := 0; ; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if depth >= r.cfg.MaxXRefDepth {
			return nil, errors.New("xref chain too long")
		}
		if visited[offset] {
			return nil, fmt.Errorf("xref loop at offset %d", offset)
		}
		visited[offset] = true

		sec, err := r.readSection(ctx, data, offset)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = newTable(sec.kind)
		}
		result.merge(sec.entries)
		sections = append(sections, sec.trailer)

		// hybrid files: the table's companion stream fills gaps before /Prev
		if stm, ok := intValue(sec.trailer, "XRefStm"); ok && sec.kind == "table" {
			extra, err := r.readSection(ctx, data, stm)
			if err != nil {
				return nil, fmt.Errorf("xref stream of hybrid section: %w", err)
			}
			result.merge(extra.entries)
		}

		prev, ok := intValue(sec.trailer, "Prev")
		if !ok {
			break
		}
		offset = prev
	}

	trailer := mergeTrailers(sections)
	if _, ok := trailer.Lookup("Root"); !ok {
		return nil, errors.New("trailer has no /Root")
	}
	if err := r.validateSize(ctx, result, trailer); err != nil {
		return nil, err
	}
	r.trailer = trailer
	return result, nil
}

// trailerKeys are the document-level trailer entries; stream and chain
// bookkeeping keys are dropped.
var trailerKeys = []string{"Size", "Root", "Info", "ID", "Encrypt"}

// mergeTrailers takes each document-level key from the newest section that
// carries it.
func mergeTrailers(newestFirst []*raw.DictObj) *raw.DictObj {
	out := raw.Dict()
	for _, d := range newestFirst {
		for _, k := range trailerKeys {
			if _, ok := out.Lookup(k); ok {
				continue
			}
			if v, ok := d.Lookup(k); ok {
				out.Set(raw.NameLiteral(k), v)
			}
		}
	}
	return out
}

func (r *resolver) validateSize(ctx context.Context, t *table, trailer *raw.DictObj) error {
	size, ok := intValue(trailer, "Size")
	if !ok {
		return nil
	}
	for num, e := range t.entries {
		if e.kind != entryFree && int64(num) >= size {
			err := fmt.Errorf("object %d beyond trailer /Size %d", num, size)
			if r.cfg.Recovery == nil ||
				r.cfg.Recovery.OnError(ctx, err, recovery.Location{Component: "xref", ObjectNum: num}) == recovery.ActionFail {
				return err
			}
			return nil
		}
	}
	return nil
}

type section struct {
	kind    string
	entries map[int]entry
	trailer *raw.DictObj
}

func (r *resolver) readSection(ctx context.Context, data []byte, offset int64) (*section, error) {
	if offset <= 0 || offset >= int64(len(data)) {
		return nil, fmt.Errorf("xref offset out of range: %d", offset)
	}
	pos := skipSpace(data, offset)
	if bytes.HasPrefix(data[pos:], []byte("xref")) {
		return readClassic(data, pos+4)
	}
	return r.readStream(ctx, data, offset)
}

func findStartXRef(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return 0, errors.New("startxref not found")
	}
	pos := skipSpace(data, int64(idx+len("startxref")))
	end := pos
	for end < int64(len(data)) && data[end] >= '0' && data[end] <= '9' {
		end++
	}
	val, err := strconv.ParseInt(string(data[pos:end]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse startxref: %w", err)
	}
	return val, nil
}

// readClassic parses "xref" subsections starting at pos (just past the
// keyword) and the trailer dictionary that follows them.
func readClassic(data []byte, pos int64) (*section, error) {
	sec := &section{kind: "table", entries: make(map[int]entry)}
	for {
		pos = skipSpace(data, pos)
		if pos >= int64(len(data)) {
			return nil, errors.New("unexpected end of xref section")
		}
		if bytes.HasPrefix(data[pos:], []byte("trailer")) {
			pos += int64(len("trailer"))
			break
		}
		var header []string
		header, pos = fields(data, pos)
		if len(header) != 2 {
			return nil, fmt.Errorf("invalid xref subsection header: %q", header)
		}
		startObj, err1 := strconv.Atoi(header[0])
		count, err2 := strconv.Atoi(header[1])
		if err1 != nil || err2 != nil || startObj < 0 || count < 0 {
			return nil, fmt.Errorf("invalid xref subsection header: %q", header)
		}
		for i := 0; i < count; i++ {
			var f []string
			f, pos = fields(data, skipSpace(data, pos))
			if len(f) < 3 {
				return nil, fmt.Errorf("invalid xref entry: %q", f)
			}
			off, err := strconv.ParseInt(f[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse xref offset: %w", err)
			}
			gen, err := strconv.Atoi(f[1])
			if err != nil {
				return nil, fmt.Errorf("parse xref gen: %w", err)
			}
			// A common writer bug numbers the first subsection from 1 while
			// still emitting the free list head.
			if i == 0 && startObj == 1 && f[2] == "f" && gen == 65535 {
				startObj = 0
			}
			e := entry{kind: entryFree}
			if f[2] == "n" {
				e = entry{kind: entryInUse, offset: off, gen: gen}
			}
			sec.entries[startObj+i] = e
		}
	}

	s := scanner.New(bytes.NewReader(data), scanner.Config{})
	if err := s.SeekTo(pos); err != nil {
		return nil, err
	}
	obj, err := raw.NewObjectReader(s, 0).ReadObject()
	if err != nil {
		return nil, fmt.Errorf("parse trailer: %w", err)
	}
	trailer, ok := obj.(*raw.DictObj)
	if !ok {
		return nil, errors.New("trailer is not a dictionary")
	}
	sec.trailer = trailer
	return sec, nil
}

func (r *resolver) readStream(ctx context.Context, data []byte, offset int64) (*section, error) {
	s := scanner.New(bytes.NewReader(data), scanner.Config{Recovery: r.cfg.Recovery})
	if err := s.SeekTo(offset); err != nil {
		return nil, err
	}
	_, obj, err := raw.NewObjectReader(s, 0).ReadIndirect()
	if err != nil {
		return nil, fmt.Errorf("xref stream at %d: %w", offset, err)
	}
	stm, ok := obj.(*raw.StreamObj)
	if !ok {
		return nil, fmt.Errorf("no xref table or stream at offset %d", offset)
	}
	if t, _ := stm.Dict.Lookup("Type"); t != raw.NameLiteral("XRef") {
		return nil, fmt.Errorf("object at offset %d is not an xref stream", offset)
	}
	decoded, err := filters.NewDefaultPipeline(r.cfg.Limits).DecodeStream(ctx, stm)
	if err != nil {
		return nil, fmt.Errorf("decode xref stream: %w", err)
	}
	entries, err := parseStreamEntries(stm.Dict, decoded)
	if err != nil {
		return nil, err
	}
	return &section{kind: "xref-stream", entries: entries, trailer: stm.Dict}, nil
}

func parseStreamEntries(dict *raw.DictObj, data []byte) (map[int]entry, error) {
	wObj, _ := dict.Lookup("W")
	wArr, ok := wObj.(*raw.ArrayObj)
	if !ok || wArr.Len() != 3 {
		return nil, errors.New("xref stream /W must have three entries")
	}
	var w [3]int
	for i, item := range wArr.Items {
		n, ok := item.(raw.NumberObj)
		if !ok || n.Int() < 0 || n.Int() > 8 {
			return nil, errors.New("invalid xref stream /W")
		}
		w[i] = int(n.Int())
	}
	rowLen := w[0] + w[1] + w[2]
	if rowLen == 0 {
		return nil, errors.New("empty xref stream rows")
	}

	var index []int64
	if idxObj, ok := dict.Lookup("Index"); ok {
		if arr, ok := idxObj.(*raw.ArrayObj); ok {
			for _, item := range arr.Items {
				if n, ok := item.(raw.NumberObj); ok {
					index = append(index, n.Int())
				}
			}
		}
	}
	if len(index) == 0 {
		size, _ := intValue(dict, "Size")
		index = []int64{0, size}
	}

	entries := make(map[int]entry)
	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		start, count := index[i], index[i+1]
		for j := int64(0); j < count; j++ {
			if pos+rowLen > len(data) {
				return entries, nil
			}
			row := data[pos : pos+rowLen]
			pos += rowLen
			typ := int64(1)
			if w[0] > 0 {
				typ = be(row[:w[0]])
			}
			f2 := be(row[w[0] : w[0]+w[1]])
			f3 := be(row[w[0]+w[1]:])
			num := int(start + j)
			switch typ {
			case 0:
				entries[num] = entry{kind: entryFree}
			case 1:
				entries[num] = entry{kind: entryInUse, offset: f2, gen: int(f3)}
			case 2:
				entries[num] = entry{kind: entryCompressed, offset: f2, gen: int(f3)}
			}
		}
	}
	return entries, nil
}

func be(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

func intValue(d *raw.DictObj, key string) (int64, bool) {
	v, ok := d.Lookup(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(raw.NumberObj)
	if !ok {
		return 0, false
	}
	return n.Int(), true
}

func skipSpace(data []byte, pos int64) int64 {
	for pos < int64(len(data)) {
		switch data[pos] {
		case ' ', '\t', '\r', '\n', '\f', 0:
			pos++
		default:
			return pos
		}
	}
	return pos
}

// fields splits the line starting at pos on whitespace and returns the
// position after its end-of-line marker.
func fields(data []byte, pos int64) ([]string, int64) {
	end := pos
	for end < int64(len(data)) && data[end] != '\n' && data[end] != '\r' {
		end++
	}
	var out []string
	for _, f := range bytes.Fields(data[pos:end]) {
		out = append(out, string(f))
	}
	return out, end
}

func detectLinearized(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	i := bytes.Index(head, []byte(" obj"))
	if i < 0 {
		return false
	}
	end := bytes.Index(head[i:], []byte("endobj"))
	if end < 0 {
		end = len(head) - i
	}
	return bytes.Contains(head[i:i+end], []byte("/Linearized"))
}

func readAll(r io.ReaderAt) []byte {
	var buf bytes.Buffer
	const chunk = int64(32 * 1024)
	for off := int64(0); ; off += chunk {
		tmp := make([]byte, chunk)
		n, err := r.ReadAt(tmp, off)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil || int64(n) < chunk {
			break
		}
	}
	return buf.Bytes()
}
