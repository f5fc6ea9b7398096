package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/wudi/gulagcleaner/filters"
	"github.com/wudi/gulagcleaner/ir/raw"
	"github.com/wudi/gulagcleaner/recovery"
	"github.com/wudi/gulagcleaner/scanner"
	"github.com/wudi/gulagcleaner/security"
	"github.com/wudi/gulagcleaner/xref"
)

type Cache interface {
	Get(ref raw.ObjectRef) (raw.Object, bool)
	Put(ref raw.ObjectRef, obj raw.Object)
}

type ObjectLoader interface {
	Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error)
}

type ObjectLoaderBuilder struct {
	reader    io.ReaderAt
	xrefTable xref.Table
	limits    security.Limits
	cache     Cache
	recovery  recovery.Strategy
}

func (b *ObjectLoaderBuilder) WithXRef(table xref.Table) *ObjectLoaderBuilder {
	b.xrefTable = table
	return b
}
func (b *ObjectLoaderBuilder) WithReader(r io.ReaderAt) *ObjectLoaderBuilder {
	b.reader = r
	return b
}
func (b *ObjectLoaderBuilder) WithLimits(l security.Limits) *ObjectLoaderBuilder {
	b.limits = l
	return b
}
func (b *ObjectLoaderBuilder) WithRecovery(s recovery.Strategy) *ObjectLoaderBuilder {
	b.recovery = s
	return b
}
func (b *ObjectLoaderBuilder) WithCache(c Cache) *ObjectLoaderBuilder { b.cache = c; return b }

func (b *ObjectLoaderBuilder) Build() (ObjectLoader, error) {
	if b.reader == nil || b.xrefTable == nil {
		return nil, errors.New("reader and xrefTable required")
	}
	limits := b.limits.WithDefaults()
	return &objectLoader{
		reader:    b.reader,
		xrefTable: b.xrefTable,
		limits:    limits,
		cache:     b.cache,
		recovery:  b.recovery,
		pipeline: filters.NewDefaultPipeline(filters.Limits{
			MaxDecompressedSize: limits.MaxDecompressedSize,
			MaxDecodeTime:       limits.MaxDecodeTime,
		}),
		objstm:  make(map[int]map[int]raw.Object),
		lengths: make(map[raw.ObjectRef]int64),
	}, nil
}

type objectLoader struct {
	reader    io.ReaderAt
	xrefTable xref.Table
	limits    security.Limits
	cache     Cache
	recovery  recovery.Strategy
	pipeline  *filters.Pipeline

	mu      sync.Mutex
	objstm  map[int]map[int]raw.Object
	lengths map[raw.ObjectRef]int64
}

func (o *objectLoader) Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	if o.cache != nil {
		if obj, ok := o.cache.Get(ref); ok {
			return obj, nil
		}
	}

	o.mu.Lock()
	obj, err := o.loadLocked(ctx, ref, 0)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if o.cache != nil {
		o.cache.Put(ref, obj)
	}
	return obj, nil
}

func (o *objectLoader) loadLocked(ctx context.Context, ref raw.ObjectRef, depth int) (raw.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth > o.limits.MaxIndirectDepth {
		return nil, errors.New("max depth exceeded")
	}
	if offset, _, found := o.xrefTable.Lookup(ref.Num); found {
		return o.loadAtOffset(ctx, ref, offset, depth)
	}
	if osNum, idx, ok := o.xrefTable.ObjStream(ref.Num); ok {
		return o.loadFromObjectStream(ctx, ref, osNum, idx, depth)
	}
	return nil, fmt.Errorf("object %s not found in xref", ref)
}

func (o *objectLoader) newScanner(r scanner.ReaderAt) scanner.Scanner {
	return scanner.New(r, scanner.Config{
		MaxStringLength: o.limits.MaxStringLength,
		MaxStreamLength: o.limits.MaxStreamLength,
		Recovery:        o.recovery,
	})
}

func (o *objectLoader) loadAtOffset(ctx context.Context, ref raw.ObjectRef, offset int64, depth int) (raw.Object, error) {
	// A fresh scanner per load keeps nested /Length lookups from moving
	// this object's cursor.
	s := o.newScanner(o.reader)
	if err := s.SeekTo(offset); err != nil {
		return nil, fmt.Errorf("object %s at offset %d: %w", ref, offset, err)
	}
	or := raw.NewObjectReader(s, o.limits.MaxNesting)
	or.Recovery = o.recovery
	or.LengthOf = func(lref raw.ObjectRef) (int64, bool) {
		return o.streamLength(ctx, lref, depth+1)
	}
	got, obj, err := or.ReadIndirect()
	if err != nil {
		return nil, err
	}
	if got.Num != ref.Num {
		return nil, fmt.Errorf("xref points object %s at %s", ref, got)
	}
	return obj, nil
}

func (o *objectLoader) streamLength(ctx context.Context, ref raw.ObjectRef, depth int) (int64, bool) {
	if n, ok := o.lengths[ref]; ok {
		return n, true
	}
	obj, err := o.loadLocked(ctx, ref, depth)
	if err != nil {
		return 0, false
	}
	num, ok := obj.(raw.NumberObj)
	if !ok || num.Int() < 0 {
		return 0, false
	}
	o.lengths[ref] = num.Int()
	return num.Int(), true
}

func (o *objectLoader) loadFromObjectStream(ctx context.Context, ref raw.ObjectRef, osNum, idx, depth int) (raw.Object, error) {
	objs, ok := o.objstm[osNum]
	if !ok {
		var err error
		objs, err = o.expandObjectStream(ctx, osNum, depth)
		if err != nil {
			return nil, fmt.Errorf("object stream %d: %w", osNum, err)
		}
		o.objstm[osNum] = objs
	}
	obj, ok := objs[ref.Num]
	if !ok {
		return nil, fmt.Errorf("object %s not in object stream %d (index %d)", ref, osNum, idx)
	}
	return obj, nil
}

// expandObjectStream decodes every object an object stream carries.
func (o *objectLoader) expandObjectStream(ctx context.Context, osNum, depth int) (map[int]raw.Object, error) {
	offset, _, found := o.xrefTable.Lookup(osNum)
	if !found {
		return nil, errors.New("container not found in xref")
	}
	obj, err := o.loadAtOffset(ctx, raw.ObjectRef{Num: osNum}, offset, depth+1)
	if err != nil {
		return nil, err
	}
	stm, ok := obj.(*raw.StreamObj)
	if !ok {
		return nil, fmt.Errorf("container is %s, not a stream", obj.Type())
	}
	data, err := o.pipeline.DecodeStream(ctx, stm)
	if err != nil {
		return nil, err
	}
	n, _ := getInt(stm.Dict, "N")
	first, _ := getInt(stm.Dict, "First")
	if first < 0 || first > int64(len(data)) {
		return nil, fmt.Errorf("invalid /First %d", first)
	}

	hs := scanner.New(bytes.NewReader(data[:first]), scanner.Config{})
	type slot struct {
		num int
		off int64
	}
	var slots []slot
	for i := int64(0); i < n; i++ {
		numTok, err1 := hs.Next()
		offTok, err2 := hs.Next()
		if err1 != nil || err2 != nil || numTok.Type != scanner.TokenNumber || offTok.Type != scanner.TokenNumber {
			break
		}
		slots = append(slots, slot{num: int(numTok.Int), off: offTok.Int})
	}

	body := data[first:]
	out := make(map[int]raw.Object, len(slots))
	for _, sl := range slots {
		if sl.off < 0 || sl.off > int64(len(body)) {
			continue
		}
		or := raw.NewObjectReader(o.newScanner(bytes.NewReader(body[sl.off:])), o.limits.MaxNesting)
		or.Recovery = o.recovery
		v, err := or.ReadObject()
		if err != nil {
			if o.recovery == nil {
				return nil, fmt.Errorf("object %d: %w", sl.num, err)
			}
			continue
		}
		// the first definition of a number in a stream wins
		if _, dup := out[sl.num]; !dup {
			out[sl.num] = v
		}
	}
	return out, nil
}

func getInt(d *raw.DictObj, key string) (int64, bool) {
	v, ok := d.Lookup(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(raw.NumberObj)
	return n.Int(), ok
}
