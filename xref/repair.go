package xref

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/wudi/gulagcleaner/filters"
	"github.com/wudi/gulagcleaner/ir/raw"
	"github.com/wudi/gulagcleaner/scanner"
)

// repair scans the entire file to reconstruct the xref table.
// It looks for "<num> <gen> obj" patterns and "trailer" dictionaries; when
// no trailer survives it falls back to the last xref stream dictionary or
// builds one around the catalog it found.
func repair(ctx context.Context, data []byte, cfg ResolverConfig) (*table, *raw.DictObj, error) {
	s := scanner.New(bytes.NewReader(data), scanner.Config{Recovery: cfg.Recovery})
	or := raw.NewObjectReader(s, 0)
	or.Recovery = cfg.Recovery

	t := newTable("repaired")
	compressed := make(map[int]entry)
	var lastTrailer, lastXRefDict *raw.DictObj
	var catalog raw.ObjectRef

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		tok, err := or.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Skip invalid tokens during repair scan
			if err := s.SeekTo(s.Position() + 1); err != nil {
				break
			}
			continue
		}

		if tok.Type == scanner.TokenKeyword && tok.Str == "trailer" {
			if obj, err := or.ReadObject(); err == nil {
				if dict, ok := obj.(*raw.DictObj); ok {
					lastTrailer = dict
				}
			}
			continue
		}
		if tok.Type != scanner.TokenNumber || !tok.IsInt {
			continue
		}

		genTok, err := or.Next()
		if err != nil {
			break
		}
		if genTok.Type != scanner.TokenNumber || !genTok.IsInt {
			or.Unread(genTok)
			continue
		}
		kwTok, err := or.Next()
		if err != nil {
			break
		}
		if kwTok.Type != scanner.TokenKeyword || kwTok.Str != "obj" {
			// genTok may itself start a header, as in "999 1 0 obj".
			or.Unread(kwTok)
			or.Unread(genTok)
			continue
		}

		ref := raw.ObjectRef{Num: int(tok.Int), Gen: int(genTok.Int)}
		// later definitions belong to later revisions and win
		t.entries[ref.Num] = entry{kind: entryInUse, offset: tok.Pos, gen: ref.Gen}

		obj, err := or.ReadBody(ref)
		if err != nil {
			continue
		}
		switch o := obj.(type) {
		case *raw.DictObj:
			if typ, _ := o.Lookup("Type"); typ == raw.NameLiteral("Catalog") {
				catalog = ref
			}
		case *raw.StreamObj:
			switch typ, _ := o.Dict.Lookup("Type"); typ {
			case raw.NameLiteral("XRef"):
				lastXRefDict = o.Dict
			case raw.NameLiteral("ObjStm"):
				indexObjectStream(ctx, ref.Num, o, cfg.Limits, compressed)
			}
		}
	}

	for num, e := range compressed {
		if _, direct := t.entries[num]; !direct {
			t.entries[num] = e
		}
	}
	if len(t.entries) == 0 {
		return nil, nil, errors.New("repair failed: no objects found")
	}

	var found []*raw.DictObj
	for _, d := range []*raw.DictObj{lastTrailer, lastXRefDict} {
		if d != nil {
			found = append(found, d)
		}
	}
	trailer := mergeTrailers(found)
	if _, ok := trailer.Lookup("Root"); !ok {
		if catalog.Num == 0 {
			return nil, nil, errors.New("repair failed: no document catalog found")
		}
		trailer.Set(raw.NameLiteral("Root"), raw.RefObj{R: catalog})
	}
	max := 0
	for num := range t.entries {
		if num > max {
			max = num
		}
	}
	trailer.Set(raw.NameLiteral("Size"), raw.NumberInt(int64(max+1)))
	return t, trailer, nil
}

// indexObjectStream records the objects an object stream declares in its
// header. Damaged streams are skipped.
func indexObjectStream(ctx context.Context, num int, stm *raw.StreamObj, limits filters.Limits, out map[int]entry) {
	decoded, err := filters.NewDefaultPipeline(limits).DecodeStream(ctx, stm)
	if err != nil {
		return
	}
	n, _ := intValue(stm.Dict, "N")
	s := scanner.New(bytes.NewReader(decoded), scanner.Config{})
	for i := 0; i < int(n); i++ {
		objTok, err := s.Next()
		if err != nil {
			return
		}
		offTok, err := s.Next()
		if err != nil || objTok.Type != scanner.TokenNumber || offTok.Type != scanner.TokenNumber {
			return
		}
		out[int(objTok.Int)] = entry{kind: entryCompressed, offset: int64(num), gen: i}
	}
}
