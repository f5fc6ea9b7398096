package raw

import (
	"errors"
	"fmt"

	"github.com/wudi/gulagcleaner/recovery"
	"github.com/wudi/gulagcleaner/scanner"
)

// ErrNestingTooDeep is returned when arrays and dictionaries nest beyond the
// reader's depth limit.
var ErrNestingTooDeep = errors.New("object nesting too deep")

// ErrUnterminated is returned when an array or dictionary runs into endobj
// or stream before its closing delimiter.
var ErrUnterminated = errors.New("unterminated container")

// ObjectReader builds raw objects from a token stream.
type ObjectReader struct {
	s        scanner.Scanner
	buf      []scanner.Token
	maxDepth int

	// LengthOf resolves an indirect /Length. When nil, or when it reports
	// false, the stream is delimited by its endstream keyword.
	LengthOf func(ref ObjectRef) (int64, bool)
	Recovery recovery.Strategy
}

// NewObjectReader wraps s. A maxDepth of zero means 64.
func NewObjectReader(s scanner.Scanner, maxDepth int) *ObjectReader {
	if maxDepth <= 0 {
		maxDepth = 64
	}
	return &ObjectReader{s: s, maxDepth: maxDepth}
}

func (r *ObjectReader) Next() (scanner.Token, error) {
	if l := len(r.buf); l > 0 {
		t := r.buf[l-1]
		r.buf = r.buf[:l-1]
		return t, nil
	}
	return r.s.Next()
}

// Unread pushes tok back; tokens come back in reverse order of Unread calls.
func (r *ObjectReader) Unread(tok scanner.Token) { r.buf = append(r.buf, tok) }

// ReadObject parses one direct object.
func (r *ObjectReader) ReadObject() (Object, error) {
	return r.readObject(ObjectRef{}, 0)
}

// ReadIndirect parses "num gen obj ... endobj" at the current position.
func (r *ObjectReader) ReadIndirect() (ObjectRef, Object, error) {
	numTok, err := r.Next()
	if err != nil {
		return ObjectRef{}, nil, err
	}
	genTok, err := r.Next()
	if err != nil {
		return ObjectRef{}, nil, err
	}
	kwTok, err := r.Next()
	if err != nil {
		return ObjectRef{}, nil, err
	}
	if numTok.Type != scanner.TokenNumber || !numTok.IsInt ||
		genTok.Type != scanner.TokenNumber || !genTok.IsInt ||
		kwTok.Type != scanner.TokenKeyword || kwTok.Str != "obj" {
		return ObjectRef{}, nil, fmt.Errorf("expected object header at offset %d", numTok.Pos)
	}
	ref := ObjectRef{Num: int(numTok.Int), Gen: int(genTok.Int)}
	obj, err := r.ReadBody(ref)
	return ref, obj, err
}

// ReadBody parses the object that follows an already consumed "num gen obj"
// header, including an optional stream payload and the endobj keyword.
func (r *ObjectReader) ReadBody(ref ObjectRef) (Object, error) {
	if rc, ok := r.s.(interface{ SetRecoveryLocation(recovery.Location) }); ok {
		rc.SetRecoveryLocation(recovery.Location{ObjectNum: ref.Num, ObjectGen: ref.Gen})
	}
	obj, err := r.readObject(ref, 0)
	if err != nil {
		return nil, fmt.Errorf("parse object %s: %w", ref, err)
	}

	if dict, ok := obj.(*DictObj); ok && len(r.buf) == 0 {
		r.s.SetNextStreamLength(r.streamLength(dict))
		tok, err := r.Next()
		if err == nil && tok.Type == scanner.TokenStream {
			obj = NewStream(dict, tok.Bytes)
		} else {
			r.s.SetNextStreamLength(-1)
			if err == nil {
				r.Unread(tok)
			}
		}
	}

	if t, err := r.Next(); err == nil {
		if t.Type != scanner.TokenKeyword || t.Str != "endobj" {
			r.Unread(t)
		}
	}
	return obj, nil
}

func (r *ObjectReader) streamLength(dict *DictObj) int64 {
	v, ok := dict.Lookup("Length")
	if !ok {
		return -1
	}
	switch l := v.(type) {
	case NumberObj:
		if l.IsInt && l.I >= 0 {
			return l.I
		}
	case RefObj:
		if r.LengthOf != nil {
			if n, ok := r.LengthOf(l.R); ok && n >= 0 {
				return n
			}
		}
	}
	return -1
}

func (r *ObjectReader) readObject(ref ObjectRef, depth int) (Object, error) {
	if depth > r.maxDepth {
		return nil, ErrNestingTooDeep
	}
	tok, err := r.Next()
	if err != nil {
		return nil, err
	}
	switch tok.Type {
	case scanner.TokenName:
		return NameObj{Val: tok.Str}, nil
	case scanner.TokenNumber:
		if tok.IsInt {
			return NumberInt(tok.Int), nil
		}
		return NumberFloat(tok.Float), nil
	case scanner.TokenBoolean:
		return BoolObj{V: tok.Bool}, nil
	case scanner.TokenNull:
		return NullObj{}, nil
	case scanner.TokenString:
		if tok.Hex {
			return HexStr(tok.Bytes), nil
		}
		return Str(tok.Bytes), nil
	case scanner.TokenRef:
		return RefObj{R: ObjectRef{Num: int(tok.Int), Gen: tok.Gen}}, nil
	case scanner.TokenArray:
		return r.readArray(ref, depth)
	case scanner.TokenDict:
		return r.readDict(ref, depth)
	}
	if tok.Type == scanner.TokenKeyword && tok.Str == "endobj" {
		// "n 0 obj endobj" is an empty object; readers treat it as null.
		r.Unread(tok)
		return NullObj{}, nil
	}
	return nil, fmt.Errorf("unexpected token %q at offset %d", tok.Str, tok.Pos)
}

func (r *ObjectReader) readArray(ref ObjectRef, depth int) (Object, error) {
	arr := &ArrayObj{}
	for {
		tok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "]" {
			return arr, nil
		}
		if tok.Type == scanner.TokenKeyword && (tok.Str == "endobj" || tok.Str == "stream") {
			err := fmt.Errorf("%w: array not closed before %s at offset %d", ErrUnterminated, tok.Str, tok.Pos)
			if r.fix(err, ref, tok.Pos, "parser:array") {
				r.Unread(tok)
				return arr, nil
			}
			return nil, err
		}
		r.Unread(tok)
		item, err := r.readObject(ref, depth+1)
		if err != nil {
			return nil, err
		}
		arr.Append(item)
	}
}

func (r *ObjectReader) readDict(ref ObjectRef, depth int) (Object, error) {
	d := Dict()
	for {
		tok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == ">>" {
			return d, nil
		}
		if tok.Type != scanner.TokenName {
			if tok.Type == scanner.TokenKeyword && (tok.Str == "endobj" || tok.Str == "stream") {
				err := fmt.Errorf("%w: dictionary not closed before %s at offset %d", ErrUnterminated, tok.Str, tok.Pos)
				if r.fix(err, ref, tok.Pos, "parser:dict") {
					r.Unread(tok)
					return d, nil
				}
				return nil, err
			}
			return nil, fmt.Errorf("expected name key in dictionary at offset %d", tok.Pos)
		}
		val, err := r.readObject(ref, depth+1)
		if err != nil {
			return nil, err
		}
		// a null value is equivalent to an absent key
		if _, isNull := val.(NullObj); isNull {
			continue
		}
		d.Set(NameObj{Val: tok.Str}, val)
	}
}

func (r *ObjectReader) fix(err error, ref ObjectRef, pos int64, component string) bool {
	if r.Recovery == nil {
		return false
	}
	loc := recovery.Location{ByteOffset: pos, ObjectNum: ref.Num, ObjectGen: ref.Gen, Component: component}
	switch r.Recovery.OnError(nil, err, loc) {
	case recovery.ActionFix, recovery.ActionWarn:
		return true
	}
	return false
}
