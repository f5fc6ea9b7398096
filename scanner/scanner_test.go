package scanner

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/wudi/gulagcleaner/recovery"
)

func scan(t *testing.T, input string, cfg Config) []Token {
	t.Helper()
	s := New(bytes.NewReader([]byte(input)), cfg)
	var toks []Token
	for {
		tok, err := s.Next()
		if errors.Is(err, io.EOF) {
			return toks
		}
		if err != nil {
			t.Fatalf("scan %q: %v", input, err)
		}
		toks = append(toks, tok)
	}
}

func TestScanner_BasicTokens(t *testing.T) {
	toks := scan(t, "<< /Type /Page /Count 3 /Scale 1.5 /Flag true /None null >> [ ] % comment\nobj", Config{})
	want := []TokenType{
		TokenDict, TokenName, TokenName, TokenName, TokenNumber, TokenName, TokenNumber,
		TokenName, TokenBoolean, TokenName, TokenNull, TokenKeyword, TokenArray, TokenKeyword, TokenKeyword,
	}
	if len(toks) != len(want) {
		t.Fatalf("got %d tokens, want %d: %+v", len(toks), len(want), toks)
	}
	for i, tt := range want {
		if toks[i].Type != tt {
			t.Fatalf("token %d: type %v, want %v", i, toks[i].Type, tt)
		}
	}
	if toks[2].Str != "Page" || toks[4].Int != 3 || !toks[4].IsInt {
		t.Fatalf("unexpected values: %+v %+v", toks[2], toks[4])
	}
	if toks[6].IsInt || toks[6].Float != 1.5 {
		t.Fatalf("expected real 1.5, got %+v", toks[6])
	}
	if !toks[8].Bool {
		t.Fatalf("expected true boolean")
	}
	if toks[14].Str != "obj" {
		t.Fatalf("expected obj keyword, got %q", toks[14].Str)
	}
}

func TestScanner_NameHexEscapes(t *testing.T) {
	toks := scan(t, "/A#20B /Lime#23Green", Config{})
	if toks[0].Str != "A B" || toks[1].Str != "Lime#Green" {
		t.Fatalf("unexpected names: %q %q", toks[0].Str, toks[1].Str)
	}
}

func TestScanner_LiteralStringEscapes(t *testing.T) {
	toks := scan(t, `(a\(b\)c\n\101 (nested))`, Config{})
	if got := string(toks[0].Bytes); got != "a(b)c\nA (nested)" {
		t.Fatalf("unexpected string %q", got)
	}
	if toks[0].Hex {
		t.Fatalf("literal string flagged as hex")
	}
}

func TestScanner_LiteralStringLineContinuation(t *testing.T) {
	toks := scan(t, "(abc\\\ndef)", Config{})
	if got := string(toks[0].Bytes); got != "abcdef" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestScanner_HexStringOddLength(t *testing.T) {
	toks := scan(t, "<48 65 6C 6C 6F7>", Config{})
	if !bytes.Equal(toks[0].Bytes, []byte("Hello\x70")) || !toks[0].Hex {
		t.Fatalf("unexpected hex string %q", toks[0].Bytes)
	}
}

func TestScanner_ReferenceDetection(t *testing.T) {
	toks := scan(t, "[5 0 R 12 3 R 7 8 9]", Config{})
	if toks[1].Type != TokenRef || toks[1].Int != 5 || toks[1].Gen != 0 {
		t.Fatalf("expected ref 5 0 R, got %+v", toks[1])
	}
	if toks[2].Type != TokenRef || toks[2].Int != 12 || toks[2].Gen != 3 {
		t.Fatalf("expected ref 12 3 R, got %+v", toks[2])
	}
	for i := 3; i < 6; i++ {
		if toks[i].Type != TokenNumber {
			t.Fatalf("token %d: expected number, got %+v", i, toks[i])
		}
	}
}

func TestScanner_ObjectHeaderIsNotRef(t *testing.T) {
	toks := scan(t, "4 0 obj", Config{})
	if len(toks) != 3 || toks[0].Type != TokenNumber || toks[2].Str != "obj" {
		t.Fatalf("unexpected tokens %+v", toks)
	}
}

func TestScanner_StreamWithLength(t *testing.T) {
	input := "stream\r\nab\nendstreamX\nendstream"
	s := New(bytes.NewReader([]byte(input)), Config{})
	s.SetNextStreamLength(3)
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if tok.Type != TokenStream || string(tok.Bytes) != "ab\n" {
		t.Fatalf("unexpected stream %q", tok.Bytes)
	}
}

func TestScanner_StreamFallbackToEndstream(t *testing.T) {
	toks := scan(t, "stream\nhello world\r\nendstream endobj", Config{})
	if toks[0].Type != TokenStream || string(toks[0].Bytes) != "hello world" {
		t.Fatalf("unexpected stream %q", toks[0].Bytes)
	}
	if toks[1].Str != "endobj" {
		t.Fatalf("expected endobj after stream, got %+v", toks[1])
	}
}

func TestScanner_StreamAcrossWindows(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 50)
	input := append(append([]byte("stream\n"), payload...), []byte("\nendstream")...)
	s := New(bytes.NewReader(input), Config{WindowSize: 7})
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !bytes.Equal(tok.Bytes, payload) {
		t.Fatalf("stream payload mismatch: %d bytes", len(tok.Bytes))
	}
}

func TestScanner_WrongLengthFailsStrict(t *testing.T) {
	s := New(bytes.NewReader([]byte("stream\nabcdef\nendstream")), Config{})
	s.SetNextStreamLength(2)
	if _, err := s.Next(); err == nil {
		t.Fatalf("expected error for mismatched /Length")
	}
}

func TestScanner_WrongLengthRecovers(t *testing.T) {
	rec := recovery.NewLenientStrategy()
	s := New(bytes.NewReader([]byte("stream\nabcdef\nendstream")), Config{Recovery: rec})
	s.SetNextStreamLength(2)
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(tok.Bytes) != "abcdef" {
		t.Fatalf("unexpected payload %q", tok.Bytes)
	}
	if len(rec.Errors) != 1 {
		t.Fatalf("expected one recorded error, got %d", len(rec.Errors))
	}
}

func TestScanner_MaxStringLength(t *testing.T) {
	s := New(bytes.NewReader([]byte("(abcdef)")), Config{MaxStringLength: 3})
	if _, err := s.Next(); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestScanner_MaxStreamLength(t *testing.T) {
	s := New(bytes.NewReader([]byte("stream\nabcdef\nendstream")), Config{MaxStreamLength: 3})
	if _, err := s.Next(); err == nil {
		t.Fatalf("expected stream length error")
	}
}

func TestScanner_UnterminatedLiteralString(t *testing.T) {
	s := New(bytes.NewReader([]byte("(abc")), Config{})
	if _, err := s.Next(); err == nil {
		t.Fatalf("expected error for unterminated string")
	}
}

func TestScanner_FixUnterminatedLiteralString(t *testing.T) {
	s := New(bytes.NewReader([]byte("(abc")), Config{Recovery: recovery.NewLenientStrategy()})
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(tok.Bytes) != "abc" {
		t.Fatalf("unexpected recovered string %q", tok.Bytes)
	}
}

func TestScanner_FixUnterminatedHexString(t *testing.T) {
	s := New(bytes.NewReader([]byte("<4142")), Config{Recovery: recovery.NewLenientStrategy()})
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(tok.Bytes) != "AB" {
		t.Fatalf("unexpected recovered hex %q", tok.Bytes)
	}
}

type recordRecovery struct {
	locs []recovery.Location
}

func (r *recordRecovery) OnError(ctx recovery.Context, err error, loc recovery.Location) recovery.Action {
	r.locs = append(r.locs, loc)
	return recovery.ActionFix
}

func TestScanner_RecoveryLocation(t *testing.T) {
	rec := &recordRecovery{}
	s := New(bytes.NewReader([]byte("stream\nabc")), Config{Recovery: rec})
	s.(*pdfScanner).SetRecoveryLocation(recovery.Location{ObjectNum: 7})
	if _, err := s.Next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(rec.locs) != 1 || rec.locs[0].ObjectNum != 7 || rec.locs[0].Component != "scanner:stream" {
		t.Fatalf("unexpected recovery locations %+v", rec.locs)
	}
}

func TestScanner_SeekTo(t *testing.T) {
	s := New(bytes.NewReader([]byte("/A /B /C")), Config{})
	if err := s.SeekTo(6); err != nil {
		t.Fatalf("seek: %v", err)
	}
	tok, err := s.Next()
	if err != nil || tok.Str != "C" {
		t.Fatalf("expected /C after seek, got %+v %v", tok, err)
	}
	if err := s.SeekTo(100); err == nil {
		t.Fatalf("expected out of range seek to fail")
	}
}
