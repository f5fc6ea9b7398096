package filters

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"context"
	"errors"
	"io"

	"github.com/wudi/gulagcleaner/ir/raw"
)

type flateDecoder struct{ max int64 }

// NewFlateDecoder returns a FlateDecode decoder. A positive max caps the
// inflated size.
func NewFlateDecoder(max int64) Decoder { return flateDecoder{max: max} }

func (flateDecoder) Name() string { return "FlateDecode" }

func (d flateDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	var r io.ReadCloser
	zr, err := zlib.NewReader(bytes.NewReader(in))
	if err != nil {
		// Some producers omit the zlib header.
		r = flate.NewReader(bytes.NewReader(in))
	} else {
		r = zr
	}
	defer r.Close()

	out, err := readLimited(r, d.max)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	// Truncated deflate data is common; keep what inflated.
	if err != nil && len(out) == 0 {
		return nil, err
	}
	return applyPredictor(out, params)
}

// EncodeFlate compresses data with zlib framing at the default level.
func EncodeFlate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, max+1))
	if int64(len(out)) > max {
		return nil, ErrLimitExceeded
	}
	return out, err
}
