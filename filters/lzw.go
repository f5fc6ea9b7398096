package filters

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/hhrutter/lzw"

	"github.com/wudi/gulagcleaner/ir/raw"
)

type lzwDecoder struct{ max int64 }

func NewLZWDecoder(max int64) Decoder { return lzwDecoder{max: max} }

func (lzwDecoder) Name() string { return "LZWDecode" }

func (d lzwDecoder) Decode(ctx context.Context, in []byte, params raw.Dictionary) ([]byte, error) {
	early := true
	if params != nil {
		if v, ok := params.Get(raw.NameLiteral("EarlyChange")); ok {
			if n, ok := v.(raw.Number); ok && n.Int() == 0 {
				early = false
			}
		}
	}
	r := lzw.NewReader(bytes.NewReader(in), early)
	defer r.Close()
	out, err := readLimited(r, d.max)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return applyPredictor(out, params)
}
