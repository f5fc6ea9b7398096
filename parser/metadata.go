package parser

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/wudi/gulagcleaner/ir/raw"
)

func (p *DocumentParser) populateMetadata(doc *raw.Document) {
	infoObj, ok := doc.Trailer.Lookup("Info")
	if !ok {
		return
	}
	dict, ok := doc.Resolve(infoObj).(*raw.DictObj)
	if !ok {
		return
	}
	doc.Metadata = raw.DocumentMetadata{
		Title:    stringValue(dict, "Title"),
		Author:   stringValue(dict, "Author"),
		Creator:  stringValue(dict, "Creator"),
		Producer: stringValue(dict, "Producer"),
	}
}

func stringValue(dict *raw.DictObj, key string) string {
	obj, ok := dict.Lookup(key)
	if !ok {
		return ""
	}
	str, ok := obj.(raw.String)
	if !ok {
		return ""
	}
	return DecodeTextString(str.Value())
}

var utf16BOM = []byte{0xFE, 0xFF}
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeTextString converts a PDF text string to UTF-8. Strings without a
// byte order mark are PDFDocEncoding, read here as Latin-1 which agrees with
// it outside 0x80-0x9F.
func DecodeTextString(b []byte) string {
	switch {
	case bytes.HasPrefix(b, utf16BOM):
		out, err := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder().Bytes(b)
		if err == nil {
			return string(out)
		}
	case bytes.HasPrefix(b, utf8BOM):
		if utf8.Valid(b[3:]) {
			return string(b[3:])
		}
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}
