// Package testpdf assembles small PDFs for tests: hand-laid classic xref
// files with exact object numbering, and gofpdf-generated files that look
// like real producer output.
package testpdf

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"

	"github.com/phpdave11/gofpdf"
)

// Builder lays out numbered objects and writes a classic xref table.
type Builder struct {
	bodies []string
}

func New() *Builder { return &Builder{} }

// Reserve allocates an object number to be filled by Set.
func (b *Builder) Reserve() int {
	b.bodies = append(b.bodies, "null")
	return len(b.bodies)
}

func (b *Builder) Set(num int, body string) { b.bodies[num-1] = body }

func (b *Builder) Add(body string) int {
	num := b.Reserve()
	b.Set(num, body)
	return num
}

// AddStream adds a stream; dict holds extra entries without the << >>.
func (b *Builder) AddStream(dict string, data []byte) int {
	return b.Add(fmt.Sprintf("<< %s /Length %d >>\nstream\n%s\nendstream", dict, len(data), data))
}

// AddFlateStream adds data compressed with FlateDecode.
func (b *Builder) AddFlateStream(dict string, data []byte) int {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	return b.AddStream(strings.TrimSpace(dict+" /Filter /FlateDecode"), buf.Bytes())
}

// AddContent adds an uncompressed content stream.
func (b *Builder) AddContent(ops string) int { return b.AddStream("", []byte(ops)) }

// AddImage adds an image XObject with the given dimensions and a one byte body.
func (b *Builder) AddImage(width, height int) int {
	return b.AddStream(fmt.Sprintf("/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceGray /BitsPerComponent 8", width, height), []byte{0})
}

// Page describes one leaf of the page tree built by Pages.
type Page struct {
	Contents []int
	// MediaBox defaults to [0 0 595 842] when empty.
	MediaBox string
	// Images maps resource names to image objects.
	Images map[string]int
	Annots bool
	// Extra is appended verbatim to the page dictionary.
	Extra string
}

// Pages builds a single-level page tree and a catalog around pages and
// returns the catalog's object number.
func (b *Builder) Pages(pages []Page) int {
	catalog := b.Reserve()
	tree := b.Reserve()
	kids := make([]string, len(pages))
	for i, p := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", b.AddPage(tree, p))
	}
	b.Set(tree, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	b.Set(catalog, fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", tree))
	return catalog
}

// AddPage adds a page object under parent.
func (b *Builder) AddPage(parent int, p Page) int {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<< /Type /Page /Parent %d 0 R", parent)
	box := p.MediaBox
	if box == "" {
		box = "[0 0 595 842]"
	}
	fmt.Fprintf(&sb, " /MediaBox %s", box)
	if len(p.Contents) == 1 {
		fmt.Fprintf(&sb, " /Contents %d 0 R", p.Contents[0])
	} else if len(p.Contents) > 1 {
		refs := make([]string, len(p.Contents))
		for i, c := range p.Contents {
			refs[i] = fmt.Sprintf("%d 0 R", c)
		}
		fmt.Fprintf(&sb, " /Contents [%s]", strings.Join(refs, " "))
	}
	if len(p.Images) > 0 {
		sb.WriteString(" /Resources << /XObject <<")
		for name, num := range p.Images {
			fmt.Fprintf(&sb, " /%s %d 0 R", name, num)
		}
		sb.WriteString(" >> >>")
	}
	if p.Annots {
		annot := b.Add("<< /Type /Annot /Subtype /Link /Rect [0 0 10 10] >>")
		fmt.Fprintf(&sb, " /Annots [%d 0 R]", annot)
	}
	if p.Extra != "" {
		sb.WriteString(" " + p.Extra)
	}
	sb.WriteString(" >>")
	return b.Add(sb.String())
}

// Bytes writes the file with root as the catalog. trailerExtra is appended
// to the trailer dictionary.
func (b *Builder) Bytes(root int, trailerExtra string) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%\xE2\xE3\xCF\xD3\n")
	offsets := make([]int, len(b.bodies))
	for i, body := range b.bodies {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	start := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(b.bodies)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %d 0 R %s>>\nstartxref\n%d\n%%%%EOF\n", len(b.bodies)+1, root, trailerExtra, start)
	return buf.Bytes()
}

// GofpdfPage describes one page of a Generated document.
type GofpdfPage struct {
	Text string
	// Images are drawn as opaque gray PNGs with these pixel dimensions.
	Images []Size
	Link   bool
}

type Size struct{ Width, Height int }

// Generated renders pages with gofpdf on A4 portrait in points.
func Generated(pages []GofpdfPage) ([]byte, error) {
	pdf := gofpdf.New("P", "pt", "A4", "")
	pdf.SetFont("Helvetica", "", 12)
	registered := map[Size]string{}
	for _, p := range pages {
		pdf.AddPage()
		pdf.SetXY(40, 40)
		pdf.Cell(300, 14, p.Text)
		for _, size := range p.Images {
			name, ok := registered[size]
			if !ok {
				name = fmt.Sprintf("img%dx%d", size.Width, size.Height)
				data, err := grayPNG(size)
				if err != nil {
					return nil, err
				}
				pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(data))
				registered[size] = name
			}
			pdf.ImageOptions(name, 40, 80, float64(size.Width)/4, float64(size.Height)/4, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		}
		if p.Link {
			pdf.LinkString(40, 40, 100, 14, "https://example.com")
		}
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func grayPNG(size Size) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, size.Width, size.Height))
	for i := range img.Pix {
		img.Pix[i] = color.Gray{Y: 200}.Y
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
