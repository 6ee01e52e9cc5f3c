// Package compose lays captured panels onto a fixed grid, splits them across
// pages and draws header and footer chrome into a PDF document.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/capture"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

// ErrCompose marks failures while building the document
var ErrCompose = errors.New("composition failed")

const (
	titleFontSize = 14
	textFontSize  = 9
	textInset     = 5.0  // mm from the band edge
	logoWidth     = 30.0 // mm
)

// Input is everything needed to build one document
type Input struct {
	Panels      []capture.Panel
	Template    *model.NormalizedTemplate
	Rows        int
	Columns     int
	TimeRange   *model.TimeRange
	Logo        []byte
	GeneratedAt time.Time
	Version     string
}

// Document is a fully buffered PDF
type Document struct {
	Pages int
	data  []byte
}

// Bytes returns the encoded document
func (d *Document) Bytes() []byte {
	return d.data
}

// Len returns the encoded size
func (d *Document) Len() int {
	return len(d.data)
}

// Reader returns a seekable reader over the document
func (d *Document) Reader() *bytes.Reader {
	return bytes.NewReader(d.data)
}

type composer struct {
	pdf  *gofpdf.Fpdf
	grid *Grid
	in   Input
	tr   func(string) string
	logo string
}

// Compose renders the panels into a PDF. Nothing partial is returned on error.
func Compose(in Input) (*Document, error) {
	if in.Template == nil {
		return nil, fmt.Errorf("%w: template is required", ErrCompose)
	}
	grid, err := NewGrid(in.Template, in.Rows, in.Columns)
	if err != nil {
		return nil, err
	}
	if in.GeneratedAt.IsZero() {
		in.GeneratedAt = time.Now()
	}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           gofpdf.SizeType{Wd: pt(grid.Page.Width), Ht: pt(grid.Page.Height)},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetAuthor("Grafana PDF Reporter", true)
	pdf.SetCreator("Grafana PDF Reporter", true)
	pdf.SetSubject("Grafana Report", true)
	pdf.SetTitle(in.Template.Title, true)
	if in.Version != "" {
		pdf.SetKeywords("Grafana "+in.Version, true)
	}

	c := &composer{
		pdf:  pdf,
		grid: grid,
		in:   in,
		tr:   pdf.UnicodeTranslatorFromDescriptor(""),
	}

	if len(in.Logo) > 0 {
		name, err := c.registerImage("logo", in.Logo)
		if err != nil {
			return nil, fmt.Errorf("%w: header logo: %v", ErrCompose, err)
		}
		c.logo = name
	}

	order, byPage := Paginate(grid, in.Panels, func(p capture.Panel) int { return p.Y })
	total := len(order)
	if total == 0 {
		// an empty report still gets its chrome
		total = 1
		order = []int{0}
	}

	for i, idx := range order {
		pdf.AddPage()
		if err := c.drawHeader(); err != nil {
			return nil, err
		}
		for j, p := range byPage[idx] {
			if err := c.drawPanel(idx, j, p); err != nil {
				return nil, err
			}
		}
		if err := c.drawFooter(i+1, total); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompose, err)
	}
	return &Document{Pages: total, data: buf.Bytes()}, nil
}

func pt(mm float64) float64 {
	return mm * mmToPt
}

func (c *composer) fill(r Rect, hex string) error {
	red, green, blue, err := parseHexColor(hex, 255)
	if err != nil {
		return err
	}
	c.pdf.SetFillColor(red, green, blue)
	c.pdf.Rect(pt(r.X), pt(r.Y), pt(r.W), pt(r.H), "F")
	return nil
}

func (c *composer) textColor(hex string) error {
	red, green, blue, err := parseHexColor(hex, 0)
	if err != nil {
		return err
	}
	c.pdf.SetTextColor(red, green, blue)
	return nil
}

// text draws s vertically centred in band, starting at x (mm)
func (c *composer) text(x float64, band Rect, s string) {
	w := c.pdf.GetStringWidth(s)
	c.pdf.SetXY(pt(x), pt(band.Y))
	c.pdf.CellFormat(w, pt(band.H), s, "", 0, "LM", false, 0, "")
}

func (c *composer) width(s string) float64 {
	return c.pdf.GetStringWidth(s) / mmToPt
}

func (c *composer) drawHeader() error {
	t := c.in.Template
	band := c.grid.Header
	if err := c.fill(band, t.HeaderBackground); err != nil {
		return err
	}
	if err := c.textColor(t.HeaderText); err != nil {
		return err
	}

	c.pdf.SetFont("Helvetica", "B", titleFontSize)
	c.text(band.X+textInset, band, c.tr(t.Title))

	c.pdf.SetFont("Helvetica", "", textFontSize)
	stamp := c.tr(c.in.GeneratedAt.Format("2006-01-02 15:04"))
	if c.logo != "" {
		x := band.X + band.W - logoWidth
		c.pdf.ImageOptions(c.logo, pt(x), pt(band.Y+band.H*0.1), pt(logoWidth), pt(band.H*0.8),
			false, gofpdf.ImageOptions{}, 0, "")
		c.text((c.grid.Page.Width-c.width(stamp))/2, band, stamp)
	} else {
		c.text(band.X+band.W-textInset-c.width(stamp), band, stamp)
	}
	return c.check("header")
}

func (c *composer) drawPanel(page, pos int, p capture.Panel) error {
	name, err := c.registerImage(fmt.Sprintf("panel-%d-%d", page, pos), p.Image)
	if err != nil {
		return fmt.Errorf("%w: panel at (%d,%d): %v", ErrCompose, p.X, p.Y, err)
	}
	r := c.grid.Place(p.X, p.Y, p.W, p.H)
	c.pdf.ImageOptions(name, pt(r.X), pt(r.Y), pt(r.W), pt(r.H), false, gofpdf.ImageOptions{}, 0, "")
	return c.check("panel")
}

func (c *composer) drawFooter(page, total int) error {
	t := c.in.Template
	band := c.grid.Footer
	if err := c.fill(band, t.FooterBackground); err != nil {
		return err
	}
	if err := c.textColor(t.FooterTextColor); err != nil {
		return err
	}
	c.pdf.SetFont("Helvetica", "", textFontSize)

	c.text(band.X+textInset, band, c.tr(t.FooterText))

	if t.PageNumberFormat != "" {
		s := c.tr(PageLabel(t.PageNumberFormat, page, total))
		c.text(band.X+band.W-textInset-c.width(s), band, s)
	}

	if tr := c.in.TimeRange; tr != nil && (tr.From != "" || tr.To != "") {
		s := c.tr(fmt.Sprintf("Time Range: %s to %s", tr.From, tr.To))
		c.text((c.grid.Page.Width-c.width(s))/2, band, s)
	}
	return c.check("footer")
}

func (c *composer) registerImage(name string, data []byte) (string, error) {
	kind, err := imageType(data)
	if err != nil {
		return "", err
	}
	info := c.pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: kind}, bytes.NewReader(data))
	if err := c.pdf.Error(); err != nil {
		return "", err
	}
	if info == nil {
		return "", errors.New("image could not be decoded")
	}
	return name, nil
}

func (c *composer) check(stage string) error {
	if err := c.pdf.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCompose, stage, err)
	}
	return nil
}

// PageLabel substitutes the (page) and (total) tokens
func PageLabel(format string, page, total int) string {
	r := strings.NewReplacer("(page)", strconv.Itoa(page), "(total)", strconv.Itoa(total))
	return r.Replace(format)
}

func imageType(data []byte) (string, error) {
	switch ct := http.DetectContentType(data); ct {
	case "image/png":
		return "PNG", nil
	case "image/jpeg":
		return "JPG", nil
	case "image/gif":
		return "GIF", nil
	default:
		return "", fmt.Errorf("unsupported image data (%s)", ct)
	}
}

// parseHexColor accepts #RGB and #RRGGBB. An empty string yields def for
// every channel.
func parseHexColor(s string, def int) (int, int, int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(s) {
	case 0:
		return def, def, def, nil
	case 3:
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	case 6:
	default:
		return 0, 0, 0, fmt.Errorf("%w: invalid color %q", ErrCompose, s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: invalid color %q", ErrCompose, s)
	}
	return int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff), nil
}
