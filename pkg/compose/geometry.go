package compose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

// Spacing is the gap between cells and between bands, in millimetres
const Spacing = 1.0

// mmToPt converts millimetres to PDF points
const mmToPt = 72.0 / 25.4

// PageSize is a sheet size in millimetres, portrait
type PageSize struct {
	Name   string
	Width  float64
	Height float64
}

var pageSizes = map[string]PageSize{
	"A4":     {Name: "A4", Width: 210, Height: 297},
	"A3":     {Name: "A3", Width: 297, Height: 420},
	"LETTER": {Name: "Letter", Width: 215.9, Height: 279.4},
}

// LookupPageSize resolves a page size name, case-insensitively
func LookupPageSize(name string) (PageSize, error) {
	ps, ok := pageSizes[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return PageSize{}, fmt.Errorf("%w: unsupported page size %q", ErrCompose, name)
	}
	return ps, nil
}

// Oriented returns the size with sides swapped for landscape
func (p PageSize) Oriented(landscape bool) PageSize {
	if landscape {
		p.Width, p.Height = p.Height, p.Width
	}
	return p
}

// Rect is a rectangle in millimetres with a top-left origin
type Rect struct {
	X, Y, W, H float64
}

// Grid is the page geometry shared by every page of a document
type Grid struct {
	Page          PageSize
	Rows          int
	Columns       int
	Header        Rect
	Footer        Rect
	ContentTop    float64
	ContentWidth  float64
	ContentHeight float64
	CellWidth     float64
	CellHeight    float64
	marginLeft    float64
}

// CellSize divides a length into count cells separated by spacing
func CellSize(content float64, count int, spacing float64) float64 {
	return (content - spacing*float64(count-1)) / float64(count)
}

// NewGrid computes the page geometry for a normalized template
func NewGrid(t *model.NormalizedTemplate, rows, columns int) (*Grid, error) {
	if rows <= 0 || columns <= 0 {
		return nil, fmt.Errorf("%w: grid must have positive rows and columns", ErrCompose)
	}
	ps, err := LookupPageSize(t.PageSize)
	if err != nil {
		return nil, err
	}
	ps = ps.Oriented(t.Landscape)

	g := &Grid{
		Page:       ps,
		Rows:       rows,
		Columns:    columns,
		marginLeft: t.MarginLeft,
	}
	g.ContentWidth = ps.Width - (t.MarginLeft + t.MarginRight)
	g.ContentHeight = ps.Height - (t.MarginTop + t.MarginBottom + t.HeaderHeight + t.FooterHeight + 2*Spacing)
	if g.ContentWidth <= 0 || g.ContentHeight <= 0 {
		return nil, fmt.Errorf("%w: margins and bands leave no room for content (%.1f x %.1f mm)",
			ErrCompose, g.ContentWidth, g.ContentHeight)
	}

	g.Header = Rect{X: t.MarginLeft, Y: t.MarginTop, W: g.ContentWidth, H: t.HeaderHeight}
	g.Footer = Rect{X: t.MarginLeft, Y: ps.Height - t.MarginBottom - t.FooterHeight, W: g.ContentWidth, H: t.FooterHeight}
	g.ContentTop = t.MarginTop + t.HeaderHeight + Spacing
	g.CellWidth = CellSize(g.ContentWidth, columns, Spacing)
	g.CellHeight = CellSize(g.ContentHeight, rows, Spacing)
	return g, nil
}

// PageIndex is the page a panel lands on
func (g *Grid) PageIndex(y int) int {
	return y / g.Rows
}

// Place returns the rectangle of a panel on its page. Spanning panels absorb
// the spacing they cover.
func (g *Grid) Place(x, y, w, h int) Rect {
	row := y % g.Rows
	return Rect{
		X: g.marginLeft + float64(x)*(g.CellWidth+Spacing),
		Y: g.ContentTop + float64(row)*(g.CellHeight+Spacing),
		W: float64(w)*g.CellWidth + Spacing*float64(w-1),
		H: float64(h)*g.CellHeight + Spacing*float64(h-1),
	}
}

// Paginate groups items by page index and returns the indices ascending
// together with the items of each page in their original order.
func Paginate[T any](g *Grid, items []T, y func(T) int) ([]int, map[int][]T) {
	byPage := make(map[int][]T)
	for _, it := range items {
		idx := g.PageIndex(y(it))
		byPage[idx] = append(byPage[idx], it)
	}
	order := make([]int, 0, len(byPage))
	for idx := range byPage {
		order = append(order, idx)
	}
	sort.Ints(order)
	return order, byPage
}
