package model

import (
	"fmt"
	"strings"
)

// NormalizedTemplate is a Template whose numeric fields have been coerced to
// millimetres. The composer only ever sees this form.
type NormalizedTemplate struct {
	Title            string
	LogoRef          string
	HeaderBackground string
	HeaderText       string
	HeaderHeight     float64

	FooterText       string
	PageNumberFormat string
	FooterBackground string
	FooterTextColor  string
	FooterHeight     float64

	PageSize     string
	Landscape    bool
	MarginTop    float64
	MarginBottom float64
	MarginLeft   float64
	MarginRight  float64
}

// Normalize coerces and validates every numeric field.
func (t *Template) Normalize() (*NormalizedTemplate, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: template is required", ErrInvalidConfig)
	}

	n := &NormalizedTemplate{
		Title:            t.Header.Title,
		LogoRef:          t.Header.LogoRef,
		HeaderBackground: t.Header.BackgroundColor,
		HeaderText:       t.Header.TextColor,
		FooterText:       t.Footer.Text,
		PageNumberFormat: t.Footer.PageNumberFormat,
		FooterBackground: t.Footer.BackgroundColor,
		FooterTextColor:  t.Footer.TextColor,
		PageSize:         strings.TrimSpace(t.Page.Size),
	}

	switch strings.ToLower(strings.TrimSpace(t.Page.Orientation)) {
	case "", "portrait":
	case "landscape":
		n.Landscape = true
	default:
		return nil, fmt.Errorf("%w: unknown page orientation %q", ErrInvalidConfig, t.Page.Orientation)
	}

	fields := []struct {
		name string
		in   Measure
		out  *float64
	}{
		{"header.height", t.Header.Height, &n.HeaderHeight},
		{"footer.height", t.Footer.Height, &n.FooterHeight},
		{"page.marginTop", t.Page.MarginTop, &n.MarginTop},
		{"page.marginBottom", t.Page.MarginBottom, &n.MarginBottom},
		{"page.marginLeft", t.Page.MarginLeft, &n.MarginLeft},
		{"page.marginRight", t.Page.MarginRight, &n.MarginRight},
	}
	for _, f := range fields {
		v, err := f.in.Float()
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", f.name, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: template %s must not be negative", ErrInvalidConfig, f.name)
		}
		*f.out = v
	}
	return n, nil
}
