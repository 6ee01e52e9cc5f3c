package capture

import (
	"fmt"
	"strings"
)

// Marker maps a dashboard server version prefix to the test id prefix that
// signals panel content has rendered.
type Marker struct {
	VersionPrefix string `mapstructure:"version" json:"version"`
	TestID        string `mapstructure:"selector" json:"selector"`
}

// Readiness is an ordered marker table with a fallback. The first entry whose
// prefix matches the version wins.
type Readiness struct {
	Markers []Marker
	Default string
}

// DefaultMarker is used when no table entry matches
const DefaultMarker = "data-testid panel content"

// DefaultReadiness returns the built-in table
func DefaultReadiness() Readiness {
	return Readiness{
		Markers: []Marker{
			{VersionPrefix: "9.", TestID: "data-testid Panel header"},
			{VersionPrefix: "10.", TestID: "data-testid panel content"},
			{VersionPrefix: "11.", TestID: "data-testid panel content"},
			{VersionPrefix: "12.", TestID: "data-testid panel content"},
		},
		Default: DefaultMarker,
	}
}

// MarkerFor returns the test id prefix for version
func (r Readiness) MarkerFor(version string) string {
	for _, m := range r.Markers {
		if m.VersionPrefix != "" && m.TestID != "" && strings.HasPrefix(version, m.VersionPrefix) {
			return m.TestID
		}
	}
	if r.Default != "" {
		return r.Default
	}
	return DefaultMarker
}

// Selector renders a marker as a CSS attribute-prefix selector
func Selector(marker string) string {
	return fmt.Sprintf(`[data-testid^="%s"]`, strings.ReplaceAll(marker, `"`, `\"`))
}
