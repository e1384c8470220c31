package detector

import "strings"

// DefaultMarker is the line fragment Flask prints once it is serving.
const DefaultMarker = "Running on"

// MarkerDetector matches a substring in worker output.
type MarkerDetector struct{ Marker string }

func (d MarkerDetector) Match(line string) bool {
	m := d.Marker
	if m == "" {
		m = DefaultMarker
	}
	return strings.Contains(line, m)
}

func (d MarkerDetector) Describe() string {
	if d.Marker == "" {
		return "marker:" + DefaultMarker
	}
	return "marker:" + d.Marker
}
