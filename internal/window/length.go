package window

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// rootFontSize converts rem and em lengths.
const rootFontSize = 16

// ParseLength converts a CSS-like length ("500px", "480", "30rem", "80%") to
// pixels. Percentages resolve against reference.
func ParseLength(s string, reference float64) (float64, error) {
	v := strings.TrimSpace(strings.ToLower(s))
	if v == "" {
		return 0, fmt.Errorf("empty length")
	}

	scale := 1.0
	switch {
	case strings.HasSuffix(v, "px"):
		v = strings.TrimSuffix(v, "px")
	case strings.HasSuffix(v, "rem"):
		v = strings.TrimSuffix(v, "rem")
		scale = rootFontSize
	case strings.HasSuffix(v, "em"):
		v = strings.TrimSuffix(v, "em")
		scale = rootFontSize
	case strings.HasSuffix(v, "%"):
		if reference <= 0 {
			return 0, fmt.Errorf("percentage length %q needs a reference size", s)
		}
		v = strings.TrimSuffix(v, "%")
		scale = reference / 100
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid length %q: %w", s, err)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("non-finite length %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative length %q", s)
	}
	return n * scale, nil
}

// ParseSize parses a width and height pair, using fallback for any value that
// is missing or malformed.
func ParseSize(width, height string, viewport Size, fallback Size) Size {
	out := fallback
	if w, err := ParseLength(width, viewport.Width); err == nil {
		out.Width = w
	}
	if h, err := ParseLength(height, viewport.Height); err == nil {
		out.Height = h
	}
	return out
}
