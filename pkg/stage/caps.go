package stage

import (
	"fmt"
	"strings"
)

// Caps describes a class of media formats a port can produce or accept.
// Zero-valued fields are unconstrained. MediaType supports two wildcard
// forms: "*" matches anything, "video/*" matches any subtype.
type Caps struct {
	MediaType string
	Width     int32
	Height    int32
	Rate      int32
	Format    string
}

// AnyCaps matches every format, used for untyped byte streams.
func AnyCaps() Caps {
	return Caps{MediaType: "*"}
}

func (c Caps) IsZero() bool {
	return c == Caps{}
}

// mediaTypeIntersect returns the narrower of two media type patterns, or
// false when they can never describe the same stream.
func mediaTypeIntersect(a, b string) (string, bool) {
	if a == "*" || a == "" {
		return b, true
	}
	if b == "*" || b == "" {
		return a, true
	}
	if a == b {
		return a, true
	}
	if strings.HasSuffix(a, "/*") && strings.HasPrefix(b, strings.TrimSuffix(a, "*")) {
		return b, true
	}
	if strings.HasSuffix(b, "/*") && strings.HasPrefix(a, strings.TrimSuffix(b, "*")) {
		return a, true
	}
	return "", false
}

// Intersect returns the most specific format class satisfying both c and
// o. The second return is false when the classes are disjoint.
func (c Caps) Intersect(o Caps) (Caps, bool) {
	mt, ok := mediaTypeIntersect(c.MediaType, o.MediaType)
	if !ok {
		return Caps{}, false
	}
	out := Caps{MediaType: mt}

	merge := func(a, b int32) (int32, bool) {
		if a != 0 && b != 0 && a != b {
			return 0, false
		}
		if a != 0 {
			return a, true
		}
		return b, true
	}

	if out.Width, ok = merge(c.Width, o.Width); !ok {
		return Caps{}, false
	}
	if out.Height, ok = merge(c.Height, o.Height); !ok {
		return Caps{}, false
	}
	if out.Rate, ok = merge(c.Rate, o.Rate); !ok {
		return Caps{}, false
	}

	switch {
	case c.Format != "" && o.Format != "" && c.Format != o.Format:
		return Caps{}, false
	case c.Format != "":
		out.Format = c.Format
	default:
		out.Format = o.Format
	}

	return out, true
}

// Specificity counts constrained fields. Higher values win ties during
// link negotiation.
func (c Caps) Specificity() int {
	n := 0
	switch {
	case c.MediaType == "" || c.MediaType == "*":
	case strings.HasSuffix(c.MediaType, "/*"):
		n++
	default:
		n += 2
	}
	if c.Width != 0 {
		n++
	}
	if c.Height != 0 {
		n++
	}
	if c.Rate != 0 {
		n++
	}
	if c.Format != "" {
		n++
	}
	return n
}

// String renders the class in GStreamer caps syntax.
func (c Caps) String() string {
	mt := c.MediaType
	if mt == "" {
		mt = "*"
	}
	var b strings.Builder
	b.WriteString(mt)
	if c.Width != 0 {
		fmt.Fprintf(&b, ",width=%d", c.Width)
	}
	if c.Height != 0 {
		fmt.Fprintf(&b, ",height=%d", c.Height)
	}
	if c.Rate != 0 {
		fmt.Fprintf(&b, ",rate=%d", c.Rate)
	}
	if c.Format != "" {
		fmt.Fprintf(&b, ",format=%s", c.Format)
	}
	return b.String()
}
