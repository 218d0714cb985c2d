package stage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapsIntersect(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Caps
		ok       bool
		expected Caps
	}{
		{
			name:     "any matches everything",
			a:        AnyCaps(),
			b:        Caps{MediaType: "video/x-h264"},
			ok:       true,
			expected: Caps{MediaType: "video/x-h264"},
		},
		{
			name:     "wildcard subtype narrows",
			a:        Caps{MediaType: "video/*"},
			b:        Caps{MediaType: "video/x-raw"},
			ok:       true,
			expected: Caps{MediaType: "video/x-raw"},
		},
		{
			name: "disjoint media types",
			a:    Caps{MediaType: "video/x-raw"},
			b:    Caps{MediaType: "audio/x-raw"},
			ok:   false,
		},
		{
			name: "wildcard class does not cross media",
			a:    Caps{MediaType: "video/*"},
			b:    Caps{MediaType: "audio/mpeg"},
			ok:   false,
		},
		{
			name:     "geometry merges from the constrained side",
			a:        Caps{MediaType: "video/x-raw", Width: 1280, Height: 720},
			b:        Caps{MediaType: "video/x-raw"},
			ok:       true,
			expected: Caps{MediaType: "video/x-raw", Width: 1280, Height: 720},
		},
		{
			name: "conflicting geometry",
			a:    Caps{MediaType: "video/x-raw", Width: 1280},
			b:    Caps{MediaType: "video/x-raw", Width: 1920},
			ok:   false,
		},
		{
			name: "conflicting formats",
			a:    Caps{MediaType: "video/x-raw", Format: "I420"},
			b:    Caps{MediaType: "video/x-raw", Format: "NV12"},
			ok:   false,
		},
		{
			name:     "rate merges",
			a:        Caps{MediaType: "audio/x-raw", Rate: 48000},
			b:        Caps{MediaType: "audio/x-raw"},
			ok:       true,
			expected: Caps{MediaType: "audio/x-raw", Rate: 48000},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.a.Intersect(tc.b)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.expected, got)
			}

			// intersection is symmetric
			rev, revOk := tc.b.Intersect(tc.a)
			require.Equal(t, ok, revOk)
			if ok {
				require.Equal(t, got, rev)
			}
		})
	}
}

func TestCapsSpecificity(t *testing.T) {
	any := AnyCaps()
	class := Caps{MediaType: "video/*"}
	exact := Caps{MediaType: "video/x-raw"}
	sized := Caps{MediaType: "video/x-raw", Width: 1280, Height: 720}

	require.Less(t, any.Specificity(), class.Specificity())
	require.Less(t, class.Specificity(), exact.Specificity())
	require.Less(t, exact.Specificity(), sized.Specificity())
}

func TestCapsString(t *testing.T) {
	c := Caps{MediaType: "video/x-raw", Width: 1280, Height: 720}
	require.Equal(t, "video/x-raw,width=1280,height=720", c.String())

	require.Equal(t, "audio/x-raw,rate=48000", Caps{MediaType: "audio/x-raw", Rate: 48000}.String())
	require.Equal(t, "*", Caps{}.String())
}
