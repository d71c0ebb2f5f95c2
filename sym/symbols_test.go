package sym

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestGlyphs(t *testing.T) {
	glyphs := map[string]string{
		"am":          AM,
		"ix":          IX,
		"merge":       MG,
		"trigger":     TR,
		"pulse":       Pulse,
		"pulse-open":  PulseOpen,
		"pulse-close": PulseClose,
		"db":          DB,
	}

	seen := make(map[string]string)
	for subsystem, g := range glyphs {
		assert.Equal(t, 1, utf8.RuneCountInString(g), "%s glyph %q", subsystem, g)
		if other, dup := seen[g]; dup {
			t.Errorf("%s and %s share glyph %q", subsystem, other, g)
		}
		seen[g] = subsystem
	}
}
