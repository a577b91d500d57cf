package sym

import (
	"testing"
	"unicode/utf8"
)

func TestSymbolsAreSingleRunes(t *testing.T) {
	for name, glyph := range All {
		if utf8.RuneCountInString(glyph) != 1 {
			t.Errorf("symbol %q = %q should be a single rune", name, glyph)
		}
	}
}

func TestSymbolsAreUnique(t *testing.T) {
	seen := make(map[string]string, len(All))
	for name, glyph := range All {
		if other, ok := seen[glyph]; ok {
			t.Errorf("symbol %q shared by %q and %q", glyph, name, other)
		}
		seen[glyph] = name
	}
}
