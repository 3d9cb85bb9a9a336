package ui

import (
	"strings"
	"testing"
)

func TestRenderPreservesText(t *testing.T) {
	helpers := map[string]func(string) string{
		"accent": RenderAccent,
		"pass":   RenderPass,
		"warn":   RenderWarn,
		"fail":   RenderFail,
		"muted":  RenderMuted,
	}
	for name, fn := range helpers {
		if got := fn("marker"); !strings.Contains(got, "marker") {
			t.Errorf("%s: rendered output %q lost input text", name, got)
		}
	}
}

func TestColorizedStable(t *testing.T) {
	first := Colorized()
	for i := 0; i < 3; i++ {
		if Colorized() != first {
			t.Fatal("Colorized changed between calls")
		}
	}
}
