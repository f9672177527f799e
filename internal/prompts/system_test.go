package prompts

import (
	"strings"
	"testing"
)

func TestSystem(t *testing.T) {
	got := System("Yet Another End Bot", "c", "fetchImage", "fetchURLContent")

	for _, want := range []string{
		"Your name is Yet Another End Bot.",
		"starting with /c,",
		"call fetchImage with the ID",
		"call fetchURLContent to get",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("System() missing %q", want)
		}
	}
	if strings.Contains(got, "%!") {
		t.Errorf("System() has a formatting error:\n%s", got)
	}
}
