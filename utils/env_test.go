package utils

import "testing"

func TestEnvEnabled(t *testing.T) {
	for value, want := range map[string]bool{
		"":      false,
		"0":     false,
		"false": false,
		"1":     true,
		"TRUE":  true,
		" on ":  true,
	} {
		t.Setenv("LIGHTSHOW_TEST_TOGGLE", value)
		if got := EnvEnabled("LIGHTSHOW_TEST_TOGGLE"); got != want {
			t.Errorf("EnvEnabled(%q) = %v, want %v", value, got, want)
		}
	}
}
