package redact

import (
	"maps"
	"testing"
)

func TestMask(t *testing.T) {
	in := map[string]any{
		"OPENAI_API_KEY": "sk-live",
		"github_token":   "ghp_x",
		"DB_Password":    "hunter2",
		"AWS_SECRET":     "abc",
		"HOME":           "/home/me",
		"SHLVL":          2,
		"EMPTY":          nil,
		"KEYBOARD":       "us",
	}
	got := Mask(in)
	want := map[string]string{
		"OPENAI_API_KEY": Marker,
		"github_token":   Marker,
		"DB_Password":    Marker,
		"AWS_SECRET":     Marker,
		"HOME":           "/home/me",
		"SHLVL":          "2",
		"EMPTY":          "",
		"KEYBOARD":       "us",
	}
	if !maps.Equal(got, want) {
		t.Errorf("Mask() = %v, want %v", got, want)
	}
	if in["OPENAI_API_KEY"] != "sk-live" {
		t.Error("Mask must not modify its input")
	}
}

func TestMaskIdempotent(t *testing.T) {
	in := map[string]string{
		"API_KEY":     "a",
		"SLACK_TOKEN": "b",
		"MY_SECRET":   "c",
		"PASSWORD":    "d",
		"PATH":        "/usr/bin",
	}
	once := MaskStrings(in)
	twice := MaskStrings(once)
	if !maps.Equal(once, twice) {
		t.Errorf("masking twice changed the result: %v vs %v", once, twice)
	}
	if once["PATH"] != "/usr/bin" {
		t.Errorf("non-matching key altered: %q", once["PATH"])
	}
	for k := range in {
		if _, ok := once[k]; !ok {
			t.Errorf("key %q dropped", k)
		}
	}
}

func TestEnviron(t *testing.T) {
	got := Environ([]string{"HOME=/root", "NPM_TOKEN=abc=def", "FLAG", "=bad", "HOME=/home/me"})
	want := map[string]string{
		"HOME":      "/home/me",
		"NPM_TOKEN": Marker,
		"FLAG":      "",
	}
	if !maps.Equal(got, want) {
		t.Errorf("Environ() = %v, want %v", got, want)
	}
}
