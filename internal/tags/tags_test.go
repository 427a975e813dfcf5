package tags

import "testing"

func TestSanitizeDropsEmptyEntries(t *testing.T) {
	got := Sanitize(map[string]string{
		" Title ":  " Sample Track ",
		"artist":   "",
		"":         "orphan",
		"Composer": "Someone",
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(got), got)
	}
	if got["title"] != "Sample Track" {
		t.Fatalf("title not trimmed: %q", got["title"])
	}
	if got["composer"] != "Someone" {
		t.Fatalf("composer missing: %v", got)
	}
}

func TestSanitizeEmptyInputYieldsNil(t *testing.T) {
	if Sanitize(nil) != nil {
		t.Fatal("expected nil for nil input")
	}
	if Sanitize(map[string]string{"": ""}) != nil {
		t.Fatal("expected nil when everything is dropped")
	}
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"en", "en"},
		{"EN-us", "en-US"},
		{"eng", "en"},
		{"deu", "de"},
		{"not a language", "not a language"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeLanguage(tc.input); got != tc.want {
			t.Errorf("NormalizeLanguage(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSanitizeFileName(t *testing.T) {
	if got := SanitizeFileName(`a/b\c:d*e?f"g<h>i|j`); got != "a-b-c-defghij" {
		t.Fatalf("unexpected sanitized name: %q", got)
	}
}

func TestDisplayTitle(t *testing.T) {
	if got := DisplayTitle("  sample track  "); got != "Sample Track" {
		t.Fatalf("unexpected title: %q", got)
	}
}
