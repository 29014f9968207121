package htmlsanitize_test

import (
	"strings"
	"testing"

	"github.com/dalemusser/conspiracypass/internal/app/system/htmlsanitize"
)

func TestStrict_Empty(t *testing.T) {
	if got := htmlsanitize.Strict(""); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestStrict_PlainText(t *testing.T) {
	if got := htmlsanitize.Strict("mission-2 video"); got != "mission-2 video" {
		t.Errorf("expected plain text unchanged, got %q", got)
	}
}

func TestStrict_RemovesTags(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"script", "<script>alert('xss')</script>poster", "poster"},
		{"bold", "<b>headline</b>", "headline"},
		{"onerror", `<img src="x" onerror="alert(1)">image`, "image"},
		{"trims", "  <p> quiz </p>  ", "quiz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := htmlsanitize.Strict(tt.input); got != tt.want {
				t.Errorf("Strict(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLabel_Truncates(t *testing.T) {
	got := htmlsanitize.Label("<i>"+strings.Repeat("é", 10)+"</i>", 4)
	if got != "éééé" {
		t.Errorf("expected 4 runes, got %q", got)
	}
}

func TestLabel_NoLimit(t *testing.T) {
	if got := htmlsanitize.Label("abc", 0); got != "abc" {
		t.Errorf("expected unchanged, got %q", got)
	}
}

func TestIsPlainText(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"", true},
		{"Hello, World!", true},
		{"<p>Hello</p>", false},
		{"5 < 10", true},
		{"5 > 3", true},
	}
	for _, tt := range tests {
		if got := htmlsanitize.IsPlainText(tt.input); got != tt.want {
			t.Errorf("IsPlainText(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
