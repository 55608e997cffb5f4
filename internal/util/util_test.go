package util

import (
	"strings"
	"testing"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		maxLen        int
		preserveWords bool
		want          string
	}{
		{
			name:   "short requirement untouched",
			input:  "Build a todo app",
			maxLen: 100,
			want:   "Build a todo app",
		},
		{
			name:          "long requirement cut at word boundary",
			input:         "Build a REST API for tracking inventory across multiple warehouses",
			maxLen:        30,
			preserveWords: true,
			want:          "Build a REST API for...",
		},
		{
			name:   "hard cut without word preservation",
			input:  "abcdefghijklmnopqrstuvwxyz",
			maxLen: 10,
			want:   "abcdefg...",
		},
		{
			name:   "empty input",
			input:  "",
			maxLen: 10,
			want:   "",
		},
		{
			name:   "zero budget",
			input:  "anything",
			maxLen: 0,
			want:   "",
		},
		{
			name:   "budget smaller than ellipsis",
			input:  "anything",
			maxLen: 2,
			want:   "..",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateString(tt.input, tt.maxLen, tt.preserveWords)
			if got != tt.want {
				t.Errorf("TruncateString(%q, %d, %v) = %q, want %q",
					tt.input, tt.maxLen, tt.preserveWords, got, tt.want)
			}
		})
	}
}

func TestTruncateStringUTF8Safe(t *testing.T) {
	inputs := []string{
		"查询中文数据库中的用户信息",
		"データベース システム から ユーザー 情報",
		"Fix the 🐛 in the payment flow 💸",
		"Привет мир",
	}

	for _, input := range inputs {
		for maxLen := 1; maxLen < len(input)+5; maxLen++ {
			result := TruncateString(input, maxLen, false)

			// Rune roundtrip catches sliced multi-byte sequences.
			if string([]rune(result)) != result {
				t.Fatalf("TruncateString(%q, %d) produced invalid UTF-8: %q", input, maxLen, result)
			}
			if n := len([]rune(result)); n > maxLen {
				t.Fatalf("TruncateString(%q, %d) returned %d runes", input, maxLen, n)
			}
		}
	}
}

func TestTruncateStringMarksTruncation(t *testing.T) {
	input := strings.Repeat("x", 500)
	got := TruncateString(input, 80, false)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got[len(got)-10:])
	}
	if len([]rune(got)) != 80 {
		t.Errorf("expected exactly 80 runes, got %d", len([]rune(got)))
	}
}
