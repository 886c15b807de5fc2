package channel

import (
	"strings"
	"testing"
)

func TestNormalizeOutboundPolicyDefaults(t *testing.T) {
	policy := NormalizeOutboundPolicy(OutboundPolicy{})
	if policy.TextChunkLimit != 2000 {
		t.Fatalf("expected chunk limit 2000, got %d", policy.TextChunkLimit)
	}
	if policy.RetryMax != 3 {
		t.Fatalf("expected retry max 3, got %d", policy.RetryMax)
	}
	if policy.RetryBackoffMs != 500 {
		t.Fatalf("expected retry backoff 500, got %d", policy.RetryBackoffMs)
	}
}

func TestNormalizeOutboundPolicyKeepsExplicitValues(t *testing.T) {
	policy := NormalizeOutboundPolicy(OutboundPolicy{TextChunkLimit: 4096, RetryMax: 1, RetryBackoffMs: 50})
	if policy.TextChunkLimit != 4096 || policy.RetryMax != 1 || policy.RetryBackoffMs != 50 {
		t.Fatalf("explicit values must survive, got %+v", policy)
	}
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "empty", text: "   \n  ", limit: 10, want: nil},
		{name: "fits", text: "hello", limit: 10, want: []string{"hello"}},
		{name: "no limit", text: "hello world", limit: 0, want: []string{"hello world"}},
		{
			name:  "splits at newline",
			text:  "first line\nsecond line",
			limit: 12,
			want:  []string{"first line", "second line"},
		},
		{
			name:  "packs lines under limit",
			text:  "aa\nbb\ncc",
			limit: 5,
			want:  []string{"aa\nbb", "cc"},
		},
		{
			name:  "hard-splits oversized line",
			text:  "aaaaabbbbbcc",
			limit: 5,
			want:  []string{"aaaaa", "bbbbb", "cc"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ChunkText(tc.text, tc.limit)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d chunks, got %d: %q", len(tc.want), len(got), got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("chunk %d: expected %q, got %q", i, tc.want[i], got[i])
				}
			}
		})
	}
}

func TestChunkTextRespectsRuneLimit(t *testing.T) {
	text := strings.Repeat("ação ", 100)
	for _, chunk := range ChunkText(text, 40) {
		if runeLen(chunk) > 40 {
			t.Fatalf("chunk exceeds rune limit: %d runes", runeLen(chunk))
		}
	}
}
