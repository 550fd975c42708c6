package channels

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessage_Short(t *testing.T) {
	t.Parallel()
	got := SplitMessage("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("got %q", got)
	}
}

func TestSplitMessage_Boundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{
			name:  "paragraphs",
			text:  "aaaa bbbb\n\ncccc dddd\n\neeee",
			limit: 12,
			want:  []string{"aaaa bbbb", "cccc dddd", "eeee"},
		},
		{
			name:  "paragraphs packed",
			text:  "aa\n\nbb\n\ncccccccccc",
			limit: 10,
			want:  []string{"aa\n\nbb", "cccccccccc"},
		},
		{
			name:  "sentences",
			text:  "One two. Three four! Five six?",
			limit: 12,
			want:  []string{"One two.", "Three four!", "Five six?"},
		},
		{
			name:  "words",
			text:  "alpha beta gamma delta",
			limit: 11,
			want:  []string{"alpha beta", "gamma delta"},
		},
		{
			name:  "hard cut",
			text:  "abcdefghijklmnop",
			limit: 5,
			want:  []string{"abcde", "fghij", "klmno", "p"},
		},
		{
			name:  "multibyte",
			text:  "ééééé ééééé",
			limit: 5,
			want:  []string{"ééééé", "ééééé"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SplitMessage(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			for _, c := range got {
				if utf8.RuneCountInString(c) > tt.limit {
					t.Errorf("chunk %q longer than %d", c, tt.limit)
				}
			}
		})
	}
}

func TestAddContinuationMarkers(t *testing.T) {
	t.Parallel()
	if got := AddContinuationMarkers([]string{"only"}); got[0] != "only" {
		t.Errorf("single chunk changed: %q", got[0])
	}

	got := AddContinuationMarkers([]string{"a", "b", "c"})
	want := []string{
		"📄 **Message (Part 1 of 3):**\n\na",
		"b\n\n---\n📄 **Continuation (Part 2 of 3):**\n\n",
		"c\n\n---\n✅ **End of message**",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPrepareMessage_FitsLimit(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("This is a sentence that repeats. ", 400)
	chunks := PrepareMessage(text, MaxMessageLength)
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want >= 3", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > MaxMessageLength {
			t.Errorf("chunk %d has %d characters", i, n)
		}
	}
	if !strings.HasPrefix(chunks[0], "📄 **Message (Part 1 of") {
		t.Errorf("first chunk = %q", chunks[0][:40])
	}

	if got := PrepareMessage("short", MaxMessageLength); len(got) != 1 || got[0] != "short" {
		t.Errorf("short message = %q", got)
	}
}
