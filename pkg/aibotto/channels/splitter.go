package channels

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxMessageLength is the longest text sent in one platform message.
const MaxMessageLength = 4095

// markerReserve is the room kept free in each chunk for the part markers.
const markerReserve = 64

// SplitMessage splits text into chunks of at most limit characters. It
// breaks at paragraph boundaries first, then sentences, then words, and
// cuts hard only when a single word is longer than limit.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	c := &chunker{limit: limit}
	for _, para := range strings.Split(text, "\n\n") {
		c.add(para, "\n\n", func(p string) {
			for _, sentence := range splitSentences(p) {
				c.add(sentence, " ", func(s string) {
					for _, word := range strings.Split(s, " ") {
						c.add(word, " ", nil)
					}
				})
			}
		})
	}
	c.flush()

	out := make([]string, 0, len(c.chunks))
	for _, chunk := range c.chunks {
		out = append(out, hardCut(chunk, limit)...)
	}
	return out
}

// AddContinuationMarkers labels the parts of a multi-part message. A single
// chunk is returned unchanged.
func AddContinuationMarkers(chunks []string) []string {
	n := len(chunks)
	if n <= 1 {
		return chunks
	}
	out := make([]string, n)
	for i, chunk := range chunks {
		switch i {
		case 0:
			out[i] = fmt.Sprintf("📄 **Message (Part 1 of %d):**\n\n", n) + chunk
		case n - 1:
			out[i] = chunk + "\n\n---\n✅ **End of message**"
		default:
			out[i] = chunk + fmt.Sprintf("\n\n---\n📄 **Continuation (Part %d of %d):**\n\n", i+1, n)
		}
	}
	return out
}

// PrepareMessage splits text for delivery and adds part markers. Every
// returned chunk, markers included, fits in limit characters.
func PrepareMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	return AddContinuationMarkers(SplitMessage(text, max(limit-markerReserve, 1)))
}

// chunker accumulates pieces into chunks no longer than limit.
type chunker struct {
	limit  int
	chunks []string
	cur    strings.Builder
	curLen int
}

// add appends piece to the current chunk, joined by sep. A piece that does
// not fit starts a new chunk; when it is longer than limit and split is
// non-nil, split breaks it into smaller pieces instead.
func (c *chunker) add(piece, sep string, split func(string)) {
	n := utf8.RuneCountInString(piece)
	switch {
	case c.curLen > 0 && c.curLen+len(sep)+n <= c.limit:
		c.cur.WriteString(sep)
		c.cur.WriteString(piece)
		c.curLen += len(sep) + n
		return
	case c.curLen == 0 && n <= c.limit:
		c.cur.WriteString(piece)
		c.curLen = n
		return
	}

	c.flush()
	if n > c.limit && split != nil {
		split(piece)
		c.flush()
		return
	}
	c.cur.WriteString(piece)
	c.curLen = n
}

func (c *chunker) flush() {
	if c.curLen == 0 {
		c.cur.Reset()
		return
	}
	c.chunks = append(c.chunks, c.cur.String())
	c.cur.Reset()
	c.curLen = 0
}

// splitSentences splits after '.', '!' or '?' followed by whitespace. The
// whitespace is dropped.
func splitSentences(s string) []string {
	var out []string
	start := 0
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if !strings.ContainsRune(".!?", runes[i]) || i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		out = append(out, string(runes[start:i+1]))
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

// hardCut splits s into pieces of at most limit runes.
func hardCut(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	var out []string
	for i := 0; i < len(runes); i += limit {
		out = append(out, string(runes[i:min(i+limit, len(runes))]))
	}
	return out
}
