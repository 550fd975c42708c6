package commands

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// defaultWrap is used when the terminal width is unknown.
const defaultWrap = 100

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// newRenderer returns a markdown renderer sized to w, or nil when w is not
// a terminal and answers should be printed verbatim.
func newRenderer(w io.Writer) *glamour.TermRenderer {
	if !isTerminal(w) {
		return nil
	}
	width := defaultWrap
	if f, ok := w.(*os.File); ok {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 20 {
			width = cols - 4
		}
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return r
}

// writeAnswer prints text through r when available, plain otherwise.
func writeAnswer(w io.Writer, r *glamour.TermRenderer, text string) {
	if r != nil {
		if out, err := r.Render(text); err == nil {
			io.WriteString(w, out)
			return
		}
	}
	io.WriteString(w, strings.TrimRight(text, "\n")+"\n")
}
