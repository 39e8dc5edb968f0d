package run

import (
	"io"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// maxEscape bounds how many bytes of an unterminated escape sequence are held
// back waiting for the next write. OSC 8 hyperlinks carry whole URLs, so the
// bound is set for strings rather than for CSI parameters. A longer
// unterminated sequence is flushed as is.
const maxEscape = 4096

const esc = 0x1b

// stripWriter removes ANSI styling and control sequences so the log can be
// rendered as plain text. A sequence split across two writes is held back
// until its terminator arrives, and so is a UTF-8 character cut in half: its
// continuation bytes would otherwise read as C1 controls. Not safe for
// concurrent use; os/exec copies a shared stdout/stderr writer from a single
// goroutine.
type stripWriter struct {
	w       io.Writer
	pending []byte
}

func newStripWriter(w io.Writer) *stripWriter {
	return &stripWriter{w: w}
}

func (s *stripWriter) Write(p []byte) (int, error) {
	buf := append(s.pending, p...)
	cut := incompleteEscape(buf)
	cut = incompleteRune(buf[:cut])
	s.pending = append([]byte(nil), buf[cut:]...)
	if cut == 0 {
		return len(p), nil
	}
	if _, err := io.WriteString(s.w, ansi.Strip(string(buf[:cut]))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush writes whatever is held back.
func (s *stripWriter) Flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	_, err := io.WriteString(s.w, ansi.Strip(string(s.pending)))
	s.pending = nil
	return err
}

// incompleteEscape returns the index where an unterminated escape sequence
// starts, or len(b) if b ends with complete text.
func incompleteEscape(b []byte) int {
	start := max(0, len(b)-maxEscape)
	i := -1
	for j := len(b) - 1; j >= start; j-- {
		if b[j] == esc {
			i = j
			break
		}
	}
	if i < 0 {
		return len(b)
	}
	if i == len(b)-1 {
		return i
	}
	tail := b[i+2:]
	switch b[i+1] {
	case '[':
		for _, c := range tail {
			if c >= 0x40 && c <= 0x7e {
				return len(b)
			}
		}
		return i
	case ']', 'P', '_', '^', 'X':
		for _, c := range tail {
			if c == 0x07 {
				return len(b)
			}
		}
		return i
	case '(', ')', '*', '+':
		if len(tail) == 0 {
			return i
		}
	}
	return len(b)
}

// incompleteRune returns the index where a truncated UTF-8 sequence at the
// end of b starts, or len(b).
func incompleteRune(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		c := b[i]
		if c < utf8.RuneSelf {
			return len(b)
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
