package master

import (
	"strings"
	"unicode/utf8"
)

// textStream turns a growing id sequence into text deltas. Byte-level BPE can
// split a multi-byte rune across tokens, so a trailing incomplete rune is
// held back until the token that completes it arrives.
type textStream struct {
	decode func([]int) (string, error)
	ids    []int
	text   string
}

func (s *textStream) push(id int) (string, error) {
	s.ids = append(s.ids, id)
	full, err := s.decode(s.ids)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(full, s.text) {
		// The decoder rewrote earlier text; resynchronize without emitting.
		s.text = full
		return "", nil
	}
	pending := full[len(s.text):]
	if r, size := utf8.DecodeLastRuneInString(pending); r == utf8.RuneError && size <= 1 && pending != "" {
		if !utf8.FullRuneInString(pending[lastStart(pending):]) {
			return "", nil
		}
	}
	s.text = full
	return pending, nil
}

// flush returns whatever is still held back.
func (s *textStream) flush() string {
	full, err := s.decode(s.ids)
	if err != nil || !strings.HasPrefix(full, s.text) {
		return ""
	}
	rest := full[len(s.text):]
	s.text = full
	return rest
}

// lastStart finds the start byte of the final, possibly incomplete, rune.
func lastStart(s string) int {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			return i
		}
	}
	return len(s) - 1
}
