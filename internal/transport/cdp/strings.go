package cdp

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/JakeFAU/netcollector/internal/longstring"
)

// ErrUnknownHandle is returned for remainder fetches of a handle this target
// never issued or already served in full.
var ErrUnknownHandle = errors.New("unknown long string handle")

// stringStore keeps the text behind issued long-string handles until its
// remainder has been served.
type stringStore struct {
	initial int

	mu   sync.Mutex
	next uint64
	text map[string]string
}

func newStringStore(initial int) *stringStore {
	return &stringStore{initial: initial, text: make(map[string]string)}
}

// handle returns text inline when it fits, otherwise a handle carrying the
// first initial bytes cut back to a rune boundary.
func (s *stringStore) handle(text string) longstring.Handle {
	if s.initial <= 0 || len(text) <= s.initial {
		return longstring.Inline(text)
	}
	cut := s.initial
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("str-%d", s.next)
	s.text[id] = text
	return longstring.Handle{ID: id, Initial: text[:cut], Length: len(text)}
}

// remainder serves length bytes from offset. A read that reaches the end
// releases the stored text.
func (s *stringStore) remainder(id string, offset, length int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full, ok := s.text[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	if offset < 0 || length < 0 || offset > len(full) {
		return "", fmt.Errorf("long string %s: range [%d,+%d) out of bounds", id, offset, length)
	}
	end := min(offset+length, len(full))
	if end == len(full) {
		delete(s.text, id)
	}
	return full[offset:end], nil
}

// reset drops every stored text, including handles whose remainder was never
// asked for, and returns how many were dropped.
func (s *stringStore) reset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.text)
	s.text = make(map[string]string)
	return n
}

func (s *stringStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.text)
}
