package executor

import (
	"sync"
	"unicode/utf8"
)

// cappedBuffer keeps the first limit characters written to it and discards
// the rest, so a chatty command cannot grow the agent's memory.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

// Write always reports the full length so the pipe keeps draining.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// utf8.UTFMax bytes per character is the most a limit-character prefix needs
	room := b.limit*utf8.UTFMax - len(b.buf)
	if room <= 0 {
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// String returns at most limit characters
func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return truncateChars(string(b.buf), b.limit)
}

func truncateChars(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
