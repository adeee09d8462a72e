package core

import (
	"fmt"
	"sync"
	"unicode/utf8"
)

// cappedBuffer keeps the first limit bytes written to it and counts the rest.
// Writes never fail so the child is never blocked on a full pipe.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	dropped int64
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if b.limit <= 0 {
		room = len(p)
	}
	if room >= len(p) {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.dropped += int64(len(p) - max(room, 0))
	return len(p), nil
}

// Bytes returns the captured bytes. When truncated, a trailing partial UTF-8
// sequence cut by the limit is dropped.
func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf
	if b.dropped > 0 {
		for i := 0; i < utf8.UTFMax-1 && len(out) > 0 && !utf8.Valid(out); i++ {
			out = out[:len(out)-1]
		}
	}
	return append([]byte(nil), out...)
}

// Truncated reports how many bytes were discarded.
func (b *cappedBuffer) Truncated() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func truncationMarker(dropped int64) string {
	return fmt.Sprintf("\n... [output truncated, %d bytes dropped]\n", dropped)
}
