package executor

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

const maxCaptureBytes = 4 << 20

// cappedBuffer collects combined stdout and stderr up to a byte limit.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.dropped += len(p)
	case len(p) > room:
		b.buf.Write(p[:room])
		b.dropped += len(p) - room
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dropped == 0 {
		return b.buf.String()
	}
	return b.buf.String() + fmt.Sprintf("\n... (%d bytes dropped)", b.dropped)
}

// Truncate keeps the first maxLines lines of s and appends a marker naming
// how many were cut. maxLines <= 0 disables truncation.
func Truncate(s string, maxLines int) (string, bool) {
	if maxLines <= 0 {
		return s, false
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s, false
	}
	return strings.Join(lines[:maxLines], "\n") + fmt.Sprintf("\n\n... (%d more lines)", len(lines)-maxLines), true
}
