package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap/zapcore"
)

// RingBuffer is a bounded entry buffer implementing zapcore.WriteSyncer.
// When full, the oldest entry is dropped. Flush forwards buffered entries to
// the configured sink; if the sink fails, entries fall back to stderr with an
// error annotation so nothing is silently lost.
type RingBuffer struct {
	mu      sync.Mutex
	entries [][]byte
	head    int
	count   int
	sink    zapcore.WriteSyncer
	dropped int64
}

// NewRingBuffer creates a buffer holding up to size entries.
func NewRingBuffer(size int, sink zapcore.WriteSyncer) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{
		entries: make([][]byte, size),
		sink:    sink,
	}
}

// Write buffers one encoded log entry.
func (b *RingBuffer) Write(p []byte) (int, error) {
	entry := make([]byte, len(p))
	copy(entry, p)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == len(b.entries) {
		b.head = (b.head + 1) % len(b.entries)
		b.count--
		b.dropped++
	}
	b.entries[(b.head+b.count)%len(b.entries)] = entry
	b.count++
	return len(p), nil
}

// Sync is a no-op; forwarding happens in Flush.
func (b *RingBuffer) Sync() error {
	return nil
}

// Len returns the number of buffered entries.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns how many entries were evicted before being flushed.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Flush drains buffered entries to the sink. On sink failure the remaining
// entries are written to stderr and the sink error is returned.
func (b *RingBuffer) Flush() error {
	b.mu.Lock()
	drained := make([][]byte, 0, b.count)
	for i := 0; i < b.count; i++ {
		drained = append(drained, b.entries[(b.head+i)%len(b.entries)])
	}
	b.head = 0
	b.count = 0
	b.mu.Unlock()

	for i, entry := range drained {
		if _, err := b.sink.Write(entry); err != nil {
			fmt.Fprintf(os.Stderr, "log sink failed (%v); falling back to stderr\n", err)
			for _, remaining := range drained[i:] {
				os.Stderr.Write(remaining)
			}
			return err
		}
	}
	return b.sink.Sync()
}
