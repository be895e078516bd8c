package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func ParseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return StreamInstant, nil
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (expected instant, smooth or quiet)", s)
	}
}

// StreamWriter writes generated text to a terminal. Smooth mode batches
// small deltas and flushes them on a timer; quiet mode prints everything at
// the end.
type StreamWriter struct {
	mode   StreamMode
	buffer *bufio.Writer
	raw    bool

	mu            sync.Mutex
	batch         strings.Builder
	lastFlush     time.Time
	flushInterval time.Duration
	batchSize     int

	accumulator strings.Builder
	stop        chan struct{}
	stopped     sync.WaitGroup
}

func NewStreamWriter(out io.Writer, mode StreamMode, raw bool) *StreamWriter {
	w := &StreamWriter{
		mode:          mode,
		buffer:        bufio.NewWriterSize(out, 4096),
		raw:           raw,
		flushInterval: 50 * time.Millisecond,
		batchSize:     5,
		lastFlush:     time.Now(),
		stop:          make(chan struct{}),
	}
	if mode == StreamSmooth {
		w.stopped.Add(1)
		go w.backgroundFlusher()
	}
	return w
}

// Write handles one decoded delta.
func (w *StreamWriter) Write(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accumulator.WriteString(text)
	switch w.mode {
	case StreamQuiet:
	case StreamSmooth:
		w.batch.WriteString(text)
		words := strings.Count(w.batch.String(), " ") + 1
		if words >= w.batchSize || time.Since(w.lastFlush) >= w.flushInterval {
			w.flushBatch()
		}
	default:
		w.emit(text)
		_ = w.buffer.Flush()
	}
}

// Flush writes anything pending and returns the full text so far.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.mode {
	case StreamQuiet:
		w.emit(w.accumulator.String())
	case StreamSmooth:
		w.flushBatch()
	}
	_ = w.buffer.Flush()
	return w.accumulator.String()
}

// Close stops the background flusher and writes anything pending.
func (w *StreamWriter) Close() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
	}
	w.stopped.Wait()
	w.mu.Lock()
	if w.mode == StreamSmooth {
		w.flushBatch()
	}
	_ = w.buffer.Flush()
	w.mu.Unlock()
}

func (w *StreamWriter) emit(text string) {
	if w.raw {
		text = escapeRawOutput(text)
	}
	_, _ = w.buffer.WriteString(text)
}

// flushBatch must be called with mu held.
func (w *StreamWriter) flushBatch() {
	if w.batch.Len() == 0 {
		return
	}
	w.emit(w.batch.String())
	_ = w.buffer.Flush()
	w.batch.Reset()
	w.lastFlush = time.Now()
}

func (w *StreamWriter) backgroundFlusher() {
	defer w.stopped.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			if time.Since(w.lastFlush) >= w.flushInterval {
				w.flushBatch()
			}
			w.mu.Unlock()
		}
	}
}

func escapeRawOutput(s string) string {
	var b strings.Builder
	for _, r := range s {
		b.WriteString(escapeRawOutputRune(r))
	}
	return b.String()
}

func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
