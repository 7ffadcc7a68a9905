package worker

import (
	"strings"
	"time"
)

// Flush reasons, used as metric labels.
const (
	flushInterval  = "interval"
	flushBreakable = "breakable"
	flushFinal     = "final"
)

// isBreakable reports whether a fragment is a single sentence-ending
// character, after which output is sent without waiting for the interval.
func isBreakable(fragment string) bool {
	switch fragment {
	case ".", "!", "?", ";", "。", "！", "？", "；":
		return true
	}
	return false
}

// outputBuffer accumulates fragments between two output messages.
type outputBuffer struct {
	interval  time.Duration
	pending   []string
	count     int
	lastFlush time.Time
}

func newOutputBuffer(interval time.Duration, now time.Time) *outputBuffer {
	return &outputBuffer{interval: interval, lastFlush: now}
}

// add appends fragment. It returns the buffered text and the flush reason
// when the buffer is due, or ok=false otherwise.
func (b *outputBuffer) add(fragment string, now time.Time) (output, reason string, ok bool) {
	b.pending = append(b.pending, fragment)
	b.count++

	switch {
	case now.Sub(b.lastFlush) >= b.interval:
		reason = flushInterval
	case isBreakable(fragment):
		reason = flushBreakable
	default:
		return "", "", false
	}
	return b.take(now), reason, true
}

// take empties the buffer.
func (b *outputBuffer) take(now time.Time) string {
	out := strings.Join(b.pending, "")
	b.pending = b.pending[:0]
	b.lastFlush = now
	return out
}

// tokens is the number of fragments added so far.
func (b *outputBuffer) tokens() int { return b.count }
