// Package backoff implements exponential backoff with jitter, shared by
// every reconnect loop in the runner (control connection, tunnel).
package backoff

import (
	"math/rand"
	"time"
)

// Config describes one backoff policy. The zero value is not usable —
// construct with New.
type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Factor     float64
	JitterFrac float64
}

// Default matches spec.md §4.1: initial 1000ms, cap 30000ms, factor 2.0,
// jitter enabled.
var Default = Config{
	Initial:    1 * time.Second,
	Max:        30 * time.Second,
	Factor:     2.0,
	JitterFrac: 0.2,
}

// Backoff tracks the current attempt for one reconnect sequence.
type Backoff struct {
	cfg     Config
	current time.Duration
}

// New creates a Backoff starting at cfg.Initial.
func New(cfg Config) *Backoff {
	return &Backoff{cfg: cfg, current: cfg.Initial}
}

// Reset returns the backoff to its initial duration. Call this after a
// connection has been up long enough to be considered a fresh session.
func (b *Backoff) Reset() {
	b.current = b.cfg.Initial
}

// Next returns the duration to wait before the next attempt (with jitter
// applied) and advances the internal state toward cfg.Max.
func (b *Backoff) Next() time.Duration {
	d := jitter(b.current, b.cfg.JitterFrac)
	next := time.Duration(float64(b.current) * b.cfg.Factor)
	if next > b.cfg.Max {
		next = b.cfg.Max
	}
	b.current = next
	return d
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}
