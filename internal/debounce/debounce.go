// Package debounce provides a reusable per-key debouncer.
//
// Bursts of triggers for the same key collapse into a single callback
// after a quiet interval: each new trigger cancels the pending timer for
// that key and schedules a fresh one. Keys are independent, so a noisy
// key never delays callbacks for other keys.
package debounce

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid triggers per key into one delayed callback.
type Debouncer struct {
	interval time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates a debouncer with the given quiet interval.
func New(interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		timers:   make(map[string]*time.Timer),
	}
}

// Trigger schedules fn to run after the quiet interval. A pending timer
// for the same key is cancelled and superseded, so only the last fn
// scheduled within a burst runs.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if timer, ok := d.timers[key]; ok {
		timer.Stop()
	}

	d.timers[key] = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		delete(d.timers, key)
		closed := d.closed
		d.mu.Unlock()

		if !closed {
			fn()
		}
	})
}

// Cancel drops any pending callback for the key.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, ok := d.timers[key]; ok {
		timer.Stop()
		delete(d.timers, key)
	}
}

// Stop cancels all pending callbacks and rejects future triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
}

// PendingCount returns the number of keys with a scheduled callback.
// Exposed for status reporting only.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
