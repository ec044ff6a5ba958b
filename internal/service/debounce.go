package service

import (
	"sync"
	"time"
)

// Debouncer runs a function once per key after triggers for that key stop
// arriving for the given delay. Keys are independent.
type Debouncer struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewDebouncer() *Debouncer {
	return &Debouncer{timers: make(map[string]*time.Timer)}
}

// Trigger schedules fn for key, cancelling any run already pending for it.
func (d *Debouncer) Trigger(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if prev, ok := d.timers[key]; ok {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.timers[key] != t {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
	d.timers[key] = t
}

func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(d.timers, key)
	return true
}

func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels every pending run and rejects new triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}
