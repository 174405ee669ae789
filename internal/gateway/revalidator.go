package gateway

import (
	"net/http"
	"sync"
	"time"
)

// revalidator coalesces background refreshes per URL: rapid repeat hits on
// a cached entry schedule one network revalidation, not one per hit.
type revalidator struct {
	delay  time.Duration
	run    func(target string, header http.Header)
	mu     sync.Mutex
	timers map[string]*time.Timer
	stopped bool
}

func newRevalidator(delay time.Duration, run func(target string, header http.Header)) *revalidator {
	return &revalidator{
		delay:  delay,
		run:    run,
		timers: make(map[string]*time.Timer),
	}
}

// Trigger schedules a revalidation of target. A trigger for a URL that is
// already scheduled is absorbed.
func (rv *revalidator) Trigger(target string, header http.Header) {
	rv.mu.Lock()
	defer rv.mu.Unlock()

	if rv.stopped {
		return
	}
	if _, exists := rv.timers[target]; exists {
		return
	}

	h := header.Clone()
	rv.timers[target] = time.AfterFunc(rv.delay, func() {
		rv.mu.Lock()
		delete(rv.timers, target)
		stopped := rv.stopped
		rv.mu.Unlock()
		if !stopped {
			rv.run(target, h)
		}
	})
}

// PendingCount returns the number of scheduled revalidations.
func (rv *revalidator) PendingCount() int {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return len(rv.timers)
}

// Stop cancels all scheduled revalidations.
func (rv *revalidator) Stop() {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	rv.stopped = true
	for target, timer := range rv.timers {
		timer.Stop()
		delete(rv.timers, target)
	}
}
