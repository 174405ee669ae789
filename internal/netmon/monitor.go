// Package netmon observes connectivity. It keeps the current and previous
// online state, probes a remote endpoint with a bounded timeout, and fans
// transition snapshots out to subscribers.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Snapshot is the connectivity state handed to consumers. WasOffline is a
// one-shot flag: true only while the current online state followed an
// offline period, cleared by ResetWasOffline once the consumer has reacted.
type Snapshot struct {
	Online        bool
	WasOffline    bool
	LastOnlineAt  time.Time
	LastOfflineAt time.Time
}

// Monitor tracks online/offline transitions.
type Monitor struct {
	probeURL     string
	probeTimeout time.Duration
	interval     time.Duration
	client       *http.Client

	mu   sync.Mutex
	snap Snapshot
	subs []chan Snapshot

	clock func() time.Time
}

// New seeds the monitor with the given initial connectivity signal.
func New(probeURL string, probeTimeout, interval time.Duration, initialOnline bool) *Monitor {
	m := &Monitor{
		probeURL:     probeURL,
		probeTimeout: probeTimeout,
		interval:     interval,
		client:       &http.Client{},
		clock:        time.Now,
	}
	m.snap.Online = initialOnline
	now := m.clock()
	if initialOnline {
		m.snap.LastOnlineAt = now
	} else {
		m.snap.LastOfflineAt = now
	}
	return m
}

// Snapshot returns the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Subscribe returns a channel that receives a snapshot on every
// transition. The channel is buffered; a slow consumer drops updates
// rather than blocking the monitor.
func (m *Monitor) Subscribe() <-chan Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Snapshot, 4)
	m.subs = append(m.subs, ch)
	return ch
}

// HandleTransition injects a connectivity signal, from the probe loop or
// relayed from an external source. Going online sets WasOffline only when
// the previous state was offline; going offline preserves WasOffline.
func (m *Monitor) HandleTransition(online bool) {
	m.mu.Lock()
	now := m.clock()
	changed := m.snap.Online != online
	if online {
		m.snap.WasOffline = !m.snap.Online || m.snap.WasOffline
		m.snap.Online = true
		m.snap.LastOnlineAt = now
	} else {
		m.snap.Online = false
		m.snap.LastOfflineAt = now
	}
	snap := m.snap
	subs := m.subs
	m.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("connectivity changed", "online", snap.Online)
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// ForceResync sets WasOffline without a state transition. Used when the
// platform claims connectivity but the endpoint is unreachable (captive
// portal, partial outage): a conservative signal to re-check sync state.
func (m *Monitor) ForceResync() {
	m.mu.Lock()
	m.snap.WasOffline = true
	m.mu.Unlock()
}

// ResetWasOffline clears the one-shot flag after the consumer reacted.
func (m *Monitor) ResetWasOffline() {
	m.mu.Lock()
	m.snap.WasOffline = false
	m.mu.Unlock()
}

// CheckEndpoint probes url with a hard timeout. Any failure, including the
// timeout itself, means unreachable; it never returns an error.
func (m *Monitor) CheckEndpoint(ctx context.Context, url string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		slog.Debug("endpoint unreachable", "url", url, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes the configured endpoint on a fixed interval and feeds the
// results into HandleTransition until ctx is done. A failed probe while
// nominally online additionally forces the resync flag.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reachable := m.CheckEndpoint(ctx, m.probeURL, m.probeTimeout)
			if !reachable && m.Snapshot().Online {
				m.ForceResync()
			}
			m.HandleTransition(reachable)
		}
	}
}
