// Package syncer bridges connectivity transitions to queue draining and
// remote reconciliation. It owns the processFn that replays queued
// mutations against the FHIR endpoint and folds server-confirmed state
// back into the durable store.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/vantahealth/fhirsync/internal/cache"
	"github.com/vantahealth/fhirsync/internal/fhir"
	"github.com/vantahealth/fhirsync/internal/metrics"
	"github.com/vantahealth/fhirsync/internal/netmon"
	"github.com/vantahealth/fhirsync/internal/queue"
	"github.com/vantahealth/fhirsync/internal/store"
)

const syncTimePrefix = "synctime"

// RemoteClient is the slice of the FHIR client the orchestrator needs.
type RemoteClient interface {
	Create(ctx context.Context, resourceType string, body json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, resourceType, id string, body json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, resourceType, id string) error
	Search(ctx context.Context, resourceType string, params url.Values) ([]json.RawMessage, error)
}

// Orchestrator coordinates queue drains with connectivity.
type Orchestrator struct {
	queue   *queue.Queue
	store   *store.Store
	cache   *cache.Cache
	client  RemoteClient
	monitor *netmon.Monitor
	metrics *metrics.Metrics

	mu     sync.Mutex
	maxAge time.Duration

	syncReq chan struct{}
}

// New wires an orchestrator. metrics may be nil.
func New(q *queue.Queue, st *store.Store, c *cache.Cache, client RemoteClient, mon *netmon.Monitor, m *metrics.Metrics, maxAge time.Duration) *Orchestrator {
	if maxAge <= 0 {
		maxAge = store.DefaultMaxAge
	}
	return &Orchestrator{
		queue:   q,
		store:   st,
		cache:   c,
		client:  client,
		monitor: mon,
		metrics: m,
		maxAge:  maxAge,
		syncReq: make(chan struct{}, 1),
	}
}

// SetMaxAge swaps the staleness policy, e.g. after a config reload.
func (o *Orchestrator) SetMaxAge(maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = store.DefaultMaxAge
	}
	o.mu.Lock()
	o.maxAge = maxAge
	o.mu.Unlock()
}

func (o *Orchestrator) staleness() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxAge
}

// RequestSync asks for a drain outside the normal online transition, e.g.
// relayed from the control channel. Coalesces when one is already queued.
func (o *Orchestrator) RequestSync() {
	select {
	case o.syncReq <- struct{}{}:
	default:
	}
}

// Run reacts to connectivity transitions until ctx is done. A drain is
// triggered on every online-after-offline transition; if one is already
// mid-flight the trigger is a harmless no-op, and anything enqueued
// meanwhile waits for the next trigger.
func (o *Orchestrator) Run(ctx context.Context) {
	transitions := o.monitor.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-transitions:
			o.observeOnline(snap.Online)
			if snap.Online && snap.WasOffline {
				o.drain(ctx)
				o.monitor.ResetWasOffline()
			}
		case <-o.syncReq:
			if o.monitor.Snapshot().Online {
				o.drain(ctx)
			}
		}
	}
}

func (o *Orchestrator) drain(ctx context.Context) {
	res, err := o.SyncNow(ctx)
	if err != nil {
		slog.Error("sync drain failed", "error", err)
		return
	}
	if res.Success > 0 || res.Failed > 0 {
		slog.Info("sync drain finished", "success", res.Success, "failed", res.Failed)
	}
}

// SyncNow drains the queue once. Concurrent calls fall out of the queue's
// mutual exclusion as immediate zero-count results.
func (o *Orchestrator) SyncNow(ctx context.Context) (queue.Result, error) {
	res, err := o.queue.Process(ctx, o.processItem)

	if o.metrics != nil {
		o.metrics.QueueDepth.Set(float64(o.queue.Pending()))
		o.metrics.SyncItemsTotal.WithLabelValues("success").Add(float64(res.Success))
		o.metrics.SyncItemsTotal.WithLabelValues("discarded").Add(float64(res.Failed))
		if err != nil {
			o.metrics.SyncPassTotal.WithLabelValues("persist_error").Inc()
		} else {
			o.metrics.SyncPassTotal.WithLabelValues("ok").Inc()
		}
	}
	return res, err
}

// processItem replays one queued mutation remotely. Network errors return
// to the queue for retry bookkeeping; they never propagate further up.
func (o *Orchestrator) processItem(ctx context.Context, it queue.Item) error {
	switch it.Action {
	case queue.ActionCreate:
		confirmed, err := o.client.Create(ctx, it.ResourceType, it.Body)
		if err != nil {
			return err
		}
		return o.confirmWrite(ctx, it, confirmed)

	case queue.ActionUpdate:
		confirmed, err := o.client.Update(ctx, it.ResourceType, it.ResourceID, it.Body)
		if err != nil {
			return err
		}
		return o.confirmWrite(ctx, it, confirmed)

	case queue.ActionDelete:
		if err := o.client.Delete(ctx, it.ResourceType, it.ResourceID); err != nil {
			return err
		}
		// Confirmed remotely: the tombstone can finally go.
		return o.store.DeleteResource(ctx, it.ResourceType, it.ResourceID)

	default:
		return fmt.Errorf("syncer: unhandled action %q", it.Action)
	}
}

// confirmWrite folds the server-confirmed body into the store as SYNCED.
// A server-assigned id replaces the local placeholder row.
func (o *Orchestrator) confirmWrite(ctx context.Context, it queue.Item, confirmed json.RawMessage) error {
	local, err := o.store.GetResource(ctx, it.ResourceType, it.ResourceID)
	if err != nil {
		return err
	}

	id := fhir.ResourceID(confirmed)
	if id == "" {
		id = it.ResourceID
	}
	if id != it.ResourceID {
		if err := o.store.DeleteResource(ctx, it.ResourceType, it.ResourceID); err != nil {
			return err
		}
		slog.Debug("server assigned id", "type", it.ResourceType, "local", it.ResourceID, "server", id)
	}

	now := time.Now()
	res := &store.Resource{
		ID:           id,
		ResourceType: it.ResourceType,
		Meta:         store.LocalMeta{SyncStatus: store.StatusSynced, LastSynced: &now},
		Body:         confirmed,
		UpdatedAt:    now,
	}
	if local != nil {
		res.PatientRef = local.PatientRef
	}
	if _, err := o.store.SaveResource(ctx, res); err != nil {
		return err
	}
	o.SetResourceSyncTimestamp(it.ResourceType)
	return nil
}

// SetResourceSyncTimestamp records when a resource type last synced.
func (o *Orchestrator) SetResourceSyncTimestamp(resourceType string) {
	o.cache.SaveNamespaced(syncTimePrefix, resourceType, time.Now(), 0)
}

// GetResourceSyncTimestamp returns the last sync time of a resource type,
// zero when it never synced.
func (o *Orchestrator) GetResourceSyncTimestamp(resourceType string) time.Time {
	var t time.Time
	o.cache.GetNamespaced(syncTimePrefix, resourceType, &t)
	return t
}

// SyncTimestamps returns the last sync time of every resource type that
// has ever synced.
func (o *Orchestrator) SyncTimestamps() map[string]time.Time {
	out := make(map[string]time.Time)
	for resourceType, raw := range o.cache.AllByPrefix(syncTimePrefix) {
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		out[resourceType] = t
	}
	return out
}

// RefreshResourceType re-fetches a resource type in bulk when its recorded
// freshness has lapsed, writing every result as SYNCED and updating the
// query metadata. Returns how many resources were stored; -1 with nil
// error means the data was still fresh.
func (o *Orchestrator) RefreshResourceType(ctx context.Context, resourceType string, params url.Values) (int, error) {
	q := params.Encode()
	meta, err := o.store.GetQueryMetadata(ctx, resourceType, q)
	if err != nil {
		return 0, err
	}
	if meta != nil && !store.IsDataStale(meta.LastUpdated, o.staleness()) {
		return -1, nil
	}

	results, err := o.client.Search(ctx, resourceType, params)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh %s: %w", resourceType, err)
	}

	now := time.Now()
	saved := 0
	for _, body := range results {
		id := fhir.ResourceID(body)
		if id == "" {
			slog.Warn("search result without id, skipping", "type", resourceType)
			continue
		}
		res := &store.Resource{
			ID:           id,
			ResourceType: resourceType,
			Meta:         store.LocalMeta{SyncStatus: store.StatusSynced, LastSynced: &now},
			Body:         body,
			UpdatedAt:    now,
		}
		if _, err := o.store.SaveResource(ctx, res); err != nil {
			return saved, err
		}
		saved++
	}

	expires := now.Add(o.staleness())
	err = o.store.SetQueryMetadata(ctx, &store.QueryMetadata{
		ResourceType: resourceType,
		Query:        q,
		LastUpdated:  now,
		ExpiresAt:    &expires,
		Count:        saved,
	})
	if err != nil {
		return saved, err
	}
	o.SetResourceSyncTimestamp(resourceType)
	return saved, nil
}

// observeOnline mirrors connectivity into the metrics gauge.
func (o *Orchestrator) observeOnline(online bool) {
	if o.metrics == nil {
		return
	}
	if online {
		o.metrics.Online.Set(1)
	} else {
		o.metrics.Online.Set(0)
	}
}
