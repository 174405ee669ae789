// Package queue holds the durable offline mutation queue: an ordered list
// of pending creates, updates, and deletes that is drained against the
// remote endpoint once connectivity returns. Items are retried across
// drains and discarded after MaxRetries failures.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vantahealth/fhirsync/internal/cache"
	"github.com/vantahealth/fhirsync/internal/store"
)

// Action discriminates the mutation union carried by a queue item.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// MaxRetries is the discard threshold: an item that has failed this many
// processing attempts is dropped and tallied as failed, never retried.
const MaxRetries = 5

const (
	keyQueue    = "sync:queue"
	keyLastSync = "sync:lastSyncTime"
)

// Item is one pending mutation. Body is the opaque resource payload;
// ResourceType+Action+ResourceID are the typed envelope the processor
// dispatches on.
type Item struct {
	ID           string          `json:"id"`
	ResourceType string          `json:"resourceType"`
	Action       Action          `json:"action"`
	ResourceID   string          `json:"resourceId"`
	Body         json.RawMessage `json:"body,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	RetryCount   int             `json:"retryCount"`
}

// Validate checks the envelope before an item is processed.
func (it Item) Validate() error {
	switch it.Action {
	case ActionCreate:
		if len(it.Body) == 0 {
			return fmt.Errorf("queue: create item %s has no body", it.ID)
		}
	case ActionUpdate:
		if it.ResourceID == "" || len(it.Body) == 0 {
			return fmt.Errorf("queue: update item %s missing resource id or body", it.ID)
		}
	case ActionDelete:
		if it.ResourceID == "" {
			return fmt.Errorf("queue: delete item %s missing resource id", it.ID)
		}
	default:
		return fmt.Errorf("queue: item %s has unknown action %q", it.ID, it.Action)
	}
	if it.ResourceType == "" {
		return fmt.Errorf("queue: item %s missing resource type", it.ID)
	}
	return nil
}

// Result aggregates one processing pass. These counts are the only error
// surface the UI ever sees for queued mutations.
type Result struct {
	Success int
	Failed  int
}

// ProcessFunc handles one item against the remote endpoint. A nil return
// removes the item; an error increments its retry count.
type ProcessFunc func(context.Context, Item) error

// Queue is the durable mutation queue. The complete item list is persisted
// to the cache as one value after every mutation and every drain pass.
type Queue struct {
	cache   *cache.Cache
	store   *store.Store
	journal *Journal

	mu    sync.Mutex
	items []Item

	// drainMu serializes Process: a TryLock miss means a drain is already
	// running and the call is a no-op.
	drainMu sync.Mutex

	clock func() time.Time
}

// New loads the persisted queue from the cache. Call Recover afterwards to
// replay any interrupted offline writes from the journal.
func New(c *cache.Cache, st *store.Store, j *Journal) *Queue {
	q := &Queue{cache: c, store: st, journal: j, clock: time.Now}
	var items []Item
	if c.Get(keyQueue, &items) {
		q.items = items
	}
	return q
}

// Recover replays journal entries whose local effects may not have
// completed: the resource snapshot is re-saved and the item re-enqueued,
// both idempotently. This restores the invariant that a resource is
// OFFLINE exactly when a queue item references it.
func (q *Queue) Recover(ctx context.Context) error {
	if q.journal == nil {
		return nil
	}
	return q.journal.Replay(func(e Entry) error {
		if e.Resource != nil {
			if _, err := q.store.SaveResource(ctx, e.Resource); err != nil {
				return err
			}
		}
		q.mu.Lock()
		defer q.mu.Unlock()
		for _, it := range q.items {
			if it.ID == e.Item.ID {
				return nil // already enqueued before the crash
			}
		}
		q.items = append(q.items, e.Item)
		return q.persistLocked()
	})
}

// Enqueue appends a mutation with a fresh id and the current timestamp.
// It always succeeds locally: offline writes are non-blocking by design,
// so a failed persistence is logged, not returned.
func (q *Queue) Enqueue(resourceType string, action Action, resourceID string, body json.RawMessage) Item {
	it := Item{
		ID:           uuid.New().String(),
		ResourceType: resourceType,
		Action:       action,
		ResourceID:   resourceID,
		Body:         body,
		Timestamp:    q.clock(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
	if err := q.persistLocked(); err != nil {
		slog.Warn("queue not persisted after enqueue", "item", it.ID, "error", err)
	}
	slog.Debug("queued for sync", "item", it.ID, "type", resourceType, "action", action)
	return it
}

// Pending returns the number of items awaiting sync.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HasPending reports whether anything is awaiting sync.
func (q *Queue) HasPending() bool {
	return q.Pending() > 0
}

// Items returns a copy of the queue in processing order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	sortItems(out)
	return out
}

// LastSyncTime returns when a drain pass last completed, zero if never.
func (q *Queue) LastSyncTime() time.Time {
	var t time.Time
	q.cache.Get(keyLastSync, &t)
	return t
}

// Process drains the queue with fn, oldest item first. At most one drain
// runs at a time: a concurrent call returns zero counts immediately.
// Items enqueued while a drain is running are picked up by the next
// invocation, not this one. The remaining queue is persisted in one write
// after the pass; if that write fails the drain must not be considered
// committed and the error is returned alongside the counts.
func (q *Queue) Process(ctx context.Context, fn ProcessFunc) (Result, error) {
	if !q.drainMu.TryLock() {
		slog.Debug("sync already in progress, skipping")
		return Result{}, nil
	}
	defer q.drainMu.Unlock()

	q.mu.Lock()
	pending := make([]Item, len(q.items))
	copy(pending, q.items)
	q.mu.Unlock()

	sortItems(pending)

	var (
		res       Result
		remaining []Item
	)
	for _, it := range pending {
		err := it.Validate()
		if err == nil {
			err = fn(ctx, it)
		}
		if err == nil {
			res.Success++
			continue
		}

		it.RetryCount++
		if it.RetryCount >= MaxRetries {
			res.Failed++
			slog.Warn("sync item discarded after max retries",
				"item", it.ID, "type", it.ResourceType, "action", it.Action, "error", err)
			continue
		}
		slog.Debug("sync item failed, will retry",
			"item", it.ID, "retry", it.RetryCount, "error", err)
		remaining = append(remaining, it)
	}

	q.mu.Lock()
	// Keep items enqueued mid-drain for the next pass.
	for _, it := range q.items {
		if !containsItem(pending, it.ID) {
			remaining = append(remaining, it)
		}
	}
	q.items = remaining
	persistErr := q.persistLocked()
	q.mu.Unlock()

	// Bookkeeping happens regardless of per-item outcome.
	q.cache.Save(keyLastSync, q.clock(), 0)

	if persistErr != nil {
		return res, fmt.Errorf("queue state not persisted, drain not committed: %w", persistErr)
	}
	slog.Info("sync pass complete", "success", res.Success, "failed", res.Failed, "pending", len(remaining))
	return res, nil
}

// persistLocked writes the complete queue back in one checked write.
// Callers hold q.mu.
func (q *Queue) persistLocked() error {
	return q.cache.Put(keyQueue, q.items, 0)
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].ID < items[j].ID
		}
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
}

func containsItem(items []Item, id string) bool {
	for _, it := range items {
		if it.ID == id {
			return true
		}
	}
	return false
}
