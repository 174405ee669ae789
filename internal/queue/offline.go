package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vantahealth/fhirsync/internal/store"
)

// LocalIDPrefix marks placeholder ids assigned to resources created while
// offline. The server-assigned id replaces them on successful sync.
const LocalIDPrefix = "local-"

// CreateOffline writes a new resource locally with OFFLINE status and
// enqueues the create. When id is empty a local placeholder id is
// generated. Both effects are covered by one journal entry so a crash
// between them is repaired by Recover.
func (q *Queue) CreateOffline(ctx context.Context, resourceType, id string, body json.RawMessage, patientRef string) (*store.Resource, error) {
	if id == "" {
		id = LocalIDPrefix + uuid.New().String()
	}

	res := &store.Resource{
		ID:           id,
		ResourceType: resourceType,
		Meta:         store.LocalMeta{SyncStatus: store.StatusOffline},
		Body:         body,
		PatientRef:   patientRef,
		UpdatedAt:    q.clock(),
	}
	it := newItem(q.clock(), resourceType, ActionCreate, id, body)
	if err := q.applyOffline(ctx, res, it); err != nil {
		return nil, err
	}
	return res, nil
}

// UpdateOffline merges an edit into an existing local resource and
// enqueues the update. A missing resource is a no-op with a warning, and
// the second return value reports whether anything happened.
func (q *Queue) UpdateOffline(ctx context.Context, resourceType, id string, body json.RawMessage) (bool, error) {
	existing, err := q.store.GetResource(ctx, resourceType, id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		slog.Warn("offline update of unknown resource, skipping", "type", resourceType, "id", id)
		return false, nil
	}

	existing.Body = body
	existing.Meta = store.LocalMeta{SyncStatus: store.StatusOffline}
	existing.UpdatedAt = q.clock()

	it := newItem(q.clock(), resourceType, ActionUpdate, id, body)
	if err := q.applyOffline(ctx, existing, it); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteOffline tombstones an existing local resource and enqueues the
// delete. The row is only physically removed after the remote delete is
// confirmed. A missing resource is a no-op with a warning.
func (q *Queue) DeleteOffline(ctx context.Context, resourceType, id string) (bool, error) {
	existing, err := q.store.GetResource(ctx, resourceType, id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		slog.Warn("offline delete of unknown resource, skipping", "type", resourceType, "id", id)
		return false, nil
	}

	existing.Deleted = true
	existing.Meta = store.LocalMeta{SyncStatus: store.StatusOffline}
	existing.UpdatedAt = q.clock()

	it := newItem(q.clock(), resourceType, ActionDelete, id, nil)
	if err := q.applyOffline(ctx, existing, it); err != nil {
		return false, err
	}
	return true, nil
}

// applyOffline performs the local-write + enqueue pair under one journal
// entry: append first, commit only once both effects and the queue
// persistence have succeeded.
func (q *Queue) applyOffline(ctx context.Context, res *store.Resource, it Item) error {
	var seq int64
	if q.journal != nil {
		var err error
		seq, err = q.journal.Append(Entry{Resource: res, Item: it})
		if err != nil {
			return fmt.Errorf("failed to journal offline write: %w", err)
		}
	}

	if _, err := q.store.SaveResource(ctx, res); err != nil {
		return fmt.Errorf("failed to save offline resource: %w", err)
	}

	q.mu.Lock()
	q.items = append(q.items, it)
	persistErr := q.persistLocked()
	q.mu.Unlock()
	if persistErr != nil {
		// Leave the journal entry pending: Recover will re-enqueue.
		return fmt.Errorf("failed to persist queue: %w", persistErr)
	}

	if q.journal != nil {
		q.journal.Commit(seq)
	}
	slog.Debug("offline write recorded", "type", it.ResourceType, "action", it.Action, "id", it.ResourceID)
	return nil
}

func newItem(now time.Time, resourceType string, action Action, resourceID string, body json.RawMessage) Item {
	return Item{
		ID:           uuid.New().String(),
		ResourceType: resourceType,
		Action:       action,
		ResourceID:   resourceID,
		Body:         body,
		Timestamp:    now,
	}
}
