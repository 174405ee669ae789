package store

import (
	"encoding/json"
	"errors"
	"time"
)

// SyncStatus marks whether a resource reflects server-confirmed state or a
// local write that still has a pending queue item.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusOffline SyncStatus = "offline"
)

// LocalMeta is owned exclusively by the sync layer. UI code never writes it.
type LocalMeta struct {
	SyncStatus SyncStatus `json:"syncStatus"`
	LastSynced *time.Time `json:"lastSynced,omitempty"`
}

// Resource is a locally cached domain entity. Body carries the opaque FHIR
// payload; the envelope fields are what the sync core operates on.
type Resource struct {
	ID           string          `json:"id"`
	ResourceType string          `json:"resourceType"`
	Deleted      bool            `json:"deleted,omitempty"`
	Meta         LocalMeta       `json:"localMeta"`
	Body         json.RawMessage `json:"body"`
	PatientRef   string          `json:"patientRef,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// QueryMetadata records the freshness of a batch fetch for one resource
// type + query combination.
type QueryMetadata struct {
	ResourceType string     `json:"resourceType"`
	Query        string     `json:"query,omitempty"`
	LastUpdated  time.Time  `json:"lastUpdated"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Count        int        `json:"count,omitempty"`
}

var (
	// ErrStorageUnavailable means the underlying engine could not be opened.
	// Callers must treat this as "offline capabilities disabled", not fatal.
	ErrStorageUnavailable = errors.New("store: storage unavailable")

	// ErrInvalidResource is returned when a resource is missing its id.
	ErrInvalidResource = errors.New("store: invalid resource")
)

// DefaultMaxAge is the staleness policy applied when a caller does not
// supply its own max age.
const DefaultMaxAge = time.Hour

// IsDataStale reports whether data fetched at lastUpdated is older than
// maxAge. A non-positive maxAge falls back to DefaultMaxAge.
func IsDataStale(lastUpdated time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return time.Now().After(lastUpdated.Add(maxAge))
}
