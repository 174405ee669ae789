package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Secondary indexes available to QueryResources. Declared here and created
// by the migrations; the two must stay in step.
const (
	IndexUpdatedAt = "updated_at"
	IndexPatient   = "patient"
)

var declaredIndexes = map[string]string{
	IndexUpdatedAt: "updated_at",
	IndexPatient:   "patient_ref",
}

// QueryOptions selects resources through a pre-declared secondary index.
// Value is the index key for equality indexes and ignored for the
// updated_at ordering index. A zero Limit means no limit.
type QueryOptions struct {
	Index string
	Value string
	Limit int
}

// SaveResource upserts a resource into its type namespace and returns the
// id. A missing id is ErrInvalidResource. When the caller did not set local
// metadata the resource is recorded as synced-now; the sync layer overrides
// this explicitly for offline writes.
func (s *Store) SaveResource(ctx context.Context, res *Resource) (string, error) {
	if res.ID == "" {
		return "", fmt.Errorf("%w: missing id", ErrInvalidResource)
	}
	if res.ResourceType == "" {
		return "", fmt.Errorf("%w: missing resource type", ErrInvalidResource)
	}

	if res.Meta.SyncStatus == "" {
		now := time.Now()
		res.Meta.SyncStatus = StatusSynced
		res.Meta.LastSynced = &now
	}
	if res.UpdatedAt.IsZero() {
		res.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (
			resource_type, id, body, sync_status, last_synced,
			deleted, patient_ref, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_type, id) DO UPDATE SET
			body = excluded.body,
			sync_status = excluded.sync_status,
			last_synced = excluded.last_synced,
			deleted = excluded.deleted,
			patient_ref = excluded.patient_ref,
			updated_at = excluded.updated_at
	`,
		res.ResourceType, res.ID, []byte(res.Body), string(res.Meta.SyncStatus),
		timePtrToMillis(res.Meta.LastSynced), boolToInt(res.Deleted),
		res.PatientRef, res.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save resource: %w", err)
	}
	return res.ID, nil
}

// GetResource returns the resource or nil when absent.
func (s *Store) GetResource(ctx context.Context, resourceType, id string) (*Resource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT resource_type, id, body, sync_status, last_synced,
			deleted, patient_ref, updated_at
		FROM resources WHERE resource_type = ? AND id = ?
	`, resourceType, id)

	res, err := scanResource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return res, nil
}

// DeleteResource physically removes a resource row.
func (s *Store) DeleteResource(ctx context.Context, resourceType, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM resources WHERE resource_type = ? AND id = ?",
		resourceType, id)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	return nil
}

// GetAllResources returns every resource of a type, newest first.
func (s *Store) GetAllResources(ctx context.Context, resourceType string) ([]*Resource, error) {
	return s.QueryResources(ctx, resourceType, QueryOptions{Index: IndexUpdatedAt})
}

// QueryResources selects resources through a declared secondary index.
// Passing an undeclared index name is a programming error and panics.
func (s *Store) QueryResources(ctx context.Context, resourceType string, opts QueryOptions) ([]*Resource, error) {
	if opts.Index == "" {
		opts.Index = IndexUpdatedAt
	}
	column, ok := declaredIndexes[opts.Index]
	if !ok {
		panic(fmt.Sprintf("store: query against undeclared index %q", opts.Index))
	}

	query := `
		SELECT resource_type, id, body, sync_status, last_synced,
			deleted, patient_ref, updated_at
		FROM resources WHERE resource_type = ?`
	args := []any{resourceType}

	if opts.Index != IndexUpdatedAt {
		query += " AND " + column + " = ?"
		args = append(args, opts.Value)
	}
	query += " ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// GetOfflineResources returns all resources still marked offline, across
// every type. Used on startup to restore the pending-queue invariant.
func (s *Store) GetOfflineResources(ctx context.Context) ([]*Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_type, id, body, sync_status, last_synced,
			deleted, patient_ref, updated_at
		FROM resources WHERE sync_status = ?
	`, string(StatusOffline))
	if err != nil {
		return nil, fmt.Errorf("failed to query offline resources: %w", err)
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// SetQueryMetadata records freshness for a resource-type/query pair.
func (s *Store) SetQueryMetadata(ctx context.Context, meta *QueryMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (resource_type, query, last_updated, expires_at, result_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (resource_type, query) DO UPDATE SET
			last_updated = excluded.last_updated,
			expires_at = excluded.expires_at,
			result_count = excluded.result_count
	`,
		meta.ResourceType, meta.Query, meta.LastUpdated.UnixMilli(),
		timePtrToMillis(meta.ExpiresAt), meta.Count,
	)
	if err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

// GetQueryMetadata returns recorded freshness or nil when never fetched.
func (s *Store) GetQueryMetadata(ctx context.Context, resourceType, query string) (*QueryMetadata, error) {
	var (
		meta      = &QueryMetadata{}
		updated   int64
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT resource_type, query, last_updated, expires_at, result_count
		FROM sync_metadata WHERE resource_type = ? AND query = ?
	`, resourceType, query).Scan(
		&meta.ResourceType, &meta.Query, &updated, &expiresAt, &meta.Count,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}

	meta.LastUpdated = time.UnixMilli(updated)
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		meta.ExpiresAt = &t
	}
	return meta, nil
}

// ClearStore wipes one resource-type namespace and its metadata. Only used
// for an explicit user-triggered reset, never by the sync flow.
func (s *Store) ClearStore(ctx context.Context, resourceType string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM resources WHERE resource_type = ?", resourceType); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_metadata WHERE resource_type = ?", resourceType); err != nil {
		return fmt.Errorf("failed to clear metadata: %w", err)
	}
	return nil
}

// ClearAllStores wipes every namespace.
func (s *Store) ClearAllStores(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM resources"); err != nil {
		return fmt.Errorf("failed to clear stores: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_metadata"); err != nil {
		return fmt.Errorf("failed to clear metadata: %w", err)
	}
	return nil
}

// CountResources returns the number of resources of a type.
func (s *Store) CountResources(ctx context.Context, resourceType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM resources WHERE resource_type = ?", resourceType).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*Resource, error) {
	var (
		res        = &Resource{}
		body       []byte
		status     string
		lastSynced sql.NullInt64
		deleted    int
		updatedAt  int64
	)
	err := row.Scan(&res.ResourceType, &res.ID, &body, &status, &lastSynced,
		&deleted, &res.PatientRef, &updatedAt)
	if err != nil {
		return nil, err
	}

	res.Body = body
	res.Meta.SyncStatus = SyncStatus(status)
	if lastSynced.Valid {
		t := time.UnixMilli(lastSynced.Int64)
		res.Meta.LastSynced = &t
	}
	res.Deleted = deleted != 0
	res.UpdatedAt = time.UnixMilli(updatedAt)
	return res, nil
}

func timePtrToMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
