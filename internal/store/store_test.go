package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func patientBody(id, name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"resourceType":"Patient","id":%q,"name":%q}`, id, name))
}

func TestInitIdempotent(t *testing.T) {
	s := New(t.TempDir())
	defer s.Close()

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init() error: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init() error: %v", err)
	}
	if !s.Ready() {
		t.Error("Ready() = false after Init")
	}
}

func TestInitConcurrent(t *testing.T) {
	s := New(t.TempDir())
	defer s.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Init(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Init() goroutine %d: %v", i, err)
		}
	}
	if _, err := s.SaveResource(ctx, &Resource{ID: "p1", ResourceType: "Patient", Body: patientBody("p1", "a")}); err != nil {
		t.Errorf("store unusable after concurrent Init: %v", err)
	}
}

func TestInitFailureWrapsStorageUnavailable(t *testing.T) {
	// A file where the data directory should be makes the engine unopenable.
	s := New("/dev/null/not-a-dir")
	err := s.Init(context.Background())
	if err == nil {
		t.Fatal("Init() succeeded against impossible path")
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Init() error = %v, want ErrStorageUnavailable", err)
	}
	if s.Ready() {
		t.Error("Ready() = true after failed Init")
	}
}

func TestSaveGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.SaveResource(ctx, &Resource{
		ID:           "p1",
		ResourceType: "Patient",
		Body:         patientBody("p1", "alice"),
		PatientRef:   "p1",
	})
	if err != nil {
		t.Fatalf("SaveResource() error: %v", err)
	}
	if id != "p1" {
		t.Errorf("SaveResource() id = %q", id)
	}

	got, err := s.GetResource(ctx, "Patient", "p1")
	if err != nil {
		t.Fatalf("GetResource() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetResource() = nil for stored resource")
	}
	if got.Meta.SyncStatus != StatusSynced {
		t.Errorf("default SyncStatus = %q, want synced", got.Meta.SyncStatus)
	}
	if got.Meta.LastSynced == nil {
		t.Error("default LastSynced not set")
	}

	if err := s.DeleteResource(ctx, "Patient", "p1"); err != nil {
		t.Fatalf("DeleteResource() error: %v", err)
	}
	got, err = s.GetResource(ctx, "Patient", "p1")
	if err != nil {
		t.Fatalf("GetResource() after delete: %v", err)
	}
	if got != nil {
		t.Error("resource survived delete")
	}
}

func TestGetAbsentResource(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetResource(context.Background(), "Patient", "nope")
	if err != nil {
		t.Fatalf("GetResource() error: %v", err)
	}
	if got != nil {
		t.Error("GetResource() non-nil for absent key")
	}
}

func TestSaveInvalidResource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveResource(ctx, &Resource{ResourceType: "Patient"}); !errors.Is(err, ErrInvalidResource) {
		t.Errorf("missing id: err = %v, want ErrInvalidResource", err)
	}
	if _, err := s.SaveResource(ctx, &Resource{ID: "p1"}); !errors.Is(err, ErrInvalidResource) {
		t.Errorf("missing type: err = %v, want ErrInvalidResource", err)
	}
}

func TestUpsertOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &Resource{ID: "p1", ResourceType: "Patient", Body: patientBody("p1", "alice")}
	if _, err := s.SaveResource(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &Resource{ID: "p1", ResourceType: "Patient", Body: patientBody("p1", "alicia")}
	if _, err := s.SaveResource(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetResource(ctx, "Patient", "p1")
	var body struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(got.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Name != "alicia" {
		t.Errorf("body.Name = %q after upsert", body.Name)
	}

	n, err := s.CountResources(ctx, "Patient")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountResources() = %d after upsert, want 1", n)
	}
}

func TestTypeNamespaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveResource(ctx, &Resource{ID: "x", ResourceType: "Patient", Body: patientBody("x", "a")})
	s.SaveResource(ctx, &Resource{ID: "x", ResourceType: "Observation", Body: json.RawMessage(`{"id":"x"}`)})

	patients, err := s.GetAllResources(ctx, "Patient")
	if err != nil {
		t.Fatal(err)
	}
	if len(patients) != 1 {
		t.Errorf("GetAllResources(Patient) = %d, want 1", len(patients))
	}
}

func TestQueryByPatientIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.SaveResource(ctx, &Resource{
			ID:           fmt.Sprintf("obs-%d", i),
			ResourceType: "Observation",
			Body:         json.RawMessage(`{}`),
			PatientRef:   "p1",
		})
	}
	s.SaveResource(ctx, &Resource{
		ID:           "obs-other",
		ResourceType: "Observation",
		Body:         json.RawMessage(`{}`),
		PatientRef:   "p2",
	})

	got, err := s.QueryResources(ctx, "Observation", QueryOptions{Index: IndexPatient, Value: "p1"})
	if err != nil {
		t.Fatalf("QueryResources() error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("QueryResources(patient=p1) = %d, want 3", len(got))
	}
}

func TestQueryByUpdatedAtOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		s.SaveResource(ctx, &Resource{
			ID:           fmt.Sprintf("v-%d", i),
			ResourceType: "Visit",
			Body:         json.RawMessage(`{}`),
			UpdatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
	}

	got, err := s.QueryResources(ctx, "Visit", QueryOptions{Index: IndexUpdatedAt, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("limit not applied: got %d", len(got))
	}
	if got[0].ID != "v-2" || got[1].ID != "v-1" {
		t.Errorf("order = %s, %s; want v-2, v-1", got[0].ID, got[1].ID)
	}
}

func TestQueryUndeclaredIndexPanics(t *testing.T) {
	s := newTestStore(t)
	defer func() {
		if recover() == nil {
			t.Error("QueryResources() did not panic on undeclared index")
		}
	}()
	s.QueryResources(context.Background(), "Patient", QueryOptions{Index: "name"})
}

func TestGetOfflineResources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveResource(ctx, &Resource{ID: "p1", ResourceType: "Patient", Body: patientBody("p1", "a")})
	s.SaveResource(ctx, &Resource{
		ID:           "local-1",
		ResourceType: "Patient",
		Body:         patientBody("local-1", "b"),
		Meta:         LocalMeta{SyncStatus: StatusOffline},
	})

	offline, err := s.GetOfflineResources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(offline) != 1 {
		t.Fatalf("GetOfflineResources() = %d, want 1", len(offline))
	}
	if offline[0].ID != "local-1" {
		t.Errorf("offline resource id = %q", offline[0].ID)
	}
}

func TestQueryMetadataRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	err := s.SetQueryMetadata(ctx, &QueryMetadata{
		ResourceType: "Patient",
		Query:        "name=smith",
		LastUpdated:  time.Now().Truncate(time.Millisecond),
		ExpiresAt:    &exp,
		Count:        12,
	})
	if err != nil {
		t.Fatalf("SetQueryMetadata() error: %v", err)
	}

	got, err := s.GetQueryMetadata(ctx, "Patient", "name=smith")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("GetQueryMetadata() = nil")
	}
	if got.Count != 12 {
		t.Errorf("Count = %d", got.Count)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, exp)
	}

	missing, err := s.GetQueryMetadata(ctx, "Patient", "name=jones")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("GetQueryMetadata() non-nil for absent query")
	}
}

func TestClearStores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveResource(ctx, &Resource{ID: "p1", ResourceType: "Patient", Body: patientBody("p1", "a")})
	s.SaveResource(ctx, &Resource{ID: "o1", ResourceType: "Observation", Body: json.RawMessage(`{}`)})

	if err := s.ClearStore(ctx, "Patient"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountResources(ctx, "Patient"); n != 0 {
		t.Errorf("Patient count = %d after ClearStore", n)
	}
	if n, _ := s.CountResources(ctx, "Observation"); n != 1 {
		t.Errorf("Observation count = %d, want untouched", n)
	}

	if err := s.ClearAllStores(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountResources(ctx, "Observation"); n != 0 {
		t.Errorf("Observation count = %d after ClearAllStores", n)
	}
}

func TestIsDataStale(t *testing.T) {
	tests := []struct {
		name        string
		lastUpdated time.Time
		maxAge      time.Duration
		want        bool
	}{
		{"fresh", time.Now().Add(-30 * time.Minute), time.Hour, false},
		{"stale", time.Now().Add(-2 * time.Hour), time.Hour, true},
		{"default max age fresh", time.Now().Add(-59 * time.Minute), 0, false},
		{"default max age stale", time.Now().Add(-61 * time.Minute), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDataStale(tt.lastUpdated, tt.maxAge); got != tt.want {
				t.Errorf("IsDataStale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := New(dir)
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	s.SaveResource(ctx, &Resource{ID: "p1", ResourceType: "Patient", Body: patientBody("p1", "a")})
	s.Close()

	reopened := New(dir)
	if err := reopened.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.GetResource(ctx, "Patient", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Error("resource lost across reopen")
	}
}
