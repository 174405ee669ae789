package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vantahealth/fhirsync/internal/cache"
)

var testRules = []Rule{
	{Name: "api", Patterns: []string{"/fhir/**", "/api/**"}, Strategy: StrategySWR},
	{Name: "static", Patterns: []string{"/assets/**", "/*.js", "/"}, Strategy: StrategyCacheFirst},
}

func newTestGateway(t *testing.T, upstream string, manifest *Manifest) (*Gateway, *cache.Cache) {
	t.Helper()
	c := cache.Open(t.TempDir())
	g, err := New(Options{
		Upstream:        upstream,
		Rules:           testRules,
		Manifest:        manifest,
		Cache:           c,
		RevalidateDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(g.Shutdown)
	return g, c
}

func TestClassify(t *testing.T) {
	rt := NewRouter(testRules)
	tests := []struct {
		path     string
		wantRule string
		wantOK   bool
	}{
		{"/fhir/Patient", "api", true},
		{"/fhir/Patient/p1", "api", true},
		{"/api/session", "api", true},
		{"/assets/app.css", "static", true},
		{"/main.js", "static", true},
		{"/", "static", true},
		{"/favicon.ico", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rule, ok := rt.Classify(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Classify(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if ok && rule.Name != tt.wantRule {
				t.Errorf("Classify(%q) = %q, want %q", tt.path, rule.Name, tt.wantRule)
			}
		})
	}
}

func TestCacheFirstMissFetchesAndStores(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/css")
		fmt.Fprint(w, "body{}")
	}))
	defer upstream.Close()

	g, _ := newTestGateway(t, upstream.URL, nil)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/app.css", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
		if rec.Body.String() != "body{}" {
			t.Fatalf("request %d: body = %q", i, rec.Body.String())
		}
	}
	// Only the first request reaches the upstream.
	if n := hits.Load(); n != 1 {
		t.Errorf("upstream hits = %d, want 1", n)
	}
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	g, _ := newTestGateway(t, upstream.URL, nil)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/missing.css", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("upstream hits = %d, 404 was cached", n)
	}
}

func TestCacheFirstOfflineNavigationServesFallback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // network gone

	g, _ := newTestGateway(t, upstream.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(strings.ToLower(rec.Body.String()), "offline") {
		t.Errorf("fallback body = %q", rec.Body.String())
	}
}

func TestCacheFirstOfflineAssetSynthesizes408(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	g, _ := newTestGateway(t, upstream.URL, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assets/app.css", nil))

	if rec.Code != http.StatusRequestTimeout {
		t.Errorf("status = %d, want 408", rec.Code)
	}
}

func TestSWRServesCachedAndRevalidates(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		w.Header().Set("Content-Type", "application/fhir+json")
		fmt.Fprintf(w, `{"version":%d}`, n)
	}))
	defer upstream.Close()

	g, c := newTestGateway(t, upstream.URL, nil)

	// Cold miss goes to the network.
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/Patient/p1", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"version":1}` {
		t.Fatalf("cold miss: %d %q", rec.Code, rec.Body.String())
	}

	// Warm hit serves the cached bytes without waiting for the network.
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/Patient/p1", nil))
	if rec.Body.String() != `{"version":1}` {
		t.Fatalf("warm hit body = %q, want stale copy", rec.Body.String())
	}
	if rec.Header().Get("X-Served-From") != "cache" {
		t.Error("warm hit not marked as cache-served")
	}

	// The background refresh lands version 2 in the cache.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var cr cachedResponse
		if c.Get(g.key("/fhir/Patient/p1"), &cr) && string(cr.Body) == `{"version":2}` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("revalidation never refreshed the entry")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/Patient/p1", nil))
	if rec.Body.String() != `{"version":2}` {
		t.Errorf("post-revalidation body = %q", rec.Body.String())
	}
}

func TestSWRRevalidationCoalesces(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	c := cache.Open(t.TempDir())
	g, err := New(Options{
		Upstream:        upstream.URL,
		Rules:           testRules,
		Cache:           c,
		RevalidateDelay: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Shutdown()

	// Prime the cache.
	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil))

	// A burst of warm hits inside the coalescing window schedules one
	// refresh, not ten.
	for i := 0; i < 10; i++ {
		g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil))
	}
	if n := g.reval.PendingCount(); n != 1 {
		t.Errorf("PendingCount() = %d, want 1", n)
	}

	// 1 cold miss + 1 coalesced revalidation.
	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("revalidation never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if n := hits.Load(); n != 2 {
		t.Errorf("upstream hits = %d, want 2", n)
	}
}

func TestSWRColdMissOfflineReturns503(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	g, _ := newTestGateway(t, upstream.URL, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Error   string `json:"error"`
		Offline bool   `json:"offline"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("503 body not JSON: %v", err)
	}
	if body.Error != "offline" || !body.Offline {
		t.Errorf("503 body = %+v", body)
	}
}

func TestNonGETBypassesCache(t *testing.T) {
	var gotMethod, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"p1"}`)
	}))
	defer upstream.Close()

	g, c := newTestGateway(t, upstream.URL, nil)

	req := httptest.NewRequest(http.MethodPost, "/fhir/Patient", strings.NewReader(`{"name":"alice"}`))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d", rec.Code)
	}
	if gotMethod != http.MethodPost || gotBody != `{"name":"alice"}` {
		t.Errorf("upstream saw %s %q", gotMethod, gotBody)
	}
	if n := len(c.AllByPrefix(cachePrefix)); n != 0 {
		t.Errorf("POST response cached (%d entries)", n)
	}
}

func TestInstallPrecachesAndActivates(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/offline.html":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<h1>offline page</h1>")
		default:
			fmt.Fprint(w, "asset:"+r.URL.Path)
		}
	}))
	defer upstream.Close()

	dir := t.TempDir()
	c := cache.Open(dir)

	// A leftover entry from an older deployment version.
	c.Save(cachePrefix+":0.9.0:stale", cachedResponse{Status: 200, Body: []byte("old")}, 0)

	manifest := &Manifest{
		Version:     "2.0.0",
		Precache:    []string{"/", "/app.js"},
		OfflinePage: "/offline.html",
	}
	g, err := New(Options{
		Upstream: upstream.URL,
		Rules:    testRules,
		Manifest: manifest,
		Cache:    c,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Shutdown()

	if err := g.Install(context.Background()); err != nil {
		t.Fatalf("Install() error: %v", err)
	}

	entries := c.AllByPrefix(cachePrefix)
	for id := range entries {
		if !strings.HasPrefix(id, "2.0.0:") {
			t.Errorf("stale entry %q survived activation", id)
		}
	}
	// 2 precache targets + offline page.
	if len(entries) != 3 {
		t.Errorf("cached entries = %d, want 3", len(entries))
	}

	// Precached shell is served without the network.
	upstream.Close()
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "asset:/app.js" {
		t.Errorf("precached asset: %d %q", rec.Code, rec.Body.String())
	}

	// And the installed fallback answers failed navigations.
	req := httptest.NewRequest(http.MethodGet, "/uncached-route", nil)
	req.Header.Set("Accept", "text/html")
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Body.String() != "<h1>offline page</h1>" {
		t.Errorf("fallback = %q", rec.Body.String())
	}
}

func TestClearAllCaches(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "x")
	}))
	defer upstream.Close()

	g, c := newTestGateway(t, upstream.URL, nil)
	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/assets/a.css", nil))
	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/assets/b.css", nil))

	if removed := g.ClearAllCaches(); removed != 2 {
		t.Errorf("ClearAllCaches() = %d, want 2", removed)
	}
	if n := len(c.AllByPrefix(cachePrefix)); n != 0 {
		t.Errorf("%d entries survived", n)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	contents := `
version: "3.1.0"
precache:
  - /
  - /app.js
offline_page: /offline.html
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error: %v", err)
	}
	if m.Version != "3.1.0" || len(m.Precache) != 2 || m.OfflinePage != "/offline.html" {
		t.Errorf("manifest = %+v", m)
	}

	if err := os.WriteFile(path, []byte("precache: [/]"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Error("LoadManifest() accepted a manifest without a version")
	}
}
