// Package gateway is the offline request cache: a local HTTP layer between
// the UI and the remote server. GET requests are classified into route
// categories and answered cache-first (static assets) or
// stale-while-revalidate (API reads); everything else passes straight
// through. Cached responses live in a versioned namespace that is
// pre-populated from a manifest at install time and purged of stale
// versions on activation. Connected UI clients are notified of cache
// changes over a WebSocket control channel.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vantahealth/fhirsync/internal/cache"
	"github.com/vantahealth/fhirsync/internal/metrics"
	"github.com/vantahealth/fhirsync/internal/netmon"
)

const (
	cachePrefix    = "httpcache"
	defaultVersion = "1.0.0"
	controlPath    = "/_control/ws"
)

// cachedResponse is the stored form of an upstream response.
type cachedResponse struct {
	Status      int       `json:"status"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
}

// Options wires a Gateway.
type Options struct {
	Upstream        string
	Rules           []Rule
	Manifest        *Manifest
	Cache           *cache.Cache
	Metrics         *metrics.Metrics
	Monitor         *netmon.Monitor
	RequestSync     func()
	RevalidateDelay time.Duration
}

// Gateway applies per-category caching strategies to outbound requests.
type Gateway struct {
	upstream    *url.URL
	cache       *cache.Cache
	hub         *Hub
	client      *http.Client
	version     string
	manifest    *Manifest
	reval       *revalidator
	metrics     *metrics.Metrics
	monitor     *netmon.Monitor
	requestSync func()

	mu       sync.Mutex
	router   *Router
	fallback []byte
}

// New builds a gateway for the given upstream. Install must run before
// the gateway can serve the offline fallback page.
func New(opts Options) (*Gateway, error) {
	u, err := url.Parse(opts.Upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway: invalid upstream %q", opts.Upstream)
	}

	version := defaultVersion
	if opts.Manifest != nil && opts.Manifest.Version != "" {
		version = opts.Manifest.Version
	}
	delay := opts.RevalidateDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	g := &Gateway{
		upstream:    u,
		cache:       opts.Cache,
		client:      &http.Client{Timeout: 30 * time.Second},
		version:     version,
		manifest:    opts.Manifest,
		metrics:     opts.Metrics,
		monitor:     opts.Monitor,
		requestSync: opts.RequestSync,
	}
	g.router = NewRouter(opts.Rules)
	g.reval = newRevalidator(delay, g.revalidate)
	g.hub = NewHub(g)
	return g, nil
}

// Hub exposes the control channel, mainly for tests.
func (g *Gateway) Hub() *Hub { return g.hub }

// SetRules swaps the route categories, e.g. after a config reload.
func (g *Gateway) SetRules(rules []Rule) {
	g.mu.Lock()
	g.router = NewRouter(rules)
	g.mu.Unlock()
}

func (g *Gateway) classify(path string) (Rule, bool) {
	g.mu.Lock()
	rt := g.router
	g.mu.Unlock()
	return rt.Classify(path)
}

// Install pre-populates the versioned cache with the manifest's shell
// resources and offline page, then activates so stale versions are gone
// before the first request (the install phase never waits).
func (g *Gateway) Install(ctx context.Context) error {
	if g.manifest == nil {
		return nil
	}
	for _, target := range g.manifest.Precache {
		if err := g.precache(ctx, target); err != nil {
			slog.Warn("precache failed", "url", target, "error", err)
		}
	}
	if g.manifest.OfflinePage != "" {
		if err := g.precache(ctx, g.manifest.OfflinePage); err != nil {
			slog.Warn("offline page precache failed", "url", g.manifest.OfflinePage, "error", err)
		}
		var cr cachedResponse
		if g.cache.Get(g.key(g.manifest.OfflinePage), &cr) {
			g.mu.Lock()
			g.fallback = cr.Body
			g.mu.Unlock()
		}
	}
	g.Activate()
	slog.Info("gateway installed", "version", g.version, "precached", len(g.manifest.Precache))
	return nil
}

// Activate purges cached responses left by other versions. Also reachable
// through the SKIP_WAITING control message.
func (g *Gateway) Activate() {
	removed := 0
	for id := range g.cache.AllByPrefix(cachePrefix) {
		if !strings.HasPrefix(id, g.version+":") {
			g.cache.Delete(cache.Key(cachePrefix, id))
			removed++
		}
	}
	if removed > 0 {
		slog.Info("stale cache versions purged", "version", g.version, "removed", removed)
	}
}

// ClearAllCaches wipes every versioned response cache. The control hub
// broadcasts CACHE_CLEARED after calling this.
func (g *Gateway) ClearAllCaches() int {
	return g.cache.ClearByPrefix(cachePrefix)
}

// OnlineStatusChanged receives relayed connectivity signals from the
// control channel. A transition to online schedules a deferred sync so
// queued work drains even with no client focused.
func (g *Gateway) OnlineStatusChanged(online bool) {
	if g.monitor != nil {
		g.monitor.HandleTransition(online)
	}
	if online {
		if g.requestSync != nil {
			g.requestSync()
		}
		g.hub.Broadcast(MsgPerformSync, map[string]any{
			"initiator": "control-channel",
			"timestamp": time.Now().UnixMilli(),
		})
	}
}

// Shutdown stops background revalidation.
func (g *Gateway) Shutdown() {
	g.reval.Stop()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == controlPath {
		g.hub.ServeWS(w, r)
		return
	}
	if r.Method != http.MethodGet {
		g.passthrough(w, r)
		return
	}

	if rule, ok := g.classify(r.URL.Path); ok && rule.Strategy == StrategySWR {
		g.serveStaleWhileRevalidate(w, r)
		return
	}
	g.serveCacheFirst(w, r)
}

// serveCacheFirst answers static GETs: cache if present, else network
// (storing only HTTP 200), else the offline fallback page for navigations
// or a synthesized 408 for anything else.
func (g *Gateway) serveCacheFirst(w http.ResponseWriter, r *http.Request) {
	target := r.URL.RequestURI()
	key := g.key(target)

	var cr cachedResponse
	if g.cache.Get(key, &cr) {
		g.observe(StrategyCacheFirst, "hit")
		writeCached(w, cr)
		return
	}

	resp, body, err := g.fetch(r.Context(), target, r.Header)
	if err != nil {
		if isNavigation(r) {
			g.observe(StrategyCacheFirst, "fallback")
			g.serveOfflinePage(w)
			return
		}
		g.observe(StrategyCacheFirst, "timeout")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusRequestTimeout)
		fmt.Fprint(w, "Request failed - you appear to be offline")
		return
	}

	if resp.StatusCode == http.StatusOK {
		g.storeResponse(key, resp, body)
	}
	g.observe(StrategyCacheFirst, "miss")
	relay(w, resp, body)
}

// serveStaleWhileRevalidate answers API GETs: cached bytes immediately
// with a background refresh, or the network on a cold miss, or a
// structured 503 when both are unavailable.
func (g *Gateway) serveStaleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	target := r.URL.RequestURI()
	key := g.key(target)

	var cr cachedResponse
	if g.cache.Get(key, &cr) {
		g.observe(StrategySWR, "hit")
		writeCached(w, cr)
		g.reval.Trigger(target, r.Header)
		return
	}

	resp, body, err := g.fetch(r.Context(), target, r.Header)
	if err != nil {
		g.observe(StrategySWR, "offline")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   "offline",
			"message": "No cached data available and the network is unreachable",
			"offline": true,
		})
		return
	}

	if resp.StatusCode == http.StatusOK {
		g.storeResponse(key, resp, body)
	}
	g.observe(StrategySWR, "miss")
	relay(w, resp, body)
}

// revalidate runs the background half of stale-while-revalidate. A
// success overwrites the entry and broadcasts CACHE_UPDATED; a failure
// keeps the stale copy with no user-visible error.
func (g *Gateway) revalidate(target string, header http.Header) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, body, err := g.fetch(ctx, target, header)
	if err != nil || resp.StatusCode != http.StatusOK {
		if g.metrics != nil {
			g.metrics.RevalidationsTotal.WithLabelValues("failed").Inc()
		}
		slog.Debug("revalidation failed, keeping stale entry", "url", target, "error", err)
		return
	}

	g.storeResponse(g.key(target), resp, body)
	if g.metrics != nil {
		g.metrics.RevalidationsTotal.WithLabelValues("ok").Inc()
	}
	g.hub.Broadcast(MsgCacheUpdated, map[string]any{"url": target})
}

// passthrough forwards a request verbatim; mutations never touch the
// cache layer.
func (g *Gateway) passthrough(w http.ResponseWriter, r *http.Request) {
	u := *g.upstream
	u.Path = singleJoin(u.Path, r.URL.Path)
	u.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := g.client.Do(req)
	if err != nil {
		g.observe("bypass", "error")
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	g.observe("bypass", "ok")
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (g *Gateway) fetch(ctx context.Context, target string, header http.Header) (*http.Response, []byte, error) {
	u := *g.upstream
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, nil, err
	}
	u.Path = singleJoin(u.Path, parsed.Path)
	u.RawQuery = parsed.RawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	if header != nil {
		if auth := header.Get("Authorization"); auth != "" {
			req.Header.Set("Authorization", auth)
		}
		if accept := header.Get("Accept"); accept != "" {
			req.Header.Set("Accept", accept)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (g *Gateway) precache(ctx context.Context, target string) error {
	resp, body, err := g.fetch(ctx, target, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	g.storeResponse(g.key(target), resp, body)
	return nil
}

func (g *Gateway) storeResponse(key string, resp *http.Response, body []byte) {
	g.cache.Save(key, cachedResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		StoredAt:    time.Now(),
	}, 0)
}

func (g *Gateway) serveOfflinePage(w http.ResponseWriter) {
	g.mu.Lock()
	page := g.fallback
	g.mu.Unlock()
	if len(page) == 0 {
		page = []byte("<!doctype html><title>Offline</title><h1>You are offline</h1>")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(page)
}

func (g *Gateway) key(target string) string {
	return cachePrefix + ":" + g.version + ":" + cache.HashString(target)
}

func (g *Gateway) observe(strategy Strategy, outcome string) {
	if g.metrics != nil {
		g.metrics.GatewayRequestsTotal.WithLabelValues(string(strategy), outcome).Inc()
	}
}

func writeCached(w http.ResponseWriter, cr cachedResponse) {
	if cr.ContentType != "" {
		w.Header().Set("Content-Type", cr.ContentType)
	}
	w.Header().Set("X-Served-From", "cache")
	w.WriteHeader(cr.Status)
	w.Write(cr.Body)
}

func relay(w http.ResponseWriter, resp *http.Response, body []byte) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// isNavigation approximates a browser navigation: a GET that prefers HTML.
func isNavigation(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func singleJoin(a, b string) string {
	a = strings.TrimRight(a, "/")
	if !strings.HasPrefix(b, "/") {
		b = "/" + b
	}
	return a + b
}
