package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"netprobe-agent/pkg/models"
)

var testServerList = []directoryServer{
	{ID: "34239", Sponsor: "e& UAE", Name: "Alain", Country: "United Arab Emirates", Host: "alain.example.net:8080", Distance: 120},
	{ID: "1692", Sponsor: "du", Name: "Abu Dhabi", Country: "United Arab Emirates", Host: "ad.example.net:8080", Distance: 30},
	{ID: "2000", Sponsor: "Etisalat", Name: "Dubai", Country: "United Arab Emirates", Host: "dxb.example.net:8080", Distance: 10},
	{ID: "9999", Sponsor: "Vodafone", Name: "London", Country: "United Kingdom", Host: "lon.example.net:8080", Distance: 5000},
}

func testOptions(t *testing.T, directoryURL string) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		DirectoryURL: directoryURL,
		CacheFile:    filepath.Join(dir, "servers.json"),
		LastGoodFile: filepath.Join(dir, "last_good.json"),
		TTL:          6 * time.Hour,
		Providers:    []string{"etisalat", "du"},
		Keywords: map[string][]string{
			"etisalat": {"e&", "etisalat"},
			"du":       {"du", "eitc"},
		},
		CountryKeywords: []string{"united arab", "uae"},
		RetryBase:       time.Millisecond,
	}
}

func countingDirectory(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(testServerList)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeCacheFile(t *testing.T, path string, fetchedAt time.Time) {
	t.Helper()
	ec := models.EndpointCache{
		FetchedAt: fetchedAt,
		Providers: map[string][]models.Endpoint{
			"etisalat": {{ID: 1001, Provider: "etisalat", Name: "Cached Etisalat"}},
			"du":       {{ID: 1002, Provider: "du", Name: "Cached du"}},
		},
	}
	data, err := json.Marshal(ec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEndpointsTTL(t *testing.T) {
	fetchedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := 6 * time.Hour

	tests := []struct {
		name     string
		now      time.Time
		wantHits int64
	}{
		{
			name:     "one second before expiry serves cache",
			now:      fetchedAt.Add(ttl - time.Second),
			wantHits: 0,
		},
		{
			name:     "one second past expiry rediscovers",
			now:      fetchedAt.Add(ttl + time.Second),
			wantHits: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int64
			srv := countingDirectory(t, &hits)

			opts := testOptions(t, srv.URL)
			opts.TTL = ttl
			opts.Now = func() time.Time { return tt.now }
			writeCacheFile(t, opts.CacheFile, fetchedAt)

			c := New(opts)
			eps, err := c.Endpoints(context.Background(), "du")
			if err != nil {
				t.Fatalf("Endpoints() error = %v", err)
			}
			if len(eps) == 0 {
				t.Fatal("Endpoints() returned no endpoints")
			}
			if hits.Load() != tt.wantHits {
				t.Errorf("directory hits = %d, want %d", hits.Load(), tt.wantHits)
			}
		})
	}
}

func TestEndpointsStaleFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := testOptions(t, srv.URL)
	opts.MaxAttempts = 1
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	opts.Now = func() time.Time { return now }
	// Cache is a full day past the TTL.
	writeCacheFile(t, opts.CacheFile, now.Add(-30*time.Hour))

	c := New(opts)
	eps, err := c.Endpoints(context.Background(), "etisalat")
	if err != nil {
		t.Fatalf("Endpoints() error = %v, want stale fallback", err)
	}
	if eps[0].Name != "Cached Etisalat" {
		t.Errorf("got endpoint %q, want stale cached endpoint", eps[0].Name)
	}
}

func TestEndpointsDiscoveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := testOptions(t, srv.URL)
	opts.MaxAttempts = 2

	c := New(opts)
	_, err := c.Endpoints(context.Background(), "du")
	if err == nil {
		t.Fatal("Endpoints() error = nil, want *DiscoveryError")
	}
	var derr *DiscoveryError
	if !errors.As(err, &derr) {
		t.Fatalf("Endpoints() error type = %T, want *DiscoveryError", err)
	}
	if derr.Provider != "du" {
		t.Errorf("DiscoveryError.Provider = %q, want %q", derr.Provider, "du")
	}
}

func TestDiscoveryRetriesWithBackoff(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(testServerList)
	}))
	defer srv.Close()

	opts := testOptions(t, srv.URL)
	opts.MaxAttempts = 3

	c := New(opts)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("directory hits = %d, want 3", hits.Load())
	}
}

func TestDiscoveryFiltersAndRanks(t *testing.T) {
	var hits atomic.Int64
	srv := countingDirectory(t, &hits)

	opts := testOptions(t, srv.URL)
	c := New(opts)

	eps, err := c.Endpoints(context.Background(), "etisalat")
	if err != nil {
		t.Fatalf("Endpoints() error = %v", err)
	}
	// Both Etisalat servers, nearest first; the UK server is filtered out.
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(eps))
	}
	if eps[0].ID != 2000 || eps[1].ID != 34239 {
		t.Errorf("endpoint order = [%d %d], want [2000 34239]", eps[0].ID, eps[1].ID)
	}

	duEps, err := c.Endpoints(context.Background(), "du")
	if err != nil {
		t.Fatalf("Endpoints(du) error = %v", err)
	}
	if len(duEps) != 1 || duEps[0].ID != 1692 {
		t.Errorf("du endpoints = %v, want single server 1692", duEps)
	}
	// Second call served from the fresh cache file.
	if hits.Load() != 1 {
		t.Errorf("directory hits = %d, want 1", hits.Load())
	}
}

func TestMarkGoodPromotesEndpoint(t *testing.T) {
	var hits atomic.Int64
	srv := countingDirectory(t, &hits)

	opts := testOptions(t, srv.URL)
	c := New(opts)

	eps, err := c.Endpoints(context.Background(), "etisalat")
	if err != nil {
		t.Fatalf("Endpoints() error = %v", err)
	}
	// Mark the farther server good; it should come back first.
	c.MarkGood("etisalat", eps[1])

	eps, err = c.Endpoints(context.Background(), "etisalat")
	if err != nil {
		t.Fatalf("Endpoints() error = %v", err)
	}
	if eps[0].ID != 34239 {
		t.Errorf("first endpoint = %d, want promoted 34239", eps[0].ID)
	}
	if len(eps) != 2 {
		t.Errorf("got %d endpoints, want 2 without duplicates", len(eps))
	}
}

func TestCacheWriteIsAtomic(t *testing.T) {
	var hits atomic.Int64
	srv := countingDirectory(t, &hits)

	opts := testOptions(t, srv.URL)
	c := New(opts)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	// No leftover temp files next to the cache.
	entries, err := os.ReadDir(filepath.Dir(opts.CacheFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(opts.CacheFile) && e.Name() != filepath.Base(opts.LastGoodFile) {
			t.Errorf("unexpected leftover file %q", e.Name())
		}
	}

	data, err := os.ReadFile(opts.CacheFile)
	if err != nil {
		t.Fatalf("cache file not written: %v", err)
	}
	var ec models.EndpointCache
	if err := json.Unmarshal(data, &ec); err != nil {
		t.Fatalf("cache file is not valid JSON: %v", err)
	}
}
