// Package directory discovers and caches measurement endpoints for the
// configured providers. Discovery queries a directory service for
// candidate servers, buckets them by provider keyword match and ranks
// them by reported proximity. The result is persisted to a single JSON
// cache file and reused until it exceeds the TTL.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"netprobe-agent/pkg/models"
)

// DiscoveryError indicates that endpoint discovery failed and no cached
// fallback was available. The caller should skip the provider for the
// current cycle; it is never fatal to the process.
type DiscoveryError struct {
	Provider string
	Err      error
}

func (e *DiscoveryError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("endpoint discovery failed: %v", e.Err)
	}
	return fmt.Sprintf("no endpoints for provider %q: %v", e.Provider, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Options configures a Cache.
type Options struct {
	// DirectoryURL is the directory service returning the JSON server list.
	DirectoryURL string
	// CacheFile is where the last successful discovery is persisted.
	CacheFile string
	// LastGoodFile tracks the most recently successful endpoint per provider.
	LastGoodFile string
	// TTL is the maximum cache age before rediscovery.
	TTL time.Duration
	// Providers is the ordered list of provider names to bucket servers into.
	Providers []string
	// Keywords maps a provider name to sponsor/name match keywords.
	Keywords map[string][]string
	// CountryKeywords restrict discovery to servers whose country matches.
	CountryKeywords []string
	// MaxAttempts bounds discovery retries. Defaults to 3.
	MaxAttempts int
	// RetryBase is the first backoff delay, doubled per attempt. Defaults to 2s.
	RetryBase time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Cache is the server directory cache. Safe for the single-process
// read/refresh pattern; no multi-process coordination is attempted.
type Cache struct {
	opts Options
	mu   sync.Mutex
}

func New(opts Options) *Cache {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{opts: opts}
}

// Endpoints returns the ordered endpoint candidates for a provider. A
// missing, unreadable or expired cache file triggers discovery first;
// otherwise the cached contents are returned without network access.
// When discovery fails, a stale cache is served as last-known-good; if
// none exists the call fails with a *DiscoveryError.
func (c *Cache) Endpoints(ctx context.Context, provider string) ([]models.Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ec, err := c.load()
	if err == nil && ec.Age(c.opts.Now()) <= c.opts.TTL {
		return c.candidates(ec, provider)
	}
	if err != nil {
		c.opts.Logger.Debug("endpoint cache unusable", "file", c.opts.CacheFile, "error", err)
	}

	fresh, derr := c.discover(ctx)
	if derr != nil {
		if ec != nil {
			c.opts.Logger.Warn("discovery failed, serving stale endpoint cache",
				"age", ec.Age(c.opts.Now()).String(), "error", derr)
			return c.candidates(ec, provider)
		}
		return nil, &DiscoveryError{Provider: provider, Err: derr}
	}

	if err := c.store(fresh); err != nil {
		c.opts.Logger.Warn("failed to persist endpoint cache", "file", c.opts.CacheFile, "error", err)
	}
	return c.candidates(fresh, provider)
}

// Refresh forces a rediscovery regardless of cache age.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh, err := c.discover(ctx)
	if err != nil {
		return &DiscoveryError{Err: err}
	}
	return c.store(fresh)
}

func (c *Cache) candidates(ec *models.EndpointCache, provider string) ([]models.Endpoint, error) {
	eps := ec.Providers[provider]
	if len(eps) == 0 {
		return nil, &DiscoveryError{Provider: provider, Err: fmt.Errorf("directory has no matching servers")}
	}

	// Promote the last endpoint that produced a successful measurement.
	if good, ok := c.loadLastGood()[provider]; ok {
		ordered := make([]models.Endpoint, 0, len(eps))
		ordered = append(ordered, good)
		for _, ep := range eps {
			if ep.ID != good.ID {
				ordered = append(ordered, ep)
			}
		}
		return ordered, nil
	}
	return eps, nil
}

// MarkGood records the endpoint that last produced a successful
// measurement so it is tried first next cycle. Best-effort.
func (c *Cache) MarkGood(provider string, ep models.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	good := c.loadLastGood()
	good[provider] = ep
	data, err := json.Marshal(good)
	if err == nil {
		err = atomicWrite(c.opts.LastGoodFile, data)
	}
	if err != nil {
		c.opts.Logger.Debug("failed to save last-good endpoint", "provider", provider, "error", err)
	}
}

func (c *Cache) loadLastGood() map[string]models.Endpoint {
	good := make(map[string]models.Endpoint)
	if c.opts.LastGoodFile == "" {
		return good
	}
	data, err := os.ReadFile(c.opts.LastGoodFile)
	if err != nil {
		return good
	}
	if err := json.Unmarshal(data, &good); err != nil {
		return make(map[string]models.Endpoint)
	}
	return good
}

// load reads and validates the cache file. A cache that is missing any
// configured provider is treated as unreadable so discovery runs again.
func (c *Cache) load() (*models.EndpointCache, error) {
	data, err := os.ReadFile(c.opts.CacheFile)
	if err != nil {
		return nil, err
	}
	var ec models.EndpointCache
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, fmt.Errorf("corrupt endpoint cache: %w", err)
	}
	for _, p := range c.opts.Providers {
		if len(ec.Providers[p]) == 0 {
			return nil, fmt.Errorf("cache has no endpoints for provider %q", p)
		}
	}
	return &ec, nil
}

// store persists the cache with write-temp-then-rename so a crash never
// leaves a partially written file behind.
func (c *Cache) store(ec *models.EndpointCache) error {
	data, err := json.Marshal(ec)
	if err != nil {
		return err
	}
	return atomicWrite(c.opts.CacheFile, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// discover queries the directory service with bounded retry and
// exponential backoff. Retry lives at this boundary only; probes never
// retry on their own.
func (c *Cache) discover(ctx context.Context) (*models.EndpointCache, error) {
	var lastErr error
	delay := c.opts.RetryBase

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		ec, err := c.fetchDirectory(ctx)
		if err == nil {
			return ec, nil
		}
		lastErr = err
		c.opts.Logger.Warn("directory discovery attempt failed",
			"attempt", attempt, "maxAttempts", c.opts.MaxAttempts, "error", err)

		if attempt == c.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

// directoryServer is the wire format of one server entry from the
// directory service. IDs come back as strings.
type directoryServer struct {
	ID       string  `json:"id"`
	Sponsor  string  `json:"sponsor"`
	Name     string  `json:"name"`
	Country  string  `json:"country"`
	Host     string  `json:"host"`
	URL      string  `json:"url"`
	Distance float64 `json:"distance"`
}

func (c *Cache) fetchDirectory(ctx context.Context) (*models.EndpointCache, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.DirectoryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory service returned status %d", resp.StatusCode)
	}

	var servers []directoryServer
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return nil, fmt.Errorf("failed to decode server list: %w", err)
	}

	ec := &models.EndpointCache{
		FetchedAt: c.opts.Now(),
		Providers: make(map[string][]models.Endpoint),
	}
	for _, s := range servers {
		if !matchesAny(s.Country, c.opts.CountryKeywords) {
			continue
		}
		provider := c.classify(s)
		if provider == "" {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(s.ID))
		if err != nil {
			continue
		}
		ec.Providers[provider] = append(ec.Providers[provider], models.Endpoint{
			ID:       id,
			Provider: provider,
			Sponsor:  s.Sponsor,
			Name:     s.Name,
			Country:  s.Country,
			Host:     s.Host,
			URL:      s.URL,
			Distance: s.Distance,
		})
	}

	total := 0
	for _, p := range c.opts.Providers {
		sort.SliceStable(ec.Providers[p], func(i, j int) bool {
			return ec.Providers[p][i].Distance < ec.Providers[p][j].Distance
		})
		total += len(ec.Providers[p])
		c.opts.Logger.Info("discovered endpoints", "provider", p, "count", len(ec.Providers[p]))
	}
	if total == 0 {
		return nil, fmt.Errorf("directory returned no servers matching any provider")
	}
	return ec, nil
}

// classify buckets a server into the first configured provider whose
// keywords match its sponsor or name.
func (c *Cache) classify(s directoryServer) string {
	for _, p := range c.opts.Providers {
		if matchesAny(s.Sponsor, c.opts.Keywords[p]) || matchesAny(s.Name, c.opts.Keywords[p]) {
			return p
		}
	}
	return ""
}

func matchesAny(value string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	v := strings.ToLower(value)
	for _, k := range keywords {
		if strings.Contains(v, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
