package models

import "time"

// Endpoint is one discoverable measurement target for a provider.
// Endpoints are immutable once discovered; a cache refresh replaces
// the whole set.
type Endpoint struct {
	ID       int     `json:"id"`
	Provider string  `json:"provider"`
	Sponsor  string  `json:"sponsor"`
	Name     string  `json:"name"`
	Country  string  `json:"country"`
	Host     string  `json:"host"`
	URL      string  `json:"url"`
	Distance float64 `json:"distance"`
}

// EndpointCache holds the last successful discovery, keyed by provider,
// with endpoints ordered by reported proximity.
type EndpointCache struct {
	FetchedAt time.Time             `json:"fetched_at"`
	Providers map[string][]Endpoint `json:"providers"`
}

// Age returns how old the cached discovery is relative to now.
func (c *EndpointCache) Age(now time.Time) time.Duration {
	return now.Sub(c.FetchedAt)
}
