package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"netprobe-agent/pkg/fetch"
)

// HTTPLoadProbe times one full request/response cycle against a
// reference URL. A non-2xx response or timeout is a failed probe, not a
// cycle failure.
type HTTPLoadProbe struct {
	URL       string
	Transport string
	Timeout   time.Duration
	Logger    *slog.Logger
}

func NewHTTPLoadProbe(url, transport string, timeout time.Duration, logger *slog.Logger) *HTTPLoadProbe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPLoadProbe{URL: url, Transport: transport, Timeout: timeout, Logger: logger}
}

// Load fetches the reference URL and returns the elapsed seconds for
// the full request/response cycle, body included.
func (p *HTTPLoadProbe) Load(ctx context.Context) (float64, error) {
	start := time.Now()
	result, err := fetch.Fetch(ctx, p.URL, fetch.Options{
		Transport: p.Transport,
		Headers:   []string{"User-Agent: netprobe-agent/1.0"},
		Timeout:   p.Timeout,
	})
	if err != nil {
		return 0, fmt.Errorf("http load probe failed: %w", err)
	}
	if result.Response.StatusCode < 200 || result.Response.StatusCode >= 300 {
		return 0, fmt.Errorf("http load probe: unexpected status %d", result.Response.StatusCode)
	}

	elapsed := time.Since(start).Seconds()
	p.Logger.Debug("http load completed", "url", p.URL, "seconds", elapsed, "bytes", len(result.Body))
	return elapsed, nil
}
