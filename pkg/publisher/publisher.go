// Package publisher forwards measurement results to a remote REST store
// as row inserts. Publishing is best-effort: failures are reported to
// the caller to log and drop, never retried within a cycle, and an
// unconfigured publisher is a no-op that issues no network calls.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"netprobe-agent/pkg/models"
)

// Publisher POSTs one record per cycle into a named remote table,
// authenticated with a bearer-style key.
type Publisher struct {
	URL    string
	Key    string
	Table  string
	Client *http.Client
	Logger *slog.Logger
}

func New(url, key, table string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		URL:    strings.TrimRight(url, "/"),
		Key:    key,
		Table:  table,
		Client: &http.Client{Timeout: 15 * time.Second},
		Logger: logger,
	}
}

func (p *Publisher) Name() string { return "rest" }

// Enabled reports whether credentials are configured. A disabled
// publisher performs no network calls at all.
func (p *Publisher) Enabled() bool {
	return p.URL != "" && p.Key != "" && p.Table != ""
}

// Publish inserts the result as one row. Idempotency is not guaranteed
// by the remote store, so no retry is attempted here.
func (p *Publisher) Publish(ctx context.Context, res *models.Result) error {
	if !p.Enabled() {
		return nil
	}

	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	url := fmt.Sprintf("%s/rest/v1/%s", p.URL, p.Table)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("apikey", p.Key)
	req.Header.Set("Authorization", "Bearer "+p.Key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("remote push failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote push returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	p.Logger.Debug("result published", "table", p.Table, "status", resp.StatusCode)
	return nil
}
