// Package runner executes one full measurement cycle: geo lookup, ping,
// HTTP load and per-provider throughput, composed from probes it accepts
// as interfaces. Probes fail independently; a degraded cycle still
// produces a partial, recordable result.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"netprobe-agent/pkg/models"
)

// ThroughputProber measures one provider's throughput.
type ThroughputProber interface {
	Measure(ctx context.Context, provider string) (*models.ProviderResult, error)
}

// Pinger reports mean RTT and jitter in milliseconds.
type Pinger interface {
	Ping(ctx context.Context) (float64, float64, error)
}

// HTTPLoader times a full request/response cycle in seconds.
type HTTPLoader interface {
	Load(ctx context.Context) (float64, error)
}

// GeoLookup resolves public IP and geo/ISP metadata.
type GeoLookup interface {
	Lookup(ctx context.Context) (models.GeoInfo, error)
}

// Runner drives one measurement cycle.
type Runner struct {
	Device       string
	Providers    []string
	Threads      int
	CycleTimeout time.Duration

	Throughput ThroughputProber
	Pinger     Pinger
	HTTPLoader HTTPLoader
	Geo        GeoLookup

	LocalIP  func() string
	Hostname func() (string, error)
	Logger   *slog.Logger
	Now      func() time.Time
}

// New fills in defaults for the optional hooks.
func New(r Runner) *Runner {
	if r.CycleTimeout <= 0 {
		r.CycleTimeout = 8 * time.Minute
	}
	if r.LocalIP == nil {
		r.LocalIP = func() string { return "" }
	}
	if r.Hostname == nil {
		r.Hostname = os.Hostname
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	return &r
}

// RunCycle runs all probes under the cycle timeout and returns the
// assembled result. The result is always non-nil and recordable; the
// error reports a cycle-level condition (today only the timeout), after
// which in-flight probe work is detached via context and its eventual
// output discarded.
func (r *Runner) RunCycle(ctx context.Context) (*models.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, r.CycleTimeout)
	defer cancel()

	res := &models.Result{
		Timestamp: r.Now(),
		Device:    r.Device,
		LocalIP:   r.LocalIP(),
		Threads:   r.Threads,
	}
	if host, err := r.Hostname(); err == nil {
		res.Hostname = host
	}

	if r.Geo != nil {
		geo, err := r.Geo.Lookup(cctx)
		if err != nil {
			r.Logger.Warn("geo lookup failed", "error", err)
		} else {
			res.SetGeo(geo)
		}
	}

	if r.Pinger != nil {
		rtt, jitter, err := r.Pinger.Ping(cctx)
		if err != nil {
			r.Logger.Warn("ping probe failed", "error", err)
		} else {
			res.RTTMs = &rtt
			res.JitterMs = &jitter
		}
	}

	if r.HTTPLoader != nil {
		seconds, err := r.HTTPLoader.Load(cctx)
		if err != nil {
			r.Logger.Warn("http load probe failed", "error", err)
		} else {
			res.HTTPLoadS = &seconds
		}
	}

	for _, provider := range r.Providers {
		pr, err := r.Throughput.Measure(cctx, provider)
		if err != nil {
			r.Logger.Warn("throughput probe failed", "provider", provider, "error", err)
			res.Providers = append(res.Providers, models.ProviderResult{
				TestID:   uuid.NewString(),
				Provider: provider,
				Error:    err.Error(),
			})
			continue
		}
		res.Providers = append(res.Providers, *pr)
	}

	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		r.Logger.Warn("cycle exceeded timeout, recording partial result",
			"timeout", r.CycleTimeout.String())
		return res, context.DeadlineExceeded
	}
	return res, nil
}
