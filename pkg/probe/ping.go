package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// DefaultPingCount is used when no echo request count is configured.
const DefaultPingCount = 5

// PingProbe sends a fixed count of echo requests to a configured host
// and reports mean round-trip time and jitter.
type PingProbe struct {
	Host       string
	Count      int
	Privileged bool
	Logger     *slog.Logger
}

func NewPingProbe(host string, count int, privileged bool, logger *slog.Logger) *PingProbe {
	if count <= 0 {
		count = DefaultPingCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PingProbe{Host: host, Count: count, Privileged: privileged, Logger: logger}
}

// Ping returns the mean RTT and jitter in milliseconds. Jitter is the
// mean absolute difference between consecutive RTTs.
func (p *PingProbe) Ping(ctx context.Context) (float64, float64, error) {
	pinger, err := probing.NewPinger(p.Host)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create pinger: %w", err)
	}
	pinger.SetPrivileged(p.Privileged)
	pinger.Count = p.Count
	pinger.Interval = 200 * time.Millisecond
	pinger.Timeout = time.Duration(p.Count) * time.Second

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, 0, fmt.Errorf("ping %s failed: %w", p.Host, err)
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, 0, fmt.Errorf("ping %s: no replies to %d requests", p.Host, stats.PacketsSent)
	}

	p.Logger.Debug("ping completed",
		"host", p.Host,
		"sent", stats.PacketsSent,
		"received", stats.PacketsRecv,
		"loss", stats.PacketLoss)

	return meanMs(stats.Rtts), jitterMs(stats.Rtts), nil
}

func meanMs(rtts []time.Duration) float64 {
	if len(rtts) == 0 {
		return 0
	}
	var sum float64
	for _, rtt := range rtts {
		sum += durationMs(rtt)
	}
	return sum / float64(len(rtts))
}

// jitterMs computes the mean absolute difference between consecutive
// round-trip times. A single sample has zero jitter.
func jitterMs(rtts []time.Duration) float64 {
	if len(rtts) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(rtts); i++ {
		d := durationMs(rtts[i]) - durationMs(rtts[i-1])
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(rtts)-1)
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
