package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"netprobe-agent/pkg/models"
)

const (
	// MaxThreads caps the transfer worker count regardless of config.
	MaxThreads = 8
	// maxCandidates bounds how many endpoints are tried per provider.
	maxCandidates = 3
	// uploadChunkSize is the payload posted per upload request.
	uploadChunkSize = 1 << 20
)

// EndpointSource supplies ranked endpoint candidates for a provider.
// *directory.Cache implements it.
type EndpointSource interface {
	Endpoints(ctx context.Context, provider string) ([]models.Endpoint, error)
	MarkGood(provider string, ep models.Endpoint)
}

// ThroughputProbe measures download and upload rates against a
// provider's nearest endpoints using a bounded worker pool.
type ThroughputProbe struct {
	Source    EndpointSource
	Threads   int
	StageTime time.Duration
	Client    *http.Client
	Logger    *slog.Logger
}

func NewThroughputProbe(source EndpointSource, threads int, stageTime time.Duration, logger *slog.Logger) *ThroughputProbe {
	if threads < 1 {
		threads = 1
	}
	if threads > MaxThreads {
		threads = MaxThreads
	}
	if stageTime <= 0 {
		stageTime = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ThroughputProbe{
		Source:    source,
		Threads:   threads,
		StageTime: stageTime,
		Client:    &http.Client{},
		Logger:    logger,
	}
}

// Measure runs the transfer test for one provider. Candidates are tried
// in directory order; the first to succeed wins and is remembered as
// last-known-good. All candidates failing yields an error so the caller
// records null fields for the provider without aborting the cycle.
func (p *ThroughputProbe) Measure(ctx context.Context, provider string) (*models.ProviderResult, error) {
	eps, err := p.Source.Endpoints(ctx, provider)
	if err != nil {
		return nil, err
	}

	candidates := eps
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	var lastErr error
	for _, ep := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res, err := p.measureEndpoint(ctx, ep)
		if err != nil {
			lastErr = err
			p.Logger.Warn("endpoint measurement failed",
				"provider", provider, "server", ep.Name, "serverID", ep.ID, "error", err)
			continue
		}
		p.Source.MarkGood(provider, ep)
		return res, nil
	}
	return nil, fmt.Errorf("all %d endpoint candidates failed for %s: %w", len(candidates), provider, lastErr)
}

func (p *ThroughputProbe) measureEndpoint(ctx context.Context, ep models.Endpoint) (*models.ProviderResult, error) {
	base := ep.URL
	if base == "" {
		base = "http://" + ep.Host
	}

	start := time.Now()

	latency, err := p.latency(ctx, base+"/ping")
	if err != nil {
		return nil, err
	}

	down, err := p.download(ctx, base+"/download")
	if err != nil {
		return nil, err
	}

	up, err := p.upload(ctx, base+"/upload")
	if err != nil {
		return nil, err
	}

	duration := time.Since(start).Seconds()
	p.Logger.Info("throughput measured",
		"provider", ep.Provider,
		"server", ep.Name,
		"downloadMbps", down,
		"uploadMbps", up,
		"latencyMs", latency,
		"durationS", duration,
		"threads", p.Threads)

	return &models.ProviderResult{
		TestID:       uuid.NewString(),
		Provider:     ep.Provider,
		Server:       ep.Name,
		Sponsor:      ep.Sponsor,
		ServerID:     ep.ID,
		LatencyMs:    &latency,
		DownloadMbps: &down,
		UploadMbps:   &up,
		DurationS:    duration,
	}, nil
}

// latency times a single small request to the endpoint.
func (p *ThroughputProbe) latency(ctx context.Context, url string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("latency request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("latency request returned status %d", resp.StatusCode)
	}
	return float64(time.Since(start).Microseconds()) / 1000.0, nil
}

// download saturates the link with Threads workers repeatedly fetching
// the endpoint's download URL for the stage window. Received bytes are
// accumulated with an atomic counter; workers share nothing else.
func (p *ThroughputProbe) download(ctx context.Context, url string) (float64, error) {
	sctx, cancel := context.WithTimeout(ctx, p.StageTime)
	defer cancel()

	var total atomic.Int64
	errCh := make(chan error, p.Threads)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < p.Threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sctx.Err() == nil {
				n, err := p.fetchOnce(sctx, url)
				total.Add(n)
				if err != nil {
					if sctx.Err() == nil {
						errCh <- err
					}
					return
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	return rate(total.Load(), elapsed, errCh)
}

func (p *ThroughputProbe) fetchOnce(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	// Partial reads still count: bytes that arrived before the stage
	// deadline are part of the measurement.
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil && ctx.Err() != nil {
		return n, nil
	}
	return n, err
}

// upload mirrors download with POSTed fixed-size payloads. Sent bytes
// are observed through a counting reader so a request cut off by the
// stage deadline still contributes what it transferred.
func (p *ThroughputProbe) upload(ctx context.Context, url string) (float64, error) {
	sctx, cancel := context.WithTimeout(ctx, p.StageTime)
	defer cancel()

	payload := make([]byte, uploadChunkSize)
	var total atomic.Int64
	errCh := make(chan error, p.Threads)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < p.Threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sctx.Err() == nil {
				err := p.postOnce(sctx, url, payload, &total)
				if err != nil {
					if sctx.Err() == nil {
						errCh <- err
					}
					return
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	return rate(total.Load(), elapsed, errCh)
}

func (p *ThroughputProbe) postOnce(ctx context.Context, url string, payload []byte, total *atomic.Int64) error {
	body := &countingReader{r: bytes.NewReader(payload), n: total}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(payload))

	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upload returned status %d", resp.StatusCode)
	}
	return nil
}

// rate converts accumulated bytes into Mbps, surfacing a worker error
// only when nothing was transferred at all.
func rate(totalBytes int64, elapsed time.Duration, errCh chan error) (float64, error) {
	if totalBytes == 0 {
		select {
		case err := <-errCh:
			return 0, err
		default:
			return 0, errors.New("no bytes transferred")
		}
	}
	if elapsed <= 0 {
		return 0, errors.New("transfer window had zero duration")
	}
	return float64(totalBytes) * 8 / elapsed.Seconds() / 1e6, nil
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
