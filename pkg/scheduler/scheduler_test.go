package scheduler

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"netprobe-agent/pkg/models"
	"netprobe-agent/pkg/recorder"
)

func f64(v float64) *float64 { return &v }

// fakeRunner returns a canned result per cycle and reports each cycle
// start time on a channel.
type fakeRunner struct {
	mu     sync.Mutex
	starts []time.Time
	err    error
	done   chan struct{}
}

func (f *fakeRunner) RunCycle(ctx context.Context) (*models.Result, error) {
	f.mu.Lock()
	f.starts = append(f.starts, time.Now())
	f.mu.Unlock()

	res := &models.Result{
		Timestamp: time.Now(),
		Device:    "NET-PI-01",
		Threads:   4,
		RTTMs:     f64(15.0),
		HTTPLoadS: f64(0.5),
		Providers: []models.ProviderResult{
			{TestID: "t1", Provider: "etisalat", DownloadMbps: f64(100.0), UploadMbps: f64(20.0)},
			{TestID: "t2", Provider: "du", DownloadMbps: f64(80.0), UploadMbps: f64(15.0)},
		},
	}
	select {
	case f.done <- struct{}{}:
	default:
	}
	return res, f.err
}

type memRecorder struct {
	mu      sync.Mutex
	results []*models.Result
	err     error
}

func (m *memRecorder) Record(res *models.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return m.err
}

type failingSink struct {
	calls int
}

func (s *failingSink) Name() string { return "failing" }
func (s *failingSink) Publish(ctx context.Context, res *models.Result) error {
	s.calls++
	return errors.New("remote unavailable")
}

// waitCycles blocks until n cycles have signalled completion.
func waitCycles(t *testing.T, done chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for cycle %d", i+1)
		}
	}
}

func TestRunFixedStartInterval(t *testing.T) {
	runner := &fakeRunner{done: make(chan struct{}, 8)}
	rec := &memRecorder{}
	interval := 200 * time.Millisecond

	s := New(runner, rec, nil, interval, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	waitCycles(t, runner.done, 3)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v, want nil on cancellation", err)
	}

	runner.mu.Lock()
	starts := append([]time.Time(nil), runner.starts...)
	runner.mu.Unlock()
	if len(starts) < 3 {
		t.Fatalf("got %d cycles, want at least 3", len(starts))
	}
	// Starts are spaced by the fixed interval, allowing minor ticker skew.
	for i := 1; i < 3; i++ {
		gap := starts[i].Sub(starts[i-1])
		if gap < interval-20*time.Millisecond {
			t.Errorf("gap between cycle %d and %d = %v, want about %v", i-1, i, gap, interval)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.results) < 3 {
		t.Errorf("recorded %d results, want at least 3", len(rec.results))
	}
}

func TestRunSurvivesFailures(t *testing.T) {
	// Degraded cycles, failing recorder and failing sink: the loop keeps going.
	runner := &fakeRunner{done: make(chan struct{}, 8), err: context.DeadlineExceeded}
	rec := &memRecorder{err: errors.New("disk full")}
	sink := &failingSink{}

	s := New(runner, rec, []Sink{sink}, 100*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	waitCycles(t, runner.done, 3)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}

	rec.mu.Lock()
	recorded := len(rec.results)
	rec.mu.Unlock()
	if recorded < 3 {
		t.Errorf("recorded %d partial results, want at least 3", recorded)
	}
	if sink.calls < 3 {
		t.Errorf("sink called %d times, want at least 3 despite failures", sink.calls)
	}
}

// Three scheduled cycles with stubbed probe values produce exactly three
// structured log rows with increasing timestamps spaced by the interval.
func TestRunStructuredLogEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-second scheduler test")
	}

	dir := t.TempDir()
	runner := &fakeRunner{done: make(chan struct{}, 8)}
	rec := recorder.New(dir, []string{"etisalat", "du"}, nil)
	interval := 1100 * time.Millisecond

	s := New(runner, rec, nil, interval, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	waitCycles(t, runner.done, 3)
	cancel()
	<-errCh

	files, err := filepath.Glob(filepath.Join(dir, "netlog_*.csv"))
	if err != nil || len(files) == 0 {
		t.Fatalf("no structured log written: %v", err)
	}

	var rows [][]string
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			t.Fatal(err)
		}
		r, err := csv.NewReader(f).ReadAll()
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		rows = append(rows, r[1:]...) // skip header
	}
	if len(rows) != 3 {
		t.Fatalf("got %d data rows, want exactly 3", len(rows))
	}

	header := recorder.New(dir, []string{"etisalat", "du"}, nil).Header()
	idx := func(name string) int {
		for i, h := range header {
			if h == name {
				return i
			}
		}
		t.Fatalf("column %q missing", name)
		return -1
	}

	var prev time.Time
	for i, row := range rows {
		ts, err := time.Parse(time.RFC3339, row[idx("ts_iso")])
		if err != nil {
			t.Fatalf("row %d timestamp %q: %v", i, row[0], err)
		}
		if i > 0 && !ts.After(prev) {
			t.Errorf("timestamps not increasing: row %d %v after %v", i, ts, prev)
		}
		if i > 0 {
			if gap := ts.Sub(prev); gap < time.Second {
				t.Errorf("rows %d-%d spaced %v, want at least ~interval", i-1, i, gap)
			}
		}
		prev = ts

		if got := row[idx("etisalat_download_mbps")]; got != "100.00" {
			t.Errorf("row %d etisalat_download_mbps = %q, want 100.00", i, got)
		}
		if got := row[idx("etisalat_upload_mbps")]; got != "20.00" {
			t.Errorf("row %d etisalat_upload_mbps = %q, want 20.00", i, got)
		}
		if got := row[idx("rtt_ms")]; got != "15.00" {
			t.Errorf("row %d rtt_ms = %q, want 15.00", i, got)
		}
		if got := row[idx("http_load_s")]; got != "0.50" {
			t.Errorf("row %d http_load_s = %q, want 0.50", i, got)
		}
	}
}
