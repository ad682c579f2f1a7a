// Package recorder persists measurement results to durable local
// storage: a structured CSV log and a human-readable text log, one file
// of each per local day. Writes are append-only and flushed and synced
// before returning, so a crash mid-write never corrupts prior rows.
package recorder

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"netprobe-agent/pkg/models"
)

// Recorder writes one CSV row and one text line per cycle.
type Recorder struct {
	Dir       string
	Providers []string
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(dir string, providers []string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{Dir: dir, Providers: providers, Logger: logger, Now: time.Now}
}

// Record appends the result to today's CSV and text logs. The day is
// the local wall-clock date at write time, so a cycle spanning midnight
// lands in the file for its completion date.
func (r *Recorder) Record(res *models.Result) error {
	day := r.Now().Format("2006-01-02")
	csvPath := filepath.Join(r.Dir, "netlog_"+day+".csv")
	txtPath := filepath.Join(r.Dir, "netlog_"+day+".txt")

	if err := r.appendCSV(csvPath, res); err != nil {
		return fmt.Errorf("failed to write structured log: %w", err)
	}
	if err := appendLine(txtPath, r.Summary(res)); err != nil {
		return fmt.Errorf("failed to write text log: %w", err)
	}
	return nil
}

func (r *Recorder) appendCSV(path string, res *models.Result) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(r.Header()); err != nil {
			return err
		}
	}
	if err := w.Write(r.row(res)); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return err
	}
	return f.Sync()
}

// Header returns the stable column order: fixed identity, geo, ping and
// HTTP columns followed by one column block per configured provider.
func (r *Recorder) Header() []string {
	cols := []string{
		"ts_iso", "device", "hostname", "local_ip", "public_ip",
		"city", "region", "country", "lat", "lon", "isp",
		"threads_used", "rtt_ms", "jitter_ms", "http_load_s",
	}
	for _, p := range r.Providers {
		cols = append(cols,
			p+"_server", p+"_sponsor", p+"_server_id",
			p+"_latency_ms", p+"_download_mbps", p+"_upload_mbps", p+"_duration_s",
		)
	}
	return cols
}

func (r *Recorder) row(res *models.Result) []string {
	row := []string{
		res.Timestamp.Format(time.RFC3339),
		res.Device,
		res.Hostname,
		res.LocalIP,
		res.PublicIP,
		res.City,
		res.Region,
		res.Country,
		res.Lat,
		res.Lon,
		res.ISP,
		strconv.Itoa(res.Threads),
		formatFloat(res.RTTMs),
		formatFloat(res.JitterMs),
		formatFloat(res.HTTPLoadS),
	}
	for _, p := range r.Providers {
		pr := res.Provider(p)
		if pr == nil {
			pr = &models.ProviderResult{}
		}
		serverID := ""
		if pr.ServerID != 0 {
			serverID = strconv.Itoa(pr.ServerID)
		}
		row = append(row,
			pr.Server,
			pr.Sponsor,
			serverID,
			formatFloat(pr.LatencyMs),
			formatFloat(pr.DownloadMbps),
			formatFloat(pr.UploadMbps),
			strconv.FormatFloat(pr.DurationS, 'f', 2, 64),
		)
	}
	return row
}

// Summary renders the one-line human-readable form of a cycle, written
// for every outcome so operators see history during degradation too.
func (r *Recorder) Summary(res *models.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", res.Timestamp.Format(time.RFC3339))
	if res.TimedOut {
		b.WriteString(" TIMEOUT")
	}
	for _, p := range r.Providers {
		pr := res.Provider(p)
		if pr == nil || pr.DownloadMbps == nil {
			fmt.Fprintf(&b, " %s: failed", p)
			continue
		}
		fmt.Fprintf(&b, " %s: down %.2f up %.2f Mbps (%.2fs)",
			p, *pr.DownloadMbps, *pr.UploadMbps, pr.DurationS)
	}
	if res.RTTMs != nil {
		fmt.Fprintf(&b, " rtt %.2fms", *res.RTTMs)
	}
	if res.JitterMs != nil {
		fmt.Fprintf(&b, " jitter %.2fms", *res.JitterMs)
	}
	if res.HTTPLoadS != nil {
		fmt.Fprintf(&b, " http %.2fs", *res.HTTPLoadS)
	}
	return b.String()
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
