package models

import (
	"time"

	"github.com/uptrace/bun"
)

// GeoInfo is the public IP and geo/ISP metadata for the device, looked
// up once per cycle. Lat and Lon stay as strings since the lookup
// service reports them as a single "lat,lon" field.
type GeoInfo struct {
	PublicIP string `json:"public_ip"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Lat      string `json:"lat"`
	Lon      string `json:"lon"`
	ISP      string `json:"isp"`
}

// ProviderResult holds one provider's throughput measurement within a
// cycle. Metric fields are pointers so a failed probe is recorded as
// null rather than zero.
type ProviderResult struct {
	TestID       string   `json:"test_id"`
	Provider     string   `json:"target_isp"`
	Server       string   `json:"server,omitempty"`
	Sponsor      string   `json:"sponsor,omitempty"`
	ServerID     int      `json:"server_id,omitempty"`
	LatencyMs    *float64 `json:"latency_ms"`
	DownloadMbps *float64 `json:"download_mbps"`
	UploadMbps   *float64 `json:"upload_mbps"`
	DurationS    float64  `json:"duration_s"`
	Error        string   `json:"error,omitempty"`
}

// Result is one measurement cycle's record. It is immutable once the
// cycle completes: written once to the daily logs and optionally
// forwarded to remote stores, never updated in place.
type Result struct {
	bun.BaseModel `bun:"table:netlogs,alias:r"`

	ID        int64            `bun:",pk,autoincrement" json:"-"`
	Timestamp time.Time        `bun:",notnull" json:"ts_iso"`
	Device    string           `bun:",notnull" json:"device"`
	Hostname  string           `json:"hostname"`
	LocalIP   string           `json:"local_ip"`
	PublicIP  string           `json:"public_ip"`
	City      string           `json:"city"`
	Region    string           `json:"region"`
	Country   string           `json:"country"`
	Lat       string           `json:"lat"`
	Lon       string           `json:"lon"`
	ISP       string           `json:"isp"`
	Threads   int              `json:"threads_used"`
	RTTMs     *float64         `json:"rtt_ms"`
	JitterMs  *float64         `json:"jitter_ms"`
	HTTPLoadS *float64         `json:"http_load_s"`
	TimedOut  bool             `json:"timed_out,omitempty"`
	Providers []ProviderResult `bun:",type:jsonb" json:"providers"`
	CreatedAt time.Time        `bun:",nullzero,notnull,default:current_timestamp" json:"-"`
}

// Provider returns the named provider's result, or nil if the cycle has
// no entry for it.
func (r *Result) Provider(name string) *ProviderResult {
	for i := range r.Providers {
		if r.Providers[i].Provider == name {
			return &r.Providers[i]
		}
	}
	return nil
}

// SetGeo copies geo lookup fields into the result.
func (r *Result) SetGeo(g GeoInfo) {
	r.PublicIP = g.PublicIP
	r.City = g.City
	r.Region = g.Region
	r.Country = g.Country
	r.Lat = g.Lat
	r.Lon = g.Lon
	r.ISP = g.ISP
}
