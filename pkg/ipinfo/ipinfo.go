// Package ipinfo resolves the device's public IP and geo/ISP metadata
// from an external lookup service. The result rarely changes, so the
// runner looks it up once per cycle and never persists it.
package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"netprobe-agent/pkg/models"
)

// DefaultBaseURL is the public lookup service used when none is configured.
const DefaultBaseURL = "https://ipinfo.io"

type ipInfoResponse struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Loc      string `json:"loc"`
	Org      string `json:"org"`
	Postal   string `json:"postal"`
	Timezone string `json:"timezone"`
}

// Client queries the geo/IP lookup service.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 6 * time.Second},
	}
}

// Lookup resolves the device's public IP, geo fields and ISP org.
func (c *Client) Lookup(ctx context.Context) (models.GeoInfo, error) {
	url := c.BaseURL + "/json"
	if c.Token != "" {
		url = fmt.Sprintf("%s?token=%s", url, c.Token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.GeoInfo{}, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return models.GeoInfo{}, fmt.Errorf("ipinfo lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.GeoInfo{}, fmt.Errorf("ipinfo lookup returned status %d", resp.StatusCode)
	}

	var parsed ipInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.GeoInfo{}, fmt.Errorf("failed to decode ipinfo response: %w", err)
	}

	info := models.GeoInfo{
		PublicIP: parsed.IP,
		City:     parsed.City,
		Region:   parsed.Region,
		Country:  parsed.Country,
		ISP:      parsed.Org,
	}
	// "loc" arrives as a single "lat,lon" field.
	if lat, lon, found := strings.Cut(parsed.Loc, ","); found {
		info.Lat = lat
		info.Lon = lon
	}
	return info, nil
}

// LocalIP reports the preferred outbound IPv4 address by opening a UDP
// socket toward a public resolver; no packets are sent.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
