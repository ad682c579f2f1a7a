// Package fetch makes HTTP requests, optionally through a transport
// described by a config string (e.g. a proxy chain), so HTTP load
// measurements can be taken over the same path the operator cares about.
package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// Options configures a fetch request.
type Options struct {
	// Transport config string. Empty means a direct connection.
	Transport string
	// HTTP method to use (default: "GET")
	Method string
	// Raw HTTP headers to add (without \r\n)
	Headers []string
	// Timeout for the whole request (default: 10s)
	Timeout time.Duration
}

// Result contains the response from a fetch request.
type Result struct {
	Response *http.Response
	Body     []byte
}

// Fetch makes an HTTP request with the given options.
func Fetch(ctx context.Context, url string, opts Options) (*Result, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(opts.Transport)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{DialContext: dialContext},
		Timeout:   opts.Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if len(opts.Headers) > 0 {
		headerText := strings.Join(opts.Headers, "\r\n") + "\r\n\r\n"
		h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
		if err != nil {
			return nil, fmt.Errorf("invalid header line: %w", err)
		}
		for name, values := range h {
			for _, value := range values {
				req.Header.Add(name, value)
			}
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}

	return &Result{
		Response: resp,
		Body:     body,
	}, nil
}
