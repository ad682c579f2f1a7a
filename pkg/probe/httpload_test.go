package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPLoad(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	p := NewHTTPLoadProbe(srv.URL, "", 5*time.Second, nil)
	seconds, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if seconds < 0.02 {
		t.Errorf("Load() = %vs, want at least the server delay of 0.02s", seconds)
	}
}

func TestHTTPLoadNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	p := NewHTTPLoadProbe(srv.URL, "", 5*time.Second, nil)
	if _, err := p.Load(context.Background()); err == nil {
		t.Fatal("Load() error = nil, want failure on non-2xx status")
	}
}

func TestHTTPLoadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewHTTPLoadProbe(srv.URL, "", 50*time.Millisecond, nil)
	if _, err := p.Load(context.Background()); err == nil {
		t.Fatal("Load() error = nil, want timeout failure")
	}
}
