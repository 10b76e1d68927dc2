package mesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// validFrameJSON returns an encoded two-point frame.
func validFrameJSON() []byte {
	data, _ := EncodeFramePayload([]r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}})
	return data
}

func TestFetchFrame_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("expected Accept: application/json, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(validFrameJSON())
	}))
	defer srv.Close()

	frame, err := FetchFrame(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("FetchFrame() error: %v", err)
	}
	if len(frame) != 2 {
		t.Fatalf("FetchFrame() returned %d points, want 2", len(frame))
	}
	if frame[1] != (r3.Vector{X: 1}) {
		t.Errorf("second point = %v, want (1,0,0)", frame[1])
	}
}

func TestFetchFrame_EmptyURL(t *testing.T) {
	_, err := FetchFrame(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty URL")
	}
	if !strings.Contains(err.Error(), "URL is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchFrame_InvalidPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := FetchFrame(context.Background(), srv.URL, WithHTTPClient(srv.Client()), WithMaxRetries(1))
	if err == nil {
		t.Fatal("expected error for invalid payload")
	}
	if !strings.Contains(err.Error(), "unknown format") {
		t.Errorf("expected decode error, got: %v", err)
	}
}

func TestFetchFrame_ServerError_Retries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(validFrameJSON())
	}))
	defer srv.Close()

	frame, err := FetchFrame(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(3),
		WithBaseBackoff(1*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("FetchFrame() error: %v", err)
	}
	if len(frame) != 2 {
		t.Errorf("FetchFrame() returned %d points, want 2", len(frame))
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchFrame_AllRetriesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := FetchFrame(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(2),
		WithBaseBackoff(1*time.Millisecond),
	)
	if err == nil {
		t.Fatal("expected error after all retries exhausted")
	}
	if !strings.Contains(err.Error(), "all 2 attempts failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchFrame_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := FetchFrame(ctx, srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(3),
		WithBaseBackoff(1*time.Millisecond),
	)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestFetchFrame_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write(validFrameJSON())
	}))
	defer srv.Close()

	_, err := FetchFrame(context.Background(), srv.URL,
		WithTimeout(10*time.Millisecond),
		WithMaxRetries(1),
	)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestFetchFrame_NoRetryOnDecodeError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		_, _ = w.Write([]byte("{invalid"))
	}))
	defer srv.Close()

	_, err := FetchFrame(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(3),
		WithBaseBackoff(1*time.Millisecond),
	)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected 1 attempt (no retry on decode error), got %d", got)
	}
}

func TestFetchFrame_OversizedBody(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		chunk := []byte(strings.Repeat(" ", 1<<20))
		for written := 0; written <= maxPayloadBytes; written += len(chunk) {
			if _, err := w.Write(chunk); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	_, err := FetchFrame(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(3),
		WithBaseBackoff(1*time.Millisecond),
	)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected 1 attempt (no retry on oversized body), got %d", got)
	}
}

func TestFetchFrame_HTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(validFrameJSON())
	}))
	defer srv.Close()

	frame, err := FetchFrame(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("FetchFrame() HTTPS error: %v", err)
	}
	if len(frame) != 2 {
		t.Errorf("FetchFrame() returned %d points, want 2", len(frame))
	}
}

func TestReadFrameSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(validFrameJSON())
	}))
	defer srv.Close()

	remote, err := ReadFrameSource(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("remote source: %v", err)
	}

	path := filepath.Join(t.TempDir(), "frame.json")
	if err := os.WriteFile(path, validFrameJSON(), 0644); err != nil {
		t.Fatal(err)
	}
	local, err := ReadFrameSource(context.Background(), path)
	if err != nil {
		t.Fatalf("local source: %v", err)
	}
	if len(remote) != len(local) {
		t.Errorf("remote has %d points, local has %d", len(remote), len(local))
	}
}

func TestIsRemoteSource(t *testing.T) {
	tests := map[string]bool{
		"http://host/frame":  true,
		"https://host/frame": true,
		"frame.json":         false,
		"/tmp/http.json":     false,
	}
	for source, want := range tests {
		if got := IsRemoteSource(source); got != want {
			t.Errorf("IsRemoteSource(%q) = %v, want %v", source, got, want)
		}
	}
}

func TestFetchOptions_Defaults(t *testing.T) {
	cfg := defaultFetchConfig()
	if cfg.timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", cfg.timeout)
	}
	if cfg.maxRetries != 3 {
		t.Errorf("default maxRetries = %d, want 3", cfg.maxRetries)
	}
	if cfg.baseBackoff != 500*time.Millisecond {
		t.Errorf("default baseBackoff = %v, want 500ms", cfg.baseBackoff)
	}
	if cfg.client != nil {
		t.Error("default client should be nil")
	}
}
