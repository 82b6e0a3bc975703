package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchReturnsBufferedResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/main.js" || r.URL.RawQuery != "v=1" {
			t.Errorf("unexpected upstream request %s", r.URL.String())
		}
		if r.Header.Get("X-Client") != "test" {
			t.Errorf("expected forwarded header")
		}
		if r.Header.Get("Proxy-Authorization") != "" {
			t.Errorf("hop-by-hop header leaked upstream")
		}
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Keep-Alive", "timeout=5")
		_, _ = w.Write([]byte("console.log(1)"))
	}))
	defer upstream.Close()

	f := newTestFetcher(t, upstream.URL)
	header := http.Header{}
	header.Set("X-Client", "test")
	header.Set("Proxy-Authorization", "secret")

	resp, err := f.Fetch(context.Background(), Request{Method: http.MethodGet, URL: "/app/main.js?v=1", Header: header})
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "console.log(1)" {
		t.Fatalf("unexpected response %d %q", resp.Status, string(resp.Body))
	}
	if resp.Header.Get("Content-Type") != "application/javascript" {
		t.Fatalf("content type not preserved: %v", resp.Header)
	}
	if resp.Header.Get("Keep-Alive") != "" {
		t.Fatalf("hop-by-hop response header should be stripped")
	}
	if resp.URL != "/app/main.js?v=1" {
		t.Fatalf("unexpected response url %s", resp.URL)
	}
}

func TestFetchNonOKIsNotAnError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer upstream.Close()

	resp, err := newTestFetcher(t, upstream.URL).Fetch(context.Background(), Request{URL: "/missing"})
	if err != nil {
		t.Fatalf("non-2xx should not be an error: %v", err)
	}
	if resp.Status != http.StatusNotFound || resp.OK() {
		t.Fatalf("expected 404 response, got %d", resp.Status)
	}
}

func TestFetchWithTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	started := time.Now()
	_, err := newTestFetcher(t, upstream.URL).FetchWithTimeout(context.Background(), Request{URL: "/slow"}, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestFetchTimeoutCoversBodyRead(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	_, err := newTestFetcher(t, upstream.URL).FetchWithTimeout(context.Background(), Request{URL: "/stream"}, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout while reading body, got %v", err)
	}
}

func TestFetchConnectionFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := upstream.URL
	upstream.Close()

	_, err := newTestFetcher(t, addr).FetchWithTimeout(context.Background(), Request{URL: "/"}, time.Second)
	if err == nil {
		t.Fatalf("expected error for closed upstream")
	}
}

func TestForwardStreamsNonGet(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(append([]byte("echo:"), body...))
	}))
	defer upstream.Close()

	resp, err := newTestFetcher(t, upstream.URL).Forward(context.Background(), Request{
		Method: http.MethodPost,
		URL:    "/api/chat",
		Body:   []byte("hi"),
	})
	if err != nil {
		t.Fatalf("forward error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated || string(body) != "echo:hi" {
		t.Fatalf("unexpected forward response %d %q", resp.StatusCode, string(body))
	}
}

func TestResolveStaysOnUpstream(t *testing.T) {
	f := newTestFetcher(t, "https://origin.example.com")
	target, err := f.resolve("https://evil.example.net/app/x.js?a=1")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if target.String() != "https://origin.example.com/app/x.js?a=1" {
		t.Fatalf("unexpected target %s", target.String())
	}
}

func TestNewFetcherValidatesUpstream(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "/relative"} {
		if _, err := NewFetcher(nil, raw); err == nil {
			t.Fatalf("expected error for upstream %q", raw)
		}
	}
}

func newTestFetcher(t *testing.T, upstream string) *Fetcher {
	t.Helper()
	f, err := NewFetcher(NewClient(nil), upstream)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return f
}
