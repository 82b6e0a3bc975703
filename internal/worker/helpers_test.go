package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/clients"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/manifest"
	"github.com/offline-hub/offline-hub/internal/network"
)

const testTimeout = 50 * time.Millisecond

var errOffline = errors.New("dial tcp: connection refused")

// fakeNetwork 模拟源站：按 URL 返回预设响应，可整体离线或让单个 URL 挂起/失败。
type fakeNetwork struct {
	mu        sync.Mutex
	bodies    map[string]string
	statuses  map[string]int
	failing   map[string]bool
	hanging   map[string]bool
	offline   bool
	calls     map[string]int
	forwarded []network.Request
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		bodies:   map[string]string{},
		statuses: map[string]int{},
		failing:  map[string]bool{},
		hanging:  map[string]bool{},
		calls:    map[string]int{},
	}
}

func (f *fakeNetwork) serve(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[url] = body
}

func (f *fakeNetwork) serveStatus(url string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[url] = body
	f.statuses[url] = status
}

func (f *fakeNetwork) fail(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[url] = true
}

func (f *fakeNetwork) hang(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hanging[url] = true
}

func (f *fakeNetwork) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeNetwork) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeNetwork) FetchWithTimeout(ctx context.Context, req network.Request, d time.Duration) (*cache.Response, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	hanging := f.hanging[req.URL]
	failing := f.failing[req.URL] || f.offline
	body, ok := f.bodies[req.URL]
	status := f.statuses[req.URL]
	f.mu.Unlock()

	if hanging {
		timeoutCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		<-timeoutCtx.Done()
		return nil, fmt.Errorf("%w: %v", network.ErrTimeout, timeoutCtx.Err())
	}
	if failing {
		return nil, errOffline
	}
	if !ok {
		return &cache.Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found"), URL: req.URL}, nil
	}
	if status == 0 {
		status = http.StatusOK
	}
	return &cache.Response{
		Status:   status,
		Header:   http.Header{"Content-Type": []string{contentTypeFor(req.URL)}},
		Body:     []byte(body),
		URL:      req.URL,
		StoredAt: time.Now().UTC(),
	}, nil
}

func (f *fakeNetwork) Forward(ctx context.Context, req network.Request) (*http.Response, error) {
	f.mu.Lock()
	f.forwarded = append(f.forwarded, req)
	offline := f.offline
	f.mu.Unlock()
	if offline {
		return nil, errOffline
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("forwarded")),
	}, nil
}

func contentTypeFor(url string) string {
	switch {
	case strings.HasSuffix(url, ".js"):
		return "application/javascript"
	case strings.HasSuffix(url, ".css"):
		return "text/css"
	default:
		return "text/html"
	}
}

type testEnv struct {
	worker   *Worker
	net      *fakeNetwork
	storage  cache.Storage
	registry *clients.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	storage, err := cache.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	net := newFakeNetwork()
	registry := clients.NewRegistry(logging.Discard(), 8)
	w, err := New(Options{
		Storage:        storage,
		Network:        net,
		Clients:        registry,
		Logger:         logging.Discard(),
		NetworkTimeout: testTimeout,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	registry.OnDisconnect(w.ClientDisconnected)
	t.Cleanup(w.Wait)
	return &testEnv{worker: w, net: net, storage: storage, registry: registry}
}

func testGeneration(t *testing.T, version string, core, optional []string) *Generation {
	t.Helper()
	m, err := manifest.New("/", core, optional)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	return &Generation{
		Version:   version,
		StoreName: "test-" + version,
		Manifest:  m,
	}
}

func (e *testEnv) deploy(t *testing.T, gen *Generation) {
	t.Helper()
	if err := e.worker.Deploy(context.Background(), gen); err != nil {
		t.Fatalf("deploy %s: %v", gen.Version, err)
	}
}

func (e *testEnv) storeNames(t *testing.T) []string {
	t.Helper()
	names, err := e.storage.Names(context.Background())
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	return names
}

func (e *testEnv) cached(t *testing.T, storeName, url string) (*cache.Response, bool) {
	t.Helper()
	ok, err := e.storage.Has(context.Background(), storeName)
	if err != nil || !ok {
		return nil, false
	}
	store, err := e.storage.Open(context.Background(), storeName)
	if err != nil {
		t.Fatalf("open %s: %v", storeName, err)
	}
	resp, err := store.Match(context.Background(), cache.MustKey(url))
	if err != nil {
		return nil, false
	}
	return resp, true
}

func (e *testEnv) seed(t *testing.T, storeName, url, body string) {
	t.Helper()
	store, err := e.storage.Open(context.Background(), storeName)
	if err != nil {
		t.Fatalf("open %s: %v", storeName, err)
	}
	err = store.Put(context.Background(), cache.MustKey(url), &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{contentTypeFor(url)}},
		Body:   []byte(body),
	})
	if err != nil {
		t.Fatalf("seed %s: %v", url, err)
	}
}

func (e *testEnv) fetch(t *testing.T, method, url string, header http.Header) *FetchResult {
	t.Helper()
	result, err := e.worker.HandleFetch(context.Background(), NewPendingRequest(method, url, header, nil))
	if err != nil {
		t.Fatalf("fetch %s %s: %v", method, url, err)
	}
	return result
}

func navigate() http.Header {
	h := http.Header{}
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	return h
}

func dest(value string) http.Header {
	h := http.Header{}
	h.Set("Sec-Fetch-Dest", value)
	return h
}
