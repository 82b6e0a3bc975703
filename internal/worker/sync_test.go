package worker

import (
	"context"
	"errors"
	"testing"
)

func TestSyncRefreshOptionalKeepsSuccessfulAssets(t *testing.T) {
	env := newTestEnv(t)
	env.net.serve("/", "root")
	env.net.serve("/a.png", "a")
	env.net.serve("/b.png", "b")
	env.net.fail("/c.png")
	gen := testGeneration(t, "v1", []string{"/"}, []string{"/a.png", "/b.png", "/c.png"})
	env.deploy(t, gen)

	report, err := env.worker.Sync(context.Background(), TagRefreshOptional)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Version != "v1" || len(report.Refreshed) != 2 || len(report.Failed) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, url := range []string{"/a.png", "/b.png"} {
		if _, ok := env.cached(t, gen.StoreName, url); !ok {
			t.Fatalf("expected %s cached", url)
		}
	}
	if _, ok := env.cached(t, gen.StoreName, "/c.png"); ok {
		t.Fatalf("failed asset must not be cached")
	}
}

func TestSyncRefreshCoreOverwritesEntries(t *testing.T) {
	env := newTestEnv(t)
	env.net.serve("/", "root v1")
	gen := testGeneration(t, "v1", []string{"/"}, nil)
	env.deploy(t, gen)

	env.net.serve("/", "root v1.1")
	report, err := env.worker.Sync(context.Background(), "sync-updates")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Tag != TagRefreshCore {
		t.Fatalf("alias should resolve to %s, got %s", TagRefreshCore, report.Tag)
	}
	cached, ok := env.cached(t, gen.StoreName, "/")
	if !ok || string(cached.Body) != "root v1.1" {
		t.Fatalf("core entry should be refreshed")
	}
}

func TestSyncFailureNeverDeletesEntries(t *testing.T) {
	env := newTestEnv(t)
	env.net.serve("/", "root")
	gen := testGeneration(t, "v1", []string{"/"}, nil)
	env.deploy(t, gen)

	env.net.setOffline(true)
	report, err := env.worker.Sync(context.Background(), TagRefreshCore)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("expected failure to be reported: %+v", report)
	}
	if _, ok := env.cached(t, gen.StoreName, "/"); !ok {
		t.Fatalf("entry must survive a failed refresh")
	}
}

func TestSyncWithoutGenerationIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	report, err := env.worker.Sync(context.Background(), "lazy-cache")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !report.Skipped || report.Tag != TagRefreshOptional {
		t.Fatalf("unexpected report %+v", report)
	}
	if names := env.storeNames(t); len(names) != 0 {
		t.Fatalf("skipped sync must not create stores: %v", names)
	}
}

func TestSyncUnknownTag(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.worker.Sync(context.Background(), "refresh-everything"); !errors.Is(err, ErrUnknownSyncTag) {
		t.Fatalf("expected ErrUnknownSyncTag, got %v", err)
	}
}

func TestNormalizeSyncTag(t *testing.T) {
	cases := map[string]string{
		"refresh-core":       TagRefreshCore,
		"sync-updates":       TagRefreshCore,
		" Refresh-Optional ": TagRefreshOptional,
		"lazy-cache":         TagRefreshOptional,
	}
	for in, want := range cases {
		got, err := NormalizeSyncTag(in)
		if err != nil || got != want {
			t.Fatalf("NormalizeSyncTag(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}
