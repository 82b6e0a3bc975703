package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestParseCommandForms(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{raw: "SKIP_WAITING", want: CommandSkipWaiting},
		{raw: " CLEAR_CACHE\n", want: CommandClearCache},
		{raw: `"SKIP_WAITING"`, want: CommandSkipWaiting},
		{raw: `{"type":"CLEAR_CACHE"}`, want: CommandClearCache},
	}
	for _, tc := range cases {
		got, err := ParseCommand([]byte(tc.raw))
		if err != nil || got != tc.want {
			t.Fatalf("ParseCommand(%q) = %q, %v", tc.raw, got, err)
		}
	}

	for _, raw := range []string{"", "RELOAD", `{"type":"RELOAD"}`, `{"type":`, `"unterminated`} {
		if _, err := ParseCommand([]byte(raw)); !errors.Is(err, ErrUnknownCommand) {
			t.Fatalf("ParseCommand(%q) expected ErrUnknownCommand, got %v", raw, err)
		}
	}
}

func TestClearCacheRemovesEveryStore(t *testing.T) {
	env := newTestEnv(t)
	env.net.serve("/", "root")
	env.deploy(t, testGeneration(t, "v1", []string{"/"}, nil))
	env.seed(t, "another-app", "/x", "x")

	result, err := env.worker.HandleMessage(context.Background(), []byte(`{"type":"CLEAR_CACHE"}`))
	if err != nil {
		t.Fatalf("clear cache: %v", err)
	}
	if len(result.Deleted) != 2 {
		t.Fatalf("expected two stores deleted, got %v", result.Deleted)
	}
	if names := env.storeNames(t); len(names) != 0 {
		t.Fatalf("expected zero stores, got %v", names)
	}

	// 之后的拦截仍按策略工作，存储按需重建
	fetched := env.fetch(t, http.MethodGet, "/", navigate())
	if fetched.Response.Status != http.StatusOK {
		t.Fatalf("fetch after clear returned %d", fetched.Response.Status)
	}
}

func TestSkipWaitingWithoutWaitingGeneration(t *testing.T) {
	env := newTestEnv(t)
	result, err := env.worker.HandleMessage(context.Background(), []byte("SKIP_WAITING"))
	if err != nil {
		t.Fatalf("skip waiting: %v", err)
	}
	if result.Activated {
		t.Fatalf("nothing should be activated")
	}
}

func TestHandleMessageRejectsUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.worker.HandleMessage(context.Background(), []byte("PING")); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}
