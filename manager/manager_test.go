package manager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmu1981/botfabric/bus"
)

func TestInitSpawnsOnVersionMatch(t *testing.T) {
	var resets int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api":
			w.Write([]byte(`{"version":2}`))
		case "/reset":
			resets++
		}
	}))
	defer srv.Close()

	drop := bus.NewTopic[struct{}](1)
	resetTopic := bus.NewTopic[bool](1)
	c := New(srv.URL, drop, resetTopic)

	spawned := c.BotSpawned.Subscribe()
	handles := c.Init(context.Background())

	select {
	case v := <-spawned:
		if !v {
			t.Fatal("expected bot_spawned=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bot_spawned")
	}

	if err := <-handles[0]; err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
	if resets != 1 {
		t.Fatalf("expected exactly one reset during init, got %d", resets)
	}
}

func TestInitFailsOnVersionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":1}`))
	}))
	defer srv.Close()

	drop := bus.NewTopic[struct{}](1)
	c := New(srv.URL, drop, bus.NewTopic[bool](1))

	handles := c.Init(context.Background())
	if err := <-handles[0]; err == nil {
		t.Fatal("expected a version mismatch error")
	}
}
