package perception

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmu1981/botfabric/bus"
)

func fakeSim(t *testing.T, fail bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/pos":
			w.Write([]byte(`{"abs_robot_pos":{"x":1,"y":2},"abs_ball_pos":{"x":3,"y":4}}`))
		case "/goals":
			w.Write([]byte(`{"n_goals":2}`))
		default:
			w.Write([]byte(`{"detected":true,"position":{"x":0.5,"y":0.5}}`))
		}
	}))
}

func TestPollEmitsSnapshot(t *testing.T) {
	srv := fakeSim(t, false)
	defer srv.Close()

	drop := bus.NewTopic[struct{}](1)
	c := New(srv.URL, drop)
	out := c.Output.Subscribe()

	handles := c.Run(nilCancelContext())
	defer drainHandles(handles)

	select {
	case msg := <-out:
		if msg.NGoals != 2 {
			t.Fatalf("expected n_goals 2, got %d", msg.NGoals)
		}
		if !msg.Ball.Detected() {
			t.Fatalf("expected ball detected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for perception snapshot")
	}
}

func TestPollFailureTripsDrop(t *testing.T) {
	srv := fakeSim(t, true)
	defer srv.Close()

	drop := bus.NewTopic[struct{}](1)
	dropSub := drop.Subscribe()
	c := New(srv.URL, drop)

	handles := c.Run(nilCancelContext())
	defer drainHandles(handles)

	select {
	case <-dropSub:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a failed poll to trip the drop signal")
	}
}
