package kicker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmu1981/botfabric/bus"
)

func contextBackground() context.Context { return context.Background() }

func TestKickerFiresOnlyOnTrue(t *testing.T) {
	fired := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fired <- struct{}{}
	}))
	defer srv.Close()

	drop := bus.NewTopic[struct{}](1)
	kick := bus.NewTopic[bool](4)
	c := New(srv.URL, drop, kick)

	c.Run(contextBackground())

	kick.Publish(false)
	kick.Publish(true)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected the kicker to fire on true")
	}

	select {
	case <-fired:
		t.Fatal("did not expect a second fire from the false message")
	case <-time.After(100 * time.Millisecond):
	}
}
