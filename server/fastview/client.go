// Package fastview streams telemetry.Snapshot values to a single dashboard tab over a
// websocket, discarding whichever queued snapshot is too recent to be worth sending.
// Grounded on the teacher's server/fastview/client.go push-loop shape (ping/pong
// liveness check plus a rate-limited publish loop over a generic update channel), here
// narrowed to the single job server.Server actually needs: fan a snapshot.Topic
// subscription out to one browser tab until it disconnects.
package fastview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"
)

const (
	// Time allowed to write a snapshot or ping frame to the dashboard tab.
	writeWait = 1 * time.Second
	// Maximum message size accepted from the dashboard tab (it never sends anything
	// beyond websocket control frames today; kept as a ceiling against a runaway peer).
	maxMessageSize = 8192

	// snapshotResolution bounds how often a tab is pushed a new telemetry.Snapshot;
	// snapshots queued faster than this are simply the latest state, so intervening
	// ones are safe to drop (SPEC_FULL.md §4.K: "updates are pushed as JSON").
	snapshotResolution = time.Millisecond * 100
	pingResolution      = time.Millisecond * 200
	// pongWait is the number of missed pings tolerated before a tab is considered gone.
	pongWait = pingResolution * 4
)

var upgrader = websocket.Upgrader{}

// Viewer pushes one dashboard tab's stream of telemetry.Snapshot values (or any other
// JSON-able update type T) over a single websocket connection, kept alive by its own
// ping/pong liveness check.
type Viewer[T any] struct {
	snapshots <-chan T
	ws        *websock
	rootCtx   context.Context
}

// NewClient upgrades r to a websocket and returns a Viewer that will stream snapshots
// from the given channel to it once Sync is called. snapshots should carry idempotent
// state (a full telemetry.Snapshot, not a delta) so that discarding an intervening
// value under load never desyncs the tab from reality.
func NewClient[T any](
	snapshots <-chan T,
	w http.ResponseWriter,
	r *http.Request,
) (*Viewer[T], error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, err
	}

	return &Viewer[T]{
		snapshots: snapshots,
		ws:        NewWebSocket(ws),
		rootCtx:   r.Context(),
	}, nil
}

// Sync drives the viewer's three concurrent loops (inbound control-frame reads, the
// ping/pong liveness check, and outbound snapshot pushes) until the tab disconnects or
// one of them errors. It returns nil on a clean disconnect.
func (v *Viewer[T]) Sync() error {
	group, groupCtx := errgroup.WithContext(v.rootCtx)

	group.Go(func() error {
		return v.readControlFrames(groupCtx)
	})
	group.Go(func() error {
		return v.pingPong(groupCtx)
	})
	group.Go(func() error {
		return v.publish(groupCtx)
	})

	return group.Wait()
}

// ErrPongDeadlineExceeded is returned by pingPong when a tab stops answering pings.
var ErrPongDeadlineExceeded error = errors.New("dashboard tab disconnected, pong deadline exceeded")

// pingPong pings the tab on a fixed schedule and declares it gone if pongWait elapses
// without a reply. readControlFrames must be running concurrently for the pong handler
// registered here to ever fire.
func (v *Viewer[T]) pingPong(ctx context.Context) error {
	pong := make(chan struct{})
	defer close(pong)
	v.ws.Conn().SetPongHandler(func(_ string) error {
		pong <- struct{}{}
		return nil
	})

	pinger := channerics.NewTicker(ctx.Done(), pingResolution)
	lastPong := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pinger:
			if time.Since(lastPong) > pongWait {
				return ErrPongDeadlineExceeded
			}

			if err := v.ping(ctx); err != nil {
				return err
			}
		case <-pong:
			lastPong = time.Now()
		}
	}
}

func (v *Viewer[T]) ping(ctx context.Context) error {
	return v.ws.Write(
		ctx,
		func(ws *websocket.Conn) (err error) {
			if err = ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if isError(err) {
					err = fmt.Errorf("ping failed: %T %v", err, err)
				}
			}
			return
		})
}

// readControlFrames drains the tab's side of the connection. The dashboard never sends
// application messages today, but the read pump must still run so gorilla/websocket
// delivers pong control frames to the handler pingPong registered, and so a client
// close is observed promptly.
func (v *Viewer[T]) readControlFrames(ctx context.Context) error {
	for {
		err := v.ws.Read(
			ctx,
			func(ws *websocket.Conn) (readErr error) {
				_, _, readErr = ws.ReadMessage()
				return
			})
		if err != nil {
			return err
		}
	}
}

// publish drains the snapshot channel and writes each one to the tab as JSON, skipping
// any snapshot that arrives before snapshotResolution has elapsed since the last write.
func (v *Viewer[T]) publish(ctx context.Context) error {
	var lastPush time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case snapshot, ok := <-v.snapshots:
			if !ok {
				return nil
			}
			if time.Since(lastPush) < snapshotResolution {
				break
			}

			lastPush = time.Now()
			err := v.ws.Write(
				ctx,
				func(ws *websocket.Conn) (writeErr error) {
					if writeErr = ws.SetWriteDeadline(time.Now().Add(writeWait)); writeErr != nil {
						writeErr = fmt.Errorf("failed to set deadline: %T %w", writeErr, writeErr)
						return
					}

					if writeErr = ws.WriteJSON(snapshot); writeErr != nil {
						if isError(writeErr) {
							writeErr = fmt.Errorf("publish failed: %T %v", writeErr, writeErr)
						}
					}
					return
				})
			if err != nil {
				return err
			}
		}
	}
}

func isError(err error) bool {
	return err != nil && websocket.IsUnexpectedCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}

// ErrSockCongestion indicates there are too many waiters on the socket for a given op.
var ErrSockCongestion = errors.New("sock op failed due to congestion")

const (
	readDeadline     = time.Second
	writeDeadline    = time.Second
	closeGracePeriod = 10 * time.Second
)

// websock serializes reads and writes to the websocket: gorilla/websocket requires at
// most one concurrent reader and one concurrent writer.
type websock struct {
	readSem  chan struct{}
	writeSem chan struct{}
	ws       *websocket.Conn
}

func NewWebSocket(ws *websocket.Conn) *websock {
	return &websock{
		readSem:  make(chan struct{}, 1),
		writeSem: make(chan struct{}, 1),
		ws:       ws,
	}
}

// Conn returns the underlying websocket. Only safe to use non-concurrently, e.g. to
// register a pong handler during setup.
func (sock *websock) Conn() *websocket.Conn {
	return sock.ws
}

// Close tears down the websocket. Only call once no further readers/writers remain.
func (sock *websock) Close() {
	sock.readSem <- struct{}{}
	sock.writeSem <- struct{}{}

	_ = sock.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = sock.ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	time.Sleep(closeGracePeriod)
	sock.ws.Close()
}

// Read serializes read operations on the internal websocket.
func (sock *websock) Read(
	ctx context.Context,
	readFn func(*websocket.Conn) error,
) error {
	select {
	case <-ctx.Done():
		return nil
	case sock.readSem <- struct{}{}:
		defer func() { <-sock.readSem }()
		return readFn(sock.ws)
	case <-time.After(readDeadline):
		return ErrSockCongestion
	}
}

// Write serializes write operations to the websocket.
func (sock *websock) Write(
	ctx context.Context,
	writeFn func(*websocket.Conn) error,
) error {
	select {
	case <-ctx.Done():
		return nil
	case sock.writeSem <- struct{}{}:
		defer func() { <-sock.writeSem }()
		return writeFn(sock.ws)
	case <-time.After(writeDeadline):
		return ErrSockCongestion
	}
}
