// Package server serves the live telemetry dashboard (SPEC_FULL.md §4.K): a single
// index.html page that opens a websocket and renders whatever telemetry.Snapshot the
// node fabric last published. Grounded on the teacher's server.go (single-page,
// websocket-pushed-JSON) but generalized from one hardcoded client to any number of
// concurrent viewers, each fed by its own subscription on the snapshot broadcast topic,
// and built on fastview.Viewer rather than re-implementing the ping/pong pump inline.
package server

import (
	"context"
	"fmt"
	"html/template"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/server/fastview"
	"github.com/dmu1981/botfabric/telemetry"
)

// Server serves the dashboard's index page and upgrades /ws to a websocket per viewer.
// Unlike the teacher's prototype (a single page, a single client, package-level state),
// this server supports any number of concurrent dashboard tabs: every /ws request gets
// its own subscription on snapshots.
type Server struct {
	addr      string
	snapshots *bus.Topic[telemetry.Snapshot]
	http      *http.Server
}

// NewServer builds a dashboard server listening on addr, fed by the telemetry
// aggregator's Output topic.
func NewServer(addr string, snapshots *bus.Topic[telemetry.Snapshot]) *Server {
	s := &Server{addr: addr, snapshots: snapshots}

	router := mux.NewRouter()
	router.HandleFunc("/", s.serveIndex).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.serveWebsocket)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// Serve blocks until the dashboard's HTTP server stops, either from an error or from
// ctx being cancelled (the global drop signal, via node.DropContext at the call site).
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.http.Close()
	}()

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// serveWebsocket upgrades the request and streams snapshots to this one viewer until
// it disconnects. Each call subscribes its own channel on the shared broadcast topic,
// so multiple dashboard tabs never starve one another (a full subscriber buffer just
// drops that viewer's stalest update, per §5's no-backpressure broadcast semantics).
func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	sub := s.snapshots.Subscribe()
	defer s.snapshots.Unsubscribe(sub)

	cli, err := fastview.NewClient(sub, w, r)
	if err != nil {
		return
	}
	_ = cli.Sync()
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if err := indexTemplate.Execute(w, nil); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

var indexTemplate = template.Must(template.New("index.html").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>botfabric telemetry</title>
  <style>
    body { font-family: monospace; background: #111; color: #eee; padding: 2em; }
    dt { color: #8ab4f8; }
    dd { margin: 0 0 0.5em 1em; }
  </style>
</head>
<body>
  <h1>botfabric telemetry</h1>
  <dl id="snapshot"><dd>waiting for first snapshot&hellip;</dd></dl>
  <script>
    const proto = window.location.protocol === "https:" ? "wss" : "ws";
    const sock = new WebSocket(proto + "://" + window.location.host + "/ws");
    sock.onmessage = function (ev) {
      const snap = JSON.parse(ev.data);
      const dl = document.getElementById("snapshot");
      dl.innerHTML = "";
      for (const [key, value] of Object.entries(snap)) {
        const dt = document.createElement("dt");
        dt.textContent = key;
        const dd = document.createElement("dd");
        dd.textContent = JSON.stringify(value);
        dl.appendChild(dt);
        dl.appendChild(dd);
      }
    };
  </script>
</body>
</html>
`))
