// Package logging provides the fabric-wide structured logger, one instance per node,
// tagged with the node's name the way the Rust original tags println diagnostics with
// node_name and the teacher's examples tag agent/engine loggers with a "player"/"handID"
// field via charmbracelet/log's With().
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// Root is the process-wide base logger. Individual nodes derive a tagged child logger
// from it via ForNode rather than constructing their own.
var Root = log.New(os.Stderr)

// SetDebug toggles verbose logging for the whole fabric, mirroring the --debug flag.
func SetDebug(debug bool) {
	if debug {
		Root.SetLevel(log.DebugLevel)
		return
	}
	Root.SetLevel(log.InfoLevel)
}

// ForNode returns a logger tagged with the owning node's name, so every line it emits
// carries that context without callers repeating it at each call site.
func ForNode(name string) *log.Logger {
	return Root.With("node", name)
}
