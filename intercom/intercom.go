// Package intercom implements the NUL-delimited JSON peer link between a master and a
// slave robot (§4.J): a master listens and serves one connection at a time, a slave
// dials with a reconnect backoff, and both sides exchange NUL-delimited UTF-8 JSON
// IntercomMessage records. Grounded on original_source/src/intercom/main.rs, translated
// into the node fabric's Once/drop idiom rather than tokio::select! directly.
package intercom

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/node"
	"github.com/dmu1981/botfabric/vec2"
)

const reconnectBackoff = 1500 * time.Millisecond

// Kind tags an IntercomMessage's variant.
type Kind int

const (
	Position Kind = iota
	ModeTransition
)

// PositionPayload is the Position variant's body.
type PositionPayload struct {
	Ball       vec2.V `json:"ball"`
	OwnGoal    vec2.V `json:"own_goal"`
	TargetGoal vec2.V `json:"target_goal"`
}

// Mode is the behaviour mode relayed by a ModeTransition message.
type Mode string

const (
	Offense Mode = "Offense"
	Defense Mode = "Defense"
)

// Message is the tagged union IntercomMessage = {Position | ModeTransition} (§4.J). It
// marshals to the externally-tagged shape {"Position": {...}} / {"ModeTransition":
// {"mode": "..."}}, matching the Rust original's default serde enum representation so
// that a master and slave built from either implementation can interoperate.
type Message struct {
	Kind     Kind
	Position PositionPayload
	Mode     Mode
}

// NewPosition builds a Position message.
func NewPosition(ball, ownGoal, targetGoal vec2.V) Message {
	return Message{Kind: Position, Position: PositionPayload{Ball: ball, OwnGoal: ownGoal, TargetGoal: targetGoal}}
}

// NewModeTransition builds a ModeTransition message.
func NewModeTransition(mode Mode) Message {
	return Message{Kind: ModeTransition, Mode: mode}
}

type wirePosition struct {
	Position PositionPayload `json:"Position"`
}

type wireMode struct {
	ModeTransition struct {
		Mode Mode `json:"mode"`
	} `json:"ModeTransition"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case Position:
		return json.Marshal(wirePosition{Position: m.Position})
	case ModeTransition:
		w := wireMode{}
		w.ModeTransition.Mode = m.Mode
		return json.Marshal(w)
	default:
		return nil, fmt.Errorf("intercom: unknown message kind %d", m.Kind)
	}
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("intercom: parse message: %w", err)
	}
	if raw, ok := probe["Position"]; ok {
		var p PositionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("intercom: parse Position: %w", err)
		}
		*m = Message{Kind: Position, Position: p}
		return nil
	}
	if raw, ok := probe["ModeTransition"]; ok {
		var body struct {
			Mode Mode `json:"mode"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return fmt.Errorf("intercom: parse ModeTransition: %w", err)
		}
		*m = Message{Kind: ModeTransition, Mode: body.Mode}
		return nil
	}
	return fmt.Errorf("intercom: message has neither Position nor ModeTransition key")
}

type intercomState struct{}

// Controller is the intercom node: exactly one of master or slave per process, selected
// by config.yaml's intercom.master flag.
type Controller struct {
	n      *node.Node[intercomState]
	master bool
	port   int

	// SendTopic is where outbound messages are published (perception forwards core
	// positions here); the active connection drains it and writes NUL-delimited JSON.
	SendTopic *bus.Topic[Message]
	sendRx    <-chan Message

	// ReceivedTopic republishes messages parsed off the wire, for any local consumer
	// that wants to react to the peer's state (e.g. a future master/slave behaviour
	// split); nothing in this module subscribes to it by default.
	ReceivedTopic *bus.Topic[Message]
}

// New constructs the intercom node. master selects listen-and-serve behaviour; a false
// value selects dial-with-backoff.
func New(master bool, port int, drop *bus.Topic[struct{}]) *Controller {
	return &Controller{
		n:             node.New("intercom", drop, &intercomState{}),
		master:        master,
		port:          port,
		SendTopic:     bus.NewTopic[Message](64),
		ReceivedTopic: bus.NewTopic[Message](64),
	}
}

func (c *Controller) Init(ctx context.Context) []node.Handle { return nil }

// Run spawns the single long-lived loop (listen-serve-reaccept, or dial-with-backoff)
// as a Once callback, matching the Rust original's `once(start)` (§4.J, original
// `create`/`run`).
func (c *Controller) Run(ctx context.Context) []node.Handle {
	c.sendRx = c.SendTopic.Subscribe()

	h := c.n.Once(ctx, func(ctx context.Context, s *intercomState) error {
		if c.master {
			c.runMaster(ctx)
		} else {
			c.runSlave(ctx)
		}
		return nil
	})
	return []node.Handle{h}
}

func (c *Controller) Stop(ctx context.Context) []node.Handle {
	if c.sendRx != nil {
		c.SendTopic.Unsubscribe(c.sendRx)
	}
	return nil
}

func (c *Controller) addr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.port)
}

// runMaster accepts one connection at a time, serving it until disconnect, then
// re-listens, exactly as the original's start_master loop does.
func (c *Controller) runMaster(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		lc := net.ListenConfig{}
		ln, err := lc.Listen(ctx, "tcp", c.addr())
		if err != nil {
			c.n.Log().Error("intercom master cannot bind", "error", err)
			return
		}
		c.n.Log().Info("intercom master accepting connections", "addr", c.addr())

		conn, err := acceptWithCancel(ctx, ln)
		ln.Close()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.n.Log().Warn("intercom accept failed", "error", err)
			continue
		}

		if dropped := c.handleConn(ctx, conn); dropped {
			return
		}
	}
}

func acceptWithCancel(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	out := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		out <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		ln.Close()
		return nil, ctx.Err()
	case r := <-out:
		return r.conn, r.err
	}
}

// runSlave dials the master with a 1.5s reconnect backoff on failure, exactly as the
// original's start_slave loop does.
func (c *Controller) runSlave(ctx context.Context) {
	dialer := net.Dialer{}
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := dialer.DialContext(ctx, "tcp", c.addr())
		if err != nil {
			c.n.Log().Warn("intercom slave cannot connect to master", "error", err)
			select {
			case <-time.After(reconnectBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		if dropped := c.handleConn(ctx, conn); dropped {
			return
		}
	}
}

// handleConn drains SendTopic to the peer and parses NUL-delimited JSON read from it,
// until the connection closes (returns false, so the caller reconnects/reaccepts) or
// the global drop signal fires (returns true, so the caller stops entirely).
func (c *Controller) handleConn(ctx context.Context, conn net.Conn) (dropped bool) {
	defer conn.Close()

	reads := make(chan []byte, 8)
	readErrs := make(chan error, 1)
	go func() {
		r := bufio.NewReader(conn)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				reads <- cp
			}
			if err != nil {
				readErrs <- err
				return
			}
		}
	}()

	var remainder bytes.Buffer

	for {
		select {
		case msg, ok := <-c.sendRx:
			if !ok {
				return false
			}
			if err := c.write(conn, msg); err != nil {
				c.n.Log().Warn("intercom write failed, connection reset", "error", err)
				return false
			}
		case chunk := <-reads:
			remainder.Write(chunk)
			c.drainFrames(&remainder)
		case err := <-readErrs:
			if err != nil {
				c.n.Log().Info("intercom connection reset", "error", err)
			}
			return false
		case <-ctx.Done():
			c.n.Log().Info("intercom dropped")
			return true
		}
	}
}

// drainFrames splits buf on NUL bytes, parsing every complete frame and retaining any
// trailing partial fragment for the next read (§4.J "Parser buffers across reads;
// partial trailing fragments are retained").
func (c *Controller) drainFrames(buf *bytes.Buffer) {
	data := buf.Bytes()
	frames := bytes.Split(data, []byte{0})
	if len(frames) == 0 {
		return
	}

	// The last element is either empty (buf ended exactly on a NUL) or a partial
	// fragment awaiting more bytes; everything before it is a complete frame.
	complete := frames[:len(frames)-1]
	trailing := frames[len(frames)-1]

	for _, frame := range complete {
		if len(frame) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.n.Log().Error("intercom cannot parse JSON frame", "error", err)
			continue
		}
		c.n.Log().Debug("intercom received", "message", msg)
		c.ReceivedTopic.Publish(msg)
	}

	buf.Reset()
	buf.Write(trailing)
}

func (c *Controller) write(conn net.Conn, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode intercom message: %w", err)
	}
	body = append(body, 0)
	n, err := conn.Write(body)
	if err != nil {
		return err
	}
	if n != len(body) {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(body))
	}
	return nil
}
