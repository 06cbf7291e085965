// Package node implements the fabric's Node type: a strongly-typed container of shared
// mutable state plus the three spawn primitives (Once, Interval, Subscribe) described
// in the specification's node fabric component. It is the Go rendering of the original
// Rust BotNode<T> (see original_source/src/node.rs): a per-node async mutex around T,
// a drop broadcast receiver raced against every suspension point, and a result taxonomy
// of {Next, Interval(d), Terminate} / ThreadError.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/logging"
	charmlog "github.com/charmbracelet/log"
)

// ThreadNext is the taxonomy a callback uses to tell its owning loop what to do next.
type ThreadNext int

const (
	// Next continues an Interval loop with its existing period, or a Subscribe loop
	// waiting for its next message.
	Next ThreadNext = iota
	// IntervalNext asks an Interval loop to adopt a new period from here on. Returning
	// this from a Subscribe or Once callback is a programmer error (§4.A).
	IntervalNext
	// Terminate ends the loop after this callback invocation.
	Terminate
)

// Outcome is the return value of Interval and Subscribe callbacks.
type Outcome struct {
	Next   ThreadNext
	Period time.Duration // only meaningful when Next == IntervalNext
}

// ResultNext is the common case: keep going, no change to timing.
var ResultNext = Outcome{Next: Next}

// ResultTerminate ends the loop after this invocation.
var ResultTerminate = Outcome{Next: Terminate}

// ResultInterval asks an Interval loop to switch to a new period.
func ResultInterval(period time.Duration) Outcome {
	return Outcome{Next: IntervalNext, Period: period}
}

// ThreadError is returned by a callback that failed in a way the surrounding loop
// cannot recover from; the loop terminates but the rest of the node fabric keeps
// running (§4.A, §7).
type ThreadError struct {
	Msg string
	Err error
}

func (e *ThreadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ThreadError) Unwrap() error { return e.Err }

// Wrapf builds a ThreadError the way the rest of this module wraps lower-level errors.
func Wrapf(err error, format string, args ...any) *ThreadError {
	return &ThreadError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// Handle is a future-like handle for a spawned task: it delivers exactly one value (nil
// on a clean Terminate, non-nil on a ThreadError or panic); the channel is never closed.
type Handle = <-chan error

// OnceFunc runs exactly one time under the node's lock.
type OnceFunc[S any] func(ctx context.Context, state *S) error

// IntervalFunc runs periodically under the node's lock.
type IntervalFunc[S any] func(ctx context.Context, state *S) (Outcome, error)

// SubscribeFunc runs once per message received on a subscribed topic, under the node's
// lock. It must never return an Outcome with Next == IntervalNext.
type SubscribeFunc[S any, M any] func(ctx context.Context, msg M, state *S) (Outcome, error)

// Node is a strongly-typed container of shared mutable state S, serialized by a single
// mutex, plus the drop topic every spawn primitive races against.
type Node[S any] struct {
	name  string
	mu    sync.Mutex
	state *S
	drop  *bus.Topic[struct{}]
	log   *charmlog.Logger
}

// New constructs a Node. drop is shared across every node in the fabric so that a single
// Publish cancels the whole process, matching the spec's single global drop channel.
func New[S any](name string, drop *bus.Topic[struct{}], state *S) *Node[S] {
	return &Node[S]{
		name:  name,
		state: state,
		drop:  drop,
		log:   logging.ForNode(name),
	}
}

// Name returns the node's name, primarily for logging by composing code.
func (n *Node[S]) Name() string { return n.name }

// Log returns the node's tagged logger for use by composing code that wants to log
// outside of a callback (e.g. during construction).
func (n *Node[S]) Log() *charmlog.Logger { return n.log }

// State runs f with the node's state locked. Exists for glue code (e.g. wiring two
// nodes together at construction time) that isn't naturally expressed as Once/Interval/
// Subscribe but still needs serialized access to S.
func (n *Node[S]) State(f func(*S)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f(n.state)
}

func (n *Node[S]) recoverInto(done chan<- error) {
	if r := recover(); r != nil {
		err := &ThreadError{Msg: fmt.Sprintf("panic in node %q: %v", n.name, r)}
		n.log.Error("recovered panic", "error", err)
		done <- err
	}
}

// Once runs f exactly one time and reports its result on the returned handle.
func (n *Node[S]) Once(ctx context.Context, f OnceFunc[S]) Handle {
	done := make(chan error, 1)
	go func() {
		defer n.recoverInto(done)
		n.mu.Lock()
		err := f(ctx, n.state)
		n.mu.Unlock()
		if err != nil {
			n.log.Error("once failed", "error", err)
		}
		done <- err
	}()
	return done
}

// Interval repeatedly runs f, sleeping for (period - elapsed) between calls, subject to
// cancellation by ctx or the node fabric's drop topic (§4.A, §4.C "Init: blocks... until
// cancellation").
func (n *Node[S]) Interval(ctx context.Context, period time.Duration, f IntervalFunc[S]) Handle {
	done := make(chan error, 1)
	dropCh := n.drop.Subscribe()

	go func() {
		defer n.drop.Unsubscribe(dropCh)
		defer n.recoverInto(done)

		target := period
		var elapsed time.Duration

		for {
			sleepFor := time.Duration(0)
			if elapsed < target {
				sleepFor = target - elapsed
			}

			timer := time.NewTimer(sleepFor)
			select {
			case <-dropCh:
				timer.Stop()
				done <- nil
				return
			case <-ctx.Done():
				timer.Stop()
				done <- nil
				return
			case <-timer.C:
			}

			start := time.Now()

			n.mu.Lock()
			outcome, err := f(ctx, n.state)
			n.mu.Unlock()

			if err != nil {
				n.log.Error("interval callback failed", "error", err)
				done <- err
				return
			}

			switch outcome.Next {
			case Terminate:
				done <- nil
				return
			case IntervalNext:
				target = outcome.Period
			case Next:
				// keep existing target
			}

			elapsed = time.Since(start)
		}
	}()

	return done
}

// Subscribe awaits messages on rx and, per message, locks state and runs f. It races
// rx against the drop topic so cancellation unblocks the loop within one select
// wakeup (§8 boundary scenario 5).
func Subscribe[S any, M any](n *Node[S], ctx context.Context, rx <-chan M, f SubscribeFunc[S, M]) Handle {
	done := make(chan error, 1)
	dropCh := n.drop.Subscribe()

	go func() {
		defer n.drop.Unsubscribe(dropCh)
		defer n.recoverInto(done)

		for {
			select {
			case <-dropCh:
				done <- nil
				return
			case <-ctx.Done():
				done <- nil
				return
			case msg, ok := <-rx:
				if !ok {
					done <- nil
					return
				}

				n.mu.Lock()
				outcome, err := f(ctx, msg, n.state)
				n.mu.Unlock()

				if err != nil {
					n.log.Error("subscribe callback failed", "error", err)
					done <- err
					return
				}
				if outcome.Next == IntervalNext {
					err := &ThreadError{Msg: "subscribe callback must not request an interval change"}
					n.log.Error("programmer error", "error", err)
					done <- err
					return
				}
				if outcome.Next == Terminate {
					done <- nil
					return
				}
			}
		}
	}()

	return done
}

// DropContext derives a context that is canceled the moment drop publishes, so that
// Once callbacks blocking on something other than Interval/Subscribe's built-in racing
// (e.g. waiting on another topic's channel) still honour the global drop signal via a
// plain ctx.Done() select, the same way the Rust original races every suspension point
// against drop_rx.recv().
func DropContext(parent context.Context, drop *bus.Topic[struct{}]) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sub := drop.Subscribe()
	go func() {
		defer drop.Unsubscribe(sub)
		select {
		case <-sub:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Executor is the staged lifecycle every node implements: init handles must all
// complete before Run is called; run handles must all complete (normally via the drop
// signal) before Stop is called.
type Executor interface {
	Init(ctx context.Context) []Handle
	Run(ctx context.Context) []Handle
	Stop(ctx context.Context) []Handle
}

// Execute joins a set of handles, collecting and returning any errors. It never
// itself triggers cancellation — a node that hits a fatal error is responsible for
// publishing to the shared drop topic itself (§7 propagation policy).
func Execute(handles []Handle) []error {
	var errs []error
	for _, h := range handles {
		if err := <-h; err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// RunFabric drives an Executor through its full init -> run -> stop lifecycle, exactly
// as the fabric driver is specified to: join all init handles, then all run handles,
// then all stop handles.
func RunFabric(ctx context.Context, exec Executor) []error {
	var errs []error
	errs = append(errs, Execute(exec.Init(ctx))...)
	errs = append(errs, Execute(exec.Run(ctx))...)
	errs = append(errs, Execute(exec.Stop(ctx))...)
	return errs
}
