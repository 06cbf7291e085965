// Command botfabric wires every node in the fabric together and drives it through its
// staged Init -> Run -> Stop lifecycle (§4.A). With no subcommand it runs the training
// driver (§4.H) against the configured gene pool; given the "watcher" subcommand it
// instead runs the replay viewer (§4.I). Both modes share every other node: perception,
// the wheels, motion, manager, kicker, the intercom peer link and the telemetry
// dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"

	"github.com/dmu1981/botfabric/blackboard"
	"github.com/dmu1981/botfabric/botnet"
	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/config"
	"github.com/dmu1981/botfabric/genepool"
	"github.com/dmu1981/botfabric/intercom"
	"github.com/dmu1981/botfabric/jsonlog"
	"github.com/dmu1981/botfabric/kicker"
	"github.com/dmu1981/botfabric/logging"
	"github.com/dmu1981/botfabric/manager"
	"github.com/dmu1981/botfabric/motion"
	"github.com/dmu1981/botfabric/node"
	"github.com/dmu1981/botfabric/perception"
	"github.com/dmu1981/botfabric/server"
	"github.com/dmu1981/botfabric/telemetry"
	"github.com/dmu1981/botfabric/training"
	"github.com/dmu1981/botfabric/watcher"
	"github.com/dmu1981/botfabric/wheel"
)

// genePoolCapacity bounds how many candidates poll_one/poll_best are asked to consider
// at once; the pool itself is out of scope (§1), so this is just a sane default rather
// than a tuned value.
const genePoolCapacity = 8

func main() {
	// A "watcher" subcommand flips execution into replay mode (§6); check for it
	// before flag.Parse() consumes os.Args, the idiomatic stdlib way to mix a
	// subcommand with flags.
	watcherMode := false
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "watcher" {
		watcherMode = true
		args = args[1:]
	}

	fs := flag.NewFlagSet("botfabric", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config.yaml")
	simPort := fs.Int("simport", 0, "override the simulator port from config.yaml")
	master := fs.Bool("master", false, "override intercom.master from config.yaml")
	comPort := fs.Int("comport", 0, "override the intercom port from config.yaml")
	genePool := fs.String("genepool", "", "override genetics.pool from config.yaml")
	debug := fs.Bool("debug", false, "enable debug logging")
	dashboardAddr := fs.String("dashboard", ":8090", "telemetry dashboard listen address")
	log1Path := fs.String("log", "log.jsonl", "path to the per-round score log")
	log2Path := fs.String("log2", "log2.jsonl", "path to the per-sample position log")
	_ = fs.Parse(args)

	logging.SetDebug(*debug)
	log := logging.ForNode("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", "error", err)
	}

	if *simPort != 0 {
		cfg.Simulation.Port = *simPort
	}
	if *master {
		cfg.Intercom.Master = true
	}
	if *comPort != 0 {
		cfg.Intercom.Port = *comPort
	}
	if *genePool != "" {
		cfg.Genetics.Pool = *genePool
	}

	simURL := fmt.Sprintf("%s:%d", cfg.Simulation.URL, cfg.Simulation.Port)

	drop := bus.NewTopic[struct{}](8)
	board := blackboard.New()
	clock := quartz.NewReal()

	mgr := manager.New(simURL, drop, board.ResetTopic)

	wheels := make([]*wheel.Controller, len(cfg.Wheels))
	wheelRefs := make([]motion.WheelRef, len(cfg.Wheels))
	wheelSources := make([]telemetry.WheelSpeedSource, len(cfg.Wheels))
	for i, w := range cfg.Wheels {
		extrinsics := wheel.Extrinsics{Pivot: w.Pivot, Forward: w.Forward}
		wc := wheel.New(w.Name, simURL, w.ActuatorEndpoint(), extrinsics, drop, mgr.BotSpawned)
		wheels[i] = wc
		wheelRefs[i] = motion.WheelRef{
			Name:            w.Name,
			Pivot:           w.Pivot,
			Forward:         w.Forward,
			SpeedTopic:      wc.SpeedTopic,
			ExtrinsicsTopic: wc.ExtrinsicsTopic,
		}
		wheelSources[i] = telemetry.WheelSpeedSource{Name: w.Name, Speed: wc.SpeedTopic}
	}

	mot := motion.New(drop, clock, wheelRefs, board.MoveTopic)
	perc := perception.New(simURL, drop)
	kick := kicker.New(simURL, drop, board.KickTopic)
	intr := intercom.New(cfg.Intercom.Master, cfg.Intercom.Port, drop)

	pool := genepool.NewHTTPPool(cfg.Genetics.Pool, genePoolCapacity, genepool.LessIsBetter, botnet.DecodeLinear)

	var leaf string
	var statusTopic *bus.Topic[telemetry.Status]
	var executors []node.Executor

	executors = append(executors, mgr, perc, kick, mot, intr)
	for _, wc := range wheels {
		executors = append(executors, wc)
	}

	if watcherMode {
		leaf = "watcher"
		watch := watcher.New(board, pool, botnet.DecodeLinear, simURL, clock, perc.Output, drop)
		statusTopic = watch.StatusTopic
		executors = append(executors, watch)
	} else {
		leaf = "training"
		log1 := jsonlog.Open(*log1Path)
		log2 := jsonlog.Open(*log2Path)
		train := training.New(board, pool, botnet.DecodeLinear, clock, perc.Output, log1, log2, drop)
		statusTopic = train.StatusTopic
		executors = append(executors, train)
	}

	telem := telemetry.New(leaf, perc.Output, statusTopic, wheelSources, drop)
	executors = append(executors, telem)

	dash := server.NewServer(*dashboardAddr, telem.Output)
	executors = append(executors, &dashboardExecutor{n: node.New("dashboard", drop, &struct{}{}), srv: dash})

	executors = append(executors, &intercomForwarder{n: node.New("intercom-forward", drop, &struct{}{}), in: perc.IntercomOut, out: intr.SendTopic})

	// Every Init/Run context is cancelled by the global drop signal.
	ctx, cancel := node.DropContext(context.Background(), drop)
	defer cancel()

	// First interrupt triggers a clean fabric-wide drop; a second forces immediate
	// process exit (§4.A "double-signal... forces immediate process exit").
	go func() {
		sigs := make(chan os.Signal, 2)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs
		log.Info("interrupt received, dropping fabric")
		drop.Publish(struct{}{})
		<-sigs
		log.Warn("second interrupt received, forcing exit")
		os.Exit(1)
	}()

	fab := &fabric{executors: executors}
	errs := node.RunFabric(ctx, fab)
	for _, err := range errs {
		log.Error("fabric error", "error", err)
	}
}

// fabric composes every node into a single node.Executor so node.RunFabric can join
// every node's init handles together, then every node's run handles, then every node's
// stop handles, exactly as the fabric driver is specified to (§4.A).
type fabric struct {
	executors []node.Executor
}

func (f *fabric) Init(ctx context.Context) []node.Handle {
	var handles []node.Handle
	for _, e := range f.executors {
		handles = append(handles, e.Init(ctx)...)
	}
	return handles
}

func (f *fabric) Run(ctx context.Context) []node.Handle {
	var handles []node.Handle
	for _, e := range f.executors {
		handles = append(handles, e.Run(ctx)...)
	}
	return handles
}

func (f *fabric) Stop(ctx context.Context) []node.Handle {
	// Stop runs after the drop has cancelled ctx; shutdown requests (zeroing wheels,
	// acking a partial genome) still need a live context.
	ctx = context.WithoutCancel(ctx)
	var handles []node.Handle
	for _, e := range f.executors {
		handles = append(handles, e.Stop(ctx)...)
	}
	return handles
}

// dashboardExecutor adapts server.Server's single blocking Serve call to the node
// fabric's Executor shape, reusing node.Once for consistent panic recovery and logging
// rather than spawning a bare goroutine.
type dashboardExecutor struct {
	n   *node.Node[struct{}]
	srv *server.Server
}

func (d *dashboardExecutor) Init(ctx context.Context) []node.Handle { return nil }

func (d *dashboardExecutor) Run(ctx context.Context) []node.Handle {
	h := d.n.Once(ctx, func(ctx context.Context, _ *struct{}) error {
		return d.srv.Serve(ctx)
	})
	return []node.Handle{h}
}

func (d *dashboardExecutor) Stop(ctx context.Context) []node.Handle { return nil }

// intercomForwarder republishes perception's core positions onto the intercom link as
// Position messages, keeping perception ignorant of the intercom package entirely.
type intercomForwarder struct {
	n   *node.Node[struct{}]
	in  *bus.Topic[perception.CorePositions]
	out *bus.Topic[intercom.Message]

	rx <-chan perception.CorePositions
}

func (f *intercomForwarder) Init(ctx context.Context) []node.Handle { return nil }

func (f *intercomForwarder) Run(ctx context.Context) []node.Handle {
	f.rx = f.in.Subscribe()
	h := node.Subscribe(f.n, ctx, f.rx, func(ctx context.Context, pos perception.CorePositions, _ *struct{}) (node.Outcome, error) {
		f.out.Publish(intercom.NewPosition(pos.Ball, pos.OwnGoal, pos.TargetGoal))
		return node.ResultNext, nil
	})
	return []node.Handle{h}
}

func (f *intercomForwarder) Stop(ctx context.Context) []node.Handle {
	if f.rx != nil {
		f.in.Unsubscribe(f.rx)
	}
	return nil
}
