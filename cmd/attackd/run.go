package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/attack-scheduler/internal/accounting"
	"github.com/signalsfoundry/attack-scheduler/internal/config"
	"github.com/signalsfoundry/attack-scheduler/internal/dispatch"
	"github.com/signalsfoundry/attack-scheduler/internal/eventsched"
	"github.com/signalsfoundry/attack-scheduler/internal/hostsim"
	"github.com/signalsfoundry/attack-scheduler/internal/lifecycle"
	"github.com/signalsfoundry/attack-scheduler/internal/logging"
	"github.com/signalsfoundry/attack-scheduler/internal/observability"
	"github.com/signalsfoundry/attack-scheduler/internal/status"
	"github.com/signalsfoundry/attack-scheduler/timectrl"
)

// errSimulationDone stops the daemon once the requested simulated
// duration has elapsed.
var errSimulationDone = errors.New("simulation duration elapsed")

// runOptions are the run command's flags.
type runOptions struct {
	ConfigPath   string
	ScenarioPath string
	EventsPath   string

	Tick     time.Duration
	Speed    float64
	Duration time.Duration
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduling loop against the simulated host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.ConfigPath, _ = cmd.Flags().GetString("config")
			opts.ScenarioPath, _ = cmd.Flags().GetString("scenario")

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			sc, err := hostsim.ReadScenarioFile(opts.ScenarioPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events, closeEvents, err := openEvents(opts.EventsPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer closeEvents()

			return runDaemon(ctx, cfg, sc, opts, events, newRunLogger(cfg, cmd.ErrOrStderr()))
		},
	}

	bindRunFlags(cmd.Flags(), &opts)
	return cmd
}

func bindRunFlags(f *pflag.FlagSet, opts *runOptions) {
	f.StringVar(&opts.EventsPath, "events", "", "write accounting events to this file, or - for stdout")
	f.DurationVar(&opts.Tick, "tick", 100*time.Millisecond, "simulated time per clock step")
	f.Float64Var(&opts.Speed, "speed", 1, "simulation speed-up over wall time; 1 runs in real time")
	f.DurationVar(&opts.Duration, "duration", 0, "stop after this much simulated time; 0 runs until interrupted")
}

// newRunLogger builds the daemon logger from the logging section.
// LOG_LEVEL and LOG_FORMAT still override it.
func newRunLogger(cfg *config.Config, w io.Writer) logging.Logger {
	return logging.NewFromEnv(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		Output:    w,
	})
}

func openEvents(path string, stdout io.Writer) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open events file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// daemon is the wired set of components behind `attackd run`.
type daemon struct {
	clock   *timectrl.TimeController
	world   *hostsim.World
	queue   *dispatch.Queue
	manager *lifecycle.Manager
	status  *status.Server
	metrics *observability.Collector
	log     logging.Logger
}

func newDaemon(cfg *config.Config, sc hostsim.Scenario, opts runOptions, events io.Writer, log logging.Logger) (*daemon, error) {
	mode := timectrl.RealTime
	if opts.Speed > 1 {
		mode = timectrl.Accelerated
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	clock := timectrl.NewTimeController(time.Now().UTC(), tick, mode)
	clock.Speed = opts.Speed

	sched := eventsched.NewEventScheduler(clock)
	clock.AddListener(func(time.Time) { sched.RunDue() })

	policy := cfg.Policy()
	world, err := hostsim.NewWorld(sc, policy.Catalog, sched, log)
	if err != nil {
		return nil, err
	}

	collector, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("metrics collector: %w", err)
	}

	disp := dispatch.New(world, clock, policy.Catalog, dispatch.Settings{
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
		RetryInterval: cfg.Dispatch.RetryInterval,
		Stagger:       cfg.Dispatch.Stagger,
		Spacing:       cfg.Dispatch.Spacing,
	}, dispatch.WithLogger(log), dispatch.WithMetrics(collector))
	queue := dispatch.NewQueue(disp, cfg.Dispatch.QueueDepth)

	var recorder accounting.Recorder = accounting.Nop{}
	if events != nil {
		recorder = accounting.NewStreamRecorder(events, clock.Now)
	}

	statusSrv := status.New(log, collector)
	mgr := lifecycle.New(world, world, queue, clock, policy, lifecycle.Settings{
		Interval:                cfg.Scheduler.Interval,
		MaxHackAttacks:          cfg.Scheduler.MaxHackAttacks,
		MaxPrepAttacks:          cfg.Scheduler.MaxPrepAttacks,
		BootstrapHackAttacks:    cfg.Scheduler.BootstrapHackAttacks,
		FailureCeiling:          cfg.Scheduler.FailureCeiling,
		RenewalCapacityMultiple: cfg.Scheduler.RenewalCapacityMultiple,
	},
		lifecycle.WithFailureCounter(world),
		lifecycle.WithRecorder(recorder),
		lifecycle.WithMetrics(collector),
		lifecycle.WithLogger(log),
		lifecycle.WithTickObserver(func(_ lifecycle.Report, err error) {
			statusSrv.SetServing(err == nil)
		}),
	)

	return &daemon{
		clock:   clock,
		world:   world,
		queue:   queue,
		manager: mgr,
		status:  statusSrv,
		metrics: collector,
		log:     log,
	}, nil
}

func runDaemon(ctx context.Context, cfg *config.Config, sc hostsim.Scenario, opts runOptions, events io.Writer, log logging.Logger) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		Writer:      os.Stderr,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	d, err := newDaemon(cfg, sc, opts, events, log)
	if err != nil {
		return err
	}
	return d.run(ctx, cfg.Metrics.Addr, cfg.Status.Addr, opts.Duration)
}

// run supervises every component until ctx ends, a component fails or
// the simulated duration elapses.
func (d *daemon) run(ctx context.Context, metricsAddr, statusAddr string, duration time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.queue.Run(gctx) })
	g.Go(func() error { return d.manager.Run(gctx) })
	g.Go(func() error {
		<-d.clock.Start(gctx, duration)
		if gctx.Err() != nil {
			return nil
		}
		return errSimulationDone
	})
	if statusAddr != "" {
		g.Go(func() error { return d.status.ListenAndServe(gctx, statusAddr) })
	}
	if metricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, metricsAddr, d.metrics, d.log) })
	}

	d.log.Info(ctx, "attackd started",
		logging.String("mode", d.clock.Mode.String()),
		logging.Float64("speed", d.clock.Speed),
		logging.Duration("duration", duration),
	)
	err := g.Wait()
	if errors.Is(err, errSimulationDone) {
		err = nil
	}

	st := d.world.Stats()
	d.log.Info(context.Background(), "attackd stopped",
		logging.Float64("extracted", st.Extracted),
		logging.Int("operations_completed", st.Completed),
		logging.Int("operations_running", st.Running),
		logging.Int("attacks_in_flight", len(d.manager.Snapshot())),
	)
	return err
}

func serveMetrics(ctx context.Context, addr string, collector *observability.Collector, log logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
