package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/buffer"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/config"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/health"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/input"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/output"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/server"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/gelfstitch/internal/tracing"
)

var (
	configFile  = flag.String("config", "config.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version and exit")
	version     = "0.1.0"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)

	logger.Info().
		Str("version", version).
		Int("inputs", len(cfg.Inputs.GELF)).
		Str("output", cfg.Output.Type).
		Msg("Starting gelfstitch")

	collector := metrics.NewCollector()
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		collector.Start()
	}

	tracingCfg := tracing.Config{}
	if cfg.Tracing != nil {
		tracingCfg = tracing.Config{
			Enabled:    cfg.Tracing.Enabled,
			Endpoint:   cfg.Tracing.Endpoint,
			SampleRate: cfg.Tracing.SampleRate,
		}
	}
	tp, err := tracing.NewProvider(context.Background(), tracingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	queue, err := buffer.NewRingBuffer(buffer.RingBufferConfig{
		Name:                 "events",
		Size:                 cfg.Queue.Size,
		BackpressureStrategy: buffer.BackpressureStrategy(cfg.Queue.BackpressureStrategy),
		BlockTimeout:         cfg.Queue.BlockTimeout,
		Metrics:              collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}

	out, err := newOutput(cfg.Output)
	if err != nil {
		return fmt.Errorf("failed to create %s output: %w", cfg.Output.Type, err)
	}

	dl, err := deadLetter(cfg.Reliability)
	if err != nil {
		return fmt.Errorf("failed to open dead letter queue: %w", err)
	}

	dispatchOpts := []output.DispatcherOption{
		output.WithDispatcherMetrics(collector),
		output.WithDispatcherTracer(tp.Tracer()),
	}
	if dl != nil {
		dispatchOpts = append(dispatchOpts, output.WithDeadLetter(dl))
	}

	dispatcher := output.NewDispatcher(queue, out, output.DispatcherConfig{
		BatchSize:     cfg.Output.BatchSize,
		FlushInterval: cfg.Output.FlushInterval,
		Retry:         retryConfig(cfg.Reliability),
	}, logger, dispatchOpts...)

	inputs := make([]*input.GELFInput, 0, len(cfg.Inputs.GELF))
	for i := range cfg.Inputs.GELF {
		inCfg := &cfg.Inputs.GELF[i]
		gelfCfg, err := gelfConfig(inCfg)
		if err != nil {
			return err
		}

		in, err := input.NewGELFInput(inCfg.Name, gelfCfg, queue, logger,
			input.WithMetrics(collector),
			input.WithTracer(tp.Tracer()),
		)
		if err != nil {
			return fmt.Errorf("failed to create gelf input %s: %w", inCfg.Name, err)
		}
		inputs = append(inputs, in)
	}

	checker := health.NewChecker(healthTimeout(cfg.Health))
	checker.SetMetrics(collector)
	for _, in := range inputs {
		checker.Register("input:"+in.Name(), health.InputCheck(in))
	}
	checker.Register("queue", health.QueueCheck(queue.Utilization, 0.9))
	checker.Register("output:"+out.Name(), outputCheck(out))
	if dl != nil {
		checker.Register("dead_letter", health.QueueCheck(dl.Utilization, 0.9))
	}

	srv := server.New(serverConfig(cfg, collector, checker, logger))
	if err := srv.Start(); err != nil {
		return err
	}

	mgr := shutdown.New(shutdown.Config{
		Timeout: cfg.Shutdown.Timeout,
		Logger:  logger,
	})

	// Inputs
	var inputsWG sync.WaitGroup
	for _, in := range inputs {
		inputsWG.Add(1)
		go func(in *input.GELFInput) {
			defer inputsWG.Done()
			if err := in.Run(context.Background()); err != nil {
				logger.Error().Err(err).Str("input", in.Name()).Msg("Input stopped with error")
			}
		}(in)
	}

	// Dispatcher
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	dispatchDone := make(chan error, 1)
	go func() {
		err := dispatcher.Run(dispatchCtx)
		dispatchDone <- err
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Dispatcher stopped unexpectedly")
			go mgr.Shutdown()
		}
	}()

	// Shutdown runs these in order: listeners flush into the queue, the
	// queue drains through the dispatcher, then the output and servers close.
	mgr.RegisterFunc("inputs", func(ctx context.Context) error {
		for _, in := range inputs {
			if err := in.Stop(); err != nil {
				logger.Warn().Err(err).Str("input", in.Name()).Msg("Failed to stop input")
			}
		}
		return waitGroup(ctx, &inputsWG)
	})
	mgr.RegisterFunc("queue", func(ctx context.Context) error {
		return queue.Close()
	})
	mgr.RegisterFunc("dispatcher", func(ctx context.Context) error {
		select {
		case err := <-dispatchDone:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ctx.Done():
			cancelDispatch()
			return fmt.Errorf("queue not drained: %w", ctx.Err())
		}
	})
	mgr.RegisterFunc("output", func(ctx context.Context) error {
		return out.Close()
	})
	if dl != nil {
		mgr.RegisterFunc("dead_letter", func(ctx context.Context) error {
			return dl.Close()
		})
	}
	mgr.RegisterFunc("server", srv.Stop)
	mgr.RegisterFunc("tracing", tp.Shutdown)
	mgr.RegisterFunc("metrics", func(ctx context.Context) error {
		collector.Stop()
		return nil
	})

	mgr.WaitForSignal()
	<-mgr.Done()

	return mgr.Err()
}

// waitGroup waits for wg or until ctx is done
func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func healthTimeout(cfg *config.HealthConfig) time.Duration {
	if cfg == nil {
		return 0
	}
	return cfg.Timeout
}
