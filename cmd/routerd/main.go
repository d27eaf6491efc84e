package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/Soulfra/agent-router-sub013/internal/concurrency"
	"github.com/Soulfra/agent-router-sub013/internal/config"
	"github.com/Soulfra/agent-router-sub013/internal/eventbus"
	"github.com/Soulfra/agent-router-sub013/internal/runtime/supervisor"
	"github.com/Soulfra/agent-router-sub013/internal/scheduler"
	logx "github.com/Soulfra/agent-router-sub013/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal: load config:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(logConfig(cfg))
	defer logSvc.Close()
	mgr.SetLogger(log)

	bus := eventbus.New()

	sched := scheduler.New(scheduler.Config{
		HistorySize: cfg.Scheduler.HistorySize,
		ErrorHandler: scheduler.ErrorHandlerFunc(func(name string, err error) {
			log.Error("task terminally failed", logx.String("task", name), logx.Err(err))
		}),
	}, log.With(logx.String("comp", "scheduler")), bus)

	balancer := concurrency.NewAgentLoadBalancer(log.With(logx.String("comp", "balancer")))
	for _, a := range cfg.Agents {
		balancer.Register(a.ID, a.MaxConcurrent)
	}

	var limiter *concurrency.RateLimiter
	if rl := cfg.RateLimit; rl != nil {
		window, err := config.ParseDurationOrDefault("rate_limit.window", rl.Window, time.Second)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		limiter = concurrency.NewRateLimiter(rl.MaxOps, window)
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(log.With(logx.String("comp", "supervisor"))))

	if err := registerHousekeeping(cfg, sched, balancer, limiter, sup, log); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	// Drain task lifecycle events to the trace log so operators can follow
	// individual runs without raising the global level.
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	sup.Go("events.drain", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				log.Trace("task event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	})

	sup.GoRestart("config.watch", mgr.Watch)
	sup.Go("config.apply", func(ctx context.Context) error {
		sub := mgr.Subscribe(1)
		defer mgr.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case next := <-sub:
				if next == nil {
					continue
				}
				logSvc.Apply(logConfig(next))
				log.Info("logging config applied")
			}
		}
	})

	sched.Start(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("routerd ready", logx.Int("agents", len(cfg.Agents)))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	sched.Stop(stopCtx)
	_ = sup.Stop(stopCtx)
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// registerHousekeeping wires the built-in stats snapshot task. Dispatches go
// through the shared rate limiter (when configured) so housekeeping competes
// for the same budget as caller-registered tasks.
func registerHousekeeping(cfg *config.Config, sched *scheduler.Service, balancer *concurrency.AgentLoadBalancer, limiter *concurrency.RateLimiter, sup *supervisor.Supervisor, log logx.Logger) error {
	every, err := cfg.StatsIntervalOrDefault(time.Minute)
	if err != nil {
		return err
	}
	if every <= 0 {
		return nil
	}

	return sched.Schedule("stats.snapshot", func(ctx context.Context) error {
		if limiter != nil {
			if err := limiter.Acquire(ctx); err != nil {
				return err
			}
		}
		snap := sched.Snapshot()
		loops := sup.Counters()
		log.Info("scheduler stats",
			logx.Int("tasks", snap.TaskCount),
			logx.Bool("running", snap.Running),
			logx.Int64("loops_active", loops.Active))
		for id, st := range balancer.Snapshot() {
			log.Debug("agent load",
				logx.String("agent", id),
				logx.Int("current", st.Current),
				logx.Int("queued", st.Queued),
				logx.Int("available", st.Available),
				logx.Uint64("total", st.TotalRequests),
				logx.Uint64("rejected", st.RejectedRequests))
		}
		return nil
	}, scheduler.TaskOptions{
		Interval:       every,
		RunImmediately: true,
		MaxRetries:     1,
		RetryDelay:     5 * time.Second,
	})
}
