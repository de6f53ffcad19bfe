package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"taskhive/internal/bus"
	"taskhive/internal/config"
	"taskhive/internal/history"
	"taskhive/internal/httpapi"
	"taskhive/internal/metrics"
	"taskhive/internal/module"
	"taskhive/internal/pool"
	"taskhive/internal/retry"
	"taskhive/internal/script"
	"taskhive/internal/signals"
	"taskhive/internal/state"
	"taskhive/internal/task"
	"taskhive/pkg/logx"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the taskhive daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if errors.Is(err, os.ErrNotExist) {
		def := config.Defaults()
		cfg = &def
		mgr.Commit(cfg)
	} else if err != nil {
		return err
	}

	svc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer svc.Close()

	mgr.SetLogger(log.With(logx.String("component", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	hub := signals.New()
	svc.SetSink(func(_ logx.Level, line string) {
		hub.Publish(signals.Event{Type: signals.TaskLogLine, Time: time.Now(), Data: signals.LogLine{Line: line}})
	}, "warn", 20)

	busyTimeout, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	hist, err := history.Open(history.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
		Limit:       cfg.Storage.HistoryLimit,
	}, log.With(logx.String("component", "history")))
	if err != nil {
		return err
	}
	if hist != nil {
		defer hist.Close()
	}

	var b bus.Bus
	if cfg.Bus.Enabled {
		initial, maxBackoff := cfg.BusBackoff()
		client := bus.New(bus.Config{
			Addr:           cfg.Bus.Addr,
			Password:       cfg.Bus.Password,
			DB:             cfg.Bus.DB,
			ClientName:     cfg.Bus.ClientName,
			InitialBackoff: initial,
			MaxBackoff:     maxBackoff,
		}, log.With(logx.String("component", "bus")), bus.Notify{
			StateChanged: func(st bus.State) {
				if st == bus.Reconnecting {
					metrics.BusReconnects.Inc()
				}
				hub.Publish(signals.Event{Type: signals.BusStateChanged, Time: time.Now(), Data: st.String()})
			},
			Published: func(topic, payload string) {
				hub.Publish(signals.Event{Type: signals.MessagePublished, Time: time.Now(), Data: signals.BusMessage{Topic: topic, Payload: payload}})
			},
			Received: func(topic, payload string) {
				hub.Publish(signals.Event{Type: signals.MessageReceived, Time: time.Now(), Data: signals.BusMessage{Topic: topic, Payload: payload}})
			},
		})
		if err := client.Connect(); err != nil {
			// The client keeps retrying in the background.
			log.Warn("bus connect failed", logx.Err(err))
		}
		defer client.Disconnect()
		b = client
	}

	sink := func(taskName, line string) {
		hub.Publish(signals.Event{Type: signals.TaskLogLine, Time: time.Now(), Data: signals.LogLine{Task: taskName, Line: line}})
	}
	p := pool.New(pool.Config{Workers: cfg.Pool.Workers}, log.With(logx.String("component", "pool")), sink)
	defer p.Shutdown(true)

	mods := module.NewManager(cfg.Paths.ModulesDir, log.With(logx.String("component", "modules")))
	if err := mods.Discover(); err != nil {
		return err
	}

	reg := script.NewRegistry()
	if err := script.RegisterBuiltins(reg); err != nil {
		return err
	}

	orch := task.New(task.Options{
		TasksDir: cfg.Paths.TasksDir,
		Modules:  mods,
		Registry: reg,
		Bus:      b,
		Hub:      hub,
		Pool:     p,
		States:   state.NewStore(log.With(logx.String("component", "state"))),
		History:  hist,
		Defaults: retryDefaults(cfg.Retry),
		Logger:   log.With(logx.String("component", "tasks")),
		Sink:     sink,
	})
	defer orch.Shutdown()

	if err := orch.LoadTasks(); err != nil {
		return err
	}

	go func() {
		if err := mgr.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Error("config watcher stopped", logx.Err(err))
		}
	}()
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	go applyReloads(svc, log, cfg, updates)

	if cfg.HTTP.Enabled {
		api := httpapi.New(cfg.HTTP, orch, b, hist, mods, log.With(logx.String("component", "http")))
		go func() {
			if err := api.Run(ctx); err != nil {
				log.Error("http server stopped", logx.Err(err))
			}
		}()
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("taskhive started",
		logx.Int("tasks", len(orch.Names())),
		logx.Int("workers", cfg.Pool.Workers),
		logx.Bool("bus", cfg.Bus.Enabled),
		logx.Bool("http", cfg.HTTP.Enabled))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")
	return nil
}

// applyReloads reacts to committed config changes from the watcher. Only
// logging is hot-swappable; everything else needs a restart and is logged
// so the operator knows the edit did not take effect live.
func applyReloads(svc *logx.Service, log logx.Logger, prev *config.Config, updates <-chan *config.Config) {
	for next := range updates {
		svc.Apply(logx.Config{
			Level:   next.Logging.Level,
			Console: next.Logging.Console,
			File: logx.FileConfig{
				Enabled: next.Logging.File.Enabled,
				Path:    next.Logging.File.Path,
			},
		})
		sections, fields := config.SummarizeChange(prev, next)
		log.Info("configuration reloaded", fields...)
		for _, s := range sections {
			if s != "logging" {
				log.Warn("config section changed, restart required", logx.String("section", s))
			}
		}
		prev = next
	}
}

func retryDefaults(rc config.RetryConfig) retry.Policy {
	interval, _ := config.ParseDurationOrDefault("retry_defaults.interval", rc.Interval, 0)
	maxInterval, _ := config.ParseDurationOrDefault("retry_defaults.max_interval", rc.MaxInterval, 0)
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		Strategy:    retry.Strategy(rc.Strategy),
		Interval:    interval,
		MaxInterval: maxInterval,
		Multiplier:  rc.Multiplier,
	}.Normalize()
}
