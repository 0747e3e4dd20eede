package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"clipbridge/internal/api"
	"clipbridge/internal/bridge"
	"clipbridge/internal/config"
	"clipbridge/internal/ipc"
	"clipbridge/internal/logging"
	"clipbridge/internal/metrics"
	"clipbridge/internal/notify"
)

const (
	shutdownTimeout = 10 * time.Second
	crashRetention  = 30 * 24 * time.Hour
)

// daemon holds everything runDaemon starts, in start order.
type daemon struct {
	loader   *config.Loader
	log      *logging.Logger
	crash    *logging.CrashHandler
	notifier notify.Notifier
	bridge   *bridge.Bridge
	ipc      *ipc.Server
	detach   func()
	api      *api.Server
}

func runDaemon(ctx context.Context, path string) error {
	if path == "" {
		path = config.ConfigPath()
	}
	if _, created, err := config.LoadOrCreate(path); err != nil {
		return err
	} else if created {
		fmt.Fprintf(os.Stderr, "wrote default config to %s\n", path)
	}

	d := &daemon{loader: config.NewLoader(path)}
	cfg, err := d.loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	if err := d.start(ctx, cfg); err != nil {
		d.stop()
		return err
	}
	defer d.stop()

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()
	reinit := make(chan os.Signal, 1)
	if len(reinitSignals) > 0 {
		signal.Notify(reinit, reinitSignals...)
		defer signal.Stop(reinit)
	}

	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutting down")
			return nil
		case <-reinit:
			d.log.Info("reinitializing engine on signal")
			if err := d.bridge.Reinitialize(ctx); err != nil {
				d.log.Warn("reinitialize", "error", err)
			}
		case err := <-d.loader.Errors():
			d.log.Warn("config reload rejected", "error", err)
		}
	}
}

func (d *daemon) start(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogConfig())
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	d.log = logger
	logging.SetDefault(logger)
	logger.Info("starting clipbridged", "version", Version, "config", d.loader.Path())

	d.crash = logging.NewCrashHandler(filepath.Join(cfg.Paths.LogDir, "crash"), Version, logger.Logger, nil)
	if err := d.crash.Prune(crashRetention); err != nil {
		logger.Debug("prune crash reports", "error", err)
	}

	d.notifier = notify.Noop{}
	if cfg.Notify.Enabled {
		if n, err := notify.New(); err != nil {
			logger.Warn("desktop notifications unavailable", "error", err)
		} else {
			d.notifier = n
		}
	}

	reg := metrics.NewRegistry(true)
	b, err := bridge.New(bridge.Options{
		Config:   cfg,
		Registry: reg,
		Notifier: d.notifier,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	d.bridge = b
	if err := b.Start(ctx); err != nil {
		return err
	}

	d.loader.OnChange(func(old, next *config.Config) {
		defer d.crash.Recover("config")
		b.ApplyConfig(old, next)
	})
	if err := d.loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	if cfg.IPC.Enabled {
		scfg, err := ipc.ServerConfigFrom(cfg.IPC, Version)
		if err != nil {
			return err
		}
		scfg.State = func() string { return b.Host.State().String() }
		scfg.Logger = b.Logger()
		h := ipc.NewDaemonHandler(b)
		d.ipc = ipc.NewServer(scfg, h)
		if err := d.ipc.Start(); err != nil {
			return fmt.Errorf("ipc: %w", err)
		}
		d.detach = h.Attach(d.ipc)
	}

	if cfg.API.Enabled {
		gin.SetMode(gin.ReleaseMode)
		router := api.NewRouter(&api.Handler{Backend: b, Health: b.Health, Metrics: reg.Handler()}, b.Logger())
		srv, err := api.Listen(cfg.API.Listen, router, b.Logger())
		if err != nil {
			return err
		}
		d.api = srv
		srv.Serve()
	}
	return nil
}

// stop tears down in reverse start order. Safe on a partial start.
func (d *daemon) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if d.api != nil {
		errs = append(errs, d.api.Shutdown(ctx))
	}
	if d.detach != nil {
		d.detach()
	}
	if d.ipc != nil {
		errs = append(errs, d.ipc.Stop())
	}
	errs = append(errs, d.loader.Close())
	if d.bridge != nil {
		errs = append(errs, d.bridge.Stop(ctx))
	}
	if d.notifier != nil {
		errs = append(errs, d.notifier.Close())
	}
	if d.log == nil {
		return
	}
	if err := errors.Join(errs...); err != nil {
		d.log.Error("shutdown", "error", err)
	}
	d.log.Info("clipbridged stopped")
	d.log.Close()
}
