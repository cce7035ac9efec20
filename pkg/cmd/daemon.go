package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/butter-bot-machines/corral/pkg/config"
	"github.com/butter-bot-machines/corral/pkg/control"
	"github.com/butter-bot-machines/corral/pkg/errors"
	"github.com/butter-bot-machines/corral/pkg/logging"
	slogging "github.com/butter-bot-machines/corral/pkg/logging/slog"
	procos "github.com/butter-bot-machines/corral/pkg/process/os"
	"github.com/butter-bot-machines/corral/pkg/supervisor"
	"github.com/butter-bot-machines/corral/pkg/watcher"
)

// ShutdownTimeout bounds how long the daemon waits for units to exit
const ShutdownTimeout = 30 * time.Second

// daemon is the control backend of a running supervisor. It owns the
// configuration so that reload re-reads the file.
type daemon struct {
	manager *config.Manager
	sup     *supervisor.Supervisor
	logger  logging.Logger
}

func (d *daemon) Start(ctx context.Context, name string) error {
	return d.sup.Start(ctx, name)
}

func (d *daemon) Stop(ctx context.Context, name string) error {
	return d.sup.Stop(ctx, name)
}

func (d *daemon) Restart(ctx context.Context, name string) error {
	return d.sup.Restart(ctx, name)
}

func (d *daemon) Status(name string) (supervisor.Snapshot, error) {
	return d.sup.Status(name)
}

func (d *daemon) List() []supervisor.Snapshot {
	return d.sup.List()
}

// Reload re-reads the configuration file and applies its apps. An
// invalid file leaves every unit untouched.
func (d *daemon) Reload(ctx context.Context) (supervisor.ReloadResult, error) {
	_, descs, err := d.manager.LoadDescriptors()
	if err != nil {
		d.logger.Error("reload rejected", "path", d.manager.Path(), "error", err)
		return supervisor.ReloadResult{}, err
	}
	res, err := d.sup.Reload(ctx, descs)
	if err != nil {
		d.logger.Error("reload failed", "error", err)
		return res, err
	}
	d.logger.Info("configuration reloaded",
		"added", res.Added, "removed", res.Removed, "changed", res.Changed)
	return res, nil
}

// Daemon runs the supervisor until ctx is done or SIGINT/SIGTERM arrive.
// SIGHUP reloads the configuration.
func (c *CLI) Daemon(ctx context.Context, args []string) error {
	var cf clientFlags
	var watchConfig bool
	fs := c.flagSet("daemon", &cf)
	fs.BoolVar(&watchConfig, "watch-config", false, "reload when the configuration file changes")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	path, _ := c.configPath(cf.config)
	manager := config.NewManager(path, config.WithEnvironment(c.env))
	cfg, descs, err := manager.LoadDescriptors()
	if err != nil {
		return err
	}

	s := cfg.Supervisor
	logger := slogging.NewLogger(&logging.Options{
		Level:  cfg.Level(),
		Format: cfg.Format(),
		Output: c.errOut,
	})
	socket := s.Socket
	if cf.socket != "" {
		socket = cf.socket
	}

	sup := supervisor.New(
		supervisor.WithController(procos.NewController(
			procos.WithLogger(logger),
			procos.WithCgroupMemory(s.CgroupMemory),
		)),
		supervisor.WithLogger(logger),
		supervisor.WithPolicy(cfg.Policy()),
		supervisor.WithKillTimeout(s.KillTimeout.D()),
		supervisor.WithMinUptime(s.MinUptime.D()),
		supervisor.WithPollInterval(s.PollInterval.D()),
		supervisor.WithWatchDebounce(s.WatchDebounce.D()),
		supervisor.WithConcurrency(s.Concurrency),
	)
	d := &daemon{manager: manager, sup: sup, logger: logger}

	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return sup.Shutdown(sctx)
	}

	srv, err := control.Listen(socket, control.NewLocal(d), control.WithServerLogger(logger))
	if err != nil {
		shutdown()
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	logger.Info("daemon started", "version", Version, "config", manager.Path(), "socket", socket, "apps", len(descs))

	// Units that fail to spawn are already in the restart policy's hands
	if err := sup.Load(ctx, descs); err != nil {
		logger.Warn("some apps failed to start", "error", err)
	}

	reloads := make(chan string, 1)
	requestReload := func(reason string) {
		select {
		case reloads <- reason:
		default:
		}
	}

	if watchConfig {
		w, err := watcher.New(watcher.Options{
			Paths:  []string{manager.Path()},
			Logger: logger,
		}, func(string) { requestReload("config file changed") })
		if err != nil {
			logger.Warn("cannot watch configuration file", "path", manager.Path(), "error", err)
		} else {
			defer w.Stop()
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "reason", ctx.Err())
			break loop
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				requestReload("SIGHUP")
				continue
			}
			logger.Info("shutting down", "signal", sig.String())
			break loop
		case reason := <-reloads:
			logger.Info("reloading configuration", "reason", reason)
			d.Reload(context.Background())
		case err := <-serveErr:
			runErr = errors.InternalError.Wrap(err, "control server stopped")
			logger.Error("control server stopped", "error", err)
			break loop
		}
	}

	if err := srv.Close(); err != nil {
		logger.Warn("closing control socket", "error", err)
	}
	if err := shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
