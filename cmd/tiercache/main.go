package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"tiercache/internal/logging"
	"tiercache/internal/recordstore"
	"tiercache/pkg/config"
	"tiercache/pkg/tiercache"
)

var (
	configPath = flag.String("config", "configs/tiercache.yaml", "Path to configuration file")
	cacheName  = flag.String("cache", "", "Cache selected when the shell starts (default: first configured cache)")
	logLevel   = flag.String("log-level", "", "Override the configured log level")
	noShell    = flag.Bool("no-shell", false, "Run without the interactive shell until interrupted")
)

const shutdownTimeout = 30 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Early error before logging is initialized
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger, err := logging.InitializeFromConfig(cfg.Manager.Name, cfg.ToLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "tiercache starting", map[string]interface{}{
		"config_file": *configPath,
		"caches":      len(cfg.Caches),
	})

	if err := run(ctx, cfg); err != nil {
		logging.Error(ctx, logging.ComponentMain, logging.ActionStop, "tiercache exited with error", err)
		logger.Close()
		os.Exit(1)
	}
	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "tiercache stopped")
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	var writer tiercache.Writer
	if cfg.Writer.SQLitePath != "" {
		records, err := recordstore.Open(ctx, cfg.Writer.SQLitePath, cfg.Writer.Table)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := records.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		writer = records
	}

	cacheConfigs, err := cfg.ToCacheConfigs(writer)
	if err != nil {
		return err
	}

	mgr, err := tiercache.NewManager(tiercache.ManagerConfig{
		Name:          cfg.Manager.Name,
		DiskStorePath: cfg.Manager.DiskStorePath,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := mgr.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
	}()

	for _, cc := range cacheConfigs {
		if _, err := mgr.CreateCache(cc); err != nil {
			return err
		}
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := config.Watch(runCtx, *configPath, func(next *config.Config) { applyReload(runCtx, mgr, next) }); err != nil {
			logging.Warn(runCtx, logging.ComponentConfig, logging.ActionReload, "Configuration watcher stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	if *noShell {
		fmt.Printf("tiercache manager %s running with %d cache(s); press Ctrl+C to stop\n", mgr.Name(), len(mgr.CacheNames()))
		<-runCtx.Done()
		return nil
	}

	current := *cacheName
	if current == "" && len(cacheConfigs) > 0 {
		current = cacheConfigs[0].Name
	}
	sh := newShell(mgr, current, os.Stdout)
	done := make(chan error, 1)
	go func() { done <- sh.Run(runCtx) }()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		// the terminal is left in raw mode until liner closes
		sh.Close()
		return nil
	}
}

// applyReload pushes the runtime-adjustable settings of a reloaded file into
// the running caches. Structural settings (disk mode, writer, new caches)
// need a restart.
func applyReload(ctx context.Context, mgr *tiercache.Manager, next *config.Config) {
	logging.SetLevel(next.Logging.Level)

	for _, section := range next.Caches {
		c, ok := mgr.Cache(section.Name)
		if !ok {
			logging.Warn(ctx, logging.ComponentConfig, logging.ActionReload, "Cache added to configuration needs a restart", map[string]interface{}{
				"cache": section.Name,
			})
			continue
		}
		want, err := section.ToCacheConfig()
		if err != nil {
			logging.Warn(ctx, logging.ComponentConfig, logging.ActionReload, "Ignoring invalid cache section", map[string]interface{}{
				"cache": section.Name,
				"error": err.Error(),
			})
			continue
		}
		for _, err := range reconcile(c, want) {
			logging.Warn(ctx, logging.ComponentConfig, logging.ActionReload, "Failed to apply configuration change", map[string]interface{}{
				"cache": section.Name,
				"error": err.Error(),
			})
		}
	}
}

// reconcile calls the mutators for every adjustable field that differs
func reconcile(c *tiercache.Cache, want tiercache.CacheConfig) []error {
	have := c.Config()
	var errs []error
	apply := func(differs bool, set func() error) {
		if differs {
			if err := set(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	apply(have.MaxEntriesLocalHeap != want.MaxEntriesLocalHeap, func() error { return c.SetMaxEntriesLocalHeap(want.MaxEntriesLocalHeap) })
	apply(have.MaxBytesLocalHeap != want.MaxBytesLocalHeap, func() error { return c.SetMaxBytesLocalHeap(want.MaxBytesLocalHeap) })
	if have.DiskMode != tiercache.DiskNone {
		apply(have.MaxEntriesLocalDisk != want.MaxEntriesLocalDisk, func() error { return c.SetMaxEntriesLocalDisk(want.MaxEntriesLocalDisk) })
		apply(have.MaxBytesLocalDisk != want.MaxBytesLocalDisk, func() error { return c.SetMaxBytesLocalDisk(want.MaxBytesLocalDisk) })
	}
	if !have.Eternal {
		apply(have.TimeToIdle != want.TimeToIdle, func() error { return c.SetTimeToIdle(want.TimeToIdle) })
		apply(have.TimeToLive != want.TimeToLive, func() error { return c.SetTimeToLive(want.TimeToLive) })
	}
	return errs
}
