// Package main is the entry point for the plughost plugin host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/dshills/plughost/internal/logging"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/registry"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

// Settings is the process configuration, read from the environment.
type Settings struct {
	PluginDirs  []string `envconfig:"PLUGIN_DIRS" default:"./plugins"`
	RegistryURL string   `envconfig:"REGISTRY_URL"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	Development bool     `envconfig:"DEV" default:"false"`
	StrictDeps  bool     `envconfig:"STRICT_DEPENDENCIES" default:"false"`
}

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	refresh := flag.Bool("refresh", false, "refresh the remote plugin catalog on startup")
	flag.Parse()

	if *showVersion {
		fmt.Printf("plughost %s (%s)\n", version, commit)
		return 0
	}

	var settings Settings
	if err := envconfig.Process("plughost", &settings); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	log, err := logging.New(logging.Config{
		Level:       settings.LogLevel,
		Development: settings.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logging: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck // best-effort flush on exit

	mgr := plugin.NewManager(plugin.Config{
		Dirs:               settings.PluginDirs,
		StrictDependencies: settings.StrictDeps,
	}, plugin.WithLogger(log))
	defer mgr.Close()

	regOpts := []registry.RegistryOption{
		registry.WithManager(mgr),
		registry.WithRegistryLogger(log),
	}
	if settings.RegistryURL != "" {
		regOpts = append(regOpts, registry.WithRegistryURL(settings.RegistryURL))
	}
	reg, err := registry.New(settings.PluginDirs[0], regOpts...)
	if err != nil {
		log.Error("failed to initialize plugin registry", zap.Error(err))
		return 1
	}

	if *refresh {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := reg.Refresh(ctx); err != nil {
			log.Warn("catalog refresh failed", zap.Error(err))
		}
		cancel()
	}

	mgr.LoadAll()
	results, err := mgr.InitializeAll(plugin.Context{
		"host":    "plughost",
		"version": version,
	})
	if err != nil {
		log.Error("plugin initialization aborted", zap.Error(err))
		return 1
	}
	for id, ok := range results {
		if !ok {
			log.Warn("plugin not started", zap.String("plugin", id))
		}
	}
	log.Info("plugin host ready", zap.Int("plugins", mgr.Count()))

	// Wait for shutdown signal.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	if _, err := mgr.ShutdownAll(); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
		return 1
	}
	return 0
}
