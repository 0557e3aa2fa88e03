package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aquemy/ballast/pkg/config"
	"github.com/aquemy/ballast/pkg/logging"
	"github.com/aquemy/ballast/pkg/runtime"
	"github.com/aquemy/ballast/pkg/tracing"
)

var (
	// Version information (set during build)
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ballast %s\n", Version)
		fmt.Printf("Git commit: %s\n", GitCommit)
		fmt.Printf("Build time: %s\n", BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if cfg.Logging != nil {
		logging.SetGlobalLogger(logging.NewLogger(logging.Config{
			Level: logging.ParseLevel(cfg.Logging.Level),
		}))
	}

	provider, err := tracing.Init(cfg.Tracing)
	if err != nil {
		logging.Fatal("failed to initialize tracing", logging.Err(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		provider.Shutdown(ctx)
	}()

	logging.Info("starting ballast",
		logging.String("version", Version),
		logging.String("config", *configPath),
		logging.String("strategy", cfg.Strategy),
		logging.Int("backends", len(cfg.Backends)))

	orch, err := runtime.New(cfg, *configPath)
	if err != nil {
		logging.Fatal("failed to initialize", logging.Err(err))
	}

	if err := orch.Run(); err != nil {
		logging.Error("exited with error", logging.Err(err))
		os.Exit(1)
	}
}
