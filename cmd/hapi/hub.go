package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hapihub/hapi/hub"
	"github.com/hapihub/hapi/internal/hub/config"
	"github.com/hapihub/hapi/internal/logging"
)

func runHub(args []string) error {
	fs := flag.NewFlagSet("hub", flag.ContinueOnError)
	addr := fs.String("addr", "", "listen address (default from config)")
	dataDir := fs.String("data-dir", "", "data directory (default from config)")
	configPath := fs.String("config", "", "path to YAML config file")
	logLevel := fs.String("log-level", "", "debug, info, warn, or error")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", fs.Arg(0))
		return usageError{fmt.Errorf("unexpected argument")}
	}

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// Flags win over config file and environment.
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logging.Setup()
	if cfg.LogLevel != "" {
		level, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return usageError{err}
		}
		logging.SetLevel(level)
	}

	logging.PrintBanner(version, cfg.Addr)

	server, err := hub.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
