// Package main provides the entry point for the Replicate proxy server.
// The server exposes an OpenAI-compatible chat completions API and forwards each request
// to a Claude model hosted on Replicate using the caller's own Replicate token.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/router-for-me/ReplicateProxyAPI/internal/api"
	"github.com/router-for-me/ReplicateProxyAPI/internal/config"
	"github.com/router-for-me/ReplicateProxyAPI/internal/logging"
	"github.com/router-for-me/ReplicateProxyAPI/internal/watcher"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "config.yaml"
)

// shutdownTimeout bounds graceful shutdown. Streams still open afterwards are cut.
const shutdownTimeout = 30 * time.Second

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

// main is the entry point of the application.
// It parses command-line flags, loads configuration, and runs the HTTP server
// together with the configuration watcher until SIGINT or SIGTERM.
func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("Replicate Proxy Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)
		return
	}

	if err := run(configPath); err != nil {
		log.Errorf("server exited: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnvironment(os.LookupEnv)
	if err = cfg.Validate(); err != nil {
		return err
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}
	log.Infof("Replicate Proxy Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)

	server := api.NewServer(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if _, errStat := os.Stat(configPath); errStat == nil {
		w, errWatcher := watcher.NewWatcher(configPath, func(next *config.Config) {
			if errLog := logging.ConfigureLogOutput(next); errLog != nil {
				log.Errorf("failed to reconfigure log output: %v", errLog)
			}
			server.UpdateConfig(next)
		}, watcher.WithEnvironment(os.LookupEnv))
		if errWatcher != nil {
			return errWatcher
		}
		g.Go(func() error {
			return w.Run(gctx)
		})
	} else {
		log.Infof("no configuration file at %s, running with defaults and environment", configPath)
	}

	return g.Wait()
}
