package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/veeam-token-mock/internal/client"
	"github.com/alexjbarnes/veeam-token-mock/internal/logging"
	"k8s.io/utils/clock"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("c", "config.yml", "client config file")
	once := flag.Bool("n", false, "scrape once and exit")
	target := flag.String("t", "", "target name, host[:port] or URL")
	logLevel := flag.String("log-level", os.Getenv("VEEAM_LOG_LEVEL"), "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.NewLoggerTo(os.Stderr, os.Getenv("ENVIRONMENT"), *logLevel)

	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	creds, err := client.LoadCredentials()
	if err != nil {
		return err
	}

	clk := clock.RealClock{}
	opts := client.Options{
		Config:      cfg,
		Target:      *target,
		Credentials: creds,
		Clock:       clk,
		Logger:      logger,
	}

	if *once {
		res, err := client.RunOnce(context.Background(), opts, os.Stdout)
		if res != nil && len(res.Grants) > 0 {
			logger.Info("grants performed", slog.Any("grants", res.Grants))
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The cache stays open for the life of the process.
	cache, err := client.OpenTokenCache(cfg.TokenCache)
	if err != nil {
		return err
	}
	defer cache.Close()
	opts.Cache = cache

	logger.Info("veeam-client starting",
		slog.String("version", Version),
		slog.Duration("interval", cfg.Interval),
	)

	ticker := clk.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := client.RunOnce(ctx, opts, os.Stdout); err != nil {
			logger.Warn("scrape failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}
