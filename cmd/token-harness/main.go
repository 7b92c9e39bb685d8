package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexjbarnes/veeam-token-mock/internal/auth"
	"github.com/alexjbarnes/veeam-token-mock/internal/client"
	"github.com/alexjbarnes/veeam-token-mock/internal/harness"
	"github.com/alexjbarnes/veeam-token-mock/internal/logging"
)

type options struct {
	scenario     string
	clientBin    string
	clientConfig string
	mockBin      string
	workDir      string
	source       string
	port         int
	inProcess    bool
	logLevel     string
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	flag.StringVar(&opts.scenario, "scenario", "", "scenario YAML (default: 0s/30s/65s token refresh)")
	flag.StringVar(&opts.clientBin, "client", "./veeam-client", "client binary under test")
	flag.StringVar(&opts.clientConfig, "client-config", "test/test_config.yml", "config passed to the client with -c")
	flag.StringVar(&opts.mockBin, "mock", "veeam-mock", "mock server binary")
	flag.StringVar(&opts.workDir, "work-dir", filepath.Join(os.TempDir(), "token-test"), "directory for logs and the event journal")
	flag.StringVar(&opts.source, "source", "feed", "event source: feed or log")
	flag.IntVar(&opts.port, "port", 9999, "mock server port (0 picks a free port)")
	flag.BoolVar(&opts.inProcess, "in-process", false, "run the mock and the reference client inside the harness")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.NewLoggerTo(os.Stderr, os.Getenv("ENVIRONMENT"), opts.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o, closeOutputs, err := buildOrchestrator(opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return harness.ExitFatal
	}
	defer closeOutputs()

	rep, err := o.Run(ctx)
	code := harness.ExitCode(rep, err)
	switch code {
	case harness.ExitFatal:
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	case harness.ExitFail:
		for _, f := range rep.Failures {
			fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
		}
		fmt.Fprintf(os.Stderr, "work dir: %s\n", opts.workDir)
	}
	return code
}

func buildOrchestrator(opts options, logger *slog.Logger) (*harness.Orchestrator, func(), error) {
	sc, err := harness.LoadScenario(opts.scenario)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(opts.workDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating work dir: %w", err)
	}

	grantLog := filepath.Join(opts.workDir, "mock_grants.log")
	journal := filepath.Join(opts.workDir, "mock_events.db")

	o := &harness.Orchestrator{
		Scenario:   sc,
		Journal:    journal,
		GrantLog:   grantLog,
		Transcript: os.Stdout,
		Logger:     logger,
	}
	if opts.source == "log" {
		o.Source = func(harness.Mock) harness.Source { return &harness.LogSource{Path: grantLog} }
	}

	creds, err := client.LoadCredentials()
	if err != nil {
		// The mock then runs in open mode and the client fails every phase.
		logger.Warn("client credentials not set", slog.String("error", err.Error()))
	}

	if opts.inProcess {
		cfg, err := clientConfig(opts)
		if err != nil {
			return nil, nil, err
		}
		users := auth.UserCredentials{}
		if creds.Username != "" {
			users[creds.Username] = creds.Password
		}
		o.Launcher = &harness.ServerLauncher{
			TokenLifetime: sc.TokenLifetime,
			Users:         users,
			GrantLog:      grantLog,
			Journal:       journal,
			Logger:        logger,
		}
		o.Runner = &harness.ClientRunner{Config: cfg, Credentials: creds, Output: io.Discard}
		return o, func() {}, nil
	}

	mockOut, err := os.Create(filepath.Join(opts.workDir, "mock.stdout.log"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating mock output: %w", err)
	}
	clientOut, err := os.Create(filepath.Join(opts.workDir, "client.stdout.log"))
	if err != nil {
		mockOut.Close()
		return nil, nil, fmt.Errorf("creating client output: %w", err)
	}

	var mockEnv []string
	if creds.Username != "" {
		mockEnv = append(mockEnv, "MOCK_USERS="+creds.Username+":"+creds.Password)
	}
	o.Launcher = &harness.ProcessLauncher{
		Binary:        opts.mockBin,
		Port:          opts.port,
		TokenLifetime: sc.TokenLifetime,
		GrantLog:      grantLog,
		Journal:       journal,
		Env:           mockEnv,
		Output:        mockOut,
	}
	o.Runner = &harness.ProcessRunner{
		Binary: opts.clientBin,
		Config: opts.clientConfig,
		Output: clientOut,
	}
	return o, func() {
		mockOut.Close()
		clientOut.Close()
	}, nil
}

// clientConfig loads the in-process client config, or builds one that
// caches tokens in the work dir.
func clientConfig(opts options) (*client.Config, error) {
	if _, err := os.Stat(opts.clientConfig); err == nil {
		return client.LoadConfig(opts.clientConfig)
	}
	return client.ParseConfig([]byte("token_cache: " + filepath.Join(opts.workDir, "client_tokens.db") + "\n"))
}
