package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alexjbarnes/veeam-token-mock/internal/auth"
	"github.com/alexjbarnes/veeam-token-mock/internal/config"
	"github.com/alexjbarnes/veeam-token-mock/internal/events"
	"github.com/alexjbarnes/veeam-token-mock/internal/logging"
	"github.com/alexjbarnes/veeam-token-mock/internal/server"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

var Version = "dev"

func main() {
	// Subcommands are handled before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-password":
			hashPassword()
			return
		case "journal":
			if err := dumpJournal(os.Args[2:], os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(scanner.Text()), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

// dumpJournal prints a recorded journal in grant log format.
func dumpJournal(args []string, w io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: veeam-mock journal <path>")
	}
	evs, err := events.ReadJournal(args[0])
	if err != nil {
		return err
	}
	out := events.NewGrantLogWriter(w)
	for _, ev := range evs {
		if err := out.Write(ev); err != nil {
			return err
		}
	}
	return nil
}

// lifetimeValue accepts a Go duration or a bare number of seconds.
type lifetimeValue struct{ d *time.Duration }

func (v lifetimeValue) String() string {
	if v.d == nil {
		return ""
	}
	return v.d.String()
}

func (v lifetimeValue) Set(s string) error {
	if n, err := strconv.Atoi(s); err == nil {
		*v.d = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid lifetime %q", s)
	}
	*v.d = d
	return nil
}

func parseFlags(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("veeam-mock", flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	fs.Var(lifetimeValue{&cfg.TokenLifetime}, "token-lifetime", "access token lifetime (seconds or duration)")
	fs.StringVar(&cfg.GrantLogFile, "log-file", cfg.GrantLogFile, "file receiving one \"Grant type:\" line per grant")
	fs.StringVar(&cfg.EventJournal, "journal", cfg.EventJournal, "bbolt file recording grant events")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	return fs.Parse(args)
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := parseFlags(cfg, args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := logging.NewLoggerTo(os.Stdout, cfg.Environment, cfg.LogLevel)

	users, err := cfg.ParseUsers()
	if err != nil {
		return fmt.Errorf("parsing users: %w", err)
	}
	if users.Open() {
		logger.Warn("MOCK_USERS is empty; any non-empty username and password will be accepted")
	}

	var sinks []events.Sink
	if cfg.EventJournal != "" {
		j, err := events.OpenJournal(cfg.EventJournal)
		if err != nil {
			return err
		}
		defer j.Close()
		sinks = append(sinks, j)
	}
	if cfg.GrantLogFile != "" {
		w, c, err := events.CreateGrantLog(cfg.GrantLogFile)
		if err != nil {
			return err
		}
		defer c.Close()
		sinks = append(sinks, w)
	}

	clk := clock.RealClock{}
	store := auth.NewStore(clk, cfg.TokenLifetime)
	eventLog := events.NewLog(clk, logger, sinks...)
	proc := auth.NewGrantProcessor(store, users, eventLog, logger)

	srv := &http.Server{
		Addr: cfg.ListenAddr(),
		Handler: server.NewMux(server.MuxConfig{
			Processor: proc,
			Events:    eventLog,
			Logger:    logger,
			ServerURL: cfg.BaseURL(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("veeam-mock starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr()),
		slog.String("server_url", cfg.BaseURL()),
		slog.Duration("token_lifetime", cfg.TokenLifetime),
		slog.Int("users", len(users)),
		slog.String("grant_log", cfg.GrantLogFile),
		slog.String("journal", cfg.EventJournal),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mock server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down mock server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("mock server stopped",
		slog.Int("grants", len(eventLog.Events())),
		slog.Int("tokens_issued", store.Issued()),
		slog.Int("rejected", eventLog.Rejections()),
	)
	return nil
}
