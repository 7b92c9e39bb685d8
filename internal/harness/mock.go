package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/alexjbarnes/veeam-token-mock/internal/auth"
	apperrors "github.com/alexjbarnes/veeam-token-mock/internal/errors"
	"github.com/alexjbarnes/veeam-token-mock/internal/events"
	"github.com/alexjbarnes/veeam-token-mock/internal/server"
	"k8s.io/utils/clock"
)

const (
	defaultStartTimeout = 10 * time.Second
	healthPollInterval  = 200 * time.Millisecond
	stopGracePeriod     = 5 * time.Second
)

// Mock is a running mock server.
type Mock interface {
	// BaseURL is the http:// URL the mock serves on.
	BaseURL() string
	// Target is the host:port handed to the client with -t.
	Target() string
	// Stop shuts the mock down and waits for it to exit.
	Stop(ctx context.Context) error
}

// Launcher starts the mock server for a run.
type Launcher interface {
	Start(ctx context.Context) (Mock, error)
}

// ProcessLauncher runs the veeam-mock binary as a child process and waits
// for its health endpoint.
type ProcessLauncher struct {
	Binary        string
	Host          string
	Port          int // 0 picks a free port
	TokenLifetime time.Duration
	GrantLog      string
	Journal       string
	Env           []string
	Output        io.Writer
	StartTimeout  time.Duration
	Clock         clock.Clock
}

type processMock struct {
	cmd    *exec.Cmd
	done   chan struct{}
	target string
	clock  clock.Clock
}

func (m *processMock) BaseURL() string { return "http://" + m.target }
func (m *processMock) Target() string  { return m.target }

// Start launches the binary and blocks until /health answers, the process
// exits, or StartTimeout passes. Every failure wraps ErrMockStart.
func (l *ProcessLauncher) Start(ctx context.Context) (Mock, error) {
	if _, err := exec.LookPath(l.Binary); err != nil {
		return nil, fmt.Errorf("%w: mock binary %q: %w", apperrors.ErrMockStart, l.Binary, err)
	}

	host := l.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := l.Port
	if port == 0 {
		p, err := freePort(host)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrMockStart, err)
		}
		port = p
	}

	args := []string{"--host", host, "--port", strconv.Itoa(port)}
	if l.TokenLifetime > 0 {
		args = append(args, "--token-lifetime", l.TokenLifetime.String())
	}
	if l.GrantLog != "" {
		args = append(args, "--log-file", l.GrantLog)
	}
	if l.Journal != "" {
		args = append(args, "--journal", l.Journal)
	}

	clk := l.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	cmd := exec.Command(l.Binary, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	if l.Output != nil {
		cmd.Stdout = l.Output
		cmd.Stderr = l.Output
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrMockStart, err)
	}

	m := &processMock{
		cmd:    cmd,
		done:   make(chan struct{}),
		target: net.JoinHostPort(host, strconv.Itoa(port)),
		clock:  clk,
	}
	go func() {
		_ = cmd.Wait()
		close(m.done)
	}()

	timeout := l.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	if err := m.waitHealthy(ctx, timeout); err != nil {
		_ = m.Stop(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *processMock) waitHealthy(ctx context.Context, timeout time.Duration) error {
	hc := &http.Client{Timeout: 1500 * time.Millisecond}
	deadline := m.clock.After(timeout)
	url := m.BaseURL() + server.HealthPath

	var lastErr error
	for {
		select {
		case <-m.done:
			return fmt.Errorf("%w: mock exited early with code %d", apperrors.ErrMockStart, m.cmd.ProcessState.ExitCode())
		default:
		}

		resp, err := hc.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("health returned %d", resp.StatusCode)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", apperrors.ErrMockStart, ctx.Err())
		case <-deadline:
			return fmt.Errorf("%w: timeout waiting for %s: %w", apperrors.ErrMockStart, url, lastErr)
		case <-m.done:
		case <-m.clock.After(healthPollInterval):
		}
	}
}

// Stop sends SIGTERM and kills the process if it has not exited within
// the grace period.
func (m *processMock) Stop(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	default:
	}

	if err := m.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signalling mock: %w", err)
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
	case <-m.clock.After(stopGracePeriod):
	}

	if err := m.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing mock: %w", err)
	}
	<-m.done
	return nil
}

func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// ServerLauncher runs the mock in this process on a loopback listener.
// Sharing Clock with the client lets a run proceed on a fake clock.
type ServerLauncher struct {
	// Addr is the listen address. Empty picks a free loopback port.
	Addr          string
	Clock         clock.PassiveClock
	TokenLifetime time.Duration
	Users         auth.UserCredentials
	GrantLog      string
	Journal       string
	Logger        *slog.Logger
}

type serverMock struct {
	srv     *http.Server
	target  string
	errc    chan error
	closers []io.Closer
}

func (m *serverMock) BaseURL() string { return "http://" + m.target }
func (m *serverMock) Target() string  { return m.target }

func (m *serverMock) Stop(ctx context.Context) error {
	err := m.srv.Shutdown(ctx)
	if serveErr := <-m.errc; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	for _, c := range m.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Start builds the mux and serves it on Addr.
func (l *ServerLauncher) Start(ctx context.Context) (Mock, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var (
		sinks   []events.Sink
		closers []io.Closer
	)
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	if l.Journal != "" {
		j, err := events.OpenJournal(l.Journal)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrMockStart, err)
		}
		sinks = append(sinks, j)
		closers = append(closers, j)
	}
	if l.GrantLog != "" {
		w, c, err := events.CreateGrantLog(l.GrantLog)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("%w: %w", apperrors.ErrMockStart, err)
		}
		sinks = append(sinks, w)
		closers = append(closers, c)
	}

	store := auth.NewStore(l.Clock, l.TokenLifetime)
	log := events.NewLog(l.Clock, logger, sinks...)
	proc := auth.NewGrantProcessor(store, l.Users, log, logger)

	addr := l.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("%w: %w", apperrors.ErrMockStart, err)
	}
	target := ln.Addr().String()

	srv := &http.Server{
		Handler: server.NewMux(server.MuxConfig{
			Processor: proc,
			Events:    log,
			Logger:    logger,
			ServerURL: "http://" + target,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	m := &serverMock{srv: srv, target: target, errc: make(chan error, 1), closers: closers}
	go func() { m.errc <- srv.Serve(ln) }()
	return m, nil
}
