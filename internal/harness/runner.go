package harness

//go:generate mockgen -source=runner.go -destination=mock_runner_test.go -package=harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/alexjbarnes/veeam-token-mock/internal/client"
	apperrors "github.com/alexjbarnes/veeam-token-mock/internal/errors"
	"k8s.io/utils/clock"
)

// Runner invokes the client under test once per phase.
type Runner interface {
	// Check verifies the client can be invoked at all. A failure is fatal
	// to the run.
	Check() error
	// Run performs one blocking invocation against target (host:port).
	// Errors are soft failures for the phase.
	Run(ctx context.Context, target string) error
}

// Resetter is implemented by runners whose client keeps state between
// invocations. The orchestrator calls Reset once before starting the mock,
// so the first phase sees a client without cached tokens from an earlier
// run. A failure is fatal to the run.
type Resetter interface {
	Reset() error
}

// removeTokenCache deletes the client's token cache file, if any.
func removeTokenCache(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing client token cache: %w", err)
	}
	return nil
}

// ProcessRunner execs the client binary as
// "<binary> -c <config> -n -t <target>".
type ProcessRunner struct {
	Binary string
	Config string
	// Env is appended to the harness environment, typically
	// VEEAM_USER and VEEAM_PASSWORD.
	Env    []string
	Output io.Writer
}

// Check resolves the binary on disk or in PATH.
func (r *ProcessRunner) Check() error {
	if r.Binary == "" {
		return fmt.Errorf("%w: no client binary configured", apperrors.ErrClientNotFound)
	}
	if _, err := exec.LookPath(r.Binary); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrClientNotFound, err)
	}
	return nil
}

// Reset reads Config and removes the token cache it names. Without a
// Config there is nothing to clear.
func (r *ProcessRunner) Reset() error {
	if r.Config == "" {
		return nil
	}
	cfg, err := client.LoadConfig(r.Config)
	if err != nil {
		return fmt.Errorf("loading client config: %w", err)
	}
	return removeTokenCache(cfg.TokenCache)
}

// Run execs the client and waits for it. A non-zero exit wraps
// ErrTransport with the exit code.
func (r *ProcessRunner) Run(ctx context.Context, target string) error {
	cmd := exec.CommandContext(ctx, r.Binary, "-c", r.Config, "-n", "-t", target)
	cmd.Env = append(os.Environ(), r.Env...)
	if r.Output != nil {
		cmd.Stdout = r.Output
		cmd.Stderr = r.Output
	}

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		return fmt.Errorf("%w: client exited with code %d", apperrors.ErrTransport, exitErr.ExitCode())
	default:
		return fmt.Errorf("%w: running client: %w", apperrors.ErrTransport, err)
	}
}

// ClientRunner runs the in-repo reference client in this process. Each
// Run opens the token cache afresh, as a separate process would.
type ClientRunner struct {
	Config      *client.Config
	Credentials client.Credentials
	Clock       clock.PassiveClock
	Output      io.Writer
}

// Check only requires a config; the client is linked in.
func (r *ClientRunner) Check() error {
	if r.Config == nil {
		return fmt.Errorf("%w: no client config", apperrors.ErrClientNotFound)
	}
	return nil
}

// Reset removes the configured token cache.
func (r *ClientRunner) Reset() error {
	return removeTokenCache(r.Config.TokenCache)
}

// Run performs one scrape against target.
func (r *ClientRunner) Run(ctx context.Context, target string) error {
	out := r.Output
	if out == nil {
		out = io.Discard
	}
	_, err := client.RunOnce(ctx, client.Options{
		Config:      r.Config,
		Target:      target,
		Credentials: r.Credentials,
		Clock:       r.Clock,
	}, out)
	return err
}
