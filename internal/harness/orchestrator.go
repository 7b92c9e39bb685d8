package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/veeam-token-mock/internal/errors"
	"github.com/alexjbarnes/veeam-token-mock/internal/events"
	"github.com/sergi/go-diff/diffmatchpatch"
	"k8s.io/utils/clock"
)

// Process exit codes for a harness run.
const (
	ExitPass  = 0
	ExitFail  = 1
	ExitFatal = 2
)

const transcriptPrefix = "[token-test]"

// Orchestrator runs a Scenario: it starts the mock once, invokes the client
// at each phase offset, and compares the grants the mock recorded during
// each invocation with the phase expectation.
type Orchestrator struct {
	Scenario *Scenario
	Launcher Launcher
	Runner   Runner

	// Source overrides where events are read from. Nil uses the mock's
	// HTTP event feed.
	Source func(Mock) Source

	// Journal and GrantLog, when set, are the files the mock was told to
	// write. They are read after the mock stops and must agree with the
	// events observed during the run.
	Journal  string
	GrantLog string

	Clock      clock.Clock
	Transcript io.Writer
	Logger     *slog.Logger
}

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Name      string
	At        time.Duration
	Expected  []string
	Observed  []string
	ClientErr error
}

// Passed reports whether the observed grants matched.
func (p PhaseResult) Passed() bool {
	return slices.Equal(p.Expected, p.Observed)
}

// Report summarizes a completed run.
type Report struct {
	Scenario   string
	Phases     []PhaseResult
	Expected   []string
	Observed   []string
	Rejections int
	Failures   []string
}

// Passed reports whether every assertion held.
func (r *Report) Passed() bool {
	return len(r.Failures) == 0
}

// ExitCode maps a run result to the harness exit code.
func ExitCode(rep *Report, err error) int {
	switch {
	case err != nil:
		return ExitFatal
	case rep == nil || !rep.Passed():
		return ExitFail
	default:
		return ExitPass
	}
}

// Run executes the scenario. The returned error is non-nil only for fatal
// setup failures (client missing, mock not starting) or cancellation;
// assertion failures are listed in the report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	sc := o.Scenario
	if sc == nil {
		sc = DefaultScenario()
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tr := &transcript{w: o.Transcript, clock: clk}

	if err := o.Runner.Check(); err != nil {
		tr.logf("ERROR: %v", err)
		return nil, err
	}
	if r, ok := o.Runner.(Resetter); ok {
		if err := r.Reset(); err != nil {
			tr.logf("ERROR: %v", err)
			return nil, err
		}
	}

	tr.logf("starting mock server")
	mock, err := o.Launcher.Start(ctx)
	if err != nil {
		tr.logf("ERROR: %v", err)
		if !errors.Is(err, apperrors.ErrMockStart) {
			err = fmt.Errorf("%w: %w", apperrors.ErrMockStart, err)
		}
		return nil, err
	}
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGracePeriod*2)
		defer cancel()
		if err := mock.Stop(stopCtx); err != nil {
			logger.Warn("stopping mock", slog.String("error", err.Error()))
		}
	}
	defer stop()
	tr.logf("mock server is ready at %s", mock.BaseURL())
	tr.logf("scenario %s: %d phases over %s", sc.Name, len(sc.Phases), sc.Duration())

	var src Source
	if o.Source != nil {
		src = o.Source(mock)
	} else {
		src = &FeedSource{BaseURL: mock.BaseURL()}
	}

	rep := &Report{Scenario: sc.Name, Expected: sc.Expected()}
	start := clk.Now()
	lastSeq := 0

	for _, phase := range sc.Phases {
		if wait := start.Add(phase.At).Sub(clk.Now()); wait > 0 {
			tr.logf("sleep %s before %s", wait, phase.Name)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-clk.After(wait):
			}
		}

		res, seq, err := o.runPhase(ctx, src, mock, phase, lastSeq)
		if err != nil {
			rep.Failures = append(rep.Failures, fmt.Sprintf("%s: reading events: %v", phase.Name, err))
			tr.logf("%s: reading events failed: %v", phase.Name, err)
		}
		lastSeq = seq
		rep.Phases = append(rep.Phases, res)
		rep.Observed = append(rep.Observed, res.Observed...)

		if res.ClientErr != nil {
			tr.logf("%s: client failed (tolerated): %v", phase.Name, res.ClientErr)
			logger.Warn("client invocation failed",
				slog.String("phase", phase.Name),
				slog.String("error", res.ClientErr.Error()),
			)
		}
		if res.Passed() {
			tr.logf("%s: observed %s as expected", phase.Name, describe(res.Observed))
		} else {
			msg := fmt.Sprintf("%s: expected %s, observed %s", phase.Name, describe(res.Expected), describe(res.Observed))
			rep.Failures = append(rep.Failures, msg)
			tr.logf("FAIL %s", msg)
		}
	}

	final, err := src.Snapshot(ctx)
	if err != nil {
		rep.Failures = append(rep.Failures, fmt.Sprintf("final snapshot: %v", err))
	} else {
		rep.Rejections = final.Rejected
		// Grants recorded outside any phase window still count.
		rep.Observed = events.Labels(final.Events)
	}

	if !slices.Equal(rep.Expected, rep.Observed) {
		msg := "grant sequence mismatch:\n" + SequenceDiff(rep.Expected, rep.Observed)
		rep.Failures = append(rep.Failures, msg)
		tr.logf("FAIL %s", msg)
	}
	if rep.Rejections < sc.MinRejections {
		msg := fmt.Sprintf("expected at least %d unauthorized responses, got %d", sc.MinRejections, rep.Rejections)
		rep.Failures = append(rep.Failures, msg)
		tr.logf("FAIL %s", msg)
	}

	stop()
	rep.Failures = append(rep.Failures, o.crossCheck(tr, rep.Observed)...)

	if rep.Passed() {
		tr.logf("PASS")
	} else {
		tr.logf("FAIL (%d assertion(s))", len(rep.Failures))
	}
	return rep, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, src Source, mock Mock, phase Phase, lastSeq int) (PhaseResult, int, error) {
	res := PhaseResult{Name: phase.Name, At: phase.At, Expected: phase.Expect, Observed: []string{}}
	if res.Expected == nil {
		res.Expected = []string{}
	}

	before, err := src.Snapshot(ctx)
	if err != nil {
		return res, lastSeq, err
	}
	// Anything recorded between phases is attributed to no phase.
	lastSeq = maxSeq(before.Events, lastSeq)

	res.ClientErr = o.Runner.Run(ctx, mock.Target())

	after, err := src.Snapshot(ctx)
	if err != nil {
		return res, lastSeq, err
	}
	for _, ev := range after.Events {
		if ev.Seq > lastSeq {
			res.Observed = append(res.Observed, ev.Label())
		}
	}
	return res, maxSeq(after.Events, lastSeq), nil
}

// crossCheck compares the files the mock wrote with the feed.
func (o *Orchestrator) crossCheck(tr *transcript, observed []string) []string {
	var failures []string
	check := func(name string, read func() ([]events.Event, error)) {
		evs, err := read()
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			return
		}
		labels := events.Labels(evs)
		if !slices.Equal(labels, observed) {
			failures = append(failures, fmt.Sprintf("%s disagrees with event feed:\n%s", name, SequenceDiff(observed, labels)))
			return
		}
		tr.logf("%s assertions passed (%d grants)", name, len(labels))
	}

	if o.Journal != "" {
		check("journal", func() ([]events.Event, error) { return events.ReadJournal(o.Journal) })
	}
	if o.GrantLog != "" {
		check("grant log", func() ([]events.Event, error) { return events.ReadGrantLog(o.GrantLog) })
	}
	return failures
}

func maxSeq(evs []events.Event, floor int) int {
	for _, ev := range evs {
		floor = max(floor, ev.Seq)
	}
	return floor
}

func describe(labels []string) string {
	if len(labels) == 0 {
		return "no grant"
	}
	return "[" + strings.Join(labels, ", ") + "]"
}

// SequenceDiff renders a line diff of two grant sequences, one label per
// line, prefixed with "-" for expected-only and "+" for observed-only.
func SequenceDiff(expected, observed []string) string {
	a := strings.Join(expected, "\n")
	b := strings.Join(observed, "\n")
	if len(expected) > 0 {
		a += "\n"
	}
	if len(observed) > 0 {
		b += "\n"
	}

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var out strings.Builder
	out.WriteString("--- expected\n+++ observed\n")
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix + line)
		}
	}
	return out.String()
}

// transcript writes timestamped "[token-test]" progress lines.
type transcript struct {
	w     io.Writer
	clock clock.PassiveClock
}

func (t *transcript) logf(format string, args ...any) {
	if t.w == nil {
		return
	}
	fmt.Fprintf(t.w, "%s %s %s\n", t.clock.Now().Format(time.DateTime), transcriptPrefix, fmt.Sprintf(format, args...))
}
