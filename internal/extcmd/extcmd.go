// Package extcmd is the one seam through which Pairflow's core ever
// touches an external process: git and the terminal multiplexer (spec.md
// §9: "External commands ... are dependency-injectable function values;
// the core must never embed process-spawning logic in its pure data
// transitions").
//
// Grounded on the teacher's circuitbreaker.CircuitBreaker (Config with
// ReadyToTrip/OnStateChange, wrapping an arbitrary call) for the shape of
// "wrap a flaky external call with trip/reset policy", reimplemented here
// directly on top of github.com/sony/gobreaker rather than the teacher's
// hand-rolled state machine, per this retrieval pack's kubernaut member
// which uses gobreaker for the same purpose.
package extcmd

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/felho/pairflow/internal/pferrors"
)

// Result is the outcome of a single external command invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes argv in dir and returns its result. Implementations
// must return a *pferrors.Error of KindExternalCommand on non-zero exit;
// Real does this already, and Resilient forwards it unchanged.
type Runner func(ctx context.Context, dir string, argv []string) (Result, error)

// stderrTailBytes bounds how much stderr an ExternalCommand error quotes,
// matching spec §7's "surfaced with the command arguments and stderr
// tail" without unbounded memory growth on a runaway process.
const stderrTailBytes = 4096

// Real returns a Runner backed by os/exec.CommandContext.
func Real() Runner {
	return func(ctx context.Context, dir string, argv []string) (Result, error) {
		if len(argv) == 0 {
			return Result{}, pferrors.Validationf("argv", "external command requires a non-empty argv")
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		}

		if err != nil {
			return res, pferrors.ExternalCommand(argv, tail(res.Stderr, stderrTailBytes), err)
		}
		return res, nil
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// BreakerOptions configures Resilient.
type BreakerOptions struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// TripAfterConsecutiveFailures trips the breaker open once this many
	// consecutive invocations have failed. Defaults to 5.
	TripAfterConsecutiveFailures uint32
	Log                          logr.Logger
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.MaxRequests == 0 {
		o.MaxRequests = 1
	}
	if o.Interval == 0 {
		o.Interval = 60 * time.Second
	}
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.TripAfterConsecutiveFailures == 0 {
		o.TripAfterConsecutiveFailures = 5
	}
	if o.Log == (logr.Logger{}) {
		o.Log = logr.Discard()
	}
	return o
}

// Resilient wraps next with a gobreaker.CircuitBreaker: once
// TripAfterConsecutiveFailures invocations in a row fail, further calls
// short-circuit immediately with a KindExternalCommand error instead of
// re-invoking a consistently-dead external dependency (e.g. a
// multiplexer binary that's been uninstalled mid-session).
func Resilient(next Runner, opts BreakerOptions) Runner {
	o := opts.withDefaults()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        o.Name,
		MaxRequests: o.MaxRequests,
		Interval:    o.Interval,
		Timeout:     o.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.TripAfterConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			o.Log.Info("external command circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})

	return func(ctx context.Context, dir string, argv []string) (Result, error) {
		out, err := cb.Execute(func() (any, error) {
			res, err := next(ctx, dir, argv)
			return res, err
		})
		if res, ok := out.(Result); ok {
			return res, err
		}
		if err != nil {
			return Result{}, pferrors.ExternalCommand(argv, "", err)
		}
		return Result{}, nil
	}
}
