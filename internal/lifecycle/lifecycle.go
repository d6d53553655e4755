// Package lifecycle implements the public bubble lifecycle operations of
// spec.md §4.4: create, start, stop, delete, commit, merge, the agent
// commands (pass, ask-human, converged), and the human commands (reply,
// approve, request-rework). Every mutating operation acquires the
// per-bubble lock, reads state + fingerprint, validates preconditions,
// appends a protocol envelope, persists the next state under a
// fingerprint guard, then best-effort emits metrics. Only start and
// delete backfill a missing bubble instance id; the other operations
// leave a config without one as it is.
//
// Grounded on the teacher's ghostpool.PoolManager for "one struct holds
// every injected dependency a long operation needs" and on
// escrow/governance's pattern of a typed Engine wrapping storage +
// metrics + an external-command seam, generalized from HTTP handlers to
// direct Go-API operations (CLI arg parsing is explicitly out of core
// scope, spec §1 Non-goals).
package lifecycle

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/felho/pairflow/internal/archive"
	"github.com/felho/pairflow/internal/bubbleconfig"
	"github.com/felho/pairflow/internal/clock"
	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/extcmd"
	"github.com/felho/pairflow/internal/ids"
	"github.com/felho/pairflow/internal/lockfile"
	"github.com/felho/pairflow/internal/metricsevents"
	"github.com/felho/pairflow/internal/registry"
	"github.com/felho/pairflow/internal/statestore"
	"github.com/felho/pairflow/internal/telemetry"
)

// Engine wires every dependency the lifecycle operations need: none of
// them reach for time.Now, a random id, or os/exec directly (spec §9).
type Engine struct {
	Clock   clock.Clock
	IDs     ids.Source
	Runner  extcmd.Runner
	Metrics *telemetry.Metrics
	Events  *metricsevents.Emitter
	Log     logr.Logger

	ArchiveRoot     string
	ArchiveLockPath string

	// LockTimeout bounds bubble-lock acquisition; defaults to 5s (spec §5).
	LockTimeout time.Duration

	// SessionAlive reports whether a named multiplexer session is still
	// alive on this host (spec §4.7).
	SessionAlive registry.SessionAlive
}

func (e *Engine) withDefaults() {
	if e.Clock == nil {
		e.Clock = clock.System{}
	}
	if e.IDs == nil {
		e.IDs = ids.UUID{}
	}
	if e.LockTimeout <= 0 {
		e.LockTimeout = 5 * time.Second
	}
	if e.Log == (logr.Logger{}) {
		e.Log = logr.Discard()
	}
	if e.SessionAlive == nil {
		e.SessionAlive = func(string) bool { return false }
	}
	if e.ArchiveRoot == "" {
		if root, err := archive.DefaultRoot(); err == nil {
			e.ArchiveRoot = root
		}
	}
	if e.ArchiveLockPath == "" {
		if lockPath, err := archive.GlobalLockPath(); err == nil {
			e.ArchiveLockPath = lockPath
		}
	}
}

// Result is the outcome every protocol-carrying operation returns (spec
// §4.4 step 9).
type Result struct {
	BubbleID string
	Sequence int
	Envelope envelope.Envelope
	NewState statestore.Snapshot
}

// withBubbleLock runs fn under the bubble's per-bubble lock, recording
// lock-wait telemetry (spec §4.1, §5).
func (e *Engine) withBubbleLock(paths Paths, fn func() error) error {
	e.withDefaults()
	start := e.Clock.Now()
	err := lockfile.WithLock(paths.LockPath(), lockfile.Options{
		Timeout: e.LockTimeout,
		Clock:   e.Clock,
		IDs:     e.IDs,
		Log:     e.Log,
	}, fn)
	e.Metrics.ObserveLockWait("bubble", e.Clock.Now().Sub(start))
	return err
}

// emitBestEffort emits a metrics event, never propagating a failure
// (spec §4.4 step 8, §5).
func (e *Engine) emitBestEffort(ev metricsevents.Event) {
	if e.Events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.Clock.Now()
	}
	e.Events.Emit(ev)
}

// backfillInstanceID ensures cfg carries a bubble_instance_id, minting
// one and persisting it plus a one-shot migration metrics event if it
// was missing (spec §4.4 step 2).
func (e *Engine) backfillInstanceID(paths Paths) (string, error) {
	cfg, wrote, err := bubbleconfig.BackfillInstanceID(paths.ConfigPath(), e.IDs.New())
	if err != nil {
		return "", err
	}
	if wrote {
		e.emitBestEffort(metricsevents.Event{
			RepoPath:         paths.RepoPath,
			BubbleInstanceID: cfg.BubbleInstanceID,
			BubbleID:         paths.BubbleID,
			EventType:        metricsevents.TypeBubbleInstanceBackfilled,
			ActorRole:        string(envelope.RoleOrchestrator),
		})
	}
	return cfg.BubbleInstanceID, nil
}

// recordOperationMetric wraps telemetry.ObserveOperation so call sites
// read as a single defer.
func (e *Engine) recordOperationMetric(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.Metrics.ObserveOperation(operation, outcome, e.Clock.Now().Sub(start))
}

// requiresActiveStop reports whether state is non-terminal and not
// CREATED (spec §4.4 delete step 1).
func requiresActiveStop(s statestore.State) bool {
	if s.IsTerminal() || s == statestore.StateCreated {
		return false
	}
	return true
}

