// Package metricsevents emits the best-effort NDJSON domain-event stream
// described in spec.md §3 "Metrics event" and §4.8: one JSON line per
// lifecycle operation, shard by month, that an out-of-core metrics report
// consumer later aggregates.
//
// Grounded on the teacher's events.CloudEvent (a typed, timestamped,
// source/subject-addressed envelope emitted through one constructor),
// generalized from an in-memory pub/sub bus to an append-only monthly
// NDJSON shard file, guarded by internal/lockfile with the same
// stale-recovery knobs the bubble lock uses.
package metricsevents

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/felho/pairflow/internal/lockfile"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/warnonce"
)

// Type enumerates the required event types from spec §4.8.
type Type string

const (
	TypeBubbleCreated           Type = "bubble_created"
	TypeBubblePassed            Type = "bubble_passed"
	TypeBubbleAskedHuman        Type = "bubble_asked_human"
	TypeBubbleConverged         Type = "bubble_converged"
	TypeBubbleReworkRequested   Type = "bubble_rework_requested"
	TypeReworkIntentQueued      Type = "rework_intent_queued"
	TypeReworkIntentSuperseded  Type = "rework_intent_superseded"
	TypeReworkIntentApplied     Type = "rework_intent_applied"
	TypeBubbleApproved          Type = "bubble_approved"
	TypeBubbleDeleted           Type = "bubble_deleted"
	TypeBubbleInstanceBackfilled Type = "bubble_instance_backfilled"
	// TypeBubbleMerged is additive to spec §4.8's required list, for the
	// `bubble merge` operation named in §6's CLI surface (SPEC_FULL.md §7).
	TypeBubbleMerged Type = "bubble_merged"
	// TypeBubbleStarted and TypeBubbleStopped are additive, covering the
	// session-management operations `start`/`stop` (spec §4.4) which carry
	// no protocol envelope of their own.
	TypeBubbleStarted Type = "bubble_started"
	// TypeBubbleCommitted is additive, distinguishing a successful commit
	// (spec §4.4 commit) from the human approve() decision that precedes
	// it; both used to emit TypeBubbleApproved.
	TypeBubbleCommitted Type = "bubble_committed"
	TypeBubbleStopped Type = "bubble_stopped"
)

// Event is one metrics event document (spec §3).
type Event struct {
	SchemaVersion    int            `json:"schema_version"`
	Timestamp        time.Time      `json:"ts"`
	RepoPath         string         `json:"repo_path"`
	BubbleInstanceID string         `json:"bubble_instance_id"`
	BubbleID         string         `json:"bubble_id"`
	EventType        Type           `json:"event_type"`
	Round            *int           `json:"round,omitempty"`
	ActorRole        string         `json:"actor_role"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Emitter writes events to the monthly NDJSON shard rooted at Root
// (default $HOME/.pairflow/metrics, spec §6). Construct with NewEmitter.
type Emitter struct {
	root     string
	warnings *warnonce.Set
	log      logr.Logger
}

// NewEmitter returns an Emitter rooted at root. If warnings is nil a
// private bounded set is used.
func NewEmitter(root string, warnings *warnonce.Set, log logr.Logger) *Emitter {
	if warnings == nil {
		warnings = warnonce.New(1024)
	}
	if log == (logr.Logger{}) {
		log = logr.Discard()
	}
	return &Emitter{root: root, warnings: warnings, log: log}
}

// DefaultRoot returns $HOME/.pairflow/metrics.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pferrors.Wrap(pferrors.KindValidation, "", "resolve home directory", err)
	}
	return filepath.Join(home, ".pairflow", "metrics"), nil
}

func shardPath(root string, ts time.Time) string {
	ts = ts.UTC()
	y := fmt.Sprintf("%04d", ts.Year())
	m := fmt.Sprintf("%02d", ts.Month())
	return filepath.Join(root, y, m, fmt.Sprintf("events-%s-%s.ndjson", y, m))
}

// Emit appends ev to its monthly shard under a shard-level lock. Emission
// is best-effort: failures are logged via a deduped warning and swallowed
// rather than returned, since spec §4.4 step 8 and §5 require that
// notification/metrics failures never abort the calling operation.
func (e *Emitter) Emit(ev Event) {
	if ev.SchemaVersion == 0 {
		ev.SchemaVersion = 1
	}
	path := shardPath(e.root, ev.Timestamp)

	err := lockfile.WithLock(path+".lock", lockfile.Options{Log: e.log, Warnings: e.warnings}, func() error {
		return appendEvent(path, ev)
	})
	if err != nil {
		if !e.warnings.FireOnce("metricsevents:emit-failed:" + path) {
			e.log.Info("dropping metrics event after shard write failure", "path", path, "event_type", ev.EventType, "error", err.Error())
		}
	}
}

func appendEvent(path string, ev Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "create metrics shard directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "open metrics shard", err)
	}
	defer f.Close()

	b, err := json.Marshal(ev)
	if err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "marshal metrics event", err)
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "write metrics event", err)
	}
	return f.Sync()
}
