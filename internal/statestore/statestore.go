// Package statestore persists the per-bubble state snapshot described in
// spec.md §3 and §4.3: a JSON document plus a content-hash fingerprint,
// written under optimistic concurrency, and the validated transition
// table that governs how the document may evolve.
//
// Grounded on the teacher's state.SnapshotService (CaptureState/VerifyState
// via a SHA-256 content hash) generalized from an in-memory turn-snapshot
// cache to a durable on-disk file, and on circuitbreaker.CircuitBreaker's
// State enum for the shape of a small, exhaustively-validated state type.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/felho/pairflow/internal/lockfile"
	"github.com/felho/pairflow/internal/pferrors"
)

// State is a bubble's lifecycle state (spec §3).
type State string

const (
	StateCreated            State = "CREATED"
	StatePreparingWorkspace State = "PREPARING_WORKSPACE"
	StateRunning            State = "RUNNING"
	StateWaitingHuman       State = "WAITING_HUMAN"
	StateReadyForApproval   State = "READY_FOR_APPROVAL"
	StateApprovedForCommit  State = "APPROVED_FOR_COMMIT"
	StateCommitted          State = "COMMITTED"
	StateDone               State = "DONE"
	StateFailed             State = "FAILED"
	StateCancelled          State = "CANCELLED"
)

func (s State) valid() bool {
	switch s {
	case StateCreated, StatePreparingWorkspace, StateRunning, StateWaitingHuman,
		StateReadyForApproval, StateApprovedForCommit, StateCommitted, StateDone,
		StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// transitions is the allowed direct-transition table from spec §4.3.
var transitions = map[State][]State{
	StateCreated:            {StatePreparingWorkspace, StateCancelled},
	StatePreparingWorkspace: {StateRunning, StateFailed, StateCancelled},
	StateRunning:            {StateWaitingHuman, StateReadyForApproval, StateFailed, StateCancelled},
	StateWaitingHuman:       {StateRunning, StateFailed, StateCancelled},
	StateReadyForApproval:   {StateRunning, StateApprovedForCommit, StateFailed, StateCancelled},
	StateApprovedForCommit:  {StateCommitted, StateFailed, StateCancelled},
	StateCommitted:          {StateDone},
}

// CanTransition reports whether from -> to is a permitted direct edge.
func CanTransition(from, to State) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// RoundRoleEntry records one implementer/reviewer assignment (spec §3).
type RoundRoleEntry struct {
	Round       int       `json:"round"`
	Implementer string    `json:"implementer"`
	Reviewer    string    `json:"reviewer"`
	SwitchedAt  time.Time `json:"switched_at"`
}

// ReworkIntent is a human-requested rework message, either pending or
// filed into history (spec §3, §4.4 request-rework, §4.5 deferred intents).
type ReworkIntent struct {
	IntentID          string    `json:"intent_id"`
	Message           string    `json:"message"`
	RequestedBy       string    `json:"requested_by"`
	RequestedAt       time.Time `json:"requested_at"`
	Status            string    `json:"status"` // "pending", "applied", "superseded"
	SupersededByIntID string    `json:"superseded_by_intent_id,omitempty"`
}

// Snapshot is the full per-bubble state document (spec §3).
type Snapshot struct {
	BubbleID            string           `json:"bubble_id"`
	State               State            `json:"state"`
	Round               int              `json:"round"`
	ActiveAgent         string           `json:"active_agent,omitempty"`  // "impl" | "rev"
	ActiveRole          string           `json:"active_role,omitempty"`   // "implementer" | "reviewer"
	ActiveSince         *time.Time       `json:"active_since,omitempty"`
	LastCommandAt       *time.Time       `json:"last_command_at,omitempty"`
	RoundRoleHistory    []RoundRoleEntry `json:"round_role_history"`
	PendingReworkIntent *ReworkIntent    `json:"pending_rework_intent,omitempty"`
	ReworkIntentHistory []ReworkIntent   `json:"rework_intent_history"`
}

// Validate enforces the invariants of spec §3: RUNNING-class states require
// all three active fields; a pending intent's status is always "pending";
// history entries are never "pending"; intent ids are unique.
func (s Snapshot) Validate() error {
	if !s.State.valid() {
		return pferrors.Validationf("state", "unknown state %q", s.State)
	}
	if s.Round < 0 {
		return pferrors.Validationf("round", "round must be non-negative, got %d", s.Round)
	}

	requiresActive := map[State]bool{
		StateRunning: true, StateWaitingHuman: true, StateReadyForApproval: true,
		StateApprovedForCommit: true, StateCommitted: true, StateDone: true,
	}
	hasActive := s.ActiveAgent != "" && s.ActiveRole != "" && s.ActiveSince != nil
	allEmpty := s.ActiveAgent == "" && s.ActiveRole == "" && s.ActiveSince == nil
	if requiresActive[s.State] && !hasActive {
		return pferrors.Validationf("active_agent", "state %q requires active_agent, active_role, and active_since to all be set", s.State)
	}
	if !requiresActive[s.State] && !allEmpty && !hasActive {
		return pferrors.Validationf("active_agent", "active_agent, active_role, and active_since must be set together or all empty")
	}

	seen := make(map[string]bool)
	if s.PendingReworkIntent != nil {
		if s.PendingReworkIntent.Status != "pending" {
			return pferrors.Validationf("pending_rework_intent.status", "pending_rework_intent must have status=pending, got %q", s.PendingReworkIntent.Status)
		}
		seen[s.PendingReworkIntent.IntentID] = true
	}
	for _, h := range s.ReworkIntentHistory {
		if h.Status == "pending" {
			return pferrors.Validationf("rework_intent_history", "history entry %q must not have status=pending", h.IntentID)
		}
		if seen[h.IntentID] {
			return pferrors.Validationf("rework_intent_history", "duplicate intent id %q across pending+history", h.IntentID)
		}
		seen[h.IntentID] = true
	}

	prevRound := -1
	for _, r := range s.RoundRoleHistory {
		if r.Round <= prevRound {
			return pferrors.Validationf("round_role_history", "rounds must be strictly increasing, got %d after %d", r.Round, prevRound)
		}
		prevRound = r.Round
	}

	return nil
}

// Fingerprint returns a stable blake2b-256 content hash of s, used for
// optimistic-concurrency writes (spec §4.3).
func Fingerprint(s Snapshot) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", pferrors.Wrap(pferrors.KindValidation, "", "marshal snapshot for fingerprint", err)
	}
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}

// Read loads the state snapshot at path and returns it with its
// fingerprint.
func Read(path string) (Snapshot, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, "", pferrors.NotFoundf("state snapshot not found at %s", path)
		}
		return Snapshot{}, "", pferrors.Wrap(pferrors.KindValidation, path, "read state snapshot", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, "", pferrors.Wrap(pferrors.KindValidation, path, "parse state snapshot", err)
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, "", err
	}
	fp, err := Fingerprint(s)
	if err != nil {
		return Snapshot{}, "", err
	}
	return s, fp, nil
}

// WriteOptions constrains a conditional write (spec §4.3). A zero value
// overwrites an existing snapshot without checking its fingerprint or
// state; set Create to write the first snapshot.
type WriteOptions struct {
	ExpectedFingerprint string
	ExpectedState       State
	// Create, when true, asserts the snapshot does not yet exist rather
	// than checking ExpectedFingerprint/ExpectedState.
	Create bool
	// LockPath, when non-empty, guards the write with internal/lockfile.
	// Callers that already hold the bubble lock should leave this empty.
	LockPath     string
	LockTimeout  time.Duration
}

// Write atomically replaces the snapshot at path with next, after
// verifying opts' expectations against the currently stored snapshot
// (spec §4.3: fingerprint mismatch, state mismatch, and lock timeout all
// fail with Conflict).
func Write(path string, next Snapshot, opts WriteOptions) error {
	if err := next.Validate(); err != nil {
		return err
	}

	do := func() error {
		if opts.Create {
			if _, err := os.Stat(path); err == nil {
				return pferrors.Conflictf("state snapshot already exists at %s", path)
			} else if !os.IsNotExist(err) {
				return pferrors.Wrap(pferrors.KindValidation, path, "stat state snapshot", err)
			}
		} else {
			cur, fp, err := Read(path)
			if err != nil {
				return err
			}
			if opts.ExpectedFingerprint != "" && fp != opts.ExpectedFingerprint {
				return pferrors.Conflictf("state snapshot fingerprint mismatch at %s: expected %s, got %s", path, opts.ExpectedFingerprint, fp)
			}
			if opts.ExpectedState != "" && cur.State != opts.ExpectedState {
				return pferrors.Conflictf("state snapshot state mismatch at %s: expected %s, got %s", path, opts.ExpectedState, cur.State)
			}
		}
		return writeAtomic(path, next)
	}

	if opts.LockPath == "" {
		return do()
	}

	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	err := lockfile.WithLock(opts.LockPath, lockfile.Options{Timeout: timeout}, do)
	if err != nil {
		if kind, ok := pferrors.KindOf(err); ok && kind == pferrors.KindLockTimeout {
			return pferrors.Conflictf("lock timeout writing state snapshot at %s: %v", path, err)
		}
		return err
	}
	return nil
}

func writeAtomic(path string, s Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "create state directory", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "marshal state snapshot", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "write temp state snapshot", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return pferrors.Wrap(pferrors.KindValidation, path, "rename state snapshot into place", err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// TransitionInput carries the optional field overrides applyTransition
// may apply alongside the state change (spec §4.3).
type TransitionInput struct {
	To                  State
	Round               *int
	ActiveAgent         *string
	ActiveRole          *string
	ActiveSince         *time.Time
	LastCommandAt       *time.Time
	AppendRoundRoleEntry *RoundRoleEntry
	PendingReworkIntent  **ReworkIntent // double pointer: nil means "leave unchanged", pointing-to-nil means "clear"
	ReworkIntentHistory  []ReworkIntent
}

// ApplyTransition validates cur.State -> input.To is a permitted edge,
// applies the requested field overrides, and re-validates invariants on
// the resulting snapshot (spec §4.3).
func ApplyTransition(cur Snapshot, input TransitionInput) (Snapshot, error) {
	if !CanTransition(cur.State, input.To) {
		return Snapshot{}, pferrors.Preconditionf("transition %s -> %s is not permitted", cur.State, input.To)
	}

	next := cur
	next.State = input.To
	if input.Round != nil {
		next.Round = *input.Round
	}
	if input.ActiveAgent != nil {
		next.ActiveAgent = *input.ActiveAgent
	}
	if input.ActiveRole != nil {
		next.ActiveRole = *input.ActiveRole
	}
	if input.ActiveSince != nil {
		next.ActiveSince = input.ActiveSince
	}
	if input.LastCommandAt != nil {
		next.LastCommandAt = input.LastCommandAt
	}
	if input.AppendRoundRoleEntry != nil {
		next.RoundRoleHistory = append(append([]RoundRoleEntry{}, cur.RoundRoleHistory...), *input.AppendRoundRoleEntry)
	}
	if input.PendingReworkIntent != nil {
		next.PendingReworkIntent = *input.PendingReworkIntent
	}
	if input.ReworkIntentHistory != nil {
		next.ReworkIntentHistory = input.ReworkIntentHistory
	}

	if err := next.Validate(); err != nil {
		return Snapshot{}, err
	}
	return next, nil
}
