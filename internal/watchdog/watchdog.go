// Package watchdog implements the stateless per-bubble escalation sweep
// of spec.md §4.5: it is invoked once per bubble per tick by an
// externally scheduled loop (shell loop or timer, §5 "the core has no
// long-running scheduler"), so unlike the teacher's
// reputation.TrustScoreDecayScheduler (a goroutine driven by
// time.NewTicker over an in-memory reputation map) this package carries
// no ticker, no background goroutine, and no in-process state between
// calls: every fact it needs is re-derived from the bubble's state
// snapshot and config on each invocation.
//
// Grounded on decay_scheduler.go's sweep() for the "walk candidates,
// compute elapsed time against a threshold, act idempotently" shape,
// generalized from "decay every inactive agent's trust score" to "check
// one bubble's liveness and escalate if expired". The mutating actions
// themselves live in internal/lifecycle (ApplyDeferredRework,
// RetryStuckInput, EscalateExpiry) alongside every other bubble-lock-
// guarded write; this package only computes status and dispatches in
// the priority order §4.5 specifies.
package watchdog

import (
	"context"
	"time"

	"github.com/felho/pairflow/internal/bubbleconfig"
	"github.com/felho/pairflow/internal/clock"
	"github.com/felho/pairflow/internal/lifecycle"
	"github.com/felho/pairflow/internal/statestore"
)

// ReasonCode names the outcome of one Check call (spec §4.5: "every
// other condition is a no-op with a reason code").
type ReasonCode string

const (
	ReasonNotMonitored         ReasonCode = "not_monitored"
	ReasonOK                   ReasonCode = "ok"
	ReasonExpiredEscalated     ReasonCode = "expired_escalated"
	ReasonReworkApplied        ReasonCode = "rework_applied"
	ReasonReworkDeliveryFailed ReasonCode = "rework_delivery_failed"
	ReasonStuckInputRetried    ReasonCode = "stuck_input_retried"
)

// Status is the computed watchdog status for one bubble (spec §4.5
// paragraph 1).
type Status struct {
	Monitored        bool
	RemainingSeconds float64
	Expired          bool
}

// Result is what one Check call reports.
type Result struct {
	Status Status
	Reason ReasonCode
}

// Watchdog runs the §4.5 sweep for one bubble at a time. It shares the
// lifecycle.Engine's clock so a fake clock in tests observes the same
// "now" the state machine does.
type Watchdog struct {
	Engine *lifecycle.Engine
	Clock  clock.Clock
}

func (w *Watchdog) clock() clock.Clock {
	if w.Clock != nil {
		return w.Clock
	}
	return clock.System{}
}

// ComputeStatus implements spec §4.5 paragraph 1: monitored iff state is
// RUNNING or WAITING_HUMAN with a non-null active agent; remainingSeconds
// counts down from the bubble's configured timeout measured against the
// later of last_command_at and active_since.
func ComputeStatus(cfg bubbleconfig.Config, snap statestore.Snapshot, now time.Time) Status {
	monitored := (snap.State == statestore.StateRunning || snap.State == statestore.StateWaitingHuman) &&
		snap.ActiveAgent != ""
	if !monitored {
		return Status{Monitored: false}
	}

	reference := snap.ActiveSince
	if snap.LastCommandAt != nil && (reference == nil || snap.LastCommandAt.After(*reference)) {
		reference = snap.LastCommandAt
	}
	if reference == nil {
		return Status{Monitored: true, RemainingSeconds: 0, Expired: true}
	}

	timeout := time.Duration(cfg.WatchdogTimeoutMinutes) * time.Minute
	remaining := timeout - now.Sub(*reference)
	return Status{
		Monitored:        true,
		RemainingSeconds: remaining.Seconds(),
		Expired:          remaining <= 0,
	}
}

// Check runs one sweep for a single bubble, dispatching in the priority
// order spec §4.5 names: deferred-intent application, stuck-input
// retry, expiry escalation.
func (w *Watchdog) Check(ctx context.Context, bubbleID, repoPath string) (Result, error) {
	st, err := w.Engine.Status(lifecycle.StatusInput{BubbleID: bubbleID, RepoPath: repoPath})
	if err != nil {
		return Result{}, err
	}

	now := w.clock().Now()
	status := ComputeStatus(st.Config, st.State, now)
	if !status.Monitored {
		return Result{Status: status, Reason: ReasonNotMonitored}, nil
	}

	switch {
	case st.State.State == statestore.StateWaitingHuman && st.State.PendingReworkIntent != nil:
		_, err := w.Engine.ApplyDeferredRework(ctx, lifecycle.ApplyDeferredReworkInput{BubbleID: bubbleID, RepoPath: repoPath})
		if err != nil {
			if _, ok := err.(lifecycle.DeliveryFailedError); ok {
				return Result{Status: status, Reason: ReasonReworkDeliveryFailed}, nil
			}
			return Result{}, err
		}
		return Result{Status: status, Reason: ReasonReworkApplied}, nil

	case st.State.State == statestore.StateRunning && status.Expired:
		if _, err := w.Engine.EscalateExpiry(lifecycle.EscalateExpiryInput{BubbleID: bubbleID, RepoPath: repoPath}); err != nil {
			return Result{}, err
		}
		return Result{Status: status, Reason: ReasonExpiredEscalated}, nil

	case st.State.State == statestore.StateRunning:
		if err := w.Engine.RetryStuckInput(ctx, lifecycle.RetryStuckInputInput{BubbleID: bubbleID, RepoPath: repoPath}); err != nil {
			if _, ok := err.(lifecycle.DeliveryFailedError); ok {
				return Result{Status: status, Reason: ReasonReworkDeliveryFailed}, nil
			}
			return Result{}, err
		}
		return Result{Status: status, Reason: ReasonStuckInputRetried}, nil

	default:
		return Result{Status: status, Reason: ReasonOK}, nil
	}
}

// Sweep runs Check for every bubble repoPath's lifecycle.List reports,
// collecting per-bubble results and never letting one bubble's error
// abort the rest (a long-running watchdog loop must keep making
// progress on the other bubbles in the repository).
func (w *Watchdog) Sweep(ctx context.Context, repoPath string) (map[string]Result, error) {
	statuses, err := w.Engine.List(lifecycle.ListInput{RepoPath: repoPath})
	if err != nil {
		return nil, err
	}

	results := make(map[string]Result, len(statuses))
	for _, st := range statuses {
		res, err := w.Check(ctx, st.Config.ID, repoPath)
		if err != nil {
			continue
		}
		results[st.Config.ID] = res
	}
	return results, nil
}
