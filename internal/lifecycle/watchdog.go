package lifecycle

import (
	"context"
	"fmt"

	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/metricsevents"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/statestore"
)

// DeliveryFailedError reports that a multiplexer delivery attempt failed
// without leaving the bubble's state or transcript changed (spec §4.5
// action 1: "On delivery failure, leave everything unchanged and report
// rework_delivery_failed"). It is not a pferrors.Kind because it isn't a
// failure the caller needs to treat as an error: internal/watchdog turns
// it into a reason code and continues its sweep.
type DeliveryFailedError struct {
	BubbleID string
	Cause    error
}

func (e DeliveryFailedError) Error() string {
	return fmt.Sprintf("bubble %q: multiplexer delivery failed: %v", e.BubbleID, e.Cause)
}

func (e DeliveryFailedError) Unwrap() error { return e.Cause }

// ApplyDeferredReworkInput is the deferred-intent action's inputs (spec
// §4.5 action 1).
type ApplyDeferredReworkInput struct {
	BubbleID string
	RepoPath string
}

// ApplyDeferredRework attempts multiplexer delivery of a pending rework
// intent to the implementer. On confirmed delivery it transitions
// WAITING_HUMAN -> RUNNING with round+1 and moves the intent from
// pending to history with status=applied (spec §4.5 action 1). On
// delivery failure it returns DeliveryFailedError and changes nothing.
func (e *Engine) ApplyDeferredRework(ctx context.Context, in ApplyDeferredReworkInput) (Result, error) {
	e.withDefaults()
	begin := e.Clock.Now()

	res, err := e.applyDeferredRework(ctx, in)
	e.recordOperationMetric("watchdog_apply_deferred_rework", begin, err)
	return res, err
}

func (e *Engine) applyDeferredRework(ctx context.Context, in ApplyDeferredReworkInput) (Result, error) {
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	var result Result
	err := e.withBubbleLock(paths, func() error {
		cur, fp, err := statestore.Read(paths.StatePath())
		if err != nil {
			return err
		}
		if cur.State != statestore.StateWaitingHuman || cur.PendingReworkIntent == nil {
			return pferrors.Preconditionf("apply-deferred-rework requires WAITING_HUMAN with a pending intent, got %s", cur.State)
		}
		intent := *cur.PendingReworkIntent

		if err := e.multiplexerSendKeys(ctx, paths.SessionName(), intent.Message); err != nil {
			return DeliveryFailedError{BubbleID: in.BubbleID, Cause: err}
		}

		now := e.Clock.Now()
		nextRound := cur.Round + 1
		agent, role := "impl", "implementer"
		applied := intent
		applied.Status = "applied"
		history := append(append([]statestore.ReworkIntent{}, cur.ReworkIntentHistory...), applied)
		var cleared *statestore.ReworkIntent

		next, err := statestore.ApplyTransition(cur, statestore.TransitionInput{
			To:                  statestore.StateRunning,
			Round:                &nextRound,
			ActiveAgent:          &agent,
			ActiveRole:           &role,
			ActiveSince:          &now,
			LastCommandAt:        &now,
			PendingReworkIntent:  &cleared,
			ReworkIntentHistory:  history,
			AppendRoundRoleEntry: &statestore.RoundRoleEntry{Round: nextRound, Implementer: agent, Reviewer: "rev", SwitchedAt: now},
		})
		if err != nil {
			return err
		}
		if err := statestore.Write(paths.StatePath(), next, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
			return err
		}

		e.emitBestEffort(metricsevents.Event{
			RepoPath: in.RepoPath, BubbleID: in.BubbleID,
			EventType: metricsevents.TypeReworkIntentApplied, Round: &nextRound, ActorRole: string(envelope.RoleOrchestrator),
		})

		result = Result{BubbleID: in.BubbleID, NewState: next}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// RetryStuckInputInput is the stuck-input-retry action's inputs (spec
// §4.5 action 2).
type RetryStuckInputInput struct {
	BubbleID string
	RepoPath string
}

// RetryStuckInput re-sends the most recent transcript message addressed
// to the active agent to that agent's multiplexer pane. It appends no
// envelope and performs no state transition: this is a best-effort UX
// helper, and its detection heuristic (the active agent's last-received
// message with no reply yet) is explicitly not part of the core
// contract (spec §9 "stuck-input retry ... is not part of the core
// contract").
func (e *Engine) RetryStuckInput(ctx context.Context, in RetryStuckInputInput) error {
	e.withDefaults()
	begin := e.Clock.Now()

	err := e.retryStuckInput(ctx, in)
	e.recordOperationMetric("watchdog_retry_stuck_input", begin, err)
	return err
}

func (e *Engine) retryStuckInput(ctx context.Context, in RetryStuckInputInput) error {
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	cur, _, err := statestore.Read(paths.StatePath())
	if err != nil {
		return err
	}
	if cur.State != statestore.StateRunning {
		return pferrors.Preconditionf("retry-stuck-input requires state RUNNING, got %s", cur.State)
	}

	envs, err := envelope.Read(paths.TranscriptPath(), envelope.ReadOptions{AllowMissing: true})
	if err != nil {
		return err
	}
	msg, ok := lastMessageToActiveAgent(envs, envelope.Role(cur.ActiveRole))
	if !ok {
		return nil
	}

	if err := e.multiplexerSendKeys(ctx, paths.SessionName(), msg); err != nil {
		return DeliveryFailedError{BubbleID: in.BubbleID, Cause: err}
	}
	return nil
}

// lastMessageToActiveAgent finds the most recent envelope addressed to
// activeRole and returns a resendable rendering of its content.
func lastMessageToActiveAgent(envs []envelope.Envelope, activeRole envelope.Role) (string, bool) {
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Recipient != activeRole {
			continue
		}
		p := envs[i].Payload
		switch {
		case p.Message != "":
			return p.Message, true
		case p.Question != "":
			return p.Question, true
		case p.Summary != "":
			return p.Summary, true
		default:
			return "", false
		}
	}
	return "", false
}

// EscalateExpiryInput is the expiry-escalation action's inputs (spec
// §4.5 action 3).
type EscalateExpiryInput struct {
	BubbleID string
	RepoPath string
}

// EscalateExpiry appends a HUMAN_QUESTION from the orchestrator
// explaining the stall and transitions RUNNING -> WAITING_HUMAN (spec
// §4.5 action 3).
func (e *Engine) EscalateExpiry(in EscalateExpiryInput) (Result, error) {
	e.withDefaults()
	begin := e.Clock.Now()

	res, err := e.escalateExpiry(in)
	e.recordOperationMetric("watchdog_escalate_expiry", begin, err)
	return res, err
}

func (e *Engine) escalateExpiry(in EscalateExpiryInput) (Result, error) {
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	var result Result
	err := e.withBubbleLock(paths, func() error {
		cur, fp, err := statestore.Read(paths.StatePath())
		if err != nil {
			return err
		}
		if cur.State != statestore.StateRunning {
			return pferrors.Preconditionf("escalate-expiry requires state RUNNING, got %s", cur.State)
		}

		env, seq, err := envelope.Append(paths.TranscriptPath(), envelope.Draft{
			BubbleID:  in.BubbleID,
			Sender:    envelope.RoleOrchestrator,
			Recipient: envelope.RoleHuman,
			Type:      envelope.TypeHumanQuestion,
			Round:     cur.Round,
			Payload:   envelope.Payload{Question: "the active agent has not responded within the configured watchdog timeout"},
		}, envelope.AppendOptions{MirrorPath: paths.InboxPath(), Clock: e.Clock})
		if err != nil {
			return err
		}

		next, err := statestore.ApplyTransition(cur, statestore.TransitionInput{To: statestore.StateWaitingHuman})
		if err != nil {
			return pferrors.Recovery(env.ID, err)
		}
		if err := statestore.Write(paths.StatePath(), next, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
			return pferrors.Recovery(env.ID, err)
		}

		e.emitBestEffort(metricsevents.Event{
			RepoPath: in.RepoPath, BubbleID: in.BubbleID,
			EventType: metricsevents.TypeBubbleAskedHuman, Round: &cur.Round, ActorRole: string(envelope.RoleOrchestrator),
		})

		result = Result{BubbleID: in.BubbleID, Sequence: seq, Envelope: env, NewState: next}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}
