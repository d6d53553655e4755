package lifecycle

import (
	"context"

	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/metricsevents"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/statestore"
)

// ReplyInput is reply's inputs (spec §4.4 reply).
type ReplyInput struct {
	BubbleID string
	RepoPath string
	Message  string
}

// Reply answers the pending HUMAN_QUESTION and resumes the bubble
// (spec §4.4 reply).
func (e *Engine) Reply(ctx context.Context, in ReplyInput) (Result, error) {
	e.withDefaults()
	begin := e.Clock.Now()

	res, err := e.reply(in)
	e.recordOperationMetric("reply", begin, err)
	return res, err
}

func (e *Engine) reply(in ReplyInput) (Result, error) {
	if in.Message == "" {
		return Result{}, pferrors.Validationf("message", "reply requires a non-empty message")
	}
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	var result Result
	err := e.withBubbleLock(paths, func() error {
		cur, fp, err := statestore.Read(paths.StatePath())
		if err != nil {
			return err
		}
		if cur.State != statestore.StateWaitingHuman {
			return pferrors.Preconditionf("reply requires state WAITING_HUMAN, got %s", cur.State)
		}

		envs, err := envelope.Read(paths.TranscriptPath(), envelope.ReadOptions{AllowMissing: true})
		if err != nil {
			return err
		}
		recipient := lastQuestionAsker(envs)

		env, seq, err := envelope.Append(paths.TranscriptPath(), envelope.Draft{
			BubbleID:  in.BubbleID,
			Sender:    envelope.RoleHuman,
			Recipient: recipient,
			Type:      envelope.TypeHumanReply,
			Round:     cur.Round,
			Payload:   envelope.Payload{Message: in.Message},
		}, envelope.AppendOptions{MirrorPath: paths.InboxPath(), Clock: e.Clock})
		if err != nil {
			return err
		}

		next, err := statestore.ApplyTransition(cur, statestore.TransitionInput{To: statestore.StateRunning})
		if err != nil {
			return pferrors.Recovery(env.ID, err)
		}

		if cur.PendingReworkIntent != nil {
			applied := *cur.PendingReworkIntent
			applied.Status = "applied"
			history := append(append([]statestore.ReworkIntent{}, cur.ReworkIntentHistory...), applied)
			var cleared *statestore.ReworkIntent
			next.PendingReworkIntent = cleared
			next.ReworkIntentHistory = history
			if err := next.Validate(); err != nil {
				return pferrors.Recovery(env.ID, err)
			}
			e.emitBestEffort(metricsevents.Event{
				RepoPath: in.RepoPath, BubbleID: in.BubbleID,
				EventType: metricsevents.TypeReworkIntentApplied, Round: &cur.Round, ActorRole: string(envelope.RoleHuman),
			})
		}

		if err := statestore.Write(paths.StatePath(), next, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
			return pferrors.Recovery(env.ID, err)
		}

		result = Result{BubbleID: in.BubbleID, Sequence: seq, Envelope: env, NewState: next}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// lastQuestionAsker returns the sender of the most recent HUMAN_QUESTION
// envelope, defaulting to the implementer if none is found.
func lastQuestionAsker(envs []envelope.Envelope) envelope.Role {
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == envelope.TypeHumanQuestion {
			return envs[i].Sender
		}
	}
	return envelope.RoleImplementer
}

// ApproveInput is approve's inputs (spec §4.4 approve).
type ApproveInput struct {
	BubbleID string
	RepoPath string
}

// Approve records an approve decision and moves the bubble to
// APPROVED_FOR_COMMIT (spec §4.4 approve).
func (e *Engine) Approve(ctx context.Context, in ApproveInput) (Result, error) {
	e.withDefaults()
	begin := e.Clock.Now()

	res, err := e.approve(in)
	e.recordOperationMetric("approve", begin, err)
	return res, err
}

func (e *Engine) approve(in ApproveInput) (Result, error) {
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	var result Result
	err := e.withBubbleLock(paths, func() error {
		cur, fp, err := statestore.Read(paths.StatePath())
		if err != nil {
			return err
		}
		if cur.State != statestore.StateReadyForApproval {
			return pferrors.Preconditionf("approve requires state READY_FOR_APPROVAL, got %s", cur.State)
		}

		env, seq, err := envelope.Append(paths.TranscriptPath(), envelope.Draft{
			BubbleID:  in.BubbleID,
			Sender:    envelope.RoleHuman,
			Recipient: envelope.RoleOrchestrator,
			Type:      envelope.TypeApprovalDecision,
			Round:     cur.Round,
			Payload:   envelope.Payload{Decision: envelope.DecisionApprove},
		}, envelope.AppendOptions{MirrorPath: paths.InboxPath(), Clock: e.Clock})
		if err != nil {
			return err
		}

		next, err := statestore.ApplyTransition(cur, statestore.TransitionInput{To: statestore.StateApprovedForCommit})
		if err != nil {
			return pferrors.Recovery(env.ID, err)
		}
		if err := statestore.Write(paths.StatePath(), next, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
			return pferrors.Recovery(env.ID, err)
		}

		e.emitBestEffort(metricsevents.Event{
			RepoPath: in.RepoPath, BubbleID: in.BubbleID,
			EventType: metricsevents.TypeBubbleApproved, Round: &cur.Round, ActorRole: string(envelope.RoleHuman),
		})

		result = Result{BubbleID: in.BubbleID, Sequence: seq, Envelope: env, NewState: next}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// RequestReworkInput is request-rework's inputs (spec §4.4, §4.5
// request-rework).
type RequestReworkInput struct {
	BubbleID string
	RepoPath string
	Message  string
}

// RequestRework has two modes depending on the bubble's current state
// (spec §4.4 request-rework): from READY_FOR_APPROVAL it applies
// immediately, appending an APPROVAL_DECISION=revise envelope and
// resuming the implementer in a new round. From WAITING_HUMAN it queues
// a pending_rework_intent instead, since the bubble cannot act on it
// until the blocking question is answered (spec §4.5).
func (e *Engine) RequestRework(ctx context.Context, in RequestReworkInput) (Result, error) {
	e.withDefaults()
	begin := e.Clock.Now()

	res, err := e.requestRework(in)
	e.recordOperationMetric("request-rework", begin, err)
	return res, err
}

func (e *Engine) requestRework(in RequestReworkInput) (Result, error) {
	if in.Message == "" {
		return Result{}, pferrors.Validationf("message", "request-rework requires a non-empty message")
	}
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	var result Result
	err := e.withBubbleLock(paths, func() error {
		cur, fp, err := statestore.Read(paths.StatePath())
		if err != nil {
			return err
		}

		switch cur.State {
		case statestore.StateReadyForApproval:
			return e.requestReworkImmediate(paths, cur, fp, in.Message, &result)
		case statestore.StateWaitingHuman:
			return e.requestReworkQueued(paths, cur, fp, in.Message, in.RepoPath, &result)
		default:
			return pferrors.Preconditionf("request-rework is not permitted in state %s", cur.State)
		}
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (e *Engine) requestReworkImmediate(paths Paths, cur statestore.Snapshot, fp string, message string, result *Result) error {
	env, seq, err := envelope.Append(paths.TranscriptPath(), envelope.Draft{
		BubbleID:  cur.BubbleID,
		Sender:    envelope.RoleHuman,
		Recipient: envelope.RoleOrchestrator,
		Type:      envelope.TypeApprovalDecision,
		Round:     cur.Round,
		Payload:   envelope.Payload{Decision: envelope.DecisionRevise, Message: message},
	}, envelope.AppendOptions{MirrorPath: paths.InboxPath(), Clock: e.Clock})
	if err != nil {
		return err
	}

	now := e.Clock.Now()
	nextRound := cur.Round + 1
	agent, role := "impl", "implementer"
	next, err := statestore.ApplyTransition(cur, statestore.TransitionInput{
		To:            statestore.StateRunning,
		Round:         &nextRound,
		ActiveAgent:   &agent,
		ActiveRole:    &role,
		ActiveSince:   &now,
		LastCommandAt: &now,
		AppendRoundRoleEntry: &statestore.RoundRoleEntry{
			Round: nextRound, Implementer: agent, Reviewer: "rev", SwitchedAt: now,
		},
	})
	if err != nil {
		return pferrors.Recovery(env.ID, err)
	}
	if err := statestore.Write(paths.StatePath(), next, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
		return pferrors.Recovery(env.ID, err)
	}

	e.emitBestEffort(metricsevents.Event{
		RepoPath: paths.RepoPath, BubbleID: cur.BubbleID,
		EventType: metricsevents.TypeBubbleReworkRequested, Round: &nextRound, ActorRole: string(envelope.RoleHuman),
	})

	*result = Result{BubbleID: cur.BubbleID, Sequence: seq, Envelope: env, NewState: next}
	return nil
}

func (e *Engine) requestReworkQueued(paths Paths, cur statestore.Snapshot, fp string, message, repoPath string, result *Result) error {
	now := e.Clock.Now()
	newIntent := statestore.ReworkIntent{
		IntentID:    e.IDs.New(),
		Message:     message,
		RequestedBy: string(envelope.RoleHuman),
		RequestedAt: now,
		Status:      "pending",
	}

	history := append([]statestore.ReworkIntent{}, cur.ReworkIntentHistory...)
	if cur.PendingReworkIntent != nil {
		superseded := *cur.PendingReworkIntent
		superseded.Status = "superseded"
		superseded.SupersededByIntID = newIntent.IntentID
		history = append(history, superseded)

		e.emitBestEffort(metricsevents.Event{
			RepoPath: repoPath, BubbleID: cur.BubbleID,
			EventType: metricsevents.TypeReworkIntentSuperseded, Round: &cur.Round, ActorRole: string(envelope.RoleHuman),
		})
	}

	next := cur
	next.PendingReworkIntent = &newIntent
	next.ReworkIntentHistory = history
	if err := next.Validate(); err != nil {
		return err
	}
	if err := statestore.Write(paths.StatePath(), next, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
		return err
	}

	e.emitBestEffort(metricsevents.Event{
		RepoPath: repoPath, BubbleID: cur.BubbleID,
		EventType: metricsevents.TypeReworkIntentQueued, Round: &cur.Round, ActorRole: string(envelope.RoleHuman),
	})

	*result = Result{BubbleID: cur.BubbleID, NewState: next}
	return nil
}
