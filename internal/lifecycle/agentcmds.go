package lifecycle

import (
	"context"

	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/metricsevents"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/statestore"
)

// PassInput is pass's inputs (spec §4.4 pass).
type PassInput struct {
	BubbleID   string
	RepoPath   string
	ActorRole  envelope.Role // must match the bubble's current active_role
	Summary    string
	Findings   []envelope.Finding
	PassIntent envelope.PassIntent
}

// Pass hands the turn to the other agent: an implementer pass hands to
// the reviewer in the same round, a reviewer pass increments the round
// and hands back to the implementer (spec §4.4 pass).
func (e *Engine) Pass(ctx context.Context, in PassInput) (Result, error) {
	e.withDefaults()
	begin := e.Clock.Now()

	res, err := e.pass(ctx, in)
	e.recordOperationMetric("pass", begin, err)
	return res, err
}

func (e *Engine) pass(ctx context.Context, in PassInput) (Result, error) {
	if in.Summary == "" {
		return Result{}, pferrors.Validationf("summary", "pass requires a non-empty summary")
	}
	if in.ActorRole != envelope.RoleImplementer && in.ActorRole != envelope.RoleReviewer {
		return Result{}, pferrors.Validationf("actor_role", "pass's actor must be implementer or reviewer, got %q", in.ActorRole)
	}

	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	var result Result
	err := e.withBubbleLock(paths, func() error {
		cur, fp, err := statestore.Read(paths.StatePath())
		if err != nil {
			return err
		}
		if cur.State != statestore.StateRunning {
			return pferrors.Preconditionf("pass requires state RUNNING, got %s", cur.State)
		}
		if cur.ActiveRole != string(in.ActorRole) {
			return pferrors.Preconditionf("pass called as %s but the active role is %s", in.ActorRole, cur.ActiveRole)
		}

		recipient := envelope.RoleReviewer
		if in.ActorRole == envelope.RoleReviewer {
			recipient = envelope.RoleImplementer
		}

		env, seq, err := envelope.Append(paths.TranscriptPath(), envelope.Draft{
			BubbleID:  in.BubbleID,
			Sender:    in.ActorRole,
			Recipient: recipient,
			Type:      envelope.TypePass,
			Round:     cur.Round,
			Payload: envelope.Payload{
				Summary:    in.Summary,
				PassIntent: in.PassIntent,
				Findings:   in.Findings,
			},
		}, envelope.AppendOptions{MirrorPath: paths.InboxPath(), Clock: e.Clock})
		if err != nil {
			return err
		}

		now := e.Clock.Now()
		transition := statestore.TransitionInput{To: statestore.StateRunning, LastCommandAt: &now}

		if in.ActorRole == envelope.RoleReviewer {
			nextRound := cur.Round + 1
			agent, role := "impl", "implementer"
			transition.Round = &nextRound
			transition.ActiveAgent = &agent
			transition.ActiveRole = &role
			transition.ActiveSince = &now
			transition.AppendRoundRoleEntry = &statestore.RoundRoleEntry{
				Round: nextRound, Implementer: agent, Reviewer: "rev", SwitchedAt: now,
			}
		} else {
			agent, role := "rev", "reviewer"
			transition.ActiveAgent = &agent
			transition.ActiveRole = &role
			transition.ActiveSince = &now
		}

		next, err := applySameStateTransition(cur, transition)
		if err != nil {
			return pferrors.Recovery(env.ID, err)
		}
		if err := statestore.Write(paths.StatePath(), next, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
			return pferrors.Recovery(env.ID, err)
		}

		e.emitBestEffort(metricsevents.Event{
			RepoPath: in.RepoPath, BubbleID: in.BubbleID,
			EventType: metricsevents.TypeBubblePassed, Round: &next.Round, ActorRole: string(in.ActorRole),
		})

		result = Result{BubbleID: in.BubbleID, Sequence: seq, Envelope: env, NewState: next}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// applySameStateTransition applies field overrides while staying in
// RUNNING, bypassing the transition table (RUNNING -> RUNNING is not a
// table edge) since this is a same-state round/turn update, not a
// lifecycle transition.
func applySameStateTransition(cur statestore.Snapshot, in statestore.TransitionInput) (statestore.Snapshot, error) {
	next := cur
	if in.Round != nil {
		next.Round = *in.Round
	}
	if in.ActiveAgent != nil {
		next.ActiveAgent = *in.ActiveAgent
	}
	if in.ActiveRole != nil {
		next.ActiveRole = *in.ActiveRole
	}
	if in.ActiveSince != nil {
		next.ActiveSince = in.ActiveSince
	}
	if in.LastCommandAt != nil {
		next.LastCommandAt = in.LastCommandAt
	}
	if in.AppendRoundRoleEntry != nil {
		next.RoundRoleHistory = append(append([]statestore.RoundRoleEntry{}, cur.RoundRoleHistory...), *in.AppendRoundRoleEntry)
	}
	if err := next.Validate(); err != nil {
		return statestore.Snapshot{}, err
	}
	return next, nil
}

// AskHumanInput is ask-human's inputs (spec §4.4 ask-human).
type AskHumanInput struct {
	BubbleID  string
	RepoPath  string
	ActorRole envelope.Role
	Question  string
}

// AskHuman appends a HUMAN_QUESTION envelope and transitions the bubble
// to WAITING_HUMAN (spec §4.4 ask-human).
func (e *Engine) AskHuman(ctx context.Context, in AskHumanInput) (Result, error) {
	e.withDefaults()
	begin := e.Clock.Now()

	res, err := e.askHuman(in)
	e.recordOperationMetric("ask-human", begin, err)
	return res, err
}

func (e *Engine) askHuman(in AskHumanInput) (Result, error) {
	if in.Question == "" {
		return Result{}, pferrors.Validationf("question", "ask-human requires a non-empty question")
	}
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	var result Result
	err := e.withBubbleLock(paths, func() error {
		cur, fp, err := statestore.Read(paths.StatePath())
		if err != nil {
			return err
		}
		if cur.State != statestore.StateRunning {
			return pferrors.Preconditionf("ask-human requires state RUNNING, got %s", cur.State)
		}

		env, seq, err := envelope.Append(paths.TranscriptPath(), envelope.Draft{
			BubbleID:  in.BubbleID,
			Sender:    in.ActorRole,
			Recipient: envelope.RoleHuman,
			Type:      envelope.TypeHumanQuestion,
			Round:     cur.Round,
			Payload:   envelope.Payload{Question: in.Question},
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
			EventType: metricsevents.TypeBubbleAskedHuman, Round: &cur.Round, ActorRole: string(in.ActorRole),
		})

		result = Result{BubbleID: in.BubbleID, Sequence: seq, Envelope: env, NewState: next}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// ConvergedInput is converged's inputs (spec §4.4, §4.6 converged).
type ConvergedInput struct {
	BubbleID string
	RepoPath string
	Summary  string
}

// Converged is reviewer-only. It requires round >= 2, no unanswered
// HUMAN_QUESTION, and no P0/P1 finding in the reviewer's last pass, then
// appends CONVERGENCE followed by an orchestrator-synthesized
// APPROVAL_REQUEST in the same lock scope, transitioning to
// READY_FOR_APPROVAL (spec §4.4 converged).
func (e *Engine) Converged(ctx context.Context, in ConvergedInput) (Result, error) {
	e.withDefaults()
	begin := e.Clock.Now()

	res, err := e.converged(in)
	e.recordOperationMetric("converged", begin, err)
	return res, err
}

func (e *Engine) converged(in ConvergedInput) (Result, error) {
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	var result Result
	err := e.withBubbleLock(paths, func() error {
		cur, fp, err := statestore.Read(paths.StatePath())
		if err != nil {
			return err
		}
		if cur.State != statestore.StateRunning {
			return pferrors.Preconditionf("converged requires state RUNNING, got %s", cur.State)
		}
		if cur.ActiveRole != string(envelope.RoleReviewer) {
			return pferrors.Preconditionf("converged may only be called by the reviewer, active role is %s", cur.ActiveRole)
		}
		if cur.Round < 2 {
			return pferrors.Preconditionf("converged requires at least 2 rounds, bubble is at round %d", cur.Round)
		}

		envs, err := envelope.Read(paths.TranscriptPath(), envelope.ReadOptions{AllowMissing: true})
		if err != nil {
			return err
		}
		if hasUnansweredQuestion(envs) {
			return pferrors.Preconditionf("converged requires every HUMAN_QUESTION to have a HUMAN_REPLY first")
		}
		if lastReviewHasP0OrP1(envs) {
			return pferrors.Preconditionf("converged requires the reviewer's last pass to carry no P0/P1 finding")
		}

		convEnv, _, err := envelope.Append(paths.TranscriptPath(), envelope.Draft{
			BubbleID:  in.BubbleID,
			Sender:    envelope.RoleReviewer,
			Recipient: envelope.RoleOrchestrator,
			Type:      envelope.TypeConvergence,
			Round:     cur.Round,
			Payload:   envelope.Payload{Summary: in.Summary},
		}, envelope.AppendOptions{MirrorPath: paths.InboxPath(), Clock: e.Clock})
		if err != nil {
			return err
		}

		approvalEnv, seq, err := envelope.Append(paths.TranscriptPath(), envelope.Draft{
			BubbleID:  in.BubbleID,
			Sender:    envelope.RoleOrchestrator,
			Recipient: envelope.RoleHuman,
			Type:      envelope.TypeApprovalRequest,
			Round:     cur.Round,
			Payload:   envelope.Payload{Summary: in.Summary},
		}, envelope.AppendOptions{MirrorPath: paths.InboxPath(), Clock: e.Clock})
		if err != nil {
			return pferrors.Recovery(convEnv.ID, err)
		}

		next, err := statestore.ApplyTransition(cur, statestore.TransitionInput{To: statestore.StateReadyForApproval})
		if err != nil {
			return pferrors.Recovery(approvalEnv.ID, err)
		}
		if err := statestore.Write(paths.StatePath(), next, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
			return pferrors.Recovery(approvalEnv.ID, err)
		}

		e.emitBestEffort(metricsevents.Event{
			RepoPath: in.RepoPath, BubbleID: in.BubbleID,
			EventType: metricsevents.TypeBubbleConverged, Round: &cur.Round, ActorRole: string(envelope.RoleReviewer),
		})

		result = Result{BubbleID: in.BubbleID, Sequence: seq, Envelope: approvalEnv, NewState: next}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// hasUnansweredQuestion reports whether the most recent HUMAN_QUESTION in
// envs has no later HUMAN_REPLY.
func hasUnansweredQuestion(envs []envelope.Envelope) bool {
	lastQuestionIdx := -1
	for i, e := range envs {
		if e.Type == envelope.TypeHumanQuestion {
			lastQuestionIdx = i
		}
	}
	if lastQuestionIdx == -1 {
		return false
	}
	for _, e := range envs[lastQuestionIdx+1:] {
		if e.Type == envelope.TypeHumanReply {
			return false
		}
	}
	return true
}

// lastReviewHasP0OrP1 reports whether the reviewer's most recent PASS
// carries a P0 or P1 finding.
func lastReviewHasP0OrP1(envs []envelope.Envelope) bool {
	for i := len(envs) - 1; i >= 0; i-- {
		e := envs[i]
		if e.Type == envelope.TypePass && e.Sender == envelope.RoleReviewer {
			return e.Payload.HasP0OrP1()
		}
	}
	return false
}
