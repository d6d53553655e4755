package lifecycle

import (
	"context"
	"os"

	"github.com/felho/pairflow/internal/bubbleconfig"
	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/metricsevents"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/registry"
	"github.com/felho/pairflow/internal/statestore"
)

// StartInput is start's inputs (spec §4.4 start).
type StartInput struct {
	BubbleID string
	RepoPath string
}

// Start bootstraps the bubble's worktree and multiplexer session on
// first start, or simply re-launches the session on a restart (spec
// §4.4 start). It appends no transcript envelope: start is a
// session-management operation, not a protocol message.
func (e *Engine) Start(ctx context.Context, in StartInput) (statestore.Snapshot, error) {
	e.withDefaults()
	begin := e.Clock.Now()

	next, err := e.start(ctx, in)
	e.recordOperationMetric("start", begin, err)
	return next, err
}

func (e *Engine) start(ctx context.Context, in StartInput) (statestore.Snapshot, error) {
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	var result statestore.Snapshot
	err := e.withBubbleLock(paths, func() error {
		if _, err := e.backfillInstanceID(paths); err != nil {
			return err
		}

		cur, fp, err := statestore.Read(paths.StatePath())
		if err != nil {
			return err
		}

		if err := e.rejectOrDropExistingClaim(paths); err != nil {
			return err
		}

		switch cur.State {
		case statestore.StateCreated, statestore.StatePreparingWorkspace:
			return e.startFresh(ctx, paths, cur, fp, &result)
		case statestore.StateRunning:
			return e.startResume(ctx, paths, cur, &result)
		default:
			return pferrors.Preconditionf("start is not permitted in state %s", cur.State)
		}
	})
	if err != nil {
		return statestore.Snapshot{}, err
	}
	return result, nil
}

// rejectOrDropExistingClaim implements spec §4.4 start's runtime-session
// precondition, checked before any bootstrap/resume action: if the
// runtime registry already claims this bubble and its multiplexer
// session is alive, start is rejected outright; if the claim's session
// is dead, the stale claim is dropped and start proceeds.
func (e *Engine) rejectOrDropExistingClaim(paths Paths) error {
	rec, ok, err := registry.Read(paths.RuntimeSessionsPath(), paths.BubbleID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if e.SessionAlive(rec.MultiplexerSessionName) {
		return pferrors.Preconditionf("bubble %q already has a live session (%s)", paths.BubbleID, rec.MultiplexerSessionName)
	}
	_, err = registry.Remove(paths.RuntimeSessionsPath(), paths.BubbleID)
	return err
}

func (e *Engine) startFresh(ctx context.Context, paths Paths, cur statestore.Snapshot, fp string, result *statestore.Snapshot) error {
	cfg, err := bubbleconfig.Read(paths.ConfigPath())
	if err != nil {
		return err
	}

	// A crash between the two writes below can leave a bubble parked in
	// PREPARING_WORKSPACE with nowhere to transition to (the transition
	// table has no PREPARING_WORKSPACE->PREPARING_WORKSPACE edge, spec
	// §4.4 start preconditions), so resuming from that state must skip
	// straight to worktree bootstrap instead of re-entering the table.
	preparing := cur
	if cur.State != statestore.StatePreparingWorkspace {
		next, err := statestore.ApplyTransition(cur, statestore.TransitionInput{To: statestore.StatePreparingWorkspace})
		if err != nil {
			return err
		}
		if err := statestore.Write(paths.StatePath(), next, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
			return err
		}
		preparing = next
	}

	if err := e.gitWorktreeAdd(ctx, paths.RepoPath, paths.WorktreePath(), cfg.BaseBranch, cfg.BubbleBranch); err != nil {
		return e.failAfterBootstrap(paths, preparing, err)
	}

	if err := e.multiplexerLaunch(ctx, paths.SessionName(), paths.WorktreePath()); err != nil {
		_ = e.gitWorktreeRemove(ctx, paths.RepoPath, paths.WorktreePath())
		return e.failAfterBootstrap(paths, preparing, err)
	}

	now := e.Clock.Now()
	round := 1
	agent := "impl"
	role := "implementer"
	running, err := statestore.ApplyTransition(preparing, statestore.TransitionInput{
		To:            statestore.StateRunning,
		Round:         &round,
		ActiveAgent:   &agent,
		ActiveRole:    &role,
		ActiveSince:   &now,
		LastCommandAt: &now,
		AppendRoundRoleEntry: &statestore.RoundRoleEntry{
			Round: round, Implementer: agent, Reviewer: "rev", SwitchedAt: now,
		},
	})
	if err != nil {
		return err
	}
	runningFP, err := statestore.Fingerprint(preparing)
	if err != nil {
		return err
	}
	if err := statestore.Write(paths.StatePath(), running, statestore.WriteOptions{ExpectedFingerprint: runningFP}); err != nil {
		return err
	}

	claimed, won, err := registry.Claim(paths.RuntimeSessionsPath(), registry.Record{
		BubbleID:               cur.BubbleID,
		RepoPath:               paths.RepoPath,
		WorktreePath:           paths.WorktreePath(),
		MultiplexerSessionName: paths.SessionName(),
		UpdatedAt:              now,
	})
	if err != nil {
		return err
	}
	if !won {
		return pferrors.Preconditionf("bubble %q already has a live session (%s)", cur.BubbleID, claimed.MultiplexerSessionName)
	}

	e.emitBestEffort(metricsevents.Event{
		RepoPath: paths.RepoPath, BubbleID: cur.BubbleID,
		EventType: metricsevents.TypeBubbleStarted, ActorRole: string(envelope.RoleOrchestrator),
	})

	*result = running
	return nil
}

// failAfterBootstrap transitions to FAILED after a bootstrap step fails
// partway through (spec §4.4 start: a failed launch after a successful
// worktree add still leaves the bubble in a terminal, inspectable state).
func (e *Engine) failAfterBootstrap(paths Paths, preparing statestore.Snapshot, cause error) error {
	fp, err := statestore.Fingerprint(preparing)
	if err != nil {
		return cause
	}
	failed, err := statestore.ApplyTransition(preparing, statestore.TransitionInput{To: statestore.StateFailed})
	if err != nil {
		return cause
	}
	_ = statestore.Write(paths.StatePath(), failed, statestore.WriteOptions{ExpectedFingerprint: fp})
	return cause
}

func (e *Engine) startResume(ctx context.Context, paths Paths, cur statestore.Snapshot, result *statestore.Snapshot) error {
	if err := e.multiplexerLaunch(ctx, paths.SessionName(), paths.WorktreePath()); err != nil {
		return err
	}

	now := e.Clock.Now()
	fp, err := statestore.Fingerprint(cur)
	if err != nil {
		return err
	}
	// Re-launching a still-RUNNING session's multiplexer is not a state
	// transition, just a timestamp refresh, so this bypasses the transition
	// table rather than asking it to accept a same-state edge.
	next := cur
	next.LastCommandAt = &now
	if err := statestore.Write(paths.StatePath(), next, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
		return err
	}

	if err := registry.Upsert(paths.RuntimeSessionsPath(), registry.Record{
		BubbleID:               cur.BubbleID,
		RepoPath:               paths.RepoPath,
		WorktreePath:           paths.WorktreePath(),
		MultiplexerSessionName: paths.SessionName(),
		UpdatedAt:              now,
	}); err != nil {
		return err
	}

	*result = next
	return nil
}

// StopInput is stop's inputs (spec §4.4 stop).
type StopInput struct {
	BubbleID string
	RepoPath string
}

// Stop kills the bubble's multiplexer session and transitions it to
// CANCELLED (spec §4.4 stop). A missing session is not an error. Side
// effects (session kill, registry removal) complete even if the final
// state write fails; that failure is then surfaced as KindRecovery since
// the caller must know to reconcile state from the transcript/registry.
func (e *Engine) Stop(ctx context.Context, in StopInput) (statestore.Snapshot, error) {
	e.withDefaults()
	begin := e.Clock.Now()

	next, err := e.stop(ctx, in)
	e.recordOperationMetric("stop", begin, err)
	return next, err
}

func (e *Engine) stop(ctx context.Context, in StopInput) (statestore.Snapshot, error) {
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	var result statestore.Snapshot
	err := e.withBubbleLock(paths, func() error {
		next, err := e.stopLocked(ctx, paths)
		result = next
		return err
	})
	if err != nil {
		return statestore.Snapshot{}, err
	}
	return result, nil
}

// stopLocked is stop's core logic, assuming the caller already holds
// the bubble lock (used directly by delete, which stops an active
// bubble before archiving it under the same lock acquisition, spec
// §4.4 delete step 1).
func (e *Engine) stopLocked(ctx context.Context, paths Paths) (statestore.Snapshot, error) {
	cur, fp, err := statestore.Read(paths.StatePath())
	if err != nil {
		return statestore.Snapshot{}, err
	}
	if cur.State.IsTerminal() {
		return statestore.Snapshot{}, pferrors.Preconditionf("stop is not permitted in terminal state %s", cur.State)
	}

	_ = e.multiplexerKill(ctx, paths.SessionName())
	_, _ = registry.Remove(paths.RuntimeSessionsPath(), cur.BubbleID)

	next, err := statestore.ApplyTransition(cur, statestore.TransitionInput{To: statestore.StateCancelled})
	if err != nil {
		return statestore.Snapshot{}, err
	}
	if err := statestore.Write(paths.StatePath(), next, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
		return statestore.Snapshot{}, pferrors.Recovery("", err)
	}

	e.emitBestEffort(metricsevents.Event{
		RepoPath: paths.RepoPath, BubbleID: cur.BubbleID,
		EventType: metricsevents.TypeBubbleStopped, ActorRole: string(envelope.RoleOrchestrator),
	})

	return next, nil
}

// bubbleWorktreeExists reports whether the bubble's worktree directory
// is still present on disk.
func bubbleWorktreeExists(paths Paths) bool {
	info, err := os.Stat(paths.WorktreePath())
	return err == nil && info.IsDir()
}
