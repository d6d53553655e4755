package lifecycle

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/felho/pairflow/internal/bubbleconfig"
	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/metricsevents"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/registry"
	"github.com/felho/pairflow/internal/statestore"
)

// CommitInput is commit's inputs (spec §4.4 commit).
type CommitInput struct {
	BubbleID string
	RepoPath string
}

// Commit requires a non-empty done-package artifact, appends the
// DONE_PACKAGE envelope, commits the worktree, and walks the bubble
// through APPROVED_FOR_COMMIT -> COMMITTED -> DONE in one lock scope
// (spec §4.4 commit).
func (e *Engine) Commit(ctx context.Context, in CommitInput) (Result, error) {
	e.withDefaults()
	begin := e.Clock.Now()

	res, err := e.commit(ctx, in)
	e.recordOperationMetric("commit", begin, err)
	return res, err
}

func (e *Engine) commit(ctx context.Context, in CommitInput) (Result, error) {
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	donePackage, err := os.ReadFile(paths.DonePackagePath())
	if err != nil {
		return Result{}, pferrors.Wrap(pferrors.KindValidation, paths.DonePackagePath(), "read done-package artifact", err)
	}
	content := strings.TrimSpace(string(donePackage))
	if content == "" {
		return Result{}, pferrors.Validationf("done_package", "done-package artifact at %s must not be empty", paths.DonePackagePath())
	}

	var result Result
	err = e.withBubbleLock(paths, func() error {
		cur, fp, err := statestore.Read(paths.StatePath())
		if err != nil {
			return err
		}
		if cur.State != statestore.StateApprovedForCommit {
			return pferrors.Preconditionf("commit requires state APPROVED_FOR_COMMIT, got %s", cur.State)
		}

		env, seq, err := envelope.Append(paths.TranscriptPath(), envelope.Draft{
			BubbleID:  in.BubbleID,
			Sender:    envelope.RoleOrchestrator,
			Recipient: envelope.RoleHuman,
			Type:      envelope.TypeDonePackage,
			Round:     cur.Round,
			Payload:   envelope.Payload{Summary: content},
		}, envelope.AppendOptions{MirrorPath: paths.InboxPath(), Clock: e.Clock})
		if err != nil {
			return err
		}

		if err := e.gitCommitAll(ctx, paths.WorktreePath(), commitMessage(in.BubbleID, cur.Round)); err != nil {
			return pferrors.Recovery(env.ID, err)
		}

		committed, err := statestore.ApplyTransition(cur, statestore.TransitionInput{To: statestore.StateCommitted})
		if err != nil {
			return pferrors.Recovery(env.ID, err)
		}
		if err := statestore.Write(paths.StatePath(), committed, statestore.WriteOptions{ExpectedFingerprint: fp}); err != nil {
			return pferrors.Recovery(env.ID, err)
		}

		committedFP, err := statestore.Fingerprint(committed)
		if err != nil {
			return err
		}
		done, err := statestore.ApplyTransition(committed, statestore.TransitionInput{To: statestore.StateDone})
		if err != nil {
			return err
		}
		if err := statestore.Write(paths.StatePath(), done, statestore.WriteOptions{ExpectedFingerprint: committedFP}); err != nil {
			return err
		}

		_, _ = registry.Remove(paths.RuntimeSessionsPath(), in.BubbleID)

		e.emitBestEffort(metricsevents.Event{
			RepoPath: in.RepoPath, BubbleID: in.BubbleID,
			EventType: metricsevents.TypeBubbleCommitted, ActorRole: string(envelope.RoleOrchestrator),
		})

		result = Result{BubbleID: in.BubbleID, Sequence: seq, Envelope: env, NewState: done}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func commitMessage(bubbleID string, round int) string {
	return "pairflow: bubble " + bubbleID + " done (round " + strconv.Itoa(round) + ")"
}

// MergeInput is merge's inputs (SPEC_FULL.md §7, the supplemented
// `bubble merge` convenience operation).
type MergeInput struct {
	BubbleID string
	RepoPath string
}

// Merge fast-forwards the repository's base branch to the bubble's
// branch once the bubble has reached DONE. It is a post-terminal
// convenience: a bubble not in DONE is rejected with KindPrecondition, a
// failed fast-forward is KindExternalCommand, and no failure ever attempts
// a state transition, since the bubble is already in a terminal state
// (SPEC_FULL.md §7).
func (e *Engine) Merge(ctx context.Context, in MergeInput) error {
	e.withDefaults()
	begin := e.Clock.Now()

	err := e.merge(ctx, in)
	e.recordOperationMetric("merge", begin, err)
	return err
}

func (e *Engine) merge(ctx context.Context, in MergeInput) error {
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	cur, _, err := statestore.Read(paths.StatePath())
	if err != nil {
		return err
	}
	if cur.State != statestore.StateDone {
		return pferrors.Preconditionf("merge requires state DONE, got %s", cur.State)
	}

	cfg, err := bubbleconfig.Read(paths.ConfigPath())
	if err != nil {
		return err
	}

	if err := e.gitFastForwardMerge(ctx, in.RepoPath, cfg.BaseBranch, cfg.BubbleBranch); err != nil {
		return err
	}

	e.emitBestEffort(metricsevents.Event{
		RepoPath: in.RepoPath, BubbleID: in.BubbleID,
		EventType: metricsevents.TypeBubbleMerged, ActorRole: string(envelope.RoleOrchestrator),
	})
	return nil
}
