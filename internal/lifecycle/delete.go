package lifecycle

import (
	"context"
	"fmt"
	"os"

	"github.com/felho/pairflow/internal/archive"
	"github.com/felho/pairflow/internal/bubbleconfig"
	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/metricsevents"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/statestore"
)

// ArtifactManifest records the external-process artifacts a bubble may
// still be holding onto at delete time (spec §4.4 delete: "refuses
// unless --force, reporting residual artifacts").
type ArtifactManifest struct {
	WorktreeExists          bool
	WorktreePath            string
	MultiplexerSessionAlive bool
	MultiplexerSessionName  string
	BranchExists            bool
	BubbleBranch            string
}

// HasArtifacts reports whether any artifact in the manifest is present.
func (m ArtifactManifest) HasArtifacts() bool {
	return m.WorktreeExists || m.MultiplexerSessionAlive || m.BranchExists
}

// ConfirmationRequiredError is returned by Delete when the bubble still
// has external artifacts and the caller did not pass Force. It does not
// fit pferrors' seven-kind taxonomy (spec §7): it isn't a validation,
// conflict, or precondition failure, it's a request for the caller (the
// CLI layer, spec §1 Non-goals) to re-run with explicit confirmation.
type ConfirmationRequiredError struct {
	BubbleID string
	Manifest ArtifactManifest
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("bubble %q still has artifacts on disk; re-run with --force to delete anyway", e.BubbleID)
}

// DeleteInput is delete's inputs (spec §4.4 delete).
type DeleteInput struct {
	BubbleID string
	RepoPath string
	Force    bool
}

// Delete archives and removes a bubble (spec §4.4 delete). Every step
// is idempotent so a retried delete after a partial failure converges
// (spec §8).
func (e *Engine) Delete(ctx context.Context, in DeleteInput) error {
	e.withDefaults()
	begin := e.Clock.Now()

	err := e.delete(ctx, in)
	e.recordOperationMetric("delete", begin, err)
	return err
}

func (e *Engine) delete(ctx context.Context, in DeleteInput) error {
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	cfg, cfgErr := bubbleconfig.Read(paths.ConfigPath())
	bubbleBranch := ""
	if cfgErr == nil {
		bubbleBranch = cfg.BubbleBranch
	}

	manifest := ArtifactManifest{
		WorktreeExists: bubbleWorktreeExists(paths),
		WorktreePath:   paths.WorktreePath(),
		BubbleBranch:   bubbleBranch,
	}
	if bubbleBranch != "" {
		manifest.BranchExists = e.gitBranchExists(ctx, in.RepoPath, bubbleBranch)
	}
	manifest.MultiplexerSessionAlive = e.SessionAlive(paths.SessionName())
	manifest.MultiplexerSessionName = paths.SessionName()

	if manifest.HasArtifacts() && !in.Force {
		return &ConfirmationRequiredError{BubbleID: in.BubbleID, Manifest: manifest}
	}

	if cfgErr != nil {
		if kind, ok := pferrors.KindOf(cfgErr); ok && kind == pferrors.KindNotFound {
			return nil // already deleted, spec §8 idempotence
		}
		return cfgErr
	}

	return e.withBubbleLock(paths, func() error {
		instanceID, err := e.backfillInstanceID(paths)
		if err != nil {
			return err
		}

		cur, _, err := statestore.Read(paths.StatePath())
		if err != nil {
			if kind, ok := pferrors.KindOf(err); ok && kind == pferrors.KindNotFound {
				return nil
			}
			return err
		}

		if requiresActiveStop(cur.State) {
			if _, err := e.stopLocked(ctx, paths); err != nil {
				return err
			}
		}

		repoKey := reporepoKey(in.RepoPath)
		archivePath, err := archive.SnapshotDir(e.ArchiveRoot, repoKey, instanceID, paths.BubbleDir(), map[string]any{
			"bubble_id":          in.BubbleID,
			"bubble_instance_id": instanceID,
			"repo_path":          in.RepoPath,
		})
		if err != nil {
			return err
		}

		if err := archive.UpsertDeleted(e.ArchiveRoot, e.ArchiveLockPath, archive.Entry{
			BubbleInstanceID: instanceID,
			BubbleID:         in.BubbleID,
			RepoPath:         in.RepoPath,
			RepoKey:          repoKey,
			ArchivePath:      archivePath,
		}, e.Clock.Now()); err != nil {
			return err
		}

		// Worktree and branch cleanup is step 4 of delete's canonical
		// sequence (spec §4.4 delete), not the best-effort fan-out of
		// step 8: a failure here is fatal and must be surfaced, tagged
		// by which cleanup action failed.
		if manifest.WorktreeExists {
			if err := e.gitWorktreeRemove(ctx, in.RepoPath, paths.WorktreePath()); err != nil {
				return fmt.Errorf("delete step 4 (cleanup worktree): %w", err)
			}
		}
		if manifest.BranchExists {
			if err := e.gitBranchDelete(ctx, in.RepoPath, bubbleBranch); err != nil {
				return fmt.Errorf("delete step 4 (cleanup branch): %w", err)
			}
		}

		if err := os.RemoveAll(paths.BubbleDir()); err != nil && !os.IsNotExist(err) {
			return err
		}

		e.emitBestEffort(metricsevents.Event{
			RepoPath: in.RepoPath, BubbleInstanceID: instanceID, BubbleID: in.BubbleID,
			EventType: metricsevents.TypeBubbleDeleted, ActorRole: string(envelope.RoleOrchestrator),
		})
		return nil
	})
}

// reporepoKey derives a filesystem-safe archive key from a repo path,
// since the path itself may contain separators. Grounded on the
// teacher's convention of deriving a stable opaque key from an absolute
// resource path rather than embedding the path verbatim.
func reporepoKey(repoPath string) string {
	key := make([]byte, 0, len(repoPath))
	for i := 0; i < len(repoPath); i++ {
		c := repoPath[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			key = append(key, c)
		default:
			key = append(key, '_')
		}
	}
	return string(key)
}
