package lifecycle

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/felho/pairflow/internal/extcmd"
)

func TestDelete_RefusesWithoutForceWhenArtifactsRemain(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "delete-no-force")
	mustStart(t, eng, repoPath, "delete-no-force")

	err := eng.Delete(context.Background(), DeleteInput{BubbleID: "delete-no-force", RepoPath: repoPath})
	if err == nil {
		t.Fatal("expected ConfirmationRequiredError deleting a bubble with a live worktree")
	}
	var confirmErr *ConfirmationRequiredError
	if !asConfirmationRequired(err, &confirmErr) {
		t.Fatalf("expected *ConfirmationRequiredError, got %T: %v", err, err)
	}
	if !confirmErr.Manifest.WorktreeExists {
		t.Fatal("expected manifest to report the worktree as existing")
	}
}

func asConfirmationRequired(err error, target **ConfirmationRequiredError) bool {
	if ce, ok := err.(*ConfirmationRequiredError); ok {
		*target = ce
		return true
	}
	return false
}

func TestDelete_ForceDeletesAndArchives(t *testing.T) {
	eng, runner, _, repoPath := newTestEngine(t)
	res := mustCreate(t, eng, repoPath, "delete-forced")
	mustStart(t, eng, repoPath, "delete-forced")
	runner.onOK("git rev-parse --verify", "deadbeef") // bubble branch now exists

	if err := eng.Delete(context.Background(), DeleteInput{BubbleID: "delete-forced", RepoPath: repoPath, Force: true}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(res.Paths.BubbleDir()); !os.IsNotExist(err) {
		t.Fatalf("expected bubble directory to be removed, stat err = %v", err)
	}
	if runner.callCount("git worktree remove") != 1 {
		t.Fatalf("expected exactly one worktree remove")
	}
	if runner.callCount("git branch -D") != 1 {
		t.Fatalf("expected exactly one branch delete")
	}
}

func TestDelete_PropagatesFatalWorktreeCleanupFailure(t *testing.T) {
	eng, runner, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "delete-cleanup-fails")
	mustStart(t, eng, repoPath, "delete-cleanup-fails")
	runner.on("git worktree remove", func(argv []string) (extcmd.Result, error) {
		return extcmd.Result{}, errors.New("worktree busy")
	})

	err := eng.Delete(context.Background(), DeleteInput{BubbleID: "delete-cleanup-fails", RepoPath: repoPath, Force: true})
	if err == nil {
		t.Fatal("expected a fatal error when worktree cleanup fails")
	}
	if !strings.Contains(err.Error(), "delete step 4 (cleanup worktree)") {
		t.Fatalf("expected error to be tagged with the failing step, got: %v", err)
	}
}

func TestDelete_IsIdempotentOnAlreadyDeletedBubble(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "delete-twice")
	mustStart(t, eng, repoPath, "delete-twice")

	if err := eng.Delete(context.Background(), DeleteInput{BubbleID: "delete-twice", RepoPath: repoPath, Force: true}); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := eng.Delete(context.Background(), DeleteInput{BubbleID: "delete-twice", RepoPath: repoPath, Force: true}); err != nil {
		t.Fatalf("second Delete should be a no-op, got: %v", err)
	}
}

func TestDelete_WithoutArtifactsNeedsNoForce(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "delete-fresh")

	if err := eng.Delete(context.Background(), DeleteInput{BubbleID: "delete-fresh", RepoPath: repoPath}); err != nil {
		t.Fatalf("Delete of a never-started (no worktree, no session, no branch) bubble: %v", err)
	}
}
