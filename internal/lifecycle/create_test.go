package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/felho/pairflow/internal/statestore"
)

func TestCreate_WritesConfigTranscriptAndInitialState(t *testing.T) {
	eng, runner, _, repoPath := newTestEngine(t)

	res := mustCreate(t, eng, repoPath, "fix-login-bug")

	if res.State.State != statestore.StateCreated {
		t.Fatalf("initial state = %s, want CREATED", res.State.State)
	}
	if res.Config.Implementer != "agent-a" || res.Config.Reviewer != "agent-b" {
		t.Fatalf("default agent assignments not applied: %+v", res.Config)
	}
	if res.Config.BubbleBranch != "pairflow/fix-login-bug" {
		t.Fatalf("default bubble branch = %q", res.Config.BubbleBranch)
	}
	if res.TaskContent != "do the thing" {
		t.Fatalf("task content = %q", res.TaskContent)
	}
	if runner.callCount("git rev-parse --is-inside-work-tree") != 1 {
		t.Fatalf("expected exactly one work-tree check")
	}

	if _, err := os.Stat(res.Paths.ConfigPath()); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(res.Paths.BubbleDir(), "artifacts")); err != nil {
		t.Fatalf("artifacts dir missing: %v", err)
	}
}

func TestCreate_RejectsMalformedBubbleID(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)

	_, err := eng.Create(context.Background(), CreateInput{
		BubbleID:   "NotValid",
		RepoPath:   repoPath,
		BaseBranch: "main",
		TaskText:   "x",
	})
	if err == nil {
		t.Fatal("expected validation error for malformed bubble id")
	}
}

func TestCreate_RejectsBothTaskTextAndTaskFile(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)

	taskFile := filepath.Join(repoPath, "task.md")
	if err := os.WriteFile(taskFile, []byte("do it"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := eng.Create(context.Background(), CreateInput{
		BubbleID:     "some-bubble",
		RepoPath:     repoPath,
		BaseBranch:   "main",
		TaskText:     "x",
		TaskFilePath: taskFile,
	})
	if err == nil {
		t.Fatal("expected validation error when both task text and task file are given")
	}
}

func TestCreate_RejectsDuplicateBubbleID(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "dup-bubble")

	_, err := eng.Create(context.Background(), CreateInput{
		BubbleID:   "dup-bubble",
		RepoPath:   repoPath,
		BaseBranch: "main",
		TaskText:   "again",
	})
	if err == nil {
		t.Fatal("expected conflict error creating a bubble id that already exists")
	}
}

func TestCreate_InfersReviewArtifactTypeFromTaskText(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)

	res, err := eng.Create(context.Background(), CreateInput{
		BubbleID:   "implement-endpoint",
		RepoPath:   repoPath,
		BaseBranch: "main",
		TaskText:   "implement a new API endpoint, add a unit test, fix the compile error",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Config.ReviewArtifactType != "code" {
		t.Fatalf("review artifact type = %q, want code", res.Config.ReviewArtifactType)
	}
}
