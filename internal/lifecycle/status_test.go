package lifecycle

import (
	"testing"

	"github.com/felho/pairflow/internal/statestore"
)

func TestStatus_ReadsConfigAndState(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "status-bubble")
	mustStart(t, eng, repoPath, "status-bubble")

	st, err := eng.Status(StatusInput{BubbleID: "status-bubble", RepoPath: repoPath})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State.State != statestore.StateRunning {
		t.Fatalf("state = %s, want RUNNING", st.State.State)
	}
	if st.Config.ID != "status-bubble" {
		t.Fatalf("config id = %q", st.Config.ID)
	}
}

func TestStatus_NotFoundForUnknownBubble(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)

	if _, err := eng.Status(StatusInput{BubbleID: "never-created", RepoPath: repoPath}); err == nil {
		t.Fatal("expected not-found error for an unknown bubble id")
	}
}

func TestList_EnumeratesEveryBubbleInRepo(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "list-bubble-a")
	mustCreate(t, eng, repoPath, "list-bubble-b")

	out, err := eng.List(ListInput{RepoPath: repoPath})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("list length = %d, want 2", len(out))
	}
}

func TestList_EmptyRepoReturnsNilWithoutError(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)

	out, err := eng.List(ListInput{RepoPath: repoPath})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty list, got %d entries", len(out))
	}
}
