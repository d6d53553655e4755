package lifecycle

import (
	"context"
	"testing"

	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/statestore"
)

func askQuestion(t *testing.T, eng *Engine, repoPath, bubbleID string) {
	t.Helper()
	if _, err := eng.AskHuman(context.Background(), AskHumanInput{
		BubbleID: bubbleID, RepoPath: repoPath, ActorRole: envelope.RoleImplementer, Question: "which provider?",
	}); err != nil {
		t.Fatalf("AskHuman: %v", err)
	}
}

func TestReply_ResumesRunningState(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "reply-bubble")
	mustStart(t, eng, repoPath, "reply-bubble")
	askQuestion(t, eng, repoPath, "reply-bubble")

	res, err := eng.Reply(context.Background(), ReplyInput{BubbleID: "reply-bubble", RepoPath: repoPath, Message: "use okta"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if res.NewState.State != statestore.StateRunning {
		t.Fatalf("state = %s, want RUNNING", res.NewState.State)
	}
	if res.Envelope.Recipient != envelope.RoleImplementer {
		t.Fatalf("recipient = %s, want implementer (last asker)", res.Envelope.Recipient)
	}
}

func TestReply_RejectsEmptyMessage(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "reply-empty")
	mustStart(t, eng, repoPath, "reply-empty")
	askQuestion(t, eng, repoPath, "reply-empty")

	if _, err := eng.Reply(context.Background(), ReplyInput{BubbleID: "reply-empty", RepoPath: repoPath}); err == nil {
		t.Fatal("expected validation error for empty reply message")
	}
}

func TestReply_AppliesQueuedReworkIntent(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "reply-rework-bubble")
	mustStart(t, eng, repoPath, "reply-rework-bubble")
	askQuestion(t, eng, repoPath, "reply-rework-bubble")

	if _, err := eng.RequestRework(context.Background(), RequestReworkInput{
		BubbleID: "reply-rework-bubble", RepoPath: repoPath, Message: "also check the edge case",
	}); err != nil {
		t.Fatalf("RequestRework (queue): %v", err)
	}

	res, err := eng.Reply(context.Background(), ReplyInput{BubbleID: "reply-rework-bubble", RepoPath: repoPath, Message: "use okta"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if res.NewState.PendingReworkIntent != nil {
		t.Fatalf("pending rework intent should be cleared after reply, got %+v", res.NewState.PendingReworkIntent)
	}
	if len(res.NewState.ReworkIntentHistory) != 1 || res.NewState.ReworkIntentHistory[0].Status != "applied" {
		t.Fatalf("expected one applied rework intent in history, got %+v", res.NewState.ReworkIntentHistory)
	}
}

func bringToReadyForApproval(t *testing.T, eng *Engine, repoPath, bubbleID string) {
	t.Helper()
	bringToConvergeable(t, eng, repoPath, bubbleID, nil)
	if _, err := eng.Converged(context.Background(), ConvergedInput{BubbleID: bubbleID, RepoPath: repoPath, Summary: "all good"}); err != nil {
		t.Fatalf("Converged: %v", err)
	}
}

func TestApprove_TransitionsToApprovedForCommit(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	bringToReadyForApproval(t, eng, repoPath, "approve-bubble")

	res, err := eng.Approve(context.Background(), ApproveInput{BubbleID: "approve-bubble", RepoPath: repoPath})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.NewState.State != statestore.StateApprovedForCommit {
		t.Fatalf("state = %s, want APPROVED_FOR_COMMIT", res.NewState.State)
	}
}

func TestApprove_RejectsWrongState(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "approve-wrong-state")
	mustStart(t, eng, repoPath, "approve-wrong-state")

	if _, err := eng.Approve(context.Background(), ApproveInput{BubbleID: "approve-wrong-state", RepoPath: repoPath}); err == nil {
		t.Fatal("expected precondition error approving a RUNNING bubble")
	}
}

func TestRequestRework_ImmediateFromReadyForApproval(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	bringToReadyForApproval(t, eng, repoPath, "rework-immediate-bubble")

	res, err := eng.RequestRework(context.Background(), RequestReworkInput{
		BubbleID: "rework-immediate-bubble", RepoPath: repoPath, Message: "missed a case",
	})
	if err != nil {
		t.Fatalf("RequestRework: %v", err)
	}
	if res.NewState.State != statestore.StateRunning {
		t.Fatalf("state = %s, want RUNNING", res.NewState.State)
	}
	if res.NewState.Round != 3 {
		t.Fatalf("round = %d, want 3", res.NewState.Round)
	}
	if res.NewState.ActiveRole != "implementer" {
		t.Fatalf("active role = %q, want implementer", res.NewState.ActiveRole)
	}
}

func TestRequestRework_QueuedFromWaitingHuman(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "rework-queued-bubble")
	mustStart(t, eng, repoPath, "rework-queued-bubble")
	askQuestion(t, eng, repoPath, "rework-queued-bubble")

	res, err := eng.RequestRework(context.Background(), RequestReworkInput{
		BubbleID: "rework-queued-bubble", RepoPath: repoPath, Message: "also look at X",
	})
	if err != nil {
		t.Fatalf("RequestRework: %v", err)
	}
	if res.NewState.State != statestore.StateWaitingHuman {
		t.Fatalf("state = %s, want unchanged WAITING_HUMAN", res.NewState.State)
	}
	if res.NewState.PendingReworkIntent == nil {
		t.Fatal("expected a pending rework intent to be queued")
	}
	if res.NewState.PendingReworkIntent.Message != "also look at X" {
		t.Fatalf("pending intent message = %q", res.NewState.PendingReworkIntent.Message)
	}
}

func TestRequestRework_SecondQueuedIntentSupersedesFirst(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "rework-supersede-bubble")
	mustStart(t, eng, repoPath, "rework-supersede-bubble")
	askQuestion(t, eng, repoPath, "rework-supersede-bubble")

	if _, err := eng.RequestRework(context.Background(), RequestReworkInput{
		BubbleID: "rework-supersede-bubble", RepoPath: repoPath, Message: "first intent",
	}); err != nil {
		t.Fatalf("first RequestRework: %v", err)
	}
	res, err := eng.RequestRework(context.Background(), RequestReworkInput{
		BubbleID: "rework-supersede-bubble", RepoPath: repoPath, Message: "second intent",
	})
	if err != nil {
		t.Fatalf("second RequestRework: %v", err)
	}
	if res.NewState.PendingReworkIntent.Message != "second intent" {
		t.Fatalf("pending intent = %q, want second intent", res.NewState.PendingReworkIntent.Message)
	}
	if len(res.NewState.ReworkIntentHistory) != 1 || res.NewState.ReworkIntentHistory[0].Status != "superseded" {
		t.Fatalf("expected one superseded history entry, got %+v", res.NewState.ReworkIntentHistory)
	}
}

func TestRequestRework_RejectsWrongState(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "rework-wrong-state")
	mustStart(t, eng, repoPath, "rework-wrong-state")

	if _, err := eng.RequestRework(context.Background(), RequestReworkInput{
		BubbleID: "rework-wrong-state", RepoPath: repoPath, Message: "too early",
	}); err == nil {
		t.Fatal("expected precondition error requesting rework from RUNNING")
	}
}
