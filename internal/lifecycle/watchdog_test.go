package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/felho/pairflow/internal/extcmd"
	"github.com/felho/pairflow/internal/statestore"
)

func TestApplyDeferredRework_DeliversAndResumesImplementer(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "deferred-rework-bubble")
	mustStart(t, eng, repoPath, "deferred-rework-bubble")
	askQuestion(t, eng, repoPath, "deferred-rework-bubble")

	if _, err := eng.RequestRework(context.Background(), RequestReworkInput{
		BubbleID: "deferred-rework-bubble", RepoPath: repoPath, Message: "please also fix Y",
	}); err != nil {
		t.Fatalf("RequestRework (queue): %v", err)
	}

	res, err := eng.ApplyDeferredRework(context.Background(), ApplyDeferredReworkInput{
		BubbleID: "deferred-rework-bubble", RepoPath: repoPath,
	})
	if err != nil {
		t.Fatalf("ApplyDeferredRework: %v", err)
	}
	if res.NewState.State != statestore.StateRunning {
		t.Fatalf("state = %s, want RUNNING", res.NewState.State)
	}
	if res.NewState.PendingReworkIntent != nil {
		t.Fatal("pending intent should be cleared once applied")
	}
	if len(res.NewState.ReworkIntentHistory) != 1 || res.NewState.ReworkIntentHistory[0].Status != "applied" {
		t.Fatalf("expected one applied history entry, got %+v", res.NewState.ReworkIntentHistory)
	}
}

func TestApplyDeferredRework_DeliveryFailureLeavesStateUnchanged(t *testing.T) {
	eng, runner, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "deferred-rework-fail-bubble")
	mustStart(t, eng, repoPath, "deferred-rework-fail-bubble")
	askQuestion(t, eng, repoPath, "deferred-rework-fail-bubble")
	if _, err := eng.RequestRework(context.Background(), RequestReworkInput{
		BubbleID: "deferred-rework-fail-bubble", RepoPath: repoPath, Message: "fix Z",
	}); err != nil {
		t.Fatalf("RequestRework (queue): %v", err)
	}

	runner.on("tmux send-keys", func(argv []string) (extcmd.Result, error) {
		return extcmd.Result{}, errors.New("no such session")
	})

	_, err := eng.ApplyDeferredRework(context.Background(), ApplyDeferredReworkInput{
		BubbleID: "deferred-rework-fail-bubble", RepoPath: repoPath,
	})
	var deliveryErr DeliveryFailedError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected DeliveryFailedError, got %T: %v", err, err)
	}

	snap, err := eng.Status(StatusInput{BubbleID: "deferred-rework-fail-bubble", RepoPath: repoPath})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State.State != statestore.StateWaitingHuman {
		t.Fatalf("state = %s, want unchanged WAITING_HUMAN", snap.State.State)
	}
	if snap.State.PendingReworkIntent == nil {
		t.Fatal("pending intent should remain queued after a failed delivery")
	}
}

func TestEscalateExpiry_AsksHumanAndWaits(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "escalate-bubble")
	mustStart(t, eng, repoPath, "escalate-bubble")

	res, err := eng.EscalateExpiry(EscalateExpiryInput{BubbleID: "escalate-bubble", RepoPath: repoPath})
	if err != nil {
		t.Fatalf("EscalateExpiry: %v", err)
	}
	if res.NewState.State != statestore.StateWaitingHuman {
		t.Fatalf("state = %s, want WAITING_HUMAN", res.NewState.State)
	}
}

func TestRetryStuckInput_ResendsLastMessageToActiveAgent(t *testing.T) {
	eng, runner, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "retry-stuck-bubble")
	mustStart(t, eng, repoPath, "retry-stuck-bubble")

	if err := eng.RetryStuckInput(context.Background(), RetryStuckInputInput{BubbleID: "retry-stuck-bubble", RepoPath: repoPath}); err != nil {
		t.Fatalf("RetryStuckInput: %v", err)
	}
	if runner.callCount("tmux send-keys") != 1 {
		t.Fatalf("expected exactly one resend, got %d", runner.callCount("tmux send-keys"))
	}
}

func TestRetryStuckInput_RequiresRunningState(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "retry-stuck-wrong-state")

	if err := eng.RetryStuckInput(context.Background(), RetryStuckInputInput{BubbleID: "retry-stuck-wrong-state", RepoPath: repoPath}); err == nil {
		t.Fatal("expected precondition error retrying input on a CREATED bubble")
	}
}
