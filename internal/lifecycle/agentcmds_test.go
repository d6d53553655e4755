package lifecycle

import (
	"context"
	"testing"

	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/statestore"
)

func TestPass_ImplementerHandsToReviewerSameRound(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "pass-bubble")
	mustStart(t, eng, repoPath, "pass-bubble")

	res, err := eng.Pass(context.Background(), PassInput{
		BubbleID:  "pass-bubble",
		RepoPath:  repoPath,
		ActorRole: envelope.RoleImplementer,
		Summary:   "implemented the fix",
	})
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if res.NewState.Round != 1 {
		t.Fatalf("round = %d, want unchanged at 1", res.NewState.Round)
	}
	if res.NewState.ActiveRole != "reviewer" {
		t.Fatalf("active role = %q, want reviewer", res.NewState.ActiveRole)
	}
	if res.Envelope.Recipient != envelope.RoleReviewer {
		t.Fatalf("recipient = %s, want reviewer", res.Envelope.Recipient)
	}
}

func TestPass_ReviewerHandsBackIncrementsRound(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "pass-round-bubble")
	mustStart(t, eng, repoPath, "pass-round-bubble")

	if _, err := eng.Pass(context.Background(), PassInput{
		BubbleID: "pass-round-bubble", RepoPath: repoPath,
		ActorRole: envelope.RoleImplementer, Summary: "done",
	}); err != nil {
		t.Fatalf("implementer Pass: %v", err)
	}

	res, err := eng.Pass(context.Background(), PassInput{
		BubbleID: "pass-round-bubble", RepoPath: repoPath,
		ActorRole: envelope.RoleReviewer, Summary: "needs a fix",
	})
	if err != nil {
		t.Fatalf("reviewer Pass: %v", err)
	}
	if res.NewState.Round != 2 {
		t.Fatalf("round = %d, want 2", res.NewState.Round)
	}
	if res.NewState.ActiveRole != "implementer" {
		t.Fatalf("active role = %q, want implementer", res.NewState.ActiveRole)
	}
	if len(res.NewState.RoundRoleHistory) != 2 {
		t.Fatalf("round role history length = %d, want 2", len(res.NewState.RoundRoleHistory))
	}
}

func TestPass_RejectsWrongActiveRole(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "pass-wrong-role")
	mustStart(t, eng, repoPath, "pass-wrong-role")

	_, err := eng.Pass(context.Background(), PassInput{
		BubbleID: "pass-wrong-role", RepoPath: repoPath,
		ActorRole: envelope.RoleReviewer, Summary: "not my turn",
	})
	if err == nil {
		t.Fatal("expected precondition error when the wrong role passes")
	}
}

func TestAskHuman_TransitionsToWaitingHuman(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "ask-human-bubble")
	mustStart(t, eng, repoPath, "ask-human-bubble")

	res, err := eng.AskHuman(context.Background(), AskHumanInput{
		BubbleID: "ask-human-bubble", RepoPath: repoPath,
		ActorRole: envelope.RoleImplementer, Question: "which auth provider?",
	})
	if err != nil {
		t.Fatalf("AskHuman: %v", err)
	}
	if res.NewState.State != statestore.StateWaitingHuman {
		t.Fatalf("state = %s, want WAITING_HUMAN", res.NewState.State)
	}
}

func TestAskHuman_RejectsEmptyQuestion(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "ask-human-empty")
	mustStart(t, eng, repoPath, "ask-human-empty")

	_, err := eng.AskHuman(context.Background(), AskHumanInput{
		BubbleID: "ask-human-empty", RepoPath: repoPath, ActorRole: envelope.RoleImplementer,
	})
	if err == nil {
		t.Fatal("expected validation error for empty question")
	}
}

// bringToConvergeable drives a bubble through its round-1 implementer
// pass, a round-1 reviewer pass carrying findings (the reviewer's last
// pass, so it's what Converged's P0/P1 gate inspects), and a round-2
// implementer pass, leaving the bubble at round 2 with the reviewer
// active: exactly Converged's precondition.
func bringToConvergeable(t *testing.T, eng *Engine, repoPath, bubbleID string, reviewerFindings []envelope.Finding) {
	t.Helper()
	mustCreate(t, eng, repoPath, bubbleID)
	mustStart(t, eng, repoPath, bubbleID)

	if _, err := eng.Pass(context.Background(), PassInput{
		BubbleID: bubbleID, RepoPath: repoPath, ActorRole: envelope.RoleImplementer, Summary: "round 1 impl",
	}); err != nil {
		t.Fatalf("round 1 implementer pass: %v", err)
	}
	if _, err := eng.Pass(context.Background(), PassInput{
		BubbleID: bubbleID, RepoPath: repoPath, ActorRole: envelope.RoleReviewer, Summary: "send back",
		Findings: reviewerFindings,
	}); err != nil {
		t.Fatalf("round 1 reviewer pass: %v", err)
	}
	if _, err := eng.Pass(context.Background(), PassInput{
		BubbleID: bubbleID, RepoPath: repoPath, ActorRole: envelope.RoleImplementer, Summary: "round 2 impl",
	}); err != nil {
		t.Fatalf("round 2 implementer pass: %v", err)
	}
}

func TestConverged_RequiresTwoRoundsAndNoP0P1(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	bringToConvergeable(t, eng, repoPath, "converge-bubble", nil)

	res, err := eng.Converged(context.Background(), ConvergedInput{
		BubbleID: "converge-bubble", RepoPath: repoPath, Summary: "all good",
	})
	if err != nil {
		t.Fatalf("Converged: %v", err)
	}
	if res.NewState.State != statestore.StateReadyForApproval {
		t.Fatalf("state = %s, want READY_FOR_APPROVAL", res.NewState.State)
	}
}

func TestConverged_RejectsP0Finding(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	bringToConvergeable(t, eng, repoPath, "converge-p0-bubble", []envelope.Finding{
		{Severity: envelope.SeverityP0, Title: "data loss bug"},
	})

	_, err := eng.Converged(context.Background(), ConvergedInput{
		BubbleID: "converge-p0-bubble", RepoPath: repoPath, Summary: "not actually good",
	})
	if err == nil {
		t.Fatal("expected precondition error converging with an outstanding P0 finding")
	}
}

func TestConverged_RejectsBeforeRoundTwo(t *testing.T) {
	eng, _, _, repoPath := newTestEngine(t)
	mustCreate(t, eng, repoPath, "converge-early-bubble")
	mustStart(t, eng, repoPath, "converge-early-bubble")
	if _, err := eng.Pass(context.Background(), PassInput{
		BubbleID: "converge-early-bubble", RepoPath: repoPath, ActorRole: envelope.RoleImplementer, Summary: "round 1 impl",
	}); err != nil {
		t.Fatalf("round 1 implementer pass: %v", err)
	}

	_, err := eng.Converged(context.Background(), ConvergedInput{
		BubbleID: "converge-early-bubble", RepoPath: repoPath, Summary: "too soon",
	})
	if err == nil {
		t.Fatal("expected precondition error converging before round 2")
	}
}
