package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/felho/pairflow/internal/bubbleconfig"
	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/metricsevents"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/registry"
	"github.com/felho/pairflow/internal/statestore"
)

var bubbleIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{2,63}$`)

// CreateInput is create's inputs (spec §4.4 create).
type CreateInput struct {
	BubbleID     string
	RepoPath     string
	BaseBranch   string
	BubbleBranch string // defaults to "pairflow/<id>"

	// Exactly one of TaskText/TaskFilePath must be set.
	TaskText     string
	TaskFilePath string

	Implementer            string // default "agent-a"
	Reviewer               string // default "agent-b"
	TestCommand            string
	TypecheckCommand       string
	WatchdogTimeoutMinutes int // default 30
	MaxRounds              int // default 6
	CommitRequiresApproval bool
	QualityMode            string
	ReviewArtifactType     bubbleconfig.ReviewArtifactType // "" triggers heuristic inference
	LocalOverlayPolicy     string
	NotificationsPolicy    string
}

// CreateResult is create's output (spec §4.4 create: "paths, config,
// initial state, resolved task content").
type CreateResult struct {
	Paths       Paths
	Config      bubbleconfig.Config
	State       statestore.Snapshot
	TaskContent string
	Result      Result
}

var codeSignals = []string{
	"function", "bug", "refactor", "implement", "endpoint", "class", "struct",
	".go", ".py", ".ts", ".tsx", ".js", "compile", "stack trace", "exception",
	"unit test", "api", "package", "module",
}

var docSignals = []string{
	"readme", "documentation", "proposal", "guide", "write-up", "writeup",
	"report", "runbook", "policy document", "design doc", "rfc",
}

func inferReviewArtifactType(taskText string) bubbleconfig.ReviewArtifactType {
	lower := strings.ToLower(taskText)
	codeScore, docScore := 0, 0
	for _, kw := range codeSignals {
		if strings.Contains(lower, kw) {
			codeScore++
		}
	}
	for _, kw := range docSignals {
		if strings.Contains(lower, kw) {
			docScore++
		}
	}
	switch {
	case codeScore > docScore:
		return bubbleconfig.ReviewArtifactCode
	case docScore > codeScore:
		return bubbleconfig.ReviewArtifactDocument
	default:
		return bubbleconfig.ReviewArtifactAuto
	}
}

// Create bootstraps a brand new bubble (spec §4.4 create).
func (e *Engine) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	e.withDefaults()
	start := e.Clock.Now()

	res, err := e.create(ctx, in)
	e.recordOperationMetric("create", start, err)
	return res, err
}

func (e *Engine) create(ctx context.Context, in CreateInput) (CreateResult, error) {
	if !bubbleIDPattern.MatchString(in.BubbleID) {
		return CreateResult{}, pferrors.Validationf("id", "bubble id %q must match ^[a-z][a-z0-9_-]{2,63}$", in.BubbleID)
	}
	if strings.TrimSpace(in.BaseBranch) == "" {
		return CreateResult{}, pferrors.Validationf("base_branch", "base branch is required")
	}
	hasText := strings.TrimSpace(in.TaskText) != ""
	hasFile := strings.TrimSpace(in.TaskFilePath) != ""
	if hasText == hasFile {
		return CreateResult{}, pferrors.Validationf("task", "exactly one of task-text or task-file must be given")
	}

	if err := e.gitIsWorkTree(ctx, in.RepoPath); err != nil {
		return CreateResult{}, pferrors.Validationf("repo_path", "repo_path %q is not a git worktree: %v", in.RepoPath, err)
	}

	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}
	if _, err := os.Stat(paths.BubbleDir()); err == nil {
		return CreateResult{}, pferrors.Conflictf("bubble %q already exists at %s", in.BubbleID, paths.BubbleDir())
	}

	taskContent := in.TaskText
	sourceTag := "text"
	if hasFile {
		data, err := os.ReadFile(in.TaskFilePath)
		if err != nil {
			return CreateResult{}, pferrors.Wrap(pferrors.KindValidation, "task_file", "read task file", err)
		}
		taskContent = string(data)
		sourceTag = "file"
	}
	taskContent = strings.TrimSpace(taskContent)
	if taskContent == "" {
		return CreateResult{}, pferrors.Validationf("task", "resolved task content must not be empty")
	}

	reviewArtifactType := in.ReviewArtifactType
	if reviewArtifactType == "" {
		reviewArtifactType = inferReviewArtifactType(taskContent)
	}

	cfg := bubbleconfig.Config{
		ID:                     in.BubbleID,
		RepoPath:               in.RepoPath,
		BaseBranch:             in.BaseBranch,
		BubbleBranch:           in.BubbleBranch,
		Implementer:            in.Implementer,
		Reviewer:               in.Reviewer,
		TestCommand:            in.TestCommand,
		TypecheckCommand:       in.TypecheckCommand,
		WatchdogTimeoutMinutes: in.WatchdogTimeoutMinutes,
		MaxRounds:              in.MaxRounds,
		CommitRequiresApproval: in.CommitRequiresApproval,
		QualityMode:            in.QualityMode,
		ReviewArtifactType:     reviewArtifactType,
		LocalOverlayPolicy:     in.LocalOverlayPolicy,
		NotificationsPolicy:    in.NotificationsPolicy,
	}
	if cfg.BubbleBranch == "" {
		cfg.BubbleBranch = "pairflow/" + in.BubbleID
	}
	if cfg.Implementer == "" {
		cfg.Implementer = "agent-a"
	}
	if cfg.Reviewer == "" {
		cfg.Reviewer = "agent-b"
	}
	if cfg.WatchdogTimeoutMinutes == 0 {
		cfg.WatchdogTimeoutMinutes = 30
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = 6
	}
	if !filepath.IsAbs(cfg.RepoPath) {
		return CreateResult{}, pferrors.Validationf("repo_path", "repo_path must be absolute, got %q", cfg.RepoPath)
	}
	if err := cfg.Validate(); err != nil {
		return CreateResult{}, err
	}

	var result CreateResult
	err := e.withBubbleLock(paths, func() error {
		if err := os.MkdirAll(filepath.Join(paths.BubbleDir(), "artifacts"), 0o755); err != nil {
			return pferrors.Wrap(pferrors.KindValidation, paths.BubbleDir(), "create bubble directory", err)
		}
		if err := bubbleconfig.Write(paths.ConfigPath(), cfg); err != nil {
			return err
		}
		if err := os.WriteFile(paths.TranscriptPath(), []byte{}, 0o644); err != nil {
			return pferrors.Wrap(pferrors.KindValidation, paths.TranscriptPath(), "create empty transcript", err)
		}
		if err := os.WriteFile(paths.InboxPath(), []byte{}, 0o644); err != nil {
			return pferrors.Wrap(pferrors.KindValidation, paths.InboxPath(), "create empty inbox", err)
		}
		taskArtifact := fmt.Sprintf("<!-- source: %s -->\n\n%s\n", sourceTag, taskContent)
		if err := os.WriteFile(paths.TaskPath(), []byte(taskArtifact), 0o644); err != nil {
			return pferrors.Wrap(pferrors.KindValidation, paths.TaskPath(), "write task artifact", err)
		}

		initial := statestore.Snapshot{
			BubbleID:            in.BubbleID,
			State:               statestore.StateCreated,
			Round:               0,
			RoundRoleHistory:    []statestore.RoundRoleEntry{},
			ReworkIntentHistory: []statestore.ReworkIntent{},
		}
		if err := statestore.Write(paths.StatePath(), initial, statestore.WriteOptions{Create: true}); err != nil {
			return err
		}

		if err := registry.EnsureInitialized(paths.RuntimeSessionsPath()); err != nil {
			return err
		}

		env, seq, err := envelope.Append(paths.TranscriptPath(), envelope.Draft{
			BubbleID:  in.BubbleID,
			Sender:    envelope.RoleOrchestrator,
			Recipient: envelope.RoleImplementer,
			Type:      envelope.TypeTask,
			Round:     0,
			Payload: envelope.Payload{
				Summary:  taskContent,
				Metadata: map[string]any{"task_artifact": paths.TaskPath()},
			},
		}, envelope.AppendOptions{MirrorPath: paths.InboxPath(), Clock: e.Clock})
		if err != nil {
			return err
		}

		round := 0
		e.emitBestEffort(metricsevents.Event{
			RepoPath:  in.RepoPath,
			BubbleID:  in.BubbleID,
			EventType: metricsevents.TypeBubbleCreated,
			Round:     &round,
			ActorRole: string(envelope.RoleOrchestrator),
		})

		result = CreateResult{
			Paths:       paths,
			Config:      cfg,
			State:       initial,
			TaskContent: taskContent,
			Result:      Result{BubbleID: in.BubbleID, Sequence: seq, Envelope: env, NewState: initial},
		}
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	return result, nil
}
