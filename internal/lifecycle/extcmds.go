package lifecycle

import (
	"context"
	"strings"
)

// These thin wrappers are the only place lifecycle invokes external
// processes, always through the injected e.Runner (spec §9).

func (e *Engine) gitIsWorkTree(ctx context.Context, repoPath string) error {
	_, err := e.Runner(ctx, repoPath, []string{"git", "rev-parse", "--is-inside-work-tree"})
	return err
}

func (e *Engine) gitWorktreeAdd(ctx context.Context, repoPath, worktreePath, baseBranch, bubbleBranch string) error {
	_, err := e.Runner(ctx, repoPath, []string{"git", "worktree", "add", "-b", bubbleBranch, worktreePath, baseBranch})
	return err
}

func (e *Engine) gitWorktreeRemove(ctx context.Context, repoPath, worktreePath string) error {
	_, err := e.Runner(ctx, repoPath, []string{"git", "worktree", "remove", "--force", worktreePath})
	return err
}

func (e *Engine) gitBranchDelete(ctx context.Context, repoPath, branch string) error {
	_, err := e.Runner(ctx, repoPath, []string{"git", "branch", "-D", branch})
	return err
}

func (e *Engine) gitBranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := e.Runner(ctx, repoPath, []string{"git", "rev-parse", "--verify", "refs/heads/" + branch})
	return err == nil
}

func (e *Engine) gitHeadSHA(ctx context.Context, worktreePath string) (string, error) {
	res, err := e.Runner(ctx, worktreePath, []string{"git", "rev-parse", "HEAD"})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (e *Engine) gitPorcelainStatus(ctx context.Context, worktreePath string) (status string, dirty bool, err error) {
	res, err := e.Runner(ctx, worktreePath, []string{"git", "status", "--porcelain"})
	if err != nil {
		return "", false, err
	}
	status = strings.TrimSpace(res.Stdout)
	return status, status != "", nil
}

func (e *Engine) gitCommitAll(ctx context.Context, worktreePath, message string) error {
	if _, err := e.Runner(ctx, worktreePath, []string{"git", "add", "-A"}); err != nil {
		return err
	}
	_, err := e.Runner(ctx, worktreePath, []string{"git", "commit", "-m", message})
	return err
}

func (e *Engine) gitFastForwardMerge(ctx context.Context, repoPath, baseBranch, bubbleBranch string) error {
	if _, err := e.Runner(ctx, repoPath, []string{"git", "checkout", baseBranch}); err != nil {
		return err
	}
	_, err := e.Runner(ctx, repoPath, []string{"git", "merge", "--ff-only", bubbleBranch})
	return err
}

func (e *Engine) multiplexerLaunch(ctx context.Context, sessionName, workdir string) error {
	_, err := e.Runner(ctx, workdir, []string{"tmux", "new-session", "-d", "-s", sessionName, "-c", workdir})
	return err
}

func (e *Engine) multiplexerKill(ctx context.Context, sessionName string) error {
	_, err := e.Runner(ctx, "", []string{"tmux", "kill-session", "-t", sessionName})
	return err
}

func (e *Engine) multiplexerSendKeys(ctx context.Context, sessionName, text string) error {
	_, err := e.Runner(ctx, "", []string{"tmux", "send-keys", "-t", sessionName, text, "Enter"})
	return err
}
