package lifecycle

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felho/pairflow/internal/clock"
	"github.com/felho/pairflow/internal/extcmd"
	"github.com/felho/pairflow/internal/ids"
	"github.com/felho/pairflow/internal/pferrors"
)

// fakeRunner is a scripted extcmd.Runner: it dispatches on the joined
// argv the same way a shell history would read, so expectations read as
// plain command lines instead of slice literals.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	// handlers maps an argv prefix (joined with spaces) to a canned
	// result/error. The longest matching prefix wins.
	handlers map[string]func(argv []string) (extcmd.Result, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handlers: map[string]func(argv []string) (extcmd.Result, error){}}
}

func (f *fakeRunner) on(prefix string, fn func(argv []string) (extcmd.Result, error)) {
	f.handlers[prefix] = fn
}

func (f *fakeRunner) onOK(prefix string, stdout string) {
	f.on(prefix, func(argv []string) (extcmd.Result, error) {
		return extcmd.Result{Stdout: stdout}, nil
	})
}

func (f *fakeRunner) run(ctx context.Context, dir string, argv []string) (extcmd.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{}, argv...))
	f.mu.Unlock()

	joined := strings.Join(argv, " ")
	var best string
	for prefix := range f.handlers {
		if strings.HasPrefix(joined, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return extcmd.Result{}, nil
	}
	return f.handlers[best](argv)
}

func (f *fakeRunner) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(strings.Join(c, " "), prefix) {
			n++
		}
	}
	return n
}

// newTestEngine wires an Engine whose every external seam is scripted or
// in-memory, backed by a temp-dir repo, so tests exercise real file I/O
// (statestore, envelope, bubbleconfig, registry) without ever shelling
// out to git or tmux.
func newTestEngine(t *testing.T) (*Engine, *fakeRunner, *clock.Fixed, string) {
	t.Helper()
	repoPath := t.TempDir()

	runner := newFakeRunner()
	runner.onOK("git rev-parse --is-inside-work-tree", "true")
	// worktree add creates the worktree directory (argv[5], after
	// "-b <branch>") so delete's worktree-artifact check can see it.
	runner.on("git worktree add", func(argv []string) (extcmd.Result, error) {
		return extcmd.Result{}, os.MkdirAll(argv[5], 0o755)
	})
	runner.onOK("git worktree remove", "")
	runner.onOK("git branch -D", "")
	// By default no bubble branch "exists": gitBranchExists treats any
	// non-nil error as false and ignores the error itself, so a failing
	// result here stands in for "never created". Tests that start a
	// bubble and then need its branch to read as present override this.
	runner.on("git rev-parse --verify", func(argv []string) (extcmd.Result, error) {
		return extcmd.Result{ExitCode: 1}, pferrors.ExternalCommand(argv, "unknown revision", nil)
	})
	runner.onOK("git rev-parse HEAD", "deadbeef")
	runner.onOK("git status --porcelain", "")
	runner.onOK("git add -A", "")
	runner.onOK("git commit -m", "")
	runner.onOK("git checkout", "")
	runner.onOK("git merge --ff-only", "")
	runner.onOK("tmux new-session", "")
	runner.onOK("tmux kill-session", "")
	runner.onOK("tmux send-keys", "")

	fc := clock.NewFixed(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	seq := ids.NewSequence("intent")

	eng := &Engine{
		Clock:           fc,
		IDs:             seq,
		Runner:          runner.run,
		LockTimeout:     5 * time.Second,
		ArchiveRoot:     t.TempDir(),
		ArchiveLockPath: t.TempDir() + "/archive.lock",
		SessionAlive:    func(string) bool { return false },
	}
	return eng, runner, fc, repoPath
}

// mustCreate creates a bubble with sane defaults, failing the test on
// error, and returns the result for further setup.
func mustCreate(t *testing.T, eng *Engine, repoPath, bubbleID string) CreateResult {
	t.Helper()
	res, err := eng.Create(context.Background(), CreateInput{
		BubbleID:   bubbleID,
		RepoPath:   repoPath,
		BaseBranch: "main",
		TaskText:   "do the thing",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return res
}

// mustStart starts a freshly created bubble, failing the test on error.
func mustStart(t *testing.T, eng *Engine, repoPath, bubbleID string) {
	t.Helper()
	if _, err := eng.Start(context.Background(), StartInput{BubbleID: bubbleID, RepoPath: repoPath}); err != nil {
		t.Fatalf("Start: %v", err)
	}
}
