package lifecycle

import (
	"os"
	"path/filepath"

	"github.com/felho/pairflow/internal/bubbleconfig"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/registry"
	"github.com/felho/pairflow/internal/statestore"
)

// StatusInput is status's inputs (spec §4.4 status, SPEC_FULL.md §6 CLI
// surface).
type StatusInput struct {
	BubbleID string
	RepoPath string
}

// Status is a read-only snapshot of one bubble, joining its persisted
// state with its config and, when alive, its runtime session record
// (spec §4.2: snapshot reads never need the bubble lock).
type Status struct {
	Config  bubbleconfig.Config
	State   statestore.Snapshot
	Session *registry.Record
}

// Status reads a bubble's config and state without acquiring the bubble
// lock, since reads never race with a concurrent writer's fingerprint
// guard (spec §4.2). It touches no external process, so unlike the
// mutating operations it takes no context.
func (e *Engine) Status(in StatusInput) (Status, error) {
	e.withDefaults()
	return e.status(in)
}

func (e *Engine) status(in StatusInput) (Status, error) {
	paths := Paths{RepoPath: in.RepoPath, BubbleID: in.BubbleID}

	cfg, err := bubbleconfig.Read(paths.ConfigPath())
	if err != nil {
		return Status{}, err
	}

	snap, _, err := statestore.Read(paths.StatePath())
	if err != nil {
		return Status{}, err
	}

	out := Status{Config: cfg, State: snap}
	if rec, ok, err := registry.Read(paths.RuntimeSessionsPath(), in.BubbleID); err == nil && ok {
		out.Session = &rec
	}
	return out, nil
}

// ListInput is list's inputs (spec.md §6, SPEC_FULL.md §6 `bubble
// list`).
type ListInput struct {
	RepoPath string
}

// List enumerates every bubble known to a repository by reading the
// bubble directories under <repo>/.pairflow/bubbles/, the way status
// reads a single one: directly off disk, no lock, best-effort per entry
// so one corrupt bubble directory never hides the rest.
func (e *Engine) List(in ListInput) ([]Status, error) {
	e.withDefaults()
	return e.list(in)
}

func (e *Engine) list(in ListInput) ([]Status, error) {
	bubblesDir := filepath.Join((Paths{RepoPath: in.RepoPath}).repoRoot(), "bubbles")
	entries, err := os.ReadDir(bubblesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pferrors.Wrap(pferrors.KindValidation, bubblesDir, "list bubble directories", err)
	}

	var out []Status
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, err := e.status(StatusInput{BubbleID: entry.Name(), RepoPath: in.RepoPath})
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
