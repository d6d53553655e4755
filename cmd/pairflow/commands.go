package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/extcmd"
	"github.com/felho/pairflow/internal/lifecycle"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/registry"
	"github.com/felho/pairflow/internal/reporegistry"
)

// flagSet is a minimal manually-parsed flag reader in the teacher's
// ocx-cli style (a `--flag value` / `--flag` scan over the remaining
// argv), since the command surface here never needs more than that.
type flagSet struct {
	values map[string]string
	bools  map[string]bool
}

func parseFlags(args []string, boolFlags map[string]bool) flagSet {
	fs := flagSet{values: map[string]string{}, bools: map[string]bool{}}
	for i := 0; i < len(args); i++ {
		name := args[i]
		if len(name) < 3 || name[:2] != "--" {
			continue
		}
		key := name[2:]
		if boolFlags[key] {
			fs.bools[key] = true
			continue
		}
		if i+1 < len(args) {
			i++
			fs.values[key] = args[i]
		}
	}
	return fs
}

func (f flagSet) get(key string) string { return f.values[key] }
func (f flagSet) has(key string) bool   { return f.bools[key] }

func requireFlag(f flagSet, key string) (string, error) {
	v := f.get(key)
	if v == "" {
		return "", pferrors.Validationf(key, "--%s is required", key)
	}
	return v, nil
}

func cmdCreate(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	base, err := requireFlag(f, "base")
	if err != nil {
		return err
	}

	res, err := eng.Create(ctx, lifecycle.CreateInput{
		BubbleID:         id,
		RepoPath:         repo,
		BaseBranch:       base,
		BubbleBranch:     f.get("bubble-branch"),
		TaskText:         f.get("task"),
		TaskFilePath:     f.get("task-file"),
		Implementer:      f.get("implementer"),
		Reviewer:         f.get("reviewer"),
		TestCommand:      f.get("test-command"),
		TypecheckCommand: f.get("typecheck-command"),
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdStart(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	snap, err := eng.Start(ctx, lifecycle.StartInput{BubbleID: id, RepoPath: repo})
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func cmdStop(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	snap, err := eng.Stop(ctx, lifecycle.StopInput{BubbleID: id, RepoPath: repo})
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func cmdDelete(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, map[string]bool{"force": true})
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	err = eng.Delete(ctx, lifecycle.DeleteInput{BubbleID: id, RepoPath: repo, Force: f.has("force")})
	if err != nil {
		if confirmErr, ok := err.(*lifecycle.ConfirmationRequiredError); ok {
			fmt.Fprintf(os.Stderr, "bubble %q still has artifacts: %+v\n", confirmErr.BubbleID, confirmErr.Manifest)
		}
		return err
	}
	fmt.Printf("deleted bubble %q\n", id)
	return nil
}

func cmdStatus(eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	st, err := eng.Status(lifecycle.StatusInput{BubbleID: id, RepoPath: repo})
	if err != nil {
		return err
	}
	return printJSON(st)
}

func cmdList(eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	list, err := eng.List(lifecycle.ListInput{RepoPath: repo})
	if err != nil {
		return err
	}
	return printJSON(list)
}

func cmdReconcile(args []string) error {
	f := parseFlags(args, nil)
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	paths := lifecycle.Paths{RepoPath: repo}
	dropped, err := registry.Reconcile(paths.RuntimeSessionsPath(), tmuxSessionAlive(extcmd.Real()))
	if err != nil {
		return err
	}
	return printJSON(dropped)
}

func cmdReply(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	msg, err := requireFlag(f, "message")
	if err != nil {
		return err
	}
	res, err := eng.Reply(ctx, lifecycle.ReplyInput{BubbleID: id, RepoPath: repo, Message: msg})
	if err != nil {
		return err
	}
	printEnvelope(res.Envelope)
	return nil
}

func cmdApprove(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	res, err := eng.Approve(ctx, lifecycle.ApproveInput{BubbleID: id, RepoPath: repo})
	if err != nil {
		return err
	}
	printEnvelope(res.Envelope)
	return nil
}

func cmdRequestRework(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	msg, err := requireFlag(f, "message")
	if err != nil {
		return err
	}
	res, err := eng.RequestRework(ctx, lifecycle.RequestReworkInput{BubbleID: id, RepoPath: repo, Message: msg})
	if err != nil {
		return err
	}
	return printJSON(res.NewState)
}

func cmdCommit(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	res, err := eng.Commit(ctx, lifecycle.CommitInput{BubbleID: id, RepoPath: repo})
	if err != nil {
		return err
	}
	return printJSON(res.NewState)
}

func cmdMerge(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	if err := eng.Merge(ctx, lifecycle.MergeInput{BubbleID: id, RepoPath: repo}); err != nil {
		return err
	}
	fmt.Printf("merged bubble %q into base branch\n", id)
	return nil
}

func cmdInbox(args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	paths := lifecycle.Paths{RepoPath: repo, BubbleID: id}
	envs, err := envelope.ReadInbox(paths.InboxPath(), envelope.ReadOptions{AllowMissing: true})
	if err != nil {
		return err
	}
	return printJSON(envs)
}

func cmdOpen(ctx context.Context, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	paths := lifecycle.Paths{RepoPath: repo, BubbleID: id}
	fmt.Printf("attach with: tmux attach-session -t %s\n", paths.SessionName())
	return nil
}

func cmdPass(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	role, err := requireFlag(f, "role")
	if err != nil {
		return err
	}
	summary, err := requireFlag(f, "summary")
	if err != nil {
		return err
	}
	res, err := eng.Pass(ctx, lifecycle.PassInput{
		BubbleID:   id,
		RepoPath:   repo,
		ActorRole:  envelope.Role(role),
		Summary:    summary,
		PassIntent: envelope.PassIntent(f.get("intent")),
	})
	if err != nil {
		return err
	}
	printEnvelope(res.Envelope)
	return nil
}

func cmdAskHuman(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	role, err := requireFlag(f, "role")
	if err != nil {
		return err
	}
	question, err := requireFlag(f, "question")
	if err != nil {
		return err
	}
	res, err := eng.AskHuman(ctx, lifecycle.AskHumanInput{
		BubbleID:  id,
		RepoPath:  repo,
		ActorRole: envelope.Role(role),
		Question:  question,
	})
	if err != nil {
		return err
	}
	printEnvelope(res.Envelope)
	return nil
}

func cmdConverged(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	f := parseFlags(args, nil)
	id, err := requireFlag(f, "id")
	if err != nil {
		return err
	}
	repo, err := requireFlag(f, "repo")
	if err != nil {
		return err
	}
	summary, err := requireFlag(f, "summary")
	if err != nil {
		return err
	}
	res, err := eng.Converged(ctx, lifecycle.ConvergedInput{BubbleID: id, RepoPath: repo, Summary: summary})
	if err != nil {
		return err
	}
	printEnvelope(res.Envelope)
	return nil
}

// cmdAgent dispatches the namespaced `agent pass|ask-human|converged`
// surface spec §6 names as an alternative to the bare commands.
func cmdAgent(ctx context.Context, eng *lifecycle.Engine, args []string) error {
	if len(args) < 1 {
		return pferrors.Validationf("command", "agent requires a subcommand: pass, ask-human, converged")
	}
	switch args[0] {
	case "pass":
		return cmdPass(ctx, eng, args[1:])
	case "ask-human":
		return cmdAskHuman(ctx, eng, args[1:])
	case "converged":
		return cmdConverged(ctx, eng, args[1:])
	default:
		return pferrors.Validationf("command", "unknown agent subcommand %q", args[0])
	}
}

func cmdRepo(args []string) error {
	if len(args) < 1 {
		return pferrors.Validationf("command", "repo requires a subcommand: add, remove, list")
	}
	path, err := reporegistry.DefaultPath()
	if err != nil {
		return err
	}
	switch args[0] {
	case "add":
		if len(args) < 2 {
			return pferrors.Validationf("path", "repo add requires a repository path")
		}
		entry, err := reporegistry.Add(path, args[1], time.Now().UTC())
		if err != nil {
			return err
		}
		return printJSON(entry)
	case "remove":
		if len(args) < 2 {
			return pferrors.Validationf("path", "repo remove requires a repository path")
		}
		removed, err := reporegistry.Remove(path, args[1])
		if err != nil {
			return err
		}
		fmt.Println(removed)
		return nil
	case "list":
		entries, err := reporegistry.List(path)
		if err != nil {
			return err
		}
		return printJSON(entries)
	default:
		return pferrors.Validationf("command", "unknown repo subcommand %q", args[0])
	}
}
