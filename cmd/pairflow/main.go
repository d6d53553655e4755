// Command pairflow is the CLI surface over internal/lifecycle (spec.md
// §6): one short-lived process per invocation, dispatching on
// os.Args[1] the way the teacher's ocx-cli does, since argument parsing
// and textual rendering are explicitly out of core scope (spec §1
// Non-goals) and don't need a heavier flag framework.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-logr/zapr"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/felho/pairflow/internal/archive"
	"github.com/felho/pairflow/internal/envelope"
	"github.com/felho/pairflow/internal/extcmd"
	"github.com/felho/pairflow/internal/lifecycle"
	"github.com/felho/pairflow/internal/metricsevents"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/registry"
	"github.com/felho/pairflow/internal/reporegistry"
	"github.com/felho/pairflow/internal/telemetry"
	"github.com/felho/pairflow/internal/warnonce"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// No .env file is the common case outside development; not worth
		// logging at warn level.
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	eng, cleanup := buildEngine()
	defer cleanup()

	ctx := context.Background()
	var err error

	switch os.Args[1] {
	case "create":
		err = cmdCreate(ctx, eng, os.Args[2:])
	case "start", "resume":
		err = cmdStart(ctx, eng, os.Args[2:])
	case "stop":
		err = cmdStop(ctx, eng, os.Args[2:])
	case "delete":
		err = cmdDelete(ctx, eng, os.Args[2:])
	case "status":
		err = cmdStatus(eng, os.Args[2:])
	case "list":
		err = cmdList(eng, os.Args[2:])
	case "reconcile":
		err = cmdReconcile(os.Args[2:])
	case "reply":
		err = cmdReply(ctx, eng, os.Args[2:])
	case "approve":
		err = cmdApprove(ctx, eng, os.Args[2:])
	case "request-rework":
		err = cmdRequestRework(ctx, eng, os.Args[2:])
	case "commit":
		err = cmdCommit(ctx, eng, os.Args[2:])
	case "merge":
		err = cmdMerge(ctx, eng, os.Args[2:])
	case "inbox":
		err = cmdInbox(os.Args[2:])
	case "open":
		err = cmdOpen(ctx, os.Args[2:])
	case "pass", "agent-pass":
		err = cmdPass(ctx, eng, os.Args[2:])
	case "ask-human", "agent-ask-human":
		err = cmdAskHuman(ctx, eng, os.Args[2:])
	case "converged", "agent-converged":
		err = cmdConverged(ctx, eng, os.Args[2:])
	case "agent":
		err = cmdAgent(ctx, eng, os.Args[2:])
	case "repo":
		err = cmdRepo(os.Args[2:])
	case "version":
		fmt.Println("pairflow v0.1.0")
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func printUsage() {
	fmt.Println(`pairflow - bubble lifecycle orchestration engine

Usage: pairflow <command> [flags]

Commands:
  create --id ID --repo PATH --base BRANCH (--task TEXT | --task-file PATH)
  start|resume --id ID --repo PATH
  stop --id ID --repo PATH
  delete --id ID --repo PATH [--force]
  status --id ID --repo PATH
  list --repo PATH
  reconcile --repo PATH
  reply --id ID --repo PATH --message TEXT
  approve --id ID --repo PATH
  request-rework --id ID --repo PATH --message TEXT
  commit --id ID --repo PATH
  merge --id ID --repo PATH
  inbox --id ID --repo PATH
  open --id ID --repo PATH
  agent pass|ask-human|converged ...
  repo add|remove|list PATH
  version
  help

Environment:
  PAIRFLOW_ARCHIVE_ROOT   archive snapshot root (default $HOME/.pairflow/archive)
  PAIRFLOW_METRICS_ROOT   metrics NDJSON shard root (default $HOME/.pairflow/metrics)`)
}

// exitCodeFor maps a pferrors.Kind to an exit code, and special-cases
// lifecycle.ConfirmationRequiredError as exit code 2 (spec §4.4 delete:
// "refuses unless --force").
func exitCodeFor(err error) int {
	if _, ok := err.(*lifecycle.ConfirmationRequiredError); ok {
		return 2
	}
	if kind, ok := pferrors.KindOf(err); ok {
		switch kind {
		case pferrors.KindNotFound:
			return 3
		case pferrors.KindPrecondition, pferrors.KindConflict:
			return 4
		case pferrors.KindLockTimeout:
			return 5
		case pferrors.KindExternalCommand:
			return 6
		case pferrors.KindRecovery:
			return 7
		}
	}
	return 1
}

// buildEngine wires a lifecycle.Engine from environment and defaults,
// the way the teacher's cmd/api/main.go assembles its dependency graph
// in one function before dispatching requests.
func buildEngine() (*lifecycle.Engine, func()) {
	zapLog, _ := zap.NewProduction()
	log := zapr.NewLogger(zapLog)

	metricsRoot := os.Getenv("PAIRFLOW_METRICS_ROOT")
	if metricsRoot == "" {
		if root, err := metricsevents.DefaultRoot(); err == nil {
			metricsRoot = root
		}
	}
	archiveRoot := os.Getenv("PAIRFLOW_ARCHIVE_ROOT")
	if archiveRoot == "" {
		if root, err := archive.DefaultRoot(); err == nil {
			archiveRoot = root
		}
	}
	archiveLock, _ := archive.GlobalLockPath()

	warnings := warnonce.New(1024)
	emitter := metricsevents.NewEmitter(metricsRoot, warnings, log)
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	runner := extcmd.Resilient(extcmd.Real(), extcmd.BreakerOptions{Name: "pairflow-extcmd", Log: log})

	eng := &lifecycle.Engine{
		Runner:          runner,
		Metrics:         metrics,
		Events:          emitter,
		Log:             log,
		ArchiveRoot:     archiveRoot,
		ArchiveLockPath: archiveLock,
		SessionAlive:    tmuxSessionAlive(runner),
	}

	return eng, func() { _ = zapLog.Sync() }
}

// tmuxSessionAlive adapts the registry.SessionAlive seam to a `tmux
// has-session` probe through the same injected runner lifecycle uses,
// keeping process-spawning out of the core and in the CLI layer that
// owns it (spec §9).
func tmuxSessionAlive(runner extcmd.Runner) registry.SessionAlive {
	return func(sessionName string) bool {
		_, err := runner(context.Background(), "", []string{"tmux", "has-session", "-t", sessionName})
		return err == nil
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEnvelope(env envelope.Envelope) {
	fmt.Printf("%s %s->%s [%s] round=%d\n", env.ID, env.Sender, env.Recipient, env.Type, env.Round)
}
