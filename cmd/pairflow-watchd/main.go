// Command pairflow-watchd is the external loop spec.md §4.5 and §5
// require: the core engine has no long-running scheduler, so something
// outside it must call the watchdog sweep on an interval. Grounded on
// reputation.TrustScoreDecayScheduler's run/sweep ticker shape (internal
// reputation/decay_scheduler.go), generalized from one in-memory map to
// every repository registered in internal/reporegistry, and from an
// in-process goroutine scheduler to the process itself being the timer
// (spec §5: "no long-running scheduler ... except the optional watchdog
// loop, which itself is stateless between invocations").
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs" // right-sizes GOMAXPROCS under a cgroup quota, since this loop can run as a container sidecar

	"github.com/felho/pairflow/internal/archive"
	"github.com/felho/pairflow/internal/extcmd"
	"github.com/felho/pairflow/internal/lifecycle"
	"github.com/felho/pairflow/internal/metricsevents"
	"github.com/felho/pairflow/internal/registry"
	"github.com/felho/pairflow/internal/reporegistry"
	"github.com/felho/pairflow/internal/telemetry"
	"github.com/felho/pairflow/internal/warnonce"
	"github.com/felho/pairflow/internal/watchdog"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// No .env file is the common case outside development.
	}

	interval := flag.Duration("interval", 30*time.Second, "sweep interval")
	flag.Parse()

	zapLog, _ := zap.NewProduction()
	defer zapLog.Sync()
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
	runner := extcmd.Resilient(extcmd.Real(), extcmd.BreakerOptions{Name: "pairflow-watchd-extcmd", Log: log})

	eng := &lifecycle.Engine{
		Runner:          runner,
		Metrics:         metrics,
		Events:          emitter,
		Log:             log,
		ArchiveRoot:     archiveRoot,
		ArchiveLockPath: archiveLock,
		SessionAlive:    tmuxSessionAlive(runner),
	}
	wd := &watchdog.Watchdog{Engine: eng}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("pairflow-watchd started", "interval", interval.String())

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sweepAllRepos(ctx, wd, log)
	for {
		select {
		case <-ticker.C:
			sweepAllRepos(ctx, wd, log)
		case <-ctx.Done():
			log.Info("pairflow-watchd stopping")
			return
		}
	}
}

// sweepAllRepos runs one watchdog sweep per repository in the repo
// registry, logging per-repo failures without aborting the tick (the
// decay scheduler's sweep() never lets one bad entry stop the rest).
func sweepAllRepos(ctx context.Context, wd *watchdog.Watchdog, log logrLogger) {
	path, err := reporegistry.DefaultPath()
	if err != nil {
		log.Error(err, "resolve repo registry path")
		return
	}
	repos, err := reporegistry.List(path)
	if err != nil {
		log.Error(err, "list registered repos")
		return
	}

	for _, repo := range repos {
		results, err := wd.Sweep(ctx, repo.Path)
		if err != nil {
			log.Error(err, "sweep repo", "repo", repo.Path)
			continue
		}
		for bubbleID, res := range results {
			if res.Reason == watchdog.ReasonOK || res.Reason == watchdog.ReasonNotMonitored {
				continue
			}
			log.Info("watchdog action", "repo", repo.Path, "bubble", bubbleID, "reason", string(res.Reason))
		}
	}
}

// logrLogger is the minimal slice of logr.Logger this file needs,
// avoiding an extra import alias at every call site.
type logrLogger interface {
	Info(msg string, kv ...any)
	Error(err error, msg string, kv ...any)
}

func tmuxSessionAlive(runner extcmd.Runner) registry.SessionAlive {
	return func(sessionName string) bool {
		_, err := runner(context.Background(), "", []string{"tmux", "has-session", "-t", sessionName})
		return err == nil
	}
}
