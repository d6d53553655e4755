// Package lockfile implements the cross-process mutual exclusion
// primitive described in spec.md §4.1: an exclusive-create lock file with
// poll-until-timeout acquisition and an optional, off-by-default
// stale-owner recovery path. It is the only layer in Pairflow that
// touches a bubble's concurrency; every other package composes on top of
// WithLock.
//
// Grounded on the teacher's circuitbreaker.CircuitBreaker (mutex-guarded
// state plus a generation counter to reject stale results) for the shape
// of "guarded state transition with a monotonic fencing token", adapted
// here to cross-process file state instead of in-process memory.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/felho/pairflow/internal/clock"
	"github.com/felho/pairflow/internal/ids"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/warnonce"
)

// owner is the JSON content written into an acquired lock file.
type owner struct {
	PID         int       `json:"pid"`
	Nonce       string    `json:"nonce"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HostComment string    `json:"host_comment,omitempty"`
}

// Options configures a single WithLock call. StaleRecovery is optional and
// off by default (spec §4.1, §9): the core is correct without it, only
// slower to recover from a crashed lock holder.
type Options struct {
	Timeout       time.Duration
	PollInterval  time.Duration
	StaleRecovery *StaleRecoveryConfig
	Clock         clock.Clock
	IDs          ids.Source
	Log           logr.Logger
	Warnings      *warnonce.Set
	// ProcessAlive reports whether pid is still a live process on this
	// host. Injectable so tests don't depend on real OS process state.
	ProcessAlive func(pid int) bool
}

// StaleRecoveryConfig enables removing a lock held by a dead process once
// it has been held longer than Threshold. Threshold must not exceed the
// call's Timeout; a misconfiguration (Threshold > Timeout) is clamped to
// Timeout with a one-shot warning (spec §4.1).
type StaleRecoveryConfig struct {
	Threshold time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Timeout <= 0 {
		out.Timeout = 5 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 25 * time.Millisecond
	}
	if out.Clock == nil {
		out.Clock = clock.System{}
	}
	if out.IDs == nil {
		out.IDs = ids.UUID{}
	}
	if out.ProcessAlive == nil {
		out.ProcessAlive = processAlive
	}
	if out.Warnings == nil {
		out.Warnings = defaultWarnings
	}
	if out.Log == (logr.Logger{}) {
		out.Log = logr.Discard()
	}
	return out
}

// defaultWarnings is the process-wide dedup set for stale-lock warnings,
// bounded and clearable per spec §9. Tests should construct their own
// warnonce.Set via Options.Warnings rather than rely on this shared one.
var defaultWarnings = warnonce.New(1024)

// WithLock acquires exclusive ownership of lockPath, runs task, and
// releases the lock, even if task panics or errors. It polls until
// Options.Timeout elapses, returning a KindLockTimeout *pferrors.Error.
func WithLock(lockPath string, opts Options, task func() error) error {
	o := opts.withDefaults()

	if o.StaleRecovery != nil && o.StaleRecovery.Threshold > o.Timeout {
		if !o.Warnings.FireOnce("lockfile:clamp:" + lockPath) {
			o.Log.Info("stale-recovery threshold exceeds lock timeout, clamping",
				"lockPath", lockPath, "threshold", o.StaleRecovery.Threshold, "timeout", o.Timeout)
		}
		clamped := *o.StaleRecovery
		clamped.Threshold = o.Timeout
		o.StaleRecovery = &clamped
	}

	deadline := o.Clock.Now().Add(o.Timeout)
	nonce := o.IDs.New()

	for {
		acquired, err := tryAcquire(lockPath, nonce, o)
		if err != nil {
			return err
		}
		if acquired {
			defer release(lockPath, nonce)
			return task()
		}

		if o.StaleRecovery != nil {
			recovered, err := tryStaleRecovery(lockPath, o)
			if err != nil {
				return err
			}
			if recovered {
				continue // immediately retry acquisition
			}
		}

		if !o.Clock.Now().Before(deadline) {
			return pferrors.LockTimeout(lockPath, o.Timeout.String())
		}
		time.Sleep(o.PollInterval)
	}
}

// tryAcquire attempts an exclusive-create of lockPath. Returns acquired=
// true if this call now owns the lock.
func tryAcquire(lockPath string, nonce string, o Options) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return false, pferrors.Wrap(pferrors.KindValidation, lockPath, "create lock directory", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, pferrors.Wrap(pferrors.KindValidation, lockPath, "create lock file", err)
	}
	defer f.Close()

	content := owner{
		PID:        os.Getpid(),
		Nonce:      nonce,
		AcquiredAt: o.Clock.Now(),
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(content); err != nil {
		return false, pferrors.Wrap(pferrors.KindValidation, lockPath, "write lock content", err)
	}
	if err := f.Sync(); err != nil {
		return false, pferrors.Wrap(pferrors.KindValidation, lockPath, "fsync lock file", err)
	}
	if dir, err := os.Open(filepath.Dir(lockPath)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return true, nil
}

// release removes lockPath, but only if it's still owned by nonce — a
// defensive re-check in case a stale-recovery pass from another process
// raced us (spec §9: "a residual race window is accepted and documented").
func release(lockPath string, nonce string) {
	cur, err := readOwner(lockPath)
	if err != nil {
		return
	}
	if cur.Nonce != nonce {
		return
	}
	_ = os.Remove(lockPath)
}

func readOwner(lockPath string) (owner, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return owner{}, err
	}
	var o owner
	if err := json.Unmarshal(data, &o); err != nil {
		return owner{}, fmt.Errorf("parse lock content: %w", err)
	}
	return o, nil
}

// tryStaleRecovery removes lockPath if the current owner's lock has
// exceeded the stale-recovery threshold AND the owning process is
// confirmed dead. It re-reads and re-validates lock identity (mtime,
// size, content) immediately before removal to minimize the racy
// deletion window documented in spec.md §9; a residual race remains by
// design.
func tryStaleRecovery(lockPath string, o Options) (bool, error) {
	info1, err := os.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil // lock vanished on its own, just retry
		}
		return false, nil
	}

	age := o.Clock.Now().Sub(info1.ModTime())
	if age < o.StaleRecovery.Threshold {
		return false, nil
	}

	cur, err := readOwner(lockPath)
	if err != nil {
		return false, nil
	}
	if o.ProcessAlive(cur.PID) {
		return false, nil
	}

	// Re-validate identity immediately before removal: mtime, size, and
	// content must still match what we just inspected.
	info2, err := os.Stat(lockPath)
	if err != nil || !info2.ModTime().Equal(info1.ModTime()) || info2.Size() != info1.Size() {
		return false, nil
	}
	cur2, err := readOwner(lockPath)
	if err != nil || cur2 != cur {
		return false, nil
	}

	if !o.Warnings.FireOnce("lockfile:stale:" + lockPath) {
		o.Log.Info("recovering stale lock from dead owner", "lockPath", lockPath, "pid", cur.PID, "age", age)
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return false, nil
	}
	return true, nil
}

// processAlive is the real liveness probe: sending signal 0 to pid
// succeeds iff the process exists and is reachable by us. This is a
// plain os.FindProcess/signal check, not a kernel hook — spec.md's
// Non-goals exclude container/eBPF sandboxing from this local-host CLI.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
