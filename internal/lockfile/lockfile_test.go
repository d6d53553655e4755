package lockfile

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felho/pairflow/internal/clock"
	"github.com/felho/pairflow/internal/pferrors"
	"github.com/felho/pairflow/internal/warnonce"
)

func testOpts(t *testing.T) Options {
	return Options{
		Timeout:      200 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		Warnings:     warnonce.New(16),
	}
}

func TestWithLock_RunsTaskExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "bubble.lock")

	var ran bool
	err := WithLock(lockPath, testOpts(t), func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	_, statErr := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(statErr), "lock file must be removed after release")
}

func TestWithLock_SerializesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "bubble.lock")

	var counter int64
	var maxObserved int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = WithLock(lockPath, Options{
				Timeout:      2 * time.Second,
				PollInterval: time.Millisecond,
				Warnings:     warnonce.New(16),
			}, func() error {
				n := atomic.AddInt64(&counter, 1)
				for {
					cur := atomic.LoadInt64(&maxObserved)
					if n <= cur || atomic.CompareAndSwapInt64(&maxObserved, cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt64(&counter, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), maxObserved, "no two callers should run task concurrently")
}

func TestWithLock_TimesOutWhenHeld(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "bubble.lock")

	release := make(chan struct{})
	holderReady := make(chan struct{})
	go func() {
		_ = WithLock(lockPath, Options{Timeout: time.Second, PollInterval: time.Millisecond, Warnings: warnonce.New(16)}, func() error {
			close(holderReady)
			<-release
			return nil
		})
	}()
	<-holderReady

	err := WithLock(lockPath, Options{Timeout: 30 * time.Millisecond, PollInterval: 2 * time.Millisecond, Warnings: warnonce.New(16)}, func() error {
		t.Fatal("must not acquire lock while held")
		return nil
	})
	close(release)

	require.Error(t, err)
	kind, ok := pferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, pferrors.KindLockTimeout, kind)
}

func TestWithLock_ReturnsTaskError(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "bubble.lock")

	sentinel := pferrors.Conflictf("boom")
	err := WithLock(lockPath, testOpts(t), func() error {
		return sentinel
	})
	assert.Same(t, sentinel, err)

	_, statErr := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(statErr), "lock must be released even when task errors")
}

func TestWithLock_StaleRecoveryReclaimsDeadOwnerLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "bubble.lock")

	fc := clock.NewFixed(time.Now())
	opts := Options{
		Timeout:      time.Second,
		PollInterval: time.Millisecond,
		Clock:        fc,
		Warnings:     warnonce.New(16),
		StaleRecovery: &StaleRecoveryConfig{
			Threshold: 10 * time.Millisecond,
		},
		ProcessAlive: func(pid int) bool { return false }, // simulate a dead owner
	}

	// Seed a lock file as if another (now-dead) process holds it.
	require.NoError(t, os.WriteFile(lockPath, []byte(`{"pid":999999,"nonce":"dead","acquired_at":"2020-01-01T00:00:00Z"}`), 0o644))
	require.NoError(t, os.Chtimes(lockPath, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))

	var ran bool
	err := WithLock(lockPath, opts, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "stale lock from a dead process should be recovered")
}

func TestWithLock_StaleRecoveryDeclinesWhenOwnerAlive(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "bubble.lock")

	opts := Options{
		Timeout:      30 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		Warnings:     warnonce.New(16),
		StaleRecovery: &StaleRecoveryConfig{
			Threshold: time.Millisecond,
		},
		ProcessAlive: func(pid int) bool { return true },
	}
	require.NoError(t, os.WriteFile(lockPath, []byte(`{"pid":1,"nonce":"alive","acquired_at":"2020-01-01T00:00:00Z"}`), 0o644))
	require.NoError(t, os.Chtimes(lockPath, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))

	err := WithLock(lockPath, opts, func() error {
		t.Fatal("must not recover a lock held by a live process")
		return nil
	})
	require.Error(t, err)
	kind, _ := pferrors.KindOf(err)
	assert.Equal(t, pferrors.KindLockTimeout, kind)
}

func TestWithLock_ClampsStaleThresholdAboveTimeout(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "bubble.lock")

	opts := Options{
		Timeout:       50 * time.Millisecond,
		PollInterval:  2 * time.Millisecond,
		Warnings:      warnonce.New(16),
		StaleRecovery: &StaleRecoveryConfig{Threshold: time.Hour},
		ProcessAlive:  func(pid int) bool { return false },
	}
	// No lock held; this just exercises the clamp path without panicking.
	var ran bool
	err := WithLock(lockPath, opts, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
