// Package registry implements the runtime-session registry of spec.md
// §4.7: which multiplexer session backs which bubble on this host, kept
// as a single JSON file under the repository's .pairflow directory.
//
// Grounded on the teacher's ghostpool.PoolManager (mutex-guarded map,
// atomic acquire/release, a maintenance sweep that reaps dead entries)
// generalized from an in-process Docker container pool to a cross-process
// file-backed registry guarded by internal/lockfile instead of
// sync.Mutex, since registry callers are separate short-lived CLI
// processes rather than goroutines in one long-running service.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/felho/pairflow/internal/lockfile"
	"github.com/felho/pairflow/internal/pferrors"
)

// Record is one bubble's claimed runtime session (spec §3).
type Record struct {
	BubbleID               string    `json:"bubble_id"`
	RepoPath               string    `json:"repo_path"`
	WorktreePath           string    `json:"worktree_path"`
	MultiplexerSessionName string    `json:"multiplexer_session_name"`
	UpdatedAt              time.Time `json:"updated_at"`
}

type document struct {
	Sessions map[string]Record `json:"sessions"`
}

// SessionAlive reports whether a named multiplexer session is still
// live on this host. Injected so registry logic never shells out itself
// (spec §9: external commands are dependency-injectable function values).
type SessionAlive func(sessionName string) bool

func readDoc(path string) (document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return document{Sessions: map[string]Record{}}, nil
		}
		return document{}, pferrors.Wrap(pferrors.KindValidation, path, "read runtime session registry", err)
	}
	var d document
	if err := json.Unmarshal(data, &d); err != nil {
		return document{}, pferrors.Wrap(pferrors.KindValidation, path, "parse runtime session registry", err)
	}
	if d.Sessions == nil {
		d.Sessions = map[string]Record{}
	}
	return d, nil
}

func writeDoc(path string, d document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "create registry directory", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "marshal runtime session registry", err)
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "write temp runtime session registry", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return pferrors.Wrap(pferrors.KindValidation, path, "rename runtime session registry into place", err)
	}
	return nil
}

func withRegistryLock(path string, task func(d document) (document, error)) error {
	return lockfile.WithLock(path+".lock", lockfile.Options{}, func() error {
		d, err := readDoc(path)
		if err != nil {
			return err
		}
		next, err := task(d)
		if err != nil {
			return err
		}
		return writeDoc(path, next)
	})
}

// Read returns the record for bubbleID, if any.
func Read(path, bubbleID string) (Record, bool, error) {
	d, err := readDoc(path)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := d.Sessions[bubbleID]
	return rec, ok, nil
}

// List returns every registered record.
func List(path string) ([]Record, error) {
	d, err := readDoc(path)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(d.Sessions))
	for _, rec := range d.Sessions {
		out = append(out, rec)
	}
	return out, nil
}

// EnsureInitialized creates an empty registry document at path if one
// does not already exist, so a freshly created bubble's repository
// always has a readable sessions.json (spec §4.4 create, §6).
func EnsureInitialized(path string) error {
	return withRegistryLock(path, func(d document) (document, error) {
		return d, nil
	})
}

// Upsert writes rec unconditionally, overwriting any existing record for
// the same bubble id.
func Upsert(path string, rec Record) error {
	return withRegistryLock(path, func(d document) (document, error) {
		d.Sessions[rec.BubbleID] = rec
		return d, nil
	})
}

// Claim registers rec if no record exists yet for rec.BubbleID. It
// returns the record that ends up owning the slot (the caller's, if it
// won; the pre-existing one, if it lost) and whether the caller won.
// Because the whole read-modify-write happens under the registry lock,
// concurrent claims for the same bubble are serialised and exactly one
// of them wins (spec §4.7).
func Claim(path string, rec Record) (Record, bool, error) {
	var winner Record
	won := false
	err := withRegistryLock(path, func(d document) (document, error) {
		if existing, ok := d.Sessions[rec.BubbleID]; ok {
			winner = existing
			won = false
			return d, nil
		}
		d.Sessions[rec.BubbleID] = rec
		winner = rec
		won = true
		return d, nil
	})
	return winner, won, err
}

// Remove deletes the record for bubbleID. Returns false if there was no
// entry (a no-op, spec §8 idempotence law).
func Remove(path, bubbleID string) (bool, error) {
	removed := false
	err := withRegistryLock(path, func(d document) (document, error) {
		if _, ok := d.Sessions[bubbleID]; ok {
			delete(d.Sessions, bubbleID)
			removed = true
		}
		return d, nil
	})
	return removed, err
}

// RemoveMany deletes every record in bubbleIDs, returning how many
// existed and were removed.
func RemoveMany(path string, bubbleIDs []string) (int, error) {
	count := 0
	err := withRegistryLock(path, func(d document) (document, error) {
		for _, id := range bubbleIDs {
			if _, ok := d.Sessions[id]; ok {
				delete(d.Sessions, id)
				count++
			}
		}
		return d, nil
	})
	return count, err
}

// Reconcile removes every record whose multiplexer session is no longer
// alive, as reported by alive, and returns the bubble ids that were
// removed (spec §4.7).
func Reconcile(path string, alive SessionAlive) ([]string, error) {
	var dropped []string
	err := withRegistryLock(path, func(d document) (document, error) {
		for id, rec := range d.Sessions {
			if !alive(rec.MultiplexerSessionName) {
				delete(d.Sessions, id)
				dropped = append(dropped, id)
			}
		}
		return d, nil
	})
	return dropped, err
}

// WatchReconcile is an optional convenience for the watchdog loop
// (SPEC_FULL.md §6 "Optional live-reconcile trigger"): instead of
// reconciling on a fixed timer, it watches path's parent directory for
// writes and reconciles shortly after each one settles. It debounces
// bursts of writes the way a file tail watcher coalesces rapid appends
// into one rebuild, grounded on the retrieval pack's fsnotify-based
// session-file watcher. It returns at once: the watch runs in a
// background goroutine until stop is closed, and both returned channels
// are closed when it ends. Every reconcile error is delivered on the
// returned error channel rather than aborting the watch loop.
func WatchReconcile(path string, alive SessionAlive, debounce time.Duration, stop <-chan struct{}) (<-chan []string, <-chan error) {
	dropped := make(chan []string, 1)
	errc := make(chan error, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errc <- pferrors.Wrap(pferrors.KindValidation, path, "create registry watcher", err)
		close(dropped)
		close(errc)
		return dropped, errc
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		errc <- pferrors.Wrap(pferrors.KindValidation, dir, "watch registry directory", err)
		_ = watcher.Close()
		close(dropped)
		close(errc)
		return dropped, errc
	}

	go func() {
		defer watcher.Close()
		defer close(dropped)
		defer close(errc)

		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-stop:
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				timerC = timer.C
			case <-timerC:
				ids, err := Reconcile(path, alive)
				if err != nil {
					errc <- err
					continue
				}
				if len(ids) > 0 {
					dropped <- ids
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				errc <- pferrors.Wrap(pferrors.KindValidation, path, "watch registry directory", err)
			}
		}
	}()

	return dropped, errc
}
