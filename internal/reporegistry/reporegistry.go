// Package reporegistry implements `repo add|remove|list` (spec.md §6):
// the set of repositories Pairflow knows about, persisted at
// $HOME/.pairflow/repos.yaml since §6 does not otherwise specify a layout
// for it.
//
// Grounded on the teacher's config.Manager (file-backed YAML, mutex for
// in-process safety, idempotent load) generalized from a tenant-override
// map to a flat list of known repositories, guarded cross-process by
// internal/lockfile the way every other shared file in this system is.
package reporegistry

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/felho/pairflow/internal/lockfile"
	"github.com/felho/pairflow/internal/pferrors"
)

// Entry is one registered repository.
type Entry struct {
	Path    string    `yaml:"path"`
	Key     string    `yaml:"key"`
	AddedAt time.Time `yaml:"added_at"`
}

// Registry is the on-disk document at repos.yaml.
type Registry struct {
	Repos []Entry `yaml:"repos"`
}

// DefaultPath returns $HOME/.pairflow/repos.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pferrors.Wrap(pferrors.KindValidation, "", "resolve home directory", err)
	}
	return filepath.Join(home, ".pairflow", "repos.yaml"), nil
}

// RepoKey derives the repo-registry key for a repo path: its base name,
// which is stable enough for the local, single-host scope this system
// targets. Archive paths do not use it; lifecycle's delete keys the
// archive by the whole repo path with every byte that is not a letter or
// digit replaced by '_'.
func RepoKey(repoPath string) string {
	return filepath.Base(filepath.Clean(repoPath))
}

func read(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Registry{}, nil
		}
		return Registry{}, pferrors.Wrap(pferrors.KindValidation, path, "read repo registry", err)
	}
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Registry{}, pferrors.Wrap(pferrors.KindValidation, path, "parse repo registry", err)
	}
	return r, nil
}

func writeAtomic(path string, r Registry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "create repo registry directory", err)
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "marshal repo registry", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "write temp repo registry", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return pferrors.Wrap(pferrors.KindValidation, path, "rename repo registry into place", err)
	}
	return nil
}

// List returns every registered repository.
func List(path string) ([]Entry, error) {
	r, err := read(path)
	if err != nil {
		return nil, err
	}
	return r.Repos, nil
}

// Add registers repoPath, idempotently: adding an already-registered path
// is a no-op that returns the existing entry.
func Add(path, repoPath string, now time.Time) (Entry, error) {
	var result Entry
	err := lockfile.WithLock(path+".lock", lockfile.Options{}, func() error {
		r, err := read(path)
		if err != nil {
			return err
		}
		for _, e := range r.Repos {
			if e.Path == repoPath {
				result = e
				return nil
			}
		}
		result = Entry{Path: repoPath, Key: RepoKey(repoPath), AddedAt: now}
		r.Repos = append(r.Repos, result)
		return writeAtomic(path, r)
	})
	return result, err
}

// Remove unregisters repoPath. Returns false if it was not present (a
// no-op), matching the idempotence law spec §8 requires for registry
// removals in general.
func Remove(path, repoPath string) (bool, error) {
	removed := false
	err := lockfile.WithLock(path+".lock", lockfile.Options{}, func() error {
		r, err := read(path)
		if err != nil {
			return err
		}
		kept := r.Repos[:0]
		for _, e := range r.Repos {
			if e.Path == repoPath {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
		r.Repos = kept
		return writeAtomic(path, r)
	})
	return removed, err
}
