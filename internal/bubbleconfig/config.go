// Package bubbleconfig reads and writes a bubble's static configuration
// file, bubble.toml (spec.md §3 "Bubble config", §6 bubble directory
// layout): a restricted TOML subset with no multiline strings, no dotted
// keys, and no array-of-tables.
//
// Grounded on the teacher's config.LoadConfig (os.Open + decode into a
// struct, then environment override pass) generalized from YAML/env-var
// service config to TOML/validator-tagged per-bubble config, via
// BurntSushi/toml, the TOML library the rest of this retrieval pack's
// CLI-shaped member (joeycumines-go-utilpkg) uses for local tool config.
package bubbleconfig

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/felho/pairflow/internal/pferrors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ReviewArtifactType classifies what kind of artifact the reviewer checks.
type ReviewArtifactType string

const (
	ReviewArtifactAuto     ReviewArtifactType = "auto"
	ReviewArtifactCode     ReviewArtifactType = "code"
	ReviewArtifactDocument ReviewArtifactType = "document"
)

// Config is a bubble's static configuration (spec §3).
type Config struct {
	ID                     string             `toml:"id" validate:"required"`
	BubbleInstanceID       string             `toml:"bubble_instance_id,omitempty"`
	RepoPath               string             `toml:"repo_path" validate:"required"`
	BaseBranch             string             `toml:"base_branch" validate:"required"`
	BubbleBranch           string             `toml:"bubble_branch" validate:"required"`
	Implementer            string             `toml:"implementer" validate:"required"`
	Reviewer               string             `toml:"reviewer" validate:"required"`
	TestCommand            string             `toml:"test_command,omitempty"`
	TypecheckCommand       string             `toml:"typecheck_command,omitempty"`
	WatchdogTimeoutMinutes int                `toml:"watchdog_timeout_minutes" validate:"gt=0"`
	MaxRounds              int                `toml:"max_rounds" validate:"gt=0"`
	CommitRequiresApproval bool               `toml:"commit_requires_approval"`
	QualityMode            string             `toml:"quality_mode,omitempty"`
	ReviewArtifactType     ReviewArtifactType `toml:"review_artifact_type" validate:"oneof=auto code document"`
	LocalOverlayPolicy     string             `toml:"local_overlay_policy,omitempty"`
	NotificationsPolicy    string             `toml:"notifications_policy,omitempty"`
}

// idPattern matches spec §4.4 create's bubble id grammar.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{2,63}$`)

// Validate checks struct-level tags plus the rules tags cannot express:
// a well-formed id, distinct implementer/reviewer, and an absolute repo
// path.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, "", "bubble config failed validation", err)
	}
	if !idPattern.MatchString(c.ID) {
		return pferrors.Validationf("id", "bubble id %q must match ^[a-z][a-z0-9_-]{2,63}$", c.ID)
	}
	if c.Implementer == c.Reviewer {
		return pferrors.Validationf("reviewer", "implementer and reviewer assignments must be distinct, both were %q", c.Implementer)
	}
	if !filepath.IsAbs(c.RepoPath) {
		return pferrors.Validationf("repo_path", "repo_path must be absolute, got %q", c.RepoPath)
	}
	return nil
}

// bannedPatterns enforces the "restricted TOML subset" named in spec §6:
// no multiline strings (''' or """), no dotted keys, no array-of-tables
// ([[...]]).
var bannedPatterns = []struct {
	re      *regexp.Regexp
	meaning string
}{
	{regexp.MustCompile("'''"), "multiline literal strings"},
	{regexp.MustCompile(`"""`), "multiline basic strings"},
	{regexp.MustCompile(`(?m)^\s*\[\[`), "array-of-tables"},
	{regexp.MustCompile(`(?m)^\s*[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\s*=`), "dotted keys"},
}

func checkRestrictedSubset(raw []byte) error {
	for _, b := range bannedPatterns {
		if b.re.Match(raw) {
			return pferrors.Validationf("bubble.toml", "uses %s, which is outside the restricted TOML subset this format allows", b.meaning)
		}
	}
	return nil
}

// Read loads and validates bubble.toml at path.
func Read(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, pferrors.NotFoundf("bubble config not found at %s", path)
		}
		return Config{}, pferrors.Wrap(pferrors.KindValidation, path, "read bubble config", err)
	}
	if err := checkRestrictedSubset(raw); err != nil {
		return Config{}, err
	}

	var c Config
	if _, err := toml.Decode(string(raw), &c); err != nil {
		return Config{}, pferrors.Wrap(pferrors.KindValidation, path, "parse bubble config TOML", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Write validates c and atomically writes it to path as TOML (spec §4.4
// create: "writes config"; §4.4: "mutated only to backfill a missing
// instance identifier").
func Write(path string, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "encode bubble config TOML", err)
	}
	if err := checkRestrictedSubset(buf.Bytes()); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "create bubble directory", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "write temp bubble config", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return pferrors.Wrap(pferrors.KindValidation, path, "rename bubble config into place", err)
	}
	return nil
}

// BackfillInstanceID writes instanceID into bubble.toml at path only if
// BubbleInstanceID is currently empty (spec §4.4 step 2: "Ensure bubble
// instance identifier exists (backfill under bubble lock; emit one-shot
// migration event)"). Returns the resulting config and whether a write
// happened.
func BackfillInstanceID(path string, instanceID string) (Config, bool, error) {
	c, err := Read(path)
	if err != nil {
		return Config{}, false, err
	}
	if strings.TrimSpace(c.BubbleInstanceID) != "" {
		return c, false, nil
	}
	c.BubbleInstanceID = instanceID
	if err := Write(path, c); err != nil {
		return Config{}, false, err
	}
	return c, true, nil
}
