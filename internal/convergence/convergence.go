// Package convergence implements the review-evidence classifier of
// spec.md §4.6. It is a pure function: given a reviewer pass's summary
// text, the refs it cites, and the commands a bubble's config requires,
// it decides whether those commands' evidence is trustworthy enough to
// skip a full re-run, or must be re-executed.
//
// This is distinct from the `converged` operation's own gating
// preconditions (round, active role, no pending question), which live
// in internal/lifecycle since they read mutable bubble state; this
// package never touches a transcript, a state snapshot, or a lock.
//
// Grounded on the teacher's arbitrator Jury.Audit, which reduces a
// negotiation turn to a small verdict struct (Action, Score) a caller
// branches on; Classify here returns the analogous
// {status, decision, reason_code} verdict for one reviewer pass.
package convergence

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Status is the trust verdict for a pass's required-command evidence.
type Status string

const (
	StatusTrusted   Status = "trusted"
	StatusUntrusted Status = "untrusted"
)

// Decision tells the caller whether a full re-run is needed.
type Decision string

const (
	DecisionSkipFullRerun Decision = "skip_full_rerun"
	DecisionRunChecks     Decision = "run_checks"
)

// Ref is one worktree- or repo-relative artifact a reviewer cited as
// evidence (e.g. a captured command log), already read by the caller.
type Ref struct {
	Path    string
	Content string
}

// PriorEvidence is the last trusted verification recorded for a bubble,
// used for the freshness check.
type PriorEvidence struct {
	WorktreeFingerprint string
}

// Input is everything Classify needs to reach a verdict.
type Input struct {
	SummaryText         string
	Refs                []Ref
	RequiredCommands    []string
	WorktreeRoot        string
	WorktreeFingerprint string
	Prior               *PriorEvidence
}

// Result is the classifier's verdict (spec §4.6).
type Result struct {
	Status       Status
	Decision     Decision
	ReasonCode   string
	ReasonDetail string
}

var (
	successMarker = regexp.MustCompile(`(?i)\b(pass(ed)?|ok|success(ful(ly)?)?|exit\s*(code|status)\s*[:=]?\s*0\b|completed|done)\b|✓|✔`)
	failureMarker = regexp.MustCompile(`(?i)\b(fail(ed|ure)?|error\b|exit\s*(code|status)\s*[:=]?\s*[1-9]\d*\b|panic)\b|✗|✘`)
	// benignError matches common "0 errors"/"no errors" phrasings so a
	// failureMarker hit inside them doesn't override a real success.
	benignError = regexp.MustCompile(`(?i)\b(0|no|zero)\s+errors?\b`)
)

const windowRadius = 200

// Classify returns the trust verdict for in's required commands.
func Classify(in Input) Result {
	if in.Prior != nil && in.Prior.WorktreeFingerprint != "" && in.Prior.WorktreeFingerprint != in.WorktreeFingerprint {
		return Result{
			Status:       StatusUntrusted,
			Decision:     DecisionRunChecks,
			ReasonCode:   "fingerprint_stale",
			ReasonDetail: "worktree fingerprint changed since the last trusted verification",
		}
	}

	if len(in.RequiredCommands) == 0 {
		return Result{
			Status:       StatusUntrusted,
			Decision:     DecisionRunChecks,
			ReasonCode:   "no_required_commands",
			ReasonDetail: "no required commands configured to verify against",
		}
	}

	refs := containedRefs(in.Refs, in.WorktreeRoot)

	mixedProvenance := false
	for _, cmd := range in.RequiredCommands {
		switch classifyCommand(cmd, refs, in.SummaryText) {
		case provenanceFailure:
			return Result{
				Status:       StatusUntrusted,
				Decision:     DecisionRunChecks,
				ReasonCode:   "command_failed",
				ReasonDetail: fmt.Sprintf("evidence for %q shows a failure marker", cmd),
			}
		case provenanceNone:
			return Result{
				Status:       StatusUntrusted,
				Decision:     DecisionRunChecks,
				ReasonCode:   "command_not_evidenced",
				ReasonDetail: fmt.Sprintf("no evidence of %q in refs or summary", cmd),
			}
		case provenanceSummaryOnly:
			mixedProvenance = true
		case provenanceRefBacked:
			// trusted for this command
		}
	}

	if mixedProvenance {
		return Result{
			Status:       StatusUntrusted,
			Decision:     DecisionRunChecks,
			ReasonCode:   "mixed_provenance",
			ReasonDetail: "at least one required command was only evidenced in the summary, not a ref",
		}
	}

	return Result{
		Status:       StatusTrusted,
		Decision:     DecisionSkipFullRerun,
		ReasonCode:   "all_commands_ref_verified",
		ReasonDetail: "every required command matched an explicit success marker inside a cited ref",
	}
}

type provenance int

const (
	provenanceNone provenance = iota
	provenanceSummaryOnly
	provenanceRefBacked
	provenanceFailure
)

func classifyCommand(cmd string, refs []Ref, summary string) provenance {
	for _, r := range refs {
		if verdict, ok := classifyWindow(cmd, r.Content); ok {
			if verdict == provenanceFailure {
				return provenanceFailure
			}
			if verdict == provenanceRefBacked {
				return provenanceRefBacked
			}
		}
	}
	if verdict, ok := classifyWindow(cmd, summary); ok {
		if verdict == provenanceFailure {
			return provenanceFailure
		}
		return provenanceSummaryOnly
	}
	return provenanceNone
}

// classifyWindow looks for cmd inside text and, if found, classifies the
// surrounding window by marker. ok is false when cmd isn't present at all.
func classifyWindow(cmd, text string) (provenance, bool) {
	idx := strings.Index(text, cmd)
	if idx < 0 {
		return provenanceNone, false
	}
	start := idx - windowRadius
	if start < 0 {
		start = 0
	}
	end := idx + len(cmd) + windowRadius
	if end > len(text) {
		end = len(text)
	}
	window := text[start:end]
	scrubbed := benignError.ReplaceAllString(window, "")

	if failureMarker.MatchString(scrubbed) {
		return provenanceFailure, true
	}
	if successMarker.MatchString(window) {
		return provenanceRefBacked, true
	}
	return provenanceNone, true
}

// containedRefs drops any ref whose path, once joined to root, would
// escape it lexically. Actual symlink resolution happens before a ref
// ever reaches this package: the caller reads ref files off disk and
// is responsible for resolving symlinks first, since this classifier
// never touches the filesystem.
func containedRefs(refs []Ref, root string) []Ref {
	if root == "" {
		return refs
	}
	cleanRoot := filepath.Clean(root)
	out := make([]Ref, 0, len(refs))
	for _, r := range refs {
		abs := r.Path
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(cleanRoot, abs)
		}
		abs = filepath.Clean(abs)
		if abs == cleanRoot || strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
			out = append(out, r)
		}
	}
	return out
}
