package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/felho/pairflow/internal/clock"
	"github.com/felho/pairflow/internal/pferrors"
)

// wireEnvelope is the JSON-on-disk shape: a plain RFC3339Nano string
// timestamp rather than time.Time's default encoding, so the transcript
// stays byte-stable across Go versions.
type wireEnvelope struct {
	ID        string   `json:"id"`
	Timestamp string   `json:"ts"`
	BubbleID  string   `json:"bubble_id"`
	Sender    Role     `json:"sender"`
	Recipient Role     `json:"recipient"`
	Type      Type     `json:"type"`
	Round     int      `json:"round"`
	Payload   Payload  `json:"payload"`
	Refs      []string `json:"refs"`
}

func toWire(e Envelope) wireEnvelope {
	return wireEnvelope{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(isoTimestampLayout),
		BubbleID:  e.BubbleID,
		Sender:    e.Sender,
		Recipient: e.Recipient,
		Type:      e.Type,
		Round:     e.Round,
		Payload:   e.Payload,
		Refs:      e.Refs,
	}
}

func fromWire(w wireEnvelope) (Envelope, error) {
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        w.ID,
		Timestamp: ts,
		BubbleID:  w.BubbleID,
		Sender:    w.Sender,
		Recipient: w.Recipient,
		Type:      w.Type,
		Round:     w.Round,
		Payload:   w.Payload,
		Refs:      w.Refs,
	}, nil
}

// AppendOptions configures Append (spec §4.2).
type AppendOptions struct {
	// MirrorPath, when non-empty, is inbox.ndjson: envelopes whose Type
	// IsMirrored() are appended there too, after the transcript write
	// succeeds.
	MirrorPath string
	// StrictAudit, when true, asserts the existing transcript has no
	// sequence gaps or duplicates before allocating the next sequence
	// (spec §4.2, optional).
	StrictAudit bool
	Clock       clock.Clock
}

func (o *AppendOptions) withDefaults() AppendOptions {
	out := *o
	if out.Clock == nil {
		out.Clock = clock.System{}
	}
	return out
}

// Draft is a caller-supplied envelope prior to id/timestamp/sequence
// assignment; Append fills ID and Timestamp and returns the completed
// Envelope alongside its allocated sequence number.
type Draft struct {
	BubbleID  string
	Sender    Role
	Recipient Role
	Type      Type
	Round     int
	Payload   Payload
	Refs      []string
}

// Append appends draft to transcriptPath as a new sequenced envelope,
// repairing a corrupt trailing partial line first if present, then
// mirrors it into opts.MirrorPath if the type is mirrored. The caller
// must already hold the bubble lock (spec §4.2: "acquire bubble lock via
// transcript/state writes" — Append itself performs no locking).
func Append(transcriptPath string, draft Draft, opts AppendOptions) (Envelope, int, error) {
	o := opts.withDefaults()

	existing, lastSeq, err := readRepairing(transcriptPath)
	if err != nil {
		return Envelope{}, 0, err
	}

	if err := assertSameBubble(existing, draft.BubbleID); err != nil {
		return Envelope{}, 0, err
	}

	if o.StrictAudit {
		if err := assertContiguous(existing); err != nil {
			return Envelope{}, 0, err
		}
	}

	seq := lastSeq + 1
	env := Envelope{
		ID:        formatEnvelopeID(o.Clock.Now(), seq),
		Timestamp: o.Clock.Now(),
		BubbleID:  draft.BubbleID,
		Sender:    draft.Sender,
		Recipient: draft.Recipient,
		Type:      draft.Type,
		Round:     draft.Round,
		Payload:   draft.Payload,
		Refs:      draft.Refs,
	}
	if env.Refs == nil {
		env.Refs = []string{}
	}
	if err := Validate(env); err != nil {
		return Envelope{}, 0, err
	}

	if err := appendLine(transcriptPath, env); err != nil {
		return Envelope{}, 0, err
	}

	if opts.MirrorPath != "" && env.Type.IsMirrored() {
		if err := appendLine(opts.MirrorPath, env); err != nil {
			// Spec §4.2: "the transcript remains canonical and the mirror
			// can be rebuilt on demand." We surface the failure as a
			// Recovery-kind error so callers can log/notify, but the
			// envelope itself was already durably written and is
			// returned successfully to the caller's continuation logic.
			return env, seq, pferrors.Wrap(pferrors.KindRecovery, opts.MirrorPath, "transcript write succeeded but inbox mirror write failed", err)
		}
	}

	return env, seq, nil
}

// formatEnvelopeID renders msg_<YYYYMMDD>_<N>, zero-padded to at least 3
// digits and widening (never truncating) past 999 (spec §7).
func formatEnvelopeID(ts time.Time, seq int) string {
	return fmt.Sprintf("msg_%s_%s", ts.UTC().Format("20060102"), padSequence(seq))
}

func padSequence(seq int) string {
	s := fmt.Sprintf("%d", seq)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}

// ReadOptions configures Read.
type ReadOptions struct {
	// AllowMissing makes Read return an empty slice instead of an error
	// when transcriptPath does not exist (a freshly-created bubble).
	AllowMissing bool
	// TolerateTrailingPartial, when true (the default behaviour callers
	// should use for display paths), silently drops a broken trailing
	// line instead of failing the whole read. Append always repairs
	// on write regardless of this flag.
	TolerateTrailingPartial bool
}

// Read returns every envelope in transcriptPath in file order.
func Read(transcriptPath string, opts ReadOptions) ([]Envelope, error) {
	data, err := os.ReadFile(transcriptPath)
	if err != nil {
		if os.IsNotExist(err) && opts.AllowMissing {
			return nil, nil
		}
		return nil, pferrors.Wrap(pferrors.KindValidation, transcriptPath, "read transcript", err)
	}
	envs, _, repairErr := parseLines(data, opts.TolerateTrailingPartial)
	if repairErr != nil {
		return nil, repairErr
	}
	return envs, nil
}

// readRepairing reads transcriptPath, and if the final line is a
// syntactically broken partial (no trailing newline, or a parse error),
// rewrites the file truncated to the last fully-parsed envelope before
// returning. It always tolerates the trailing partial for this purpose.
func readRepairing(transcriptPath string) ([]Envelope, int, error) {
	data, err := os.ReadFile(transcriptPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, pferrors.Wrap(pferrors.KindValidation, transcriptPath, "read transcript", err)
	}

	envs, clean, err := parseLines(data, true)
	if err != nil {
		return nil, 0, err
	}
	lastSeq := 0
	for _, e := range envs {
		if seq := sequenceOf(e.ID); seq > lastSeq {
			lastSeq = seq
		}
	}

	if !clean {
		if err := rewriteFile(transcriptPath, envs); err != nil {
			return nil, 0, err
		}
	}

	return envs, lastSeq, nil
}

// parseLines parses newline-delimited JSON envelopes from data. clean is
// true iff every line (including the last) was a complete, valid,
// newline-terminated envelope. When tolerateTrailingPartial is true, a
// broken final line is dropped rather than causing an error; when false,
// any parse failure is returned as an error.
func parseLines(data []byte, tolerateTrailingPartial bool) ([]Envelope, bool, error) {
	if len(data) == 0 {
		return nil, true, nil
	}

	trailingNewline := bytes.HasSuffix(data, []byte("\n"))
	lines := bytes.Split(data, []byte("\n"))
	// bytes.Split on a trailing-newline buffer yields one empty final
	// element; drop it so "lines" holds only actual content lines.
	if trailingNewline && len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}

	envs := make([]Envelope, 0, len(lines))
	for i, line := range lines {
		isLast := i == len(lines)-1
		isBrokenTail := isLast && !trailingNewline
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var w wireEnvelope
		parseErr := json.Unmarshal(line, &w)
		var env Envelope
		if parseErr == nil {
			env, parseErr = fromWire(w)
		}

		if parseErr != nil || isBrokenTail {
			if isLast && tolerateTrailingPartial {
				return envs, false, nil
			}
			if parseErr != nil {
				return nil, false, pferrors.Validationf("transcript", "line %d is not valid JSON: %v", i+1, parseErr)
			}
			return nil, false, pferrors.Validationf("transcript", "line %d is missing its terminating newline", i+1)
		}
		envs = append(envs, env)
	}

	return envs, trailingNewline, nil
}

func rewriteFile(path string, envs []Envelope) error {
	tmp := path + ".repair.tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "open repair temp file", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range envs {
		if err := writeLine(w, e); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return pferrors.Wrap(pferrors.KindValidation, path, "flush repair temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return pferrors.Wrap(pferrors.KindValidation, path, "fsync repair temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return pferrors.Wrap(pferrors.KindValidation, path, "close repair temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "rename repaired transcript into place", err)
	}
	return nil
}

// truncateFile creates or empties path, creating its parent directory if
// needed, so RebuildInbox can regenerate it from scratch.
func truncateFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "create inbox directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "truncate inbox", err)
	}
	return f.Close()
}

func appendLine(path string, env Envelope) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "create transcript directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "open transcript for append", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeLine(w, env); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return pferrors.Wrap(pferrors.KindValidation, path, "flush transcript append", err)
	}
	return f.Sync()
}

func writeLine(w *bufio.Writer, env Envelope) error {
	b, err := json.Marshal(toWire(env))
	if err != nil {
		return pferrors.Wrap(pferrors.KindValidation, "", "marshal envelope", err)
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = w.WriteString("\n")
	return err
}

// assertSameBubble enforces that every envelope already in the
// transcript carries the same bubble_id as the one being appended (spec
// §4.2: "All existing envelopes must carry the same bubble_id; violation
// fails with validation error").
func assertSameBubble(envs []Envelope, bubbleID string) error {
	for _, e := range envs {
		if e.BubbleID != bubbleID {
			return pferrors.Validationf("bubble_id", "transcript envelope %q has bubble_id %q, want %q", e.ID, e.BubbleID, bubbleID)
		}
	}
	return nil
}

// assertContiguous enforces spec §4.2's optional strict-audit rule: no
// gaps, no duplicate sequences, starting at 1.
func assertContiguous(envs []Envelope) error {
	seen := make(map[int]bool, len(envs))
	maxSeq := 0
	for _, e := range envs {
		seq := sequenceOf(e.ID)
		if seq == 0 {
			return pferrors.Conflictf("envelope %q has an unparseable sequence", e.ID)
		}
		if seen[seq] {
			return pferrors.Conflictf("duplicate transcript sequence %d (envelope %q)", seq, e.ID)
		}
		seen[seq] = true
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	for i := 1; i <= maxSeq; i++ {
		if !seen[i] {
			return pferrors.Conflictf("transcript sequence gap: missing %d", i)
		}
	}
	return nil
}

// sequenceOf extracts N from an id of the form msg_YYYYMMDD_N. Returns 0
// if the id does not match that shape.
func sequenceOf(id string) int {
	const prefixLen = len("msg_20060102_")
	if len(id) <= prefixLen {
		return 0
	}
	if id[:4] != "msg_" {
		return 0
	}
	tail := id[prefixLen:]
	n := 0
	for _, r := range tail {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return 0
	}
	return n
}
