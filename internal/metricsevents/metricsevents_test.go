package metricsevents

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felho/pairflow/internal/warnonce"
)

func TestEmit_WritesToMonthlyShard(t *testing.T) {
	root := t.TempDir()
	e := NewEmitter(root, warnonce.New(16), logr.Discard())

	ts := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	e.Emit(Event{Timestamp: ts, BubbleID: "b1", EventType: TypeBubbleCreated, ActorRole: "orchestrator"})

	path := filepath.Join(root, "2026", "07", "events-2026-07.ndjson")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(t, data)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "bubble_created")
}

func TestEmit_AppendsMultipleEventsSameShard(t *testing.T) {
	root := t.TempDir()
	e := NewEmitter(root, warnonce.New(16), logr.Discard())
	ts := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	e.Emit(Event{Timestamp: ts, BubbleID: "b1", EventType: TypeBubbleCreated})
	e.Emit(Event{Timestamp: ts.Add(time.Hour), BubbleID: "b1", EventType: TypeBubblePassed})

	path := filepath.Join(root, "2026", "07", "events-2026-07.ndjson")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, splitLines(t, data), 2)
}

func TestEmit_NeverPanicsOnUnwritableRoot(t *testing.T) {
	e := NewEmitter("/nonexistent-root-for-test/that-cannot-be-created\x00", warnonce.New(16), logr.Discard())
	assert.NotPanics(t, func() {
		e.Emit(Event{Timestamp: time.Now(), BubbleID: "b1", EventType: TypeBubbleCreated})
	})
}

func splitLines(t *testing.T, data []byte) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if len(sc.Text()) > 0 {
			out = append(out, sc.Text())
		}
	}
	return out
}
