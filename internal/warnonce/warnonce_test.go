package warnonce

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFireOnce_FirstCallFalseSubsequentTrue(t *testing.T) {
	s := New(10)
	assert.False(t, s.FireOnce("lock:/tmp/a.lock"))
	assert.True(t, s.FireOnce("lock:/tmp/a.lock"))
	assert.False(t, s.FireOnce("lock:/tmp/b.lock"))
}

func TestFireOnce_ClearsAtCapacity(t *testing.T) {
	s := New(2)
	assert.False(t, s.FireOnce("a"))
	assert.False(t, s.FireOnce("b"))
	// third distinct key exceeds capacity: set clears before inserting
	assert.False(t, s.FireOnce("c"))
	assert.Equal(t, 1, s.Len())
	// "a" was cleared, so it fires again
	assert.False(t, s.FireOnce("a"))
}

func TestReset_ClearsAllKeys(t *testing.T) {
	s := New(10)
	s.FireOnce("a")
	s.FireOnce("b")
	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.FireOnce("a"))
}
