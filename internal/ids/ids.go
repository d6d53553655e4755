// Package ids provides an injectable source of opaque, collision-resistant
// identifiers (spec §9: "accept an injectable random source"). Bubble
// instance ids, rework intent ids, and archive nonces are all minted here
// so tests can substitute a deterministic sequence.
package ids

import "github.com/google/uuid"

// Source mints opaque identifiers.
type Source interface {
	New() string
}

// UUID mints RFC 4122 v4 UUIDs via github.com/google/uuid, the same
// library the teacher uses for federation session and handshake ids.
type UUID struct{}

// New returns a new random UUID string.
func (UUID) New() string {
	return uuid.NewString()
}

// Sequence is a deterministic test source: it returns the prefix followed
// by an incrementing counter, so tests can assert on exact identifiers.
type Sequence struct {
	prefix string
	next   int
}

// NewSequence returns a Sequence minting "<prefix>-0001", "<prefix>-0002", ...
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// New returns the next id in the sequence.
func (s *Sequence) New() string {
	s.next++
	return formatSeq(s.prefix, s.next)
}

func formatSeq(prefix string, n int) string {
	const pad = "0000"
	digits := itoa(n)
	if len(digits) < len(pad) {
		digits = pad[:len(pad)-len(digits)] + digits
	}
	return prefix + "-" + digits
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
