package checkpoint

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// gregorianOffset is the number of 100ns intervals between the start of the
// Gregorian calendar (1582-10-15) and the Unix epoch, the same offset
// RFC 9562 time-based UUIDs are defined against.
const gregorianOffset = 0x01B21DD213814000

// NewID generates a version-6 UUID for a checkpoint at the given step. The
// timestamp occupies the UUID's most significant bits exactly as RFC 9562
// describes for v6 (unlike v1, where the low time bits come first), so
// lexically sorting checkpoint IDs within a thread reproduces their
// temporal order. The 14-bit clock sequence field is seeded from the step
// number rather than drawn at random: two checkpoints minted in the same
// 100ns tick (possible on fast test clocks) still sort by step. The low
// 48 node bits are still random per RFC 9562, so a replayed thread that
// recomputes the same step gets a new ID, not a byte-identical one — only
// the timestamp and step ordering are reproducible, which is what
// GetStateHistory and lexical sort need.
func NewID(ts time.Time, step int) string {
	interval := uint64(ts.UnixNano()/100) + gregorianOffset

	timeHigh := uint32(interval >> 28)
	timeMid := uint16((interval >> 12) & 0xFFFF)
	timeLowAndVersion := uint16(interval&0x0FFF) | 0x6000 // version nibble = 0110

	clockSeq := (uint16(step) & 0x3FFF) | 0x8000 // variant bits = 10

	var node [6]byte
	_, _ = rand.Read(node[:])

	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], timeHigh)
	binary.BigEndian.PutUint16(b[4:6], timeMid)
	binary.BigEndian.PutUint16(b[6:8], timeLowAndVersion)
	binary.BigEndian.PutUint16(b[8:10], clockSeq)
	copy(b[10:16], node[:])

	id, err := uuid.FromBytes(b[:])
	if err != nil {
		// b is always exactly 16 bytes; FromBytes can only fail on length.
		panic("checkpoint: invalid uuid byte length: " + err.Error())
	}
	return id.String()
}
