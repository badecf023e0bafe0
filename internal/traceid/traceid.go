// Package traceid generates sortable, time-embedded trace identifiers
// propagated through every component call, replacing the freeform trace
// strings the source system used (§9 redesign flag).
package traceid

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"
)

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var counter uint32

// New returns a 26-character Crockford base32 identifier: a 48-bit
// millisecond timestamp followed by an 80-bit random+monotonic tail, in
// the spirit of ULID. Sorting the strings lexically sorts by creation
// time.
func New() string {
	var buf [16]byte
	ms := uint64(time.Now().UnixMilli())
	binary.BigEndian.PutUint16(buf[0:2], uint16(ms>>32))
	binary.BigEndian.PutUint32(buf[2:6], uint32(ms))

	if _, err := rand.Read(buf[6:14]); err != nil {
		// crypto/rand failure is effectively unrecoverable entropy
		// starvation; fall back to the monotonic counter alone rather
		// than panic.
	}
	seq := atomic.AddUint32(&counter, 1)
	binary.BigEndian.PutUint16(buf[14:16], uint16(seq))

	return encode(buf[:])
}

func encode(data []byte) string {
	var sb strings.Builder
	sb.Grow(26)

	var acc uint64
	var bits uint
	for _, b := range data {
		acc = acc<<8 | uint64(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(crockford[(acc>>bits)&0x1F])
		}
	}
	if bits > 0 {
		sb.WriteByte(crockford[(acc<<(5-bits))&0x1F])
	}
	return sb.String()
}
