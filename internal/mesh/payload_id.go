package mesh

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
)

// idSource is process-global and independent of MeshPacket.ID: payload IDs
// only need to avoid collision among a node's own in-flight chunked sends,
// not match any packet-level sequence number. Seeded from crypto/rand once
// at process start so concurrent nodes don't pick the same sequence.
var idSource = struct {
	mu sync.Mutex
	r  *mrand.Rand
}{r: mrand.New(mrand.NewSource(seedFromCrypto()))}

func seedFromCrypto() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5f3759df // fallback constant, never reached in practice
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// NewPayloadID returns a random non-zero chunk payload identifier.
func NewPayloadID() uint32 {
	idSource.mu.Lock()
	defer idSource.mu.Unlock()
	for {
		v := idSource.r.Uint32()
		if v != 0 {
			return v
		}
	}
}
