package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/cot-relay/internal/metrics"
)

// ReassemblyTTL is how long a partially-received chunked payload is kept
// before being evicted as abandoned.
const ReassemblyTTL = 60 * time.Second

// MaxDataSize is the largest Data payload a single mesh packet may carry.
// A ChunkedPayload envelope itself costs overhead, so the usable chunk body
// is smaller; see ChunkSize.
const MaxDataSize = 200

// ChunkSize is the usable payload per ChunkedPayload fragment, leaving room
// for the envelope/packet/data wrapping around each chunk.
const ChunkSize = MaxDataSize - 20

type partial struct {
	chunks    [][]byte
	received  []bool
	count     int
	remaining int
	created   time.Time
}

// Reassembler accumulates ChunkedPayload fragments keyed by payload ID and
// yields the original payload once every chunk has arrived. Stale partial
// entries are evicted opportunistically whenever a new chunk arrives,
// mirroring a lazy sweep rather than a dedicated timer goroutine.
type Reassembler struct {
	mu  sync.Mutex
	now func() time.Time
	ttl time.Duration

	partials map[uint32]*partial
}

// NewReassembler returns a ready-to-use reassembler with the default TTL.
func NewReassembler() *Reassembler {
	return &Reassembler{
		now:      time.Now,
		ttl:      ReassemblyTTL,
		partials: make(map[uint32]*partial),
	}
}

// Add ingests one chunk. It returns the full reassembled payload and ok=true
// once the final chunk for its payload ID arrives; otherwise ok is false.
// Chunks may arrive in any order, including repeats.
func (r *Reassembler) Add(c *ChunkedPayload) (payload []byte, ok bool, err error) {
	if c.ChunkCount == 0 || c.ChunkIndex >= c.ChunkCount {
		return nil, false, fmt.Errorf("mesh: invalid chunk index %d of %d", c.ChunkIndex, c.ChunkCount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpiredLocked()

	p, exists := r.partials[c.PayloadID]
	if !exists {
		p = &partial{
			chunks:    make([][]byte, c.ChunkCount),
			received:  make([]bool, c.ChunkCount),
			remaining: int(c.ChunkCount),
			created:   r.now(),
		}
		r.partials[c.PayloadID] = p
	}

	if !p.received[c.ChunkIndex] {
		p.received[c.ChunkIndex] = true
		p.chunks[c.ChunkIndex] = append([]byte(nil), c.PayloadChunk...)
		p.remaining--
	}

	if p.remaining > 0 {
		return nil, false, nil
	}

	var full []byte
	for _, chunk := range p.chunks {
		full = append(full, chunk...)
	}
	delete(r.partials, c.PayloadID)
	metrics.IncReassembled()
	return full, true, nil
}

// evictExpiredLocked drops partial entries whose first chunk arrived more
// than ttl ago; later chunks do not extend an entry's lifetime. Callers
// must hold mu.
func (r *Reassembler) evictExpiredLocked() {
	cutoff := r.now().Add(-r.ttl)
	for id, p := range r.partials {
		if p.created.Before(cutoff) {
			delete(r.partials, id)
			metrics.IncExpired()
		}
	}
}

// Split divides payload into a sequence of ChunkedPayload fragments no
// larger than ChunkSize each, sharing a single random non-zero payload ID.
// A payload small enough for a single fragment still yields exactly one
// ChunkedPayload with ChunkCount 1. The translator only calls Split for
// payloads over MaxDataSize, so it never produces such a fragment itself.
func Split(payload []byte, payloadID uint32) []*ChunkedPayload {
	if len(payload) == 0 {
		return []*ChunkedPayload{{PayloadID: payloadID, ChunkCount: 1, ChunkIndex: 0, PayloadChunk: nil}}
	}
	count := (len(payload) + ChunkSize - 1) / ChunkSize
	out := make([]*ChunkedPayload, 0, count)
	for i := 0; i < count; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, &ChunkedPayload{
			PayloadID:    payloadID,
			ChunkCount:   uint32(count),
			ChunkIndex:   uint32(i),
			PayloadChunk: payload[start:end],
		})
	}
	return out
}
