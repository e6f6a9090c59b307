package dispatch

import (
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
)

// idGenerator's salt is mixed into every derived subscription ID so that two
// Dispatchers opening subscriptions with the same names do not collide
// if their IDs are ever compared or logged side by side. It is set
// once per Dispatcher at construction.
type idGenerator struct {
	salt    [8]byte
	counter int64
}

func newIDGenerator(seed string) *idGenerator {
	sum := blake2b.Sum256([]byte(seed))
	g := &idGenerator{}
	copy(g.salt[:], sum[:8])
	return g
}

// subscriptionID derives a stable id for a subscription name, the same
// role aeron.Image.correlationID/sessionID play in identifying a
// registered image across its async open/close lifecycle: callers can
// hash the same name twice (e.g. across a close/reopen) and get back
// the same identity.
func (g *idGenerator) subscriptionID(name string) int64 {
	h, _ := blake2b.New256(g.salt[:])
	_, _ = h.Write([]byte(name))
	sum := h.Sum(nil)
	return int64(binary.LittleEndian.Uint64(sum[:8]))
}

// correlationID returns a fresh, process-unique id for one async
// operation (open/close), independent of subscription name.
func (g *idGenerator) correlationID() int64 {
	return atomic.AddInt64(&g.counter, 1)
}
