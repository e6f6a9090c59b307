package dispatch

import "sync/atomic"

// partitionCount is fixed at 3, per spec §3: one active, one "next"
// that must be CLEAN before rotation, one still draining subscribers
// (DIRTY) from two generations back.
const partitionCount = 3

// partitionStatus is the reclamation state of a Partition.
type partitionStatus int32

const (
	partitionClean partitionStatus = iota
	partitionActive
	partitionDirty
)

func (s partitionStatus) String() string {
	switch s {
	case partitionClean:
		return "CLEAN"
	case partitionActive:
		return "ACTIVE"
	case partitionDirty:
		return "DIRTY"
	default:
		return "UNKNOWN"
	}
}

// partition is one of the LogBuffer's equal-sized regions. The data
// region itself lives in the parent LogBuffer's single contiguous byte
// slice; partition only owns metadata, kept out-of-band so the data
// region stays pure payload (spec §4.1).
type partition struct {
	index      int
	status     int32 // partitionStatus, atomic
	tail       int32 // next writable offset, atomic, advanced by CAS
	generation int64 // atomic; the log generation this partition currently represents while ACTIVE or DIRTY
}

func newPartition(index int) *partition {
	return &partition{index: index}
}

func (p *partition) loadStatus() partitionStatus {
	return partitionStatus(atomic.LoadInt32(&p.status))
}

func (p *partition) storeStatus(s partitionStatus) {
	atomic.StoreInt32(&p.status, int32(s))
}

// casStatus attempts to transition from 'from' to 'to', returning
// whether it succeeded.
func (p *partition) casStatus(from, to partitionStatus) bool {
	return atomic.CompareAndSwapInt32(&p.status, int32(from), int32(to))
}

func (p *partition) loadTail() int32 {
	return atomic.LoadInt32(&p.tail)
}

// tryClaimTail attempts to advance the tail by frameLen, provided doing
// so does not exceed partitionSize. Returns the offset the caller
// claimed and true on success. A lost CAS is retried here; false means
// the frame no longer fits in the partition.
func (p *partition) tryClaimTail(frameLen int32, partitionSize int32) (offset int32, ok bool) {
	for {
		cur := atomic.LoadInt32(&p.tail)
		next := cur + frameLen
		if next > partitionSize {
			return 0, false
		}
		if atomic.CompareAndSwapInt32(&p.tail, cur, next) {
			return cur, true
		}
	}
}

// reclaimIfDirty transitions a DIRTY partition back to CLEAN and resets
// its tail, ready to become ACTIVE again. Returns whether this call won
// the transition (false if another reclaim already did, or it wasn't
// DIRTY).
func (p *partition) reclaimIfDirty() bool {
	if !p.casStatus(partitionDirty, partitionClean) {
		return false
	}
	atomic.StoreInt32(&p.tail, 0)
	return true
}

func (p *partition) loadGeneration() int64 {
	return atomic.LoadInt64(&p.generation)
}

func (p *partition) storeGeneration(gen int64) {
	atomic.StoreInt64(&p.generation, gen)
}
