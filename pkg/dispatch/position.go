package dispatch

import "math/bits"

// Position is a 64-bit, monotonically non-decreasing coordinate into the
// log. The bits above log2(partitionSize) hold the partition generation
// (how many partition rotations have elapsed), the low log2(partitionSize)
// bits hold the byte offset within that partition. The physical partition slot for a
// position is generation % partitionCount, not the generation itself —
// this is what keeps Position increasing across a 2->0 partition wrap,
// the same trick aeron's Image uses with its term id vs. term index.
type Position int64

func newPositionBitsToShift(partitionSize int32) uint {
	return uint(bits.Len32(uint32(partitionSize)) - 1)
}

// packPosition builds a Position from a partition generation and an
// in-partition byte offset, given the shift derived from the partition
// size (a power of two).
func packPosition(generation int64, offset int32, shift uint) Position {
	return Position(generation<<shift | int64(offset))
}

// Generation returns how many partition rotations precede this
// position.
func (p Position) Generation(shift uint) int64 {
	return int64(p) >> shift
}

// Offset returns the byte offset within the position's partition.
func (p Position) Offset(shift uint) int32 {
	mask := int64(1)<<shift - 1
	return int32(int64(p) & mask)
}

// PartitionIndex returns the physical partition slot (0..partitionCount-1)
// that this position refers to.
func (p Position) PartitionIndex(shift uint, partitionCount int) int {
	gen := p.Generation(shift)
	idx := gen % int64(partitionCount)
	if idx < 0 {
		idx += int64(partitionCount)
	}
	return int(idx)
}

// Less reports whether p comes strictly before q in log order.
func (p Position) Less(q Position) bool { return p < q }

// Int64 returns the raw packed value, e.g. for use as a long return code
// in the Dispatcher's offer/claim API.
func (p Position) Int64() int64 { return int64(p) }
