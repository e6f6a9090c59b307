package dispatch

import (
	"math"
	"sync"

	"github.com/twmb/go-rbtree"
)

// subPosItem is one subscription's current position, kept in an
// ordered tree so the minimum across all open subscriptions is always
// a cheap lookup rather than a scan. The tree's ordering key is the
// position itself; id disambiguates two subscriptions that happen to
// sit at the same position.
type subPosItem struct {
	id  int64
	pos int64
}

func (a subPosItem) Less(than rbtree.Item) bool {
	b := than.(subPosItem)
	if a.pos != b.pos {
		return a.pos < b.pos
	}
	return a.id < b.id
}

// publisherLimiter tracks every open subscription's position and
// derives the publisher limit from spec §3 invariant 2:
//
//	publisher_limit = min(sub.position for sub in subscriptions) + capacity
//
// Position packs (generation, offset) such that its integer value is
// already a flat, ever-increasing byte counter (generation*partitionSize
// + offset), so "min position + capacity" is plain integer arithmetic
// regardless of how many times the log has rotated.
type publisherLimiter struct {
	mu       sync.Mutex
	tree     rbtree.Tree
	byID     map[int64]*rbtree.Node
	capacity int64
}

func newPublisherLimiter(capacity int64) *publisherLimiter {
	return &publisherLimiter{
		byID:     make(map[int64]*rbtree.Node),
		capacity: capacity,
	}
}

// register adds a subscription to the limit computation at its
// starting position.
func (l *publisherLimiter) register(id int64, start Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	node := l.tree.Insert(subPosItem{id: id, pos: int64(start)})
	l.byID[id] = node
}

// advance moves a subscription's tracked position forward. Positions
// only ever move forward here (spec §3 invariant 4); callers enforce
// that at the Subscription level.
func (l *publisherLimiter) advance(id int64, pos Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old, ok := l.byID[id]
	if !ok {
		return
	}
	l.tree.Delete(old)
	l.byID[id] = l.tree.Insert(subPosItem{id: id, pos: int64(pos)})
}

// unregister removes a subscription from limit computation, e.g. on
// CloseSubscription.
func (l *publisherLimiter) unregister(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.byID[id]
	if !ok {
		return
	}
	l.tree.Delete(node)
	delete(l.byID, id)
}

// minPosition returns the minimum tracked position and true, or
// (0, false) if no subscription is registered.
func (l *publisherLimiter) minPosition() (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.byID) == 0 {
		return 0, false
	}
	min := l.tree.Min().Item.(subPosItem)
	return Position(min.pos), true
}

// Limit returns the current publisher limit. With no subscriptions
// registered there is nothing to bound the producer against, so the
// limit is effectively unbounded.
func (l *publisherLimiter) Limit() Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.byID) == 0 {
		return Position(math.MaxInt64)
	}
	min := l.tree.Min().Item.(subPosItem)
	return Position(min.pos + l.capacity)
}

// count reports how many subscriptions currently participate in the
// limit computation.
func (l *publisherLimiter) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}
