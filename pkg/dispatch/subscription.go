package dispatch

import (
	"sync/atomic"
)

// FragmentResult is returned by a FragmentHandler to tell Poll how to
// treat the frame just delivered.
type FragmentResult int8

const (
	// ConsumeResult advances the cursor past this frame, the default
	// action (spec §4.3 "interpret the return code").
	ConsumeResult FragmentResult = iota
	// PostponeResult stops polling immediately and leaves the cursor
	// unchanged, so the same frame is delivered again next Poll.
	PostponeResult
	// FailedResult advances past the frame but marks it FAILED first,
	// so a downstream pipeline subscription (or a re-read by the same
	// subscription) observes the failure.
	FailedResult
)

// FragmentHandler processes one delivered fragment. Implementations
// must not retain buf beyond the call.
type FragmentHandler func(buf []byte, offset, length int32, streamID int32, isFailed bool) FragmentResult

// Subscription is a single consumer's independent cursor into the log.
// Poll and PeekBlock are the two consumption modes from spec §4.3; a
// Subscription never reads past the appender's committed tail nor
// wraps into a partition that is still ACTIVE.
type Subscription struct {
	id       int64
	name     string
	disp     *Dispatcher
	position int64         // atomic flat byte position
	prev     *Subscription // pipeline predecessor, nil in independent mode or if first
	closed   int32
	wake     chan struct{} // coalesced consume signal, capacity 1
}

func newSubscription(disp *Dispatcher, id int64, name string, start Position, prev *Subscription) *Subscription {
	return &Subscription{
		id:       id,
		name:     name,
		disp:     disp,
		position: int64(start),
		prev:     prev,
		wake:     make(chan struct{}, 1),
	}
}

// Name returns the subscription's configured name.
func (s *Subscription) Name() string { return s.name }

// Position returns the subscription's current cursor.
func (s *Subscription) Position() Position { return Position(atomic.LoadInt64(&s.position)) }

func (s *Subscription) isClosed() bool { return atomic.LoadInt32(&s.closed) != 0 }

// signal wakes any scheduler task bound via Scheduler.Consume, coalesced
// so a burst of commits produces at most one pending wake-up (spec
// §4.5 "Consume binding").
func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) advanceTo(pos Position) {
	atomic.StoreInt64(&s.position, int64(pos))
	s.disp.limiter.advance(s.id, pos)
	s.disp.reclaim()
}

// visibleLimit returns the furthest position this subscription may
// read up to right now: the predecessor's position in pipeline mode,
// or an unbounded sentinel in independent mode (the appender's
// committed tail is the real limit, discovered by reading header
// lengths directly).
func (s *Subscription) visibleLimit() (Position, bool) {
	if s.prev == nil {
		return 0, false
	}
	return s.prev.Position(), true
}

// Poll delivers up to maxFrames committed fragments to handler,
// starting at the subscription's current cursor, and returns how many
// were consumed (spec §4.3 poll mode).
func (s *Subscription) Poll(handler FragmentHandler, maxFrames int) int {
	if s.isClosed() || maxFrames <= 0 {
		return 0
	}

	lb := s.disp.logBuffer
	partSize := lb.partitionSize

	pos := int64(s.Position())
	consumed := 0

	for consumed < maxFrames {
		idx := int((pos / int64(partSize)) % partitionCount)
		offsetInPart := int32(pos % int64(partSize))
		buf := lb.slice(idx)

		if limit, bounded := s.visibleLimit(); bounded && Position(pos) >= limit {
			break
		}

		length := loadFrameLength(buf, offsetInPart)
		if length == 0 {
			break // nothing committed here yet
		}
		if length < 0 {
			break // claimed but not yet committed
		}

		if readFrameType(buf, offsetInPart) == frameTypePadding {
			// Padding always fills exactly to the partition boundary, so
			// pos already lands on the next partition's head.
			pos += int64(length)
			continue
		}

		streamID := readStreamID(buf, offsetInPart)
		failed := isFailed(buf, offsetInPart)
		payloadLen := length - HeaderLength

		result := handler(buf, offsetInPart+HeaderLength, payloadLen, streamID, failed)
		switch result {
		case PostponeResult:
			// cursor left unchanged: the same frame is redelivered next Poll
			s.advanceTo(Position(pos))
			return consumed

		case FailedResult:
			setFailedFlag(buf, offsetInPart)
			fallthrough

		default: // ConsumeResult and any unrecognized value behave as consume
			consumed++
			reachedBoundary := offsetInPart+length >= partSize
			pos += int64(length)
			if reachedBoundary {
				pos = nextPartitionHead(pos-int64(length), partSize)
				s.advanceTo(Position(pos))
				return consumed
			}
		}
	}

	s.advanceTo(Position(pos))
	return consumed
}

func nextPartitionHead(pos int64, partSize int32) int64 {
	return (pos/int64(partSize) + 1) * int64(partSize)
}

// FramedView is one fragment inside a BlockPeek's window: a view into
// the partition buffer, not a copy.
type FramedView struct {
	Buffer   []byte
	Offset   int32
	Length   int32
	StreamID int32
	IsFailed bool
	headerAt int32
}

// BlockPeek is a contiguous, readable window into a single partition,
// returned without copying (spec §4.3 peek mode). The Subscription's
// cursor stays where it was until the block is completed with
// MarkCompleted or MarkFailed.
type BlockPeek struct {
	sub        *Subscription
	buf        []byte
	partIdx    int
	startPos   int64
	endPos     int64
	partSize   int32
	frames     []FramedView
	terminated bool
}

// Frames returns the fragments contained in this block, in order.
func (bp *BlockPeek) Frames() []FramedView { return bp.frames }

// Bytes reports the size of the window in bytes.
func (bp *BlockPeek) Bytes() int64 { return bp.endPos - bp.startPos }

// MarkCompleted advances the subscription's cursor to the end of the
// peeked window.
func (bp *BlockPeek) MarkCompleted() {
	if bp.terminated {
		return
	}
	bp.terminated = true
	pos := bp.endPos
	if int32(pos%int64(bp.partSize)) == 0 {
		// landed exactly on a partition boundary; nothing further to do,
		// the next Peek/Poll will pick up the new partition naturally.
	}
	bp.sub.advanceTo(Position(pos))
}

// MarkFailed flags every frame in the window as FAILED, then advances
// the cursor past the window (spec §9 open question: the whole window
// is the unit of failure, not a subset).
func (bp *BlockPeek) MarkFailed() {
	if bp.terminated {
		return
	}
	for _, f := range bp.frames {
		setFailedFlag(f.Buffer, f.headerAt)
	}
	bp.terminated = true
	bp.sub.advanceTo(Position(bp.endPos))
}

// PeekBlock returns a contiguous read window of committed fragments
// starting at the subscription's cursor, never crossing a partition
// boundary and never exceeding maxBytes. It is idempotent: calling it
// again before MarkCompleted/MarkFailed returns the same window.
func (s *Subscription) PeekBlock(maxBytes int32) *BlockPeek {
	lb := s.disp.logBuffer
	partSize := lb.partitionSize

	pos := int64(s.Position())
	if s.isClosed() {
		return &BlockPeek{sub: s, startPos: pos, endPos: pos, partSize: partSize, terminated: true}
	}
	idx := int((pos / int64(partSize)) % partitionCount)
	offsetInPart := int32(pos % int64(partSize))
	buf := lb.slice(idx)

	limit, bounded := s.visibleLimit()

	var frames []FramedView
	var consumedBytes int32
	cursor := offsetInPart

	for consumedBytes < maxBytes {
		if bounded && Position(pos+int64(consumedBytes)) >= limit {
			break
		}

		length := loadFrameLength(buf, cursor)
		if length <= 0 {
			break
		}
		if cursor+length > partSize {
			break
		}

		if readFrameType(buf, cursor) == frameTypePadding {
			cursor += length
			consumedBytes += length
			break // padding always ends a partition's readable region
		}

		if consumedBytes+length > maxBytes {
			break
		}

		frames = append(frames, FramedView{
			Buffer:   buf,
			Offset:   cursor + HeaderLength,
			Length:   length - HeaderLength,
			StreamID: readStreamID(buf, cursor),
			IsFailed: isFailed(buf, cursor),
			headerAt: cursor,
		})

		cursor += length
		consumedBytes += length

		if cursor >= partSize {
			break
		}
	}

	return &BlockPeek{
		sub:      s,
		buf:      buf,
		partIdx:  idx,
		startPos: pos,
		endPos:   pos + int64(consumedBytes),
		partSize: partSize,
		frames:   frames,
	}
}
