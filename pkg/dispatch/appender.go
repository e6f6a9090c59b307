package dispatch

import "sync/atomic"

// LogAppender claims space in the active partition, writes frame
// headers, and commits or aborts fragments, rotating partitions and
// writing padding as it goes (spec §4.2).
type LogAppender struct {
	lb         *LogBuffer
	limiter    *publisherLimiter
	frameMax   int32
	generation int64 // atomic; active partition index is generation % partitionCount
	closed     int32 // atomic bool
	inflight   int64 // atomic count of claimed-but-not-yet-committed fragments

	// release, if set, is called after every Commit/Abort decrements
	// inflight. The Dispatcher uses it to wake goroutines waiting for
	// in-flight claims to drain during shutdown.
	release func()
}

func newLogAppender(lb *LogBuffer, limiter *publisherLimiter, frameMax int32) *LogAppender {
	return &LogAppender{
		lb:       lb,
		limiter:  limiter,
		frameMax: frameMax,
	}
}

func (a *LogAppender) isClosed() bool { return atomic.LoadInt32(&a.closed) != 0 }

// closeForNewWork flips the appender closed so new claims are refused;
// it does not wait for in-flight claims (the Dispatcher's shutdown
// drains those separately, see dispatcher.go).
func (a *LogAppender) closeForNewWork() { atomic.StoreInt32(&a.closed, 1) }

func (a *LogAppender) inflightCount() int64 { return atomic.LoadInt64(&a.inflight) }

// ClaimedFragment is a scoped handle to a reserved, not-yet-published
// region of the log. Every claim must be committed or aborted on every
// exit path; it must not be retained past that call.
type ClaimedFragment struct {
	appender *LogAppender
	buf      []byte
	offset   int32 // header start within buf
	frameLen int32
	position Position
	done     int32 // atomic bool, guards double commit/abort
}

// Buffer returns the direct byte view of the partition this fragment
// was claimed in. Callers must not retain it past Commit/Abort.
func (c *ClaimedFragment) Buffer() []byte { return c.buf }

// Offset returns where this fragment's payload begins within Buffer().
func (c *ClaimedFragment) Offset() int32 { return c.offset + HeaderLength }

// Length returns the payload length requested at claim time.
func (c *ClaimedFragment) Length() int32 { return c.frameLen - HeaderLength }

// Commit publishes the claimed frame, making it visible to subscribers
// in position order.
func (c *ClaimedFragment) Commit() {
	if !atomic.CompareAndSwapInt32(&c.done, 0, 1) {
		return
	}
	commitClaimed(c.buf, c.offset)
	atomic.AddInt64(&c.appender.inflight, -1)
	if c.appender.release != nil {
		c.appender.release()
	}
}

// Abort marks the frame FAILED and commits it anyway, so subscribers
// see and skip it rather than stalling on a frame that never gets
// published.
func (c *ClaimedFragment) Abort() {
	if !atomic.CompareAndSwapInt32(&c.done, 0, 1) {
		return
	}
	setFailedFlag(c.buf, c.offset)
	commitClaimed(c.buf, c.offset)
	atomic.AddInt64(&c.appender.inflight, -1)
	if c.appender.release != nil {
		c.appender.release()
	}
}

// CurrentPosition returns an approximate snapshot of the producer's
// current position, used as the join position for a newly opened
// subscription. It is inherently a point-in-time read in a moving
// target; a subscription that wants every prior frame should instead
// start at position 0.
func (a *LogAppender) CurrentPosition() Position {
	gen := atomic.LoadInt64(&a.generation)
	part := a.lb.partitionAt(int(gen % partitionCount))
	tail := part.loadTail()
	if tail > a.lb.partitionSize {
		tail = a.lb.partitionSize
	}
	return packPosition(gen, tail, a.lb.shift)
}

// CurrentPartitionHead returns the head (offset 0) of the active
// partition's current generation, used as the join position for a
// pipeline-mode subscription: it must start at the same partition head
// its predecessor does, not wherever the producer's tail happens to be
// (spec §3 lifecycle).
func (a *LogAppender) CurrentPartitionHead() Position {
	gen := atomic.LoadInt64(&a.generation)
	return packPosition(gen, 0, a.lb.shift)
}

// Position returns the position the fragment will occupy once
// committed (valid to read before Commit is called).
func (c *ClaimedFragment) Position() Position { return c.position }

// Claim reserves an aligned region of the active partition for a
// payload of the given length, returning INSUFFICIENT_CAPACITY,
// CLOSED, or INVALID_LENGTH as a negative Result code on failure.
func (a *LogAppender) Claim(length int32, streamID int32) (*ClaimedFragment, int64) {
	if length <= 0 || length > a.frameMax {
		return nil, ResultInvalidLength
	}
	return a.claimFrame(alignedFrameLength(length), streamID)
}

// claimFrame runs the claim/rotate/pad algorithm from spec §4.2 for an
// already alignment-rounded frame size. It is shared by Claim and
// Offer; Offer calls it directly so that a zero-length payload (a
// header-only frame) is not rejected by Claim's length check.
func (a *LogAppender) claimFrame(frameLen int32, streamID int32) (*ClaimedFragment, int64) {
	for {
		if a.isClosed() {
			return nil, ResultClosed
		}

		gen := atomic.LoadInt64(&a.generation)
		idx := int(gen % partitionCount)
		part := a.lb.partitionAt(idx)
		partSize := a.lb.partitionSize
		tail := part.loadTail()

		if tail >= partSize {
			if !a.rotate(gen, idx) {
				return nil, ResultInsufficientCapacity
			}
			continue
		}

		if tail+frameLen <= partSize {
			candidate := packPosition(gen, tail+frameLen, a.lb.shift)
			if candidate.Int64() > a.limiter.Limit().Int64() {
				return nil, ResultInsufficientCapacity
			}

			offset, ok := part.tryClaimTail(frameLen, partSize)
			if !ok {
				continue // a concurrent claim took the room, re-evaluate
			}

			buf := a.lb.slice(idx)
			writeClaimedHeader(buf, offset, frameLen, streamID)
			atomic.AddInt64(&a.inflight, 1)

			return &ClaimedFragment{
				appender: a,
				buf:      buf,
				offset:   offset,
				frameLen: frameLen,
				position: packPosition(gen, offset+frameLen, a.lb.shift),
			}, 0
		}

		// Not enough room left: pad the tail and rotate to the next
		// partition. Whichever producer wins the tail CAS writes the
		// padding frame; everyone else just retries the rotation.
		padLen := partSize - tail
		if off, ok := part.tryClaimTail(padLen, partSize); ok {
			buf := a.lb.slice(idx)
			writePaddingHeader(buf, off, padLen)
		}
		if !a.rotate(gen, idx) {
			return nil, ResultInsufficientCapacity
		}
	}
}

// rotate tries to advance the active generation from gen (whose
// partition is idx) to gen+1, provided the next partition in the ring
// is CLEAN (i.e. every subscription has moved past its end). Returns
// false, without side effects, if the slowest subscriber has not yet
// reclaimed that partition — the caller surfaces this as
// INSUFFICIENT_CAPACITY (spec §4.2 step 4; PartitionNotReclaimable in
// spec §7 is exactly this case, never surfaced directly to producers).
func (a *LogAppender) rotate(gen int64, idx int) bool {
	if atomic.LoadInt64(&a.generation) != gen {
		return true // someone else already rotated past this generation
	}

	nextIdx := (idx + 1) % partitionCount
	nextPart := a.lb.partitionAt(nextIdx)
	if !nextPart.casStatus(partitionClean, partitionActive) {
		return false
	}
	// Clear the previous generation's frames, so a zero length again
	// marks where committed data ends in this partition.
	clear(a.lb.slice(nextIdx))
	nextPart.storeGeneration(gen + 1)

	part := a.lb.partitionAt(idx)
	part.casStatus(partitionActive, partitionDirty)

	atomic.CompareAndSwapInt64(&a.generation, gen, gen+1)
	return true
}

// Offer is the atomic claim+copy+commit convenience form of the
// producer API. It returns the committed position on success, or one
// of the negative Result codes. A zero-length payload is accepted and
// produces a header-only fragment (spec §9 open question, resolved in
// DESIGN.md).
func (a *LogAppender) Offer(payload []byte, streamID int32) int64 {
	length := int32(len(payload))
	if length > a.frameMax {
		return ResultInvalidLength
	}

	frameLen := alignedFrameLength(length)
	frag, code := a.claimFrame(frameLen, streamID)
	if frag == nil {
		return code
	}
	if length > 0 {
		copy(frag.buf[frag.Offset():frag.Offset()+length], payload)
	}
	frag.Commit()
	return frag.Position().Int64()
}
