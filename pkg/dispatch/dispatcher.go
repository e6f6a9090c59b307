package dispatch

import (
	"sync"
	"sync/atomic"
)

// Dispatcher is the top-level handle a producer or consumer interacts
// with: it owns the LogBuffer, the LogAppender, the publisher-limit
// tracker, and every open Subscription, and it drives the Scheduler
// that Subscriptions are consumed on.
type Dispatcher struct {
	cfg       cfg
	logBuffer *LogBuffer
	appender  *LogAppender
	limiter   *publisherLimiter
	scheduler Scheduler
	idGen     *idGenerator
	logger    Logger

	subsMu         sync.Mutex
	subs           map[string]*Subscription
	subsByID       map[int64]*Subscription
	lastInPipeline *Subscription

	drainMu   sync.Mutex
	drainCond *sync.Cond
	closed    int32
}

func newDispatcher(c cfg) (*Dispatcher, error) {
	lb, err := NewLogBuffer(c.partitionSize)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:       c,
		logBuffer: lb,
		limiter:   newPublisherLimiter(lb.Capacity()),
		idGen:     newIDGenerator(c.seed),
		logger:    c.logger,
		subs:      make(map[string]*Subscription),
		subsByID:  make(map[int64]*Subscription),
	}
	d.drainCond = sync.NewCond(&d.drainMu)

	d.appender = newLogAppender(lb, d.limiter, c.frameMaxLength)
	d.appender.release = d.onCommit

	if c.scheduler != nil {
		d.scheduler = c.scheduler
	} else {
		d.scheduler = newCooperativeScheduler(c.logger)
	}

	for _, name := range c.subscriptions {
		if _, err := d.openSubscription(name); err != nil {
			return nil, err
		}
	}

	d.logger.Log(LogLevelInfo, "dispatcher started",
		"partition_size", lb.PartitionSize(), "capacity", lb.Capacity(), "mode", c.mode)

	return d, nil
}

// onCommit runs after every successful Commit/Abort: it wakes anything
// waiting for in-flight claims to drain (CloseAsync) and coalesced-wakes
// every open subscription so a Consume binding on the scheduler notices
// new data without polling.
func (d *Dispatcher) onCommit() {
	d.drainMu.Lock()
	d.drainCond.Broadcast()
	d.drainMu.Unlock()

	d.subsMu.Lock()
	subs := make([]*Subscription, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.subsMu.Unlock()

	for _, s := range subs {
		s.signal()
	}
}

// Scheduler returns the scheduler this dispatcher runs consumers on.
func (d *Dispatcher) Scheduler() Scheduler { return d.scheduler }

// Capacity returns the total addressable log capacity in bytes.
func (d *Dispatcher) Capacity() int64 { return d.logBuffer.Capacity() }

// PublisherLimit returns the current position a producer may not
// claim past (spec §3 invariant 2).
func (d *Dispatcher) PublisherLimit() Position { return d.limiter.Limit() }

// Offer publishes payload as a single fragment under stream 0 and
// returns the committed position, or a negative Result code.
func (d *Dispatcher) Offer(payload []byte) int64 {
	return d.appender.Offer(payload, 0)
}

// OfferStream publishes payload under the given streamID.
func (d *Dispatcher) OfferStream(payload []byte, streamID int32) int64 {
	return d.appender.Offer(payload, streamID)
}

// OfferErr is Offer for callers that would rather check err != nil than
// a negative Result code.
func (d *Dispatcher) OfferErr(payload []byte) (int64, error) {
	pos := d.Offer(payload)
	if pos < 0 {
		return pos, resultToError(pos)
	}
	return pos, nil
}

// Claim reserves space for a payload of the given length under
// streamID, to be filled in directly before Commit/Abort.
func (d *Dispatcher) Claim(length int32, streamID int32) (*ClaimedFragment, int64) {
	return d.appender.Claim(length, streamID)
}

// OpenSubscription registers a new named Subscription, joining at the
// producer's current position (ModeIndependent) or at the active
// partition's head (ModePipeline), and returns it synchronously.
func (d *Dispatcher) OpenSubscription(name string) (*Subscription, error) {
	return d.openSubscription(name)
}

func (d *Dispatcher) openSubscription(name string) (*Subscription, error) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()

	if _, exists := d.subs[name]; exists {
		return nil, ErrDuplicateSubscriptionName
	}

	id := d.idGen.subscriptionID(name)

	var prev *Subscription
	var start Position
	if d.cfg.mode == ModePipeline {
		prev = d.lastInPipeline
		start = d.appender.CurrentPartitionHead()
	} else {
		start = d.appender.CurrentPosition()
	}

	sub := newSubscription(d, id, name, start, prev)
	d.subs[name] = sub
	d.subsByID[id] = sub
	if d.cfg.mode == ModePipeline {
		d.lastInPipeline = sub
	}
	d.limiter.register(id, start)

	d.logger.Log(LogLevelDebug, "subscription opened", "name", name, "id", id, "position", int64(start))
	return sub, nil
}

// OpenSubscriptionAsync runs OpenSubscription on the scheduler and
// returns a SubscriptionFuture.
func (d *Dispatcher) OpenSubscriptionAsync(name string) *SubscriptionFuture {
	corrID := d.idGen.correlationID()
	result := &SubscriptionFuture{}
	result.Future = d.scheduler.Run(func() error {
		sub, err := d.openSubscription(name)
		result.sub = sub
		d.logger.Log(LogLevelDebug, "open subscription task ran", "correlation_id", corrID, "name", name, "err", err)
		return err
	})
	return result
}

// CloseSubscription unregisters a Subscription; its cursor no longer
// participates in the publisher limit, and further Poll/PeekBlock
// calls on it are no-ops.
func (d *Dispatcher) CloseSubscription(sub *Subscription) error {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()

	if _, ok := d.subs[sub.name]; !ok {
		return &SubscriptionError{Subscription: sub.name, Err: ErrSubscriptionNotFound}
	}

	atomic.StoreInt32(&sub.closed, 1)
	delete(d.subs, sub.name)
	delete(d.subsByID, sub.id)
	d.limiter.unregister(sub.id)
	d.reclaim()

	d.logger.Log(LogLevelDebug, "subscription closed", "name", sub.name, "id", sub.id)
	return nil
}

// CloseSubscriptionAsync runs CloseSubscription on the scheduler.
func (d *Dispatcher) CloseSubscriptionAsync(sub *Subscription) *Future {
	return d.scheduler.Run(func() error {
		return d.CloseSubscription(sub)
	})
}

// SubscriptionFuture is the result of OpenSubscriptionAsync.
type SubscriptionFuture struct {
	*Future
	sub *Subscription
}

// Subscription blocks until the open completes and returns it.
func (f *SubscriptionFuture) Subscription() (*Subscription, error) {
	if err := f.Wait(); err != nil {
		return nil, err
	}
	return f.sub, nil
}

// Consume binds handler to sub's coalesced wake-up signal via the
// scheduler (spec §4.5). The returned cancel stops the binding.
func (d *Dispatcher) Consume(sub *Subscription, maxFrames int, handler FragmentHandler) (cancel func()) {
	return d.scheduler.Consume(sub, maxFrames, handler)
}

// reclaim transitions every DIRTY partition back to CLEAN once the
// slowest subscription has moved past everything it holds (spec §3
// invariant 1/6). It is called after every subscription advance.
func (d *Dispatcher) reclaim() {
	minPos, ok := d.limiter.minPosition()
	if !ok {
		return
	}

	partSize := int64(d.logBuffer.PartitionSize())
	for i := 0; i < partitionCount; i++ {
		part := d.logBuffer.partitionAt(i)
		if part.loadStatus() != partitionDirty {
			continue
		}
		end := (part.loadGeneration() + 1) * partSize
		if int64(minPos) < end {
			continue
		}
		part.reclaimIfDirty()
	}
}

// CloseAsync closes the dispatcher: new claims are refused
// immediately, in-flight claims are drained, and the scheduler (with
// every consumer binding) is stopped, mirroring the teacher's
// stopSession pattern of waiting for outstanding work to reach zero
// before declaring shutdown complete.
func (d *Dispatcher) CloseAsync() *Future {
	fut := newFuture()

	go func() {
		if atomic.SwapInt32(&d.closed, 1) == 1 {
			fut.complete(nil)
			return
		}

		d.appender.closeForNewWork()

		d.drainMu.Lock()
		for d.appender.inflightCount() > 0 {
			d.drainCond.Wait()
		}
		d.drainMu.Unlock()

		d.logger.Log(LogLevelInfo, "dispatcher draining complete, stopping scheduler")
		fut.complete(d.scheduler.Close().Wait())
	}()

	return fut
}
