package dispatch

import "fmt"

// Mode selects how multiple subscriptions on one Dispatcher see
// frames relative to each other (spec §4.3/§4.4).
type Mode int8

const (
	// ModeIndependent gives every subscription its own cursor with no
	// ordering relative to any other subscription.
	ModeIndependent Mode = iota
	// ModePipeline chains subscriptions in registration order: a frame
	// is visible to subscription k only once subscription k-1 has
	// consumed it.
	ModePipeline
)

func (m Mode) String() string {
	switch m {
	case ModePipeline:
		return "pipeline"
	default:
		return "independent"
	}
}

const (
	// 1 MiB; Build lowers it to the largest payload one partition can
	// hold when the partition is smaller than that.
	defaultFrameMaxLength = 1 << 20
)

// cfg holds every knob a Dispatcher is built from. Unexported, exactly
// like the teacher's own client config: callers only ever touch it
// through Opt functions and DispatcherConfig.Build.
type cfg struct {
	partitionSize  int32
	mode           Mode
	frameMaxLength int32
	logger         Logger
	scheduler      Scheduler
	subscriptions  []string
	seed           string
	parseErr       error
}

func defaultCfg() cfg {
	return cfg{
		partitionSize:  MinPartitionSize,
		mode:           ModeIndependent,
		frameMaxLength: defaultFrameMaxLength,
		logger:         nopLogger{},
		seed:           "dispatch",
	}
}

// Opt configures a DispatcherConfig; each Opt is applied in the order
// passed to NewDispatcherConfig.
type Opt interface {
	apply(*cfg)
}

type optFunc func(*cfg)

func (f optFunc) apply(c *cfg) { f(c) }

// WithBufferSize sets the total addressable log capacity. The
// dispatcher divides this evenly across its three partitions, so the
// effective per-partition size is bufferSize / 3 (integer division, no
// rounding), which Build then validates (spec §4.6).
func WithBufferSize(bufferSize ByteSize) Opt {
	return optFunc(func(c *cfg) {
		c.partitionSize = int32(bufferSize.Bytes() / partitionCount)
	})
}

// WithPartitionSize sets the size of each of the three partitions
// directly, bypassing the bufferSize/3 division WithBufferSize does.
func WithPartitionSize(size ByteSize) Opt {
	return optFunc(func(c *cfg) {
		c.partitionSize = int32(size.Bytes())
	})
}

// WithBufferSizeString is WithBufferSize for a human-readable size
// string such as "12M" or "96K" (see ParseByteSize). Parse errors are
// deferred to Build.
func WithBufferSizeString(s string) Opt {
	return optFunc(func(c *cfg) {
		size, err := ParseByteSize(s)
		if err != nil {
			c.parseErr = err
			return
		}
		c.partitionSize = int32(size.Bytes() / partitionCount)
	})
}

// WithMode selects independent or pipeline subscription semantics.
func WithMode(mode Mode) Opt {
	return optFunc(func(c *cfg) { c.mode = mode })
}

// WithFrameMaxLength bounds the largest payload Claim/Offer accepts.
func WithFrameMaxLength(length ByteSize) Opt {
	return optFunc(func(c *cfg) { c.frameMaxLength = int32(length.Bytes()) })
}

// WithLogger installs a Logger; the default is a no-op.
func WithLogger(logger Logger) Opt {
	return optFunc(func(c *cfg) { c.logger = logger })
}

// WithScheduler installs a Scheduler; the default is the cooperative,
// single-worker implementation in scheduler.go.
func WithScheduler(scheduler Scheduler) Opt {
	return optFunc(func(c *cfg) { c.scheduler = scheduler })
}

// WithSubscriptions pre-declares subscription names to open at
// construction time, in order. Names must be unique; in ModePipeline
// this order is also the pipeline order.
func WithSubscriptions(names ...string) Opt {
	return optFunc(func(c *cfg) { c.subscriptions = append(c.subscriptions, names...) })
}

// WithIDSeed overrides the seed used to derive subscription IDs
// (ids.go); mostly useful for reproducible tests.
func WithIDSeed(seed string) Opt {
	return optFunc(func(c *cfg) { c.seed = seed })
}

// DispatcherConfig accumulates Opts and validates them in Build,
// mirroring the teacher's NewClient(opts ...Opt) pattern generalized
// into an explicit two-step builder (spec §4.6).
type DispatcherConfig struct {
	cfg cfg
	err error
}

// NewDispatcherConfig applies opts over the defaults.
func NewDispatcherConfig(opts ...Opt) *DispatcherConfig {
	c := defaultCfg()
	for _, opt := range opts {
		opt.apply(&c)
	}
	return &DispatcherConfig{cfg: c}
}

// Build validates the accumulated configuration and constructs a
// Dispatcher. Validation failures here are the INVALID_CONFIGURATION
// case from spec §7.
func (dc *DispatcherConfig) Build() (*Dispatcher, error) {
	c := dc.cfg

	if c.parseErr != nil {
		return nil, fmt.Errorf("dispatch: %w", c.parseErr)
	}
	if c.partitionSize < MinPartitionSize {
		return nil, fmt.Errorf("dispatch: partition size %d below minimum %d: %w", c.partitionSize, MinPartitionSize, ErrBufferTooSmall)
	}
	if !isPowerOfTwo(int64(c.partitionSize)) {
		return nil, fmt.Errorf("dispatch: %w (try %d)", ErrPartitionSizeNotPowerOfTwo, nextPowerOfTwo(int64(c.partitionSize)))
	}
	if c.frameMaxLength == defaultFrameMaxLength && alignedFrameLength(c.frameMaxLength) > c.partitionSize {
		c.frameMaxLength = c.partitionSize - HeaderLength
	}
	if c.frameMaxLength <= 0 || int32(alignedFrameLength(c.frameMaxLength)) > c.partitionSize {
		return nil, fmt.Errorf("dispatch: frame max length %d does not fit in a partition of size %d", c.frameMaxLength, c.partitionSize)
	}

	seen := make(map[string]struct{}, len(c.subscriptions))
	for _, name := range c.subscriptions {
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("dispatch: subscription %q: %w", name, ErrDuplicateSubscriptionName)
		}
		seen[name] = struct{}{}
	}

	return newDispatcher(c)
}
