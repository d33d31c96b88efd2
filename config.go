package lfstack

import (
	"math/bits"

	"github.com/rs/zerolog"
)

// ReclamationStrategy selects how the stack proves that an unlinked
// node is safe to recycle.
type ReclamationStrategy int

const (
	// HazardPointers publishes per-goroutine hazard slots and frees a
	// retired node only when no published slot references it. Bounded
	// garbage, higher per-pop cost.
	HazardPointers ReclamationStrategy = iota
	// EpochBased pins a global epoch per operation and frees a retired
	// node two epoch advances after retirement. Cheaper pops; garbage
	// is bounded only by the slowest in-flight operation.
	EpochBased
)

func (s ReclamationStrategy) String() string {
	switch s {
	case HazardPointers:
		return "hazard-pointers"
	case EpochBased:
		return "epoch-based"
	}

	return "unknown"
}

const (
	defaultSlabSize    = 256
	defaultRetireBatch = 64
	defaultMaxSpin     = 8
	maxSlabSize        = 1 << 16

	goPoolMaxWorkers  = 1
	goPoolMaxCapacity = 128
)

type ConfigOption func(*Config)

type Config struct {
	// Reclamation selects the memory reclamation strategy.
	Reclamation ReclamationStrategy
	// Capacity caps the total number of nodes the arena may
	// materialize. Zero means unbounded.
	Capacity int
	// MaxSpin is the number of failed CAS attempts before an operation
	// yields the processor.
	MaxSpin int
	// SlabSize is the node count of one arena slab, rounded up to a
	// power of two.
	SlabSize int
	// RetireBatch is the number of retired nodes that triggers a
	// reclamation pass.
	RetireBatch int
	// GoroutinePool offloads reclamation passes to a background worker
	// pool instead of running them on the retiring goroutine.
	GoroutinePool bool
	// StateChecks maintains the node lifecycle word and panics on
	// double-free and use-after-free transitions. Debug facility.
	StateChecks bool
	// LoggerLevel is the logging level.
	LoggerLevel zerolog.Level
	// PrettyLogger enables the pretty logging console writer.
	PrettyLogger bool
}

func WithReclamation(strategy ReclamationStrategy) ConfigOption {
	return func(c *Config) {
		c.Reclamation = strategy
	}
}

func WithCapacity(capacity int) ConfigOption {
	return func(c *Config) {
		c.Capacity = capacity
	}
}

func WithMaxSpin(maxSpin int) ConfigOption {
	return func(c *Config) {
		c.MaxSpin = maxSpin
	}
}

func WithSlabSize(slabSize int) ConfigOption {
	return func(c *Config) {
		c.SlabSize = slabSize
	}
}

func WithRetireBatch(retireBatch int) ConfigOption {
	return func(c *Config) {
		c.RetireBatch = retireBatch
	}
}

func WithGoroutinePool(goroutinePool bool) ConfigOption {
	return func(c *Config) {
		c.GoroutinePool = goroutinePool
	}
}

func WithStateChecks(stateChecks bool) ConfigOption {
	return func(c *Config) {
		c.StateChecks = stateChecks
	}
}

func WithLoggerLevel(loggerLevel zerolog.Level) ConfigOption {
	return func(c *Config) {
		c.LoggerLevel = loggerLevel
	}
}

func WithPrettyLogger(prettyLogger bool) ConfigOption {
	return func(c *Config) {
		c.PrettyLogger = prettyLogger
	}
}

func NewConfig(opts ...ConfigOption) Config {
	config := Config{
		Reclamation:  HazardPointers,
		Capacity:     0,
		MaxSpin:      defaultMaxSpin,
		SlabSize:     defaultSlabSize,
		RetireBatch:  defaultRetireBatch,
		StateChecks:  false,
		LoggerLevel:  zerolog.ErrorLevel,
		PrettyLogger: false,
	}
	for _, opt := range opts {
		opt(&config)
	}

	return sanitizeConfig(config)
}

// sanitizeConfig clamps out-of-range values instead of failing
// construction.
func sanitizeConfig(config Config) Config {
	if config.Capacity < 0 {
		config.Capacity = 0
	}
	// Nodes are addressed by 32-bit indexes; a cap beyond that space
	// cannot be enforced and means unbounded.
	if uint64(config.Capacity) >= 1<<32 {
		config.Capacity = 0
	}
	if config.MaxSpin < 1 {
		config.MaxSpin = 1
	}
	if config.SlabSize < 1 {
		config.SlabSize = defaultSlabSize
	}
	if config.SlabSize > maxSlabSize {
		config.SlabSize = maxSlabSize
	}
	config.SlabSize = 1 << bits.Len32(uint32(config.SlabSize-1))
	if config.RetireBatch < 1 {
		config.RetireBatch = 1
	}

	return config
}
