package duskbase

import "github.com/ryogrid/duskbase/internal/diag"

// Options configures an open Database, functional-options style: the
// teacher's NewBufMgr takes a fixed positional-argument list
// (bits, nodeMax, pbm, lastPageZeroId); duskbase generalizes that shape
// into closures the way intellect4all-storage-engines' pager/engine
// constructors and SimonWaldherr-tinySQL's ConnectOptions chain config.
type Options struct {
	PageSize      int
	CacheSize     int // cached node count per open tree
	Destroy       bool
	Log           *diag.Logger
	EvictionPolicy EvictionPolicy
	TrackStoredCounts bool
}

// EvictionPolicy names a node cache eviction strategy. Spec §9 leaves
// "eviction alternative" as an open question; duskbase exposes it as a
// toggle defaulting to the teacher's own clock/second-chance algorithm
// rather than guessing at a replacement. Open reads neither
// Options.EvictionPolicy nor Options.TrackStoredCounts: the node cache
// always uses clock eviction, whichever policy is set.
type EvictionPolicy int

const (
	EvictionClock EvictionPolicy = iota
	EvictionLRU
)

// Option mutates an Options value being built up by Open.
type Option func(*Options)

// defaultOptions matches the teacher's own defaults where one is visible
// (4096-byte pages, 1024 cached nodes) per bufmgr.go's NewBufMgr.
func defaultOptions() Options {
	return Options{
		PageSize:          4096,
		CacheSize:         1024,
		Log:               diag.Nop(),
		EvictionPolicy:    EvictionClock,
		TrackStoredCounts: true,
	}
}

func WithPageSize(n int) Option { return func(o *Options) { o.PageSize = n } }

func WithCacheSize(n int) Option { return func(o *Options) { o.CacheSize = n } }

func WithDestroy(destroy bool) Option { return func(o *Options) { o.Destroy = destroy } }

func WithLogger(l *diag.Logger) Option { return func(o *Options) { o.Log = l } }

func WithEvictionPolicy(p EvictionPolicy) Option { return func(o *Options) { o.EvictionPolicy = p } }

func WithStoredCounts(track bool) Option { return func(o *Options) { o.TrackStoredCounts = track } }
