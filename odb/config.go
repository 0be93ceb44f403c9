// Package odb implements the context façade tying the datastore, index,
// scheduler, watchdog, and archive layers together (spec §4.5): the
// single entry point an embedder constructs, populates with indexes,
// and drives through insertion, sweep, query, and teardown.
package odb

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/oba-core/odb/archive"
	"github.com/oba-core/odb/datastore"
)

// Sentinel errors (spec §7).
var (
	// ErrInvalidConfig is returned by New when Config.validate() fails.
	ErrInvalidConfig = errors.New("odb: invalid configuration")
	// ErrIdentMismatch mirrors index.ErrIdentMismatch for data (or a
	// child index/group) bearing a foreign context's ident.
	ErrIdentMismatch = errors.New("odb: ident mismatch")
	// ErrNotFound is returned by Remove for an address no attached
	// datastore or index holds (spec §7 "not-found").
	ErrNotFound = errors.New("odb: not found")
	// ErrSchedulerNotRunning reports that no scheduler was started.
	// BlockUntilDone does not return it: without a scheduler it returns
	// at once.
	ErrSchedulerNotRunning = errors.New("odb: scheduler not running")
)

// Flavour selects the backing datastore variant constructed by New
// (spec §4.5 "Construction parameters: backing datastore flavour").
type Flavour int

const (
	// FlavourBank is the fixed-size bank datastore (positional lookup).
	FlavourBank Flavour = iota
	// FlavourLinkedList is the fixed-width linked-list datastore.
	FlavourLinkedList
	// FlavourVariable is the variable-width linked-list datastore.
	FlavourVariable
)

// Config configures a Context (spec §4.5 "Construction parameters"),
// built the way the teacher's storage.EngineOptions is: a plain struct
// with a Validate()-style method, populated here via With* functional
// options rather than field literals so zero values stay meaningful
// defaults (engine/obadb.go's Open(path, opts) / opts.Validate()
// pattern, adapted to in-process construction).
type Config struct {
	Flavour    Flavour
	PayloadLen int
	BankChunk  int

	Meta datastore.Meta

	Prune    datastore.PruneFunc
	Archiver archive.Archiver
	FreeHook datastore.FreeHook

	WatchdogInterval time.Duration
	WatchdogCapBytes uint64
	WatchdogFraction float64

	Logger *zap.Logger
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithFlavour selects the backing datastore variant. Defaults to
// FlavourBank.
func WithFlavour(f Flavour) Option {
	return func(c *Config) { c.Flavour = f }
}

// WithBankChunkSize overrides the fixed-bank datastore's per-chunk
// slot count (defaults to 1024 in New if unset).
func WithBankChunkSize(n int) Option {
	return func(c *Config) { c.BankChunk = n }
}

// WithMetadataTimestamp enables the trailing per-record creation
// timestamp (spec §6 "Metadata layout").
func WithMetadataTimestamp() Option {
	return func(c *Config) { c.Meta.Timestamp = true }
}

// WithQueryCounter enables the trailing per-record query-hit counter
// (spec §6 "Metadata layout").
func WithQueryCounter() Option {
	return func(c *Config) { c.Meta.QueryCount = true }
}

// WithPrune sets the prune predicate a sweep applies (spec §6 "Prune
// predicate").
func WithPrune(fn datastore.PruneFunc) Option {
	return func(c *Config) { c.Prune = fn }
}

// WithArchiver sets the write-on-evict hook a sweep invokes before
// unlinking a pruned record (spec §6 "Archive hook").
func WithArchiver(a archive.Archiver) Option {
	return func(c *Config) { c.Archiver = a }
}

// WithFreeHook sets the hook invoked once per record during Purge
// (spec §6 "Free hook").
func WithFreeHook(fn datastore.FreeHook) Option {
	return func(c *Config) { c.FreeHook = fn }
}

// WithWatchdog enables a background RSS-sampling watchdog at the given
// interval, triggering RemoveSweep when resident memory exceeds
// capBytes (spec §2 item 6, SPEC_FULL §5.8). capBytes == 0 leaves the
// absolute cap disabled; pair with WithWatchdogFraction for a
// fraction-of-total-RAM cap instead.
func WithWatchdog(interval time.Duration, capBytes uint64) Option {
	return func(c *Config) {
		c.WatchdogInterval = interval
		c.WatchdogCapBytes = capBytes
	}
}

// WithWatchdogFraction expresses the watchdog's RSS cap as a fraction
// of total system memory (watchdog.Config.CapFraction, SPEC_FULL §4).
func WithWatchdogFraction(interval time.Duration, fraction float64) Option {
	return func(c *Config) {
		c.WatchdogInterval = interval
		c.WatchdogFraction = fraction
	}
}

// WithLogger sets the structured logger used for lifecycle and
// watchdog events. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

func defaultConfig() Config {
	return Config{
		Flavour:   FlavourBank,
		BankChunk: 1024,
	}
}

// validate mirrors storage.EngineOptions.Validate()'s shape: reject
// an inconsistent construction request up front rather than failing
// partway through initialization (spec §7 "invalid-construction").
func (c *Config) validate() error {
	if c.Flavour != FlavourVariable && c.PayloadLen <= 0 {
		return ErrInvalidConfig
	}
	if c.BankChunk <= 0 {
		c.BankChunk = 1024
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}
