// Package cache stores and retrieves analyzer results keyed by fingerprint.
//
// Two backends implement the same Adapter contract:
//
//  1. ccache (default) impersonates a compiler so that ccache hashes the
//     fingerprint document and stores the encoded result as its object file.
//  2. local keeps results in a BoltDB file for machines without ccache.
//
// Each run performs exactly one Lookup. A miss is followed by either Store or
// Abort, and the backend's hit/miss statistics change exactly once per run.
package cache

import (
	"context"
	"fmt"

	"github.com/apex/log"

	"github.com/Norgate-AV/linter-cache/internal/config"
	"github.com/Norgate-AV/linter-cache/internal/envelope"
	"github.com/Norgate-AV/linter-cache/internal/fingerprint"
)

// Decision is the outcome of a lookup
type Decision int

const (
	Miss Decision = iota
	Hit
)

func (d Decision) String() string {
	if d == Hit {
		return "hit"
	}

	return "miss"
}

// Adapter is the seam between a run and the cache engine
type Adapter interface {
	// Lookup returns the stored envelope on a hit
	Lookup(ctx context.Context, fp *fingerprint.Fingerprint) (*envelope.Envelope, Decision, error)

	// Store records the envelope produced after a miss
	Store(ctx context.Context, fp *fingerprint.Fingerprint, env *envelope.Envelope) error

	// Abort ends a miss that produced nothing worth storing
	Abort() error
}

// Stats are the counters reported by a backend
type Stats struct {
	Hits      int64
	Misses    int64
	Cacheable int64
	Entries   int64

	// Size is the storage used in bytes
	Size int64
}

// Maintainer exposes housekeeping operations
type Maintainer interface {
	Stats(ctx context.Context) (Stats, error)
	ZeroStats(ctx context.Context) error
	Clear(ctx context.Context) error
}

// Backend is a cache backend
type Backend interface {
	Adapter
	Maintainer
}

// LaunchError reports a cache engine that could not be started
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch cache engine %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// EngineError reports a cache engine that ran but failed
type EngineError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("cache engine %s failed: %v: %s", e.Op, e.Err, e.Stderr)
	}

	return fmt.Sprintf("cache engine %s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// New returns the backend selected by cfg
func New(cfg *config.Config, logger log.Interface) (Backend, error) {
	switch cfg.Backend {
	case config.BackendCCache:
		return NewCCache(cfg, logger)
	case config.BackendLocal:
		return NewLocal(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}
