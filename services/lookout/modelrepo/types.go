// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modelrepo stores trained models and caches them in memory.
//
// # Description
//
// A Repository is keyed by (ModelKey, repository URL). Cache is the
// Repository implementation used by the host: an LRU cache bounded by an
// aggregate byte budget and a per-entry TTL, in front of a durable Backend.
// Eviction never touches the Backend, so an evicted model is transparently
// reloaded by the next Get.
//
// # Thread Safety
//
// Cache is safe for concurrent use. Operations on different keys only
// contend on short bookkeeping sections; operations on the same key are
// serialized by a per-key lock.
package modelrepo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/observability"
)

// Default configuration values.
const (
	// DefaultMaxMemoryBytes is the default aggregate cache budget.
	DefaultMaxMemoryBytes = 1 << 30

	// DefaultTTL is the default maximum age of a cache entry.
	DefaultTTL = 6 * time.Hour

	// entryOverhead approximates the bookkeeping cost of one entry.
	entryOverhead = 256
)

var (
	// ErrClosed is returned by every operation after Shutdown.
	ErrClosed = errors.New("model repository is shut down")

	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt model record")
)

// Repository is the contract the orchestrator relies on.
type Repository interface {
	// Get returns the model stored under (key, url) if its identity matches
	// typ. Otherwise it returns an untrained placeholder and found=false.
	// The error is reserved for backend failures and ErrClosed.
	Get(ctx context.Context, key string, typ analyzer.Registration, url string) (model *analyzer.Model, found bool, err error)

	// Set durably stores m under (key, url) and then caches it.
	Set(ctx context.Context, key, url string, m *analyzer.Model) error

	// Init creates storage structures if absent. Idempotent.
	Init(ctx context.Context) error

	// Shutdown flushes and releases resources. Call once.
	Shutdown(ctx context.Context) error
}

// Backend is a durable key-value store for encoded model records.
//
// # Description
//
// Put must be atomic: a crash mid-write leaves either the previous record
// or the new one, never a partial record.
type Backend interface {
	Init(ctx context.Context) error
	Put(ctx context.Context, key, url string, record []byte) error
	Get(ctx context.Context, key, url string) (record []byte, found bool, err error)
	Close() error
}

// CacheOptions configures Cache behavior.
type CacheOptions struct {
	// MaxMemoryBytes bounds the aggregate size of cached records.
	MaxMemoryBytes int64

	// TTL is the maximum age of an entry since it was stored.
	TTL time.Duration

	// Now is the clock. Tests override it.
	Now func() time.Time

	Logger  *slog.Logger
	Metrics *observability.CacheMetrics
}

// DefaultCacheOptions returns the defaults.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		MaxMemoryBytes: DefaultMaxMemoryBytes,
		TTL:            DefaultTTL,
		Now:            time.Now,
		Logger:         slog.Default(),
	}
}

// CacheOption is a functional option for configuring Cache.
type CacheOption func(*CacheOptions)

// WithMaxMemory sets the aggregate byte budget.
func WithMaxMemory(bytes int64) CacheOption {
	return func(o *CacheOptions) {
		if bytes > 0 {
			o.MaxMemoryBytes = bytes
		}
	}
}

// WithTTL sets the maximum entry age.
func WithTTL(d time.Duration) CacheOption {
	return func(o *CacheOptions) {
		if d > 0 {
			o.TTL = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CacheOption {
	return func(o *CacheOptions) {
		o.Now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CacheOption {
	return func(o *CacheOptions) {
		o.Logger = l
	}
}

// WithMetrics records lookups, evictions and size.
func WithMetrics(m *observability.CacheMetrics) CacheOption {
	return func(o *CacheOptions) {
		o.Metrics = m
	}
}

// CacheStats contains statistics about the cache.
type CacheStats struct {
	EntryCount     int
	Bytes          int64
	Hits           int64
	Misses         int64
	BackendLoads   int64
	Evictions      int64
	TTLEvictions   int64
	MaxMemoryBytes int64
	TTL            time.Duration
}

// HitRate returns the cache hit rate as a percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
