// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modelrepo

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/lookout/pkg/analyzer"
)

// cacheEntry is one cached model.
type cacheEntry struct {
	id       string
	model    *analyzer.Model
	size     int64
	storedAt time.Time
	elem     *list.Element
}

// Cache is the in-memory tier in front of a Backend.
//
// Thread Safety:
//
//	Cache is safe for concurrent use. mu guards the entry map and LRU list
//	and is never held across Backend calls. Backend calls for one key run
//	under that key's lock.
//
// Models returned by Get are shared between callers and must be treated as
// read-only.
type Cache struct {
	backend Backend
	options CacheOptions

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List
	bytes   int64

	locks  keyLocks
	flight singleflight.Group
	closed atomic.Bool

	// Stats
	hits         int64
	misses       int64
	backendLoads int64
	evictions    int64
	ttlEvictions int64
}

// NewCache creates a Cache over backend.
func NewCache(backend Backend, opts ...CacheOption) *Cache {
	options := DefaultCacheOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Cache{
		backend: backend,
		options: options,
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
		locks:   keyLocks{m: make(map[string]*keyLock)},
	}
}

func entryID(key, url string) string {
	return key + "\x00" + url
}

// Init creates the backend's storage structures. Safe to call repeatedly.
func (c *Cache) Init(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, span := startCacheSpan(ctx, "Init", "", "")
	defer span.End()
	if err := c.backend.Init(ctx); err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("init backend: %w", err)
	}
	return nil
}

// Shutdown drops the cache and closes the backend. Later calls fail with
// ErrClosed.
func (c *Cache) Shutdown(_ context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.lru.Init()
	c.bytes = 0
	c.mu.Unlock()

	c.options.Logger.Info("model cache shut down")
	return c.backend.Close()
}

// Get looks up the model stored under (key, url).
//
// Description:
//
//	Checks the in-memory tier first. A cached model whose identity does
//	not match typ is a miss. On a cache miss the backend is queried once
//	per key even under concurrent callers, and a found record populates
//	the cache. When nothing usable exists an untrained placeholder of typ
//	is returned with found=false.
//
// Inputs:
//
//	ctx - Context for backend I/O.
//	key - ModelKey of the analyzer.
//	typ - Registration whose identity the model must match.
//	url - Repository URL.
//
// Outputs:
//
//	*analyzer.Model - The stored model or a placeholder. Never nil on success.
//	bool - True if a stored model matched.
//	error - Backend failure, ErrCorruptRecord or ErrClosed.
//
// Thread Safety: Safe for concurrent use.
func (c *Cache) Get(ctx context.Context, key string, typ analyzer.Registration, url string) (*analyzer.Model, bool, error) {
	if c.closed.Load() {
		return nil, false, ErrClosed
	}
	ctx, span := startCacheSpan(ctx, "Get", key, url)
	defer span.End()

	id := entryID(key, url)
	placeholder := func() *analyzer.Model {
		return analyzer.ConstructModel(typ, analyzer.RepositoryPointer{URL: url})
	}

	if m, ok := c.lookup(id); ok {
		if !m.Matches(typ.Identity()) {
			atomic.AddInt64(&c.misses, 1)
			c.options.Metrics.Lookup("mismatch")
			setCacheSpanResult(span, "mismatch")
			return placeholder(), false, nil
		}
		atomic.AddInt64(&c.hits, 1)
		c.options.Metrics.Lookup("hit")
		setCacheSpanResult(span, "hit")
		return m, true, nil
	}

	v, err, _ := c.flight.Do(id, func() (any, error) {
		return c.load(ctx, id, key, url, typ)
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, false, err
	}
	atomic.AddInt64(&c.misses, 1)
	m, _ := v.(*analyzer.Model)
	if m == nil || !m.Matches(typ.Identity()) {
		c.options.Metrics.Lookup("miss")
		setCacheSpanResult(span, "miss")
		return placeholder(), false, nil
	}
	c.options.Metrics.Lookup("backend")
	setCacheSpanResult(span, "backend")
	return m, true, nil
}

// load reads (key, url) from the backend under the key lock and caches it.
func (c *Cache) load(ctx context.Context, id, key, url string, typ analyzer.Registration) (*analyzer.Model, error) {
	unlock := c.locks.lock(id)
	defer unlock()

	// A Set may have landed while we waited for the lock.
	if m, ok := c.lookup(id); ok {
		return m, nil
	}

	atomic.AddInt64(&c.backendLoads, 1)
	data, found, err := c.backend.Get(ctx, key, url)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", key, url, err)
	}
	if !found {
		return nil, nil
	}
	m, err := DecodeModel(data, typ)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", key, url, err)
	}
	if m == nil {
		return nil, nil
	}
	c.insert(id, m, int64(len(data)))
	return m, nil
}

// Set persists m and then replaces the cache entry, resetting its age.
//
// Thread Safety: Serialized with other Set and loads of the same key.
func (c *Cache) Set(ctx context.Context, key, url string, m *analyzer.Model) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, span := startCacheSpan(ctx, "Set", key, url)
	defer span.End()

	id := entryID(key, url)
	unlock := c.locks.lock(id)
	defer unlock()

	data, err := EncodeModel(m)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	if err := c.backend.Put(ctx, key, url, data); err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("store %s %s: %w", key, url, err)
	}
	c.insert(id, m, int64(len(data)))
	c.options.Logger.Debug("stored model", "key", key, "url", url, "bytes", len(data))
	return nil
}

// Stats returns current cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		EntryCount:     len(c.entries),
		Bytes:          c.bytes,
		Hits:           atomic.LoadInt64(&c.hits),
		Misses:         atomic.LoadInt64(&c.misses),
		BackendLoads:   atomic.LoadInt64(&c.backendLoads),
		Evictions:      atomic.LoadInt64(&c.evictions),
		TTLEvictions:   atomic.LoadInt64(&c.ttlEvictions),
		MaxMemoryBytes: c.options.MaxMemoryBytes,
		TTL:            c.options.TTL,
	}
}

// lookup returns the live cached model of id and marks it recently used.
// An expired entry is dropped and reported absent.
func (c *Cache) lookup(id string) (*analyzer.Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if c.isExpired(e, c.options.Now()) {
		c.removeLocked(e)
		atomic.AddInt64(&c.ttlEvictions, 1)
		c.options.Metrics.Evicted("ttl", 1)
		c.reportSizeLocked()
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	return e.model, true
}

// insert adds or replaces id and enforces both bounds.
func (c *Cache) insert(id string, m *analyzer.Model, recordSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[id]; ok {
		c.removeLocked(old)
	}
	e := &cacheEntry{
		id:       id,
		model:    m,
		size:     recordSize + entryOverhead,
		storedAt: c.options.Now(),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[id] = e
	c.bytes += e.size

	c.evictIfNeeded()
	c.reportSizeLocked()
}

func (c *Cache) isExpired(e *cacheEntry, now time.Time) bool {
	if c.options.TTL <= 0 {
		return false
	}
	return now.Sub(e.storedAt) > c.options.TTL
}

func (c *Cache) removeLocked(e *cacheEntry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.id)
	c.bytes -= e.size
}

// evictIfNeeded drops expired entries, then least recently used entries
// until the cache fits its byte budget.
//
// Assumptions:
//
//	Caller holds c.mu.
func (c *Cache) evictIfNeeded() {
	now := c.options.Now()
	expired := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*cacheEntry); c.isExpired(e, now) {
			c.removeLocked(e)
			expired++
		}
		el = prev
	}
	atomic.AddInt64(&c.ttlEvictions, int64(expired))
	c.options.Metrics.Evicted("ttl", expired)

	evicted := 0
	for c.bytes > c.options.MaxMemoryBytes && c.lru.Len() > 0 {
		c.removeLocked(c.lru.Back().Value.(*cacheEntry))
		evicted++
	}
	atomic.AddInt64(&c.evictions, int64(evicted))
	c.options.Metrics.Evicted("lru", evicted)
	if evicted > 0 {
		c.options.Logger.Debug("evicted models", "count", evicted, "bytes", c.bytes)
	}
}

func (c *Cache) reportSizeLocked() {
	c.options.Metrics.Size(len(c.entries), c.bytes)
}

// =============================================================================
// Per-key Locking
// =============================================================================

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks hands out one mutex per key and forgets it when unused.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
