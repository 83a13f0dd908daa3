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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lookout/pkg/analyzer"
)

type counts = analyzer.JSONPayload[map[string]int]

type testRegistration struct {
	id analyzer.Identity
}

func (r testRegistration) Identity() analyzer.Identity { return r.id }
func (r testRegistration) Stateless() bool { return false }
func (r testRegistration) NewPayload() analyzer.Payload { return &counts{} }
func (r testRegistration) Train(context.Context, analyzer.TrainRequest) (*analyzer.Model, error) {
	return nil, nil
}
func (r testRegistration) New(*analyzer.Model, string, analyzer.Configuration) (analyzer.Analyzer, error) {
	return nil, nil
}

var regV1 = testRegistration{id: analyzer.Identity{Name: "counter", Version: 1}}

func trained(reg analyzer.Registration, url string, n int) *analyzer.Model {
	return analyzer.NewTrainedModel(reg,
		analyzer.RepositoryPointer{URL: url, Ref: "refs/heads/main", Commit: "c1"},
		&counts{Value: map[string]int{"files": n}})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestCache_MissReturnsPlaceholder verifies an unknown key yields an untrained model.
func TestCache_MissReturnsPlaceholder(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryBackend())

	m, found, err := cache.Get(ctx, analyzer.ModelKey(regV1.id), regV1, "repo-a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, m.Untrained)
	assert.True(t, m.Matches(regV1.id))
	assert.Equal(t, "repo-a", m.Pointer.URL)
}

// TestCache_SetThenGet verifies a stored model is served from memory.
func TestCache_SetThenGet(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	cache := NewCache(backend)
	key := analyzer.ModelKey(regV1.id)

	require.NoError(t, cache.Set(ctx, key, "repo-a", trained(regV1, "repo-a", 7)))

	m, found, err := cache.Get(ctx, key, regV1, "repo-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, m.Untrained)
	assert.Equal(t, 7, m.Payload.(*counts).Value["files"])
	assert.Equal(t, int64(0), backend.Gets())
	assert.Equal(t, int64(1), backend.Puts())

	stats := cache.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, int64(1), stats.Hits)
}

// TestCache_LoadsFromBackend verifies a cold cache reads the backend once.
func TestCache_LoadsFromBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	key := analyzer.ModelKey(regV1.id)

	require.NoError(t, NewCache(backend).Set(ctx, key, "repo-a", trained(regV1, "repo-a", 3)))

	cache := NewCache(backend)
	for i := 0; i < 3; i++ {
		m, found, err := cache.Get(ctx, key, regV1, "repo-a")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 3, m.Payload.(*counts).Value["files"])
	}
	assert.Equal(t, int64(1), backend.Gets())
	assert.Equal(t, int64(1), cache.Stats().BackendLoads)
}

// TestCache_IdentityMismatch verifies a record of another version is not returned.
func TestCache_IdentityMismatch(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	cache := NewCache(backend)
	key := "shared-key"

	require.NoError(t, cache.Set(ctx, key, "repo-a", trained(regV1, "repo-a", 1)))

	regV2 := testRegistration{id: analyzer.Identity{Name: "counter", Version: 2}}

	m, found, err := cache.Get(ctx, key, regV2, "repo-a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, m.Untrained)
	assert.True(t, m.Matches(regV2.id))

	// Same result through the backend path.
	m, found, err = NewCache(backend).Get(ctx, key, regV2, "repo-a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, m.Matches(regV2.id))
}

// TestCache_TTLExpiry verifies old entries are reloaded from the backend.
func TestCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	backend := NewMemoryBackend()
	cache := NewCache(backend, WithTTL(time.Minute), WithClock(clock.Now))
	key := analyzer.ModelKey(regV1.id)

	require.NoError(t, cache.Set(ctx, key, "repo-a", trained(regV1, "repo-a", 1)))

	clock.Advance(30 * time.Second)
	_, found, err := cache.Get(ctx, key, regV1, "repo-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(0), backend.Gets())

	clock.Advance(2 * time.Minute)
	m, found, err := cache.Get(ctx, key, regV1, "repo-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, m.Untrained)
	assert.Equal(t, int64(1), backend.Gets())
	assert.Equal(t, int64(1), cache.Stats().TTLEvictions)
}

// TestCache_SetResetsAge verifies replacing an entry restarts its TTL.
func TestCache_SetResetsAge(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	backend := NewMemoryBackend()
	cache := NewCache(backend, WithTTL(time.Minute), WithClock(clock.Now))
	key := analyzer.ModelKey(regV1.id)

	require.NoError(t, cache.Set(ctx, key, "repo-a", trained(regV1, "repo-a", 1)))
	clock.Advance(50 * time.Second)
	require.NoError(t, cache.Set(ctx, key, "repo-a", trained(regV1, "repo-a", 2)))
	clock.Advance(50 * time.Second)

	m, found, err := cache.Get(ctx, key, regV1, "repo-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, m.Payload.(*counts).Value["files"])
	assert.Equal(t, int64(0), backend.Gets())
}

// TestCache_LRUEviction verifies the byte budget evicts the least recently used entry.
func TestCache_LRUEviction(t *testing.T) {
	ctx := context.Background()
	key := analyzer.ModelKey(regV1.id)
	urls := []string{"repo-a", "repo-b", "repo-c"}

	var largest int64
	for _, url := range urls {
		rec, err := EncodeModel(trained(regV1, url, 1))
		require.NoError(t, err)
		largest = max(largest, int64(len(rec)))
	}

	backend := NewMemoryBackend()
	cache := NewCache(backend, WithMaxMemory(2*(largest+entryOverhead)))

	require.NoError(t, cache.Set(ctx, key, "repo-a", trained(regV1, "repo-a", 1)))
	require.NoError(t, cache.Set(ctx, key, "repo-b", trained(regV1, "repo-b", 1)))

	// Touch repo-a so repo-b becomes least recently used.
	_, _, err := cache.Get(ctx, key, regV1, "repo-a")
	require.NoError(t, err)

	require.NoError(t, cache.Set(ctx, key, "repo-c", trained(regV1, "repo-c", 1)))

	stats := cache.Stats()
	assert.Equal(t, 2, stats.EntryCount)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.LessOrEqual(t, stats.Bytes, stats.MaxMemoryBytes)

	_, found, err := cache.Get(ctx, key, regV1, "repo-a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(0), backend.Gets())

	// The evicted model is still durable.
	m, found, err := cache.Get(ctx, key, regV1, "repo-b")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, m.Untrained)
	assert.Equal(t, int64(1), backend.Gets())
}

// TestCache_ConcurrentGetSingleLoad verifies concurrent misses share one backend read.
func TestCache_ConcurrentGetSingleLoad(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	key := analyzer.ModelKey(regV1.id)
	require.NoError(t, NewCache(backend).Set(ctx, key, "repo-a", trained(regV1, "repo-a", 5)))

	cache := NewCache(backend)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, found, err := cache.Get(ctx, key, regV1, "repo-a")
			if err == nil && (!found || m.Untrained) {
				err = errors.New("model not found")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), backend.Gets())
}

// TestCache_ConcurrentDifferentKeys verifies parallel writers of distinct keys.
func TestCache_ConcurrentDifferentKeys(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryBackend())
	key := analyzer.ModelKey(regV1.id)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("repo-%d", i)
			assert.NoError(t, cache.Set(ctx, key, url, trained(regV1, url, i)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		m, found, err := cache.Get(ctx, key, regV1, fmt.Sprintf("repo-%d", i))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, i, m.Payload.(*counts).Value["files"])
	}
	assert.Empty(t, cache.locks.m)
}

// TestCache_CorruptRecord verifies undecodable records surface an error.
func TestCache_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	key := analyzer.ModelKey(regV1.id)
	require.NoError(t, backend.Put(ctx, key, "repo-a", []byte("not zstd")))

	_, _, err := NewCache(backend).Get(ctx, key, regV1, "repo-a")
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

// TestCache_Lifecycle verifies Init is repeatable and Shutdown is final.
func TestCache_Lifecycle(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	cache := NewCache(backend)
	key := analyzer.ModelKey(regV1.id)

	require.NoError(t, cache.Init(ctx))
	require.NoError(t, cache.Init(ctx))
	assert.Equal(t, int64(2), backend.Inits())

	require.NoError(t, cache.Set(ctx, key, "repo-a", trained(regV1, "repo-a", 1)))
	require.NoError(t, cache.Shutdown(ctx))

	assert.ErrorIs(t, cache.Shutdown(ctx), ErrClosed)
	assert.ErrorIs(t, cache.Init(ctx), ErrClosed)
	assert.ErrorIs(t, cache.Set(ctx, key, "repo-a", trained(regV1, "repo-a", 1)), ErrClosed)
	_, _, err := cache.Get(ctx, key, regV1, "repo-a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, cache.Stats().EntryCount)
}

// TestCacheStats_HitRate verifies the percentage computation.
func TestCacheStats_HitRate(t *testing.T) {
	assert.Equal(t, 0.0, CacheStats{}.HitRate())
	assert.Equal(t, 75.0, CacheStats{Hits: 3, Misses: 1}.HitRate())
}
