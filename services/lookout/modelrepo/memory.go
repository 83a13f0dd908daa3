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
	"sync"
	"sync/atomic"
)

// MemoryBackend is a non-durable Backend for tests and dry runs.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string][]byte

	gets  atomic.Int64
	puts  atomic.Int64
	inits atomic.Int64
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

// Init implements Backend.
func (b *MemoryBackend) Init(context.Context) error {
	b.inits.Add(1)
	return nil
}

// Put implements Backend.
func (b *MemoryBackend) Put(_ context.Context, key, url string, record []byte) error {
	b.puts.Add(1)
	cp := append([]byte(nil), record...)
	b.mu.Lock()
	b.records[entryID(key, url)] = cp
	b.mu.Unlock()
	return nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key, url string) ([]byte, bool, error) {
	b.gets.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[entryID(key, url)]
	return rec, ok, nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error { return nil }

// Gets returns how many times Get was called.
func (b *MemoryBackend) Gets() int64 { return b.gets.Load() }

// Puts returns how many times Put was called.
func (b *MemoryBackend) Puts() int64 { return b.puts.Load() }

// Inits returns how many times Init was called.
func (b *MemoryBackend) Inits() int64 { return b.inits.Load() }
