// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport owns the gRPC channels used to reach the data and
// parse backend.
//
// # Description
//
// Every worker gets exactly one Session. A Session lazily opens one channel
// on first use and builds the Data and Parser stubs on it. Sessions are never
// shared between workers. After a transport failure the Session's channel is
// invalidated so the next call reconnects from scratch.
//
// The Session of the current worker travels in the context: the event server
// attaches it with WithSession and the data-fetch path reads it back with
// FromContext.
//
// # Thread Safety
//
// Pool is safe for concurrent use. A Session is owned by one worker but its
// methods are guarded so ShutdownAll can close it from another goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/AleutianAI/lookout/services/lookout/api"
	"github.com/AleutianAI/lookout/services/lookout/observability"
)

// DefaultMaxMessageSize bounds gRPC messages in both directions.
const DefaultMaxMessageSize = 100 * 1024 * 1024

// ErrPoolClosed is returned by sessions used after ShutdownAll.
var ErrPoolClosed = errors.New("transport pool is shut down")

// WorkerID identifies the owner of a Session.
type WorkerID string

// Option configures a Pool.
type Option func(*Pool)

// WithDialOptions appends gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(p *Pool) {
		p.dialOpts = append(p.dialOpts, opts...)
	}
}

// WithMaxMessageSize overrides DefaultMaxMessageSize.
func WithMaxMessageSize(n int) Option {
	return func(p *Pool) {
		p.maxMessageSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithMetrics records channel lifecycle metrics.
func WithMetrics(m *observability.TransportMetrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// Pool hands out one Session per worker.
type Pool struct {
	address        string
	dialOpts       []grpc.DialOption
	maxMessageSize int
	logger         *slog.Logger
	metrics        *observability.TransportMetrics

	mu       sync.Mutex
	sessions map[WorkerID]*Session
	closed   bool

	ephemeral atomic.Uint64
}

// NewPool creates a Pool for the backend at address. No connection is made
// until a Session is used.
func NewPool(address string, opts ...Option) *Pool {
	p := &Pool{
		address:        address,
		maxMessageSize: DefaultMaxMessageSize,
		logger:         slog.Default(),
		sessions:       make(map[WorkerID]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// String describes the pool.
func (p *Pool) String() string {
	return fmt.Sprintf("DataService(%s)", p.address)
}

// Address returns the backend address.
func (p *Pool) Address() string {
	return p.address
}

// Session returns the Session owned by id, creating it on first use.
func (p *Pool) Session(id WorkerID) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[id]; ok {
		return s
	}
	s := &Session{pool: p, id: id}
	p.sessions[id] = s
	return s
}

// Ephemeral returns a fresh Session for a caller that is not a worker. The
// caller must Close it.
func (p *Pool) Ephemeral() *Session {
	return p.Session(WorkerID(fmt.Sprintf("ephemeral-%d", p.ephemeral.Add(1))))
}

// Sessions returns the number of live sessions.
func (p *Pool) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// ShutdownAll closes every channel and forgets every Session. Sessions used
// afterwards return ErrPoolClosed.
func (p *Pool) ShutdownAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[WorkerID]*Session)
	p.closed = true
	p.mu.Unlock()

	p.logger.Info("shutting down", "pool", p.String(), "sessions", len(sessions))
	for _, s := range sessions {
		s.closeChannel(false)
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) forget(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.sessions[s.id]; ok && cur == s {
		delete(p.sessions, s.id)
	}
}

func (p *Pool) dial() (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(p.maxMessageSize),
			grpc.MaxCallSendMsgSize(p.maxMessageSize),
			api.CallOption(),
		),
	}
	opts = append(opts, p.dialOpts...)
	return grpc.NewClient(p.address, opts...)
}

// Session is one worker's channel and the stubs bound to it.
type Session struct {
	pool *Pool
	id   WorkerID

	mu     sync.Mutex
	conn   *grpc.ClientConn
	data   api.DataClient
	parser api.ParserClient
}

// ID returns the owning worker.
func (s *Session) ID() WorkerID {
	return s.id
}

// Data returns the data stub, opening the channel if needed.
func (s *Session) Data(_ context.Context) (api.DataClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		conn, err := s.channelLocked()
		if err != nil {
			return nil, err
		}
		s.data = api.NewDataClient(conn)
	}
	return s.data, nil
}

// Parser returns the parser stub, opening the channel if needed.
func (s *Session) Parser(_ context.Context) (api.ParserClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parser == nil {
		conn, err := s.channelLocked()
		if err != nil {
			return nil, err
		}
		s.parser = api.NewParserClient(conn)
	}
	return s.parser, nil
}

func (s *Session) channelLocked() (*grpc.ClientConn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	if s.pool.isClosed() {
		return nil, ErrPoolClosed
	}
	conn, err := s.pool.dial()
	if err != nil {
		return nil, fmt.Errorf("open channel to %s: %w", s.pool.address, err)
	}
	s.conn = conn
	s.pool.metrics.Opened()
	s.pool.logger.Info("opened channel", "worker", string(s.id), "target", s.pool.address)
	return conn, nil
}

// Invalidate closes and forgets the channel and its stubs. The next Data or
// Parser call opens a new channel.
func (s *Session) Invalidate() {
	s.closeChannel(true)
}

// Close releases the Session when its worker exits.
func (s *Session) Close() {
	s.closeChannel(false)
	s.pool.forget(s)
}

func (s *Session) closeChannel(invalidated bool) {
	s.mu.Lock()
	conn := s.conn
	s.conn, s.data, s.parser = nil, nil, nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		s.pool.logger.Warn("close channel", "worker", string(s.id), "error", err)
	}
	s.pool.metrics.Closed(invalidated)
	s.pool.logger.Info("disposed channel", "worker", string(s.id), "invalidated", invalidated)
}

// =============================================================================
// Failure Handling
// =============================================================================

// Invalidator is the part of a Session that Call needs.
type Invalidator interface {
	Invalidate()
}

// IsTransportError reports whether err came from a gRPC call.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := status.FromError(err)
	return ok
}

// Call runs fn and invalidates s when fn fails with a transport error. The
// error is returned unchanged and the call is never retried.
func Call[T any](s Invalidator, fn func() (T, error)) (T, error) {
	v, err := fn()
	if IsTransportError(err) {
		s.Invalidate()
	}
	return v, err
}

// =============================================================================
// Context
// =============================================================================

type sessionKey struct{}

// WithSession attaches s to ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the Session attached to ctx.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

// Acquire returns the Session bound to ctx, or an ephemeral one from p.
// release must be called when the caller is done; it only closes sessions
// that Acquire created.
func Acquire(ctx context.Context, p *Pool) (s *Session, release func()) {
	if s, ok := FromContext(ctx); ok {
		return s, func() {}
	}
	s = p.Ephemeral()
	return s, s.Close
}
