// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the analyzer host as the lookout.Analyzer gRPC
// service.
//
// # Description
//
// Incoming events are queued to a fixed pool of workers. Each worker owns
// one transport session for its whole life and attaches it to the context
// of every event it processes, so consecutive events on a worker reuse the
// same data service channel.
//
// # Thread Safety
//
// Server is safe for concurrent use. Start and Stop must each be called once.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AleutianAI/lookout/services/lookout/api"
	"github.com/AleutianAI/lookout/services/lookout/transport"
)

// DefaultWorkers is the default size of the worker pool.
const DefaultWorkers = 1

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("server already started")

	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("server not started")
)

// EventHandler processes one event. manager.Manager implements it.
type EventHandler interface {
	HandlePush(ctx context.Context, ev *api.PushEvent) (*api.EventResponse, error)
	HandleReview(ctx context.Context, ev *api.ReviewEvent) (*api.EventResponse, error)
}

// Option configures a Server.
type Option func(*Server)

// WithWorkers sets the number of workers. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithListener serves on lis instead of listening on the address.
func WithListener(lis net.Listener) Option {
	return func(s *Server) {
		s.lis = lis
	}
}

// WithServerOptions adds gRPC server options.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(s *Server) {
		s.grpcOpts = append(s.grpcOpts, opts...)
	}
}

type result struct {
	resp *api.EventResponse
	err  error
}

type job struct {
	ctx  context.Context
	kind string
	run  func(ctx context.Context) (*api.EventResponse, error)
	done chan result
}

// Server is the event-facing gRPC server.
type Server struct {
	addr     string
	handler  EventHandler
	pool     *transport.Pool
	workers  int
	logger   *slog.Logger
	grpcOpts []grpc.ServerOption

	lis     net.Listener
	grpc    *grpc.Server
	jobs    chan *job
	quit    chan struct{}
	group   errgroup.Group
	serveWG sync.WaitGroup

	started  atomic.Bool
	stopping atomic.Bool
}

// New creates a Server for addr.
//
// Inputs:
//
//	addr - host:port to listen on. Ignored with WithListener.
//	handler - Receives every event.
//	pool - Source of the per-worker transport sessions.
func New(addr string, handler EventHandler, pool *transport.Pool, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		handler: handler,
		pool:    pool,
		workers: DefaultWorkers,
		logger:  slog.Default(),
		jobs:    make(chan *job),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening and launches the workers. It does not block.
func (s *Server) Start(_ context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if s.lis == nil {
		lis, err := net.Listen("tcp", s.addr)
		if err != nil {
			s.started.Store(false)
			return fmt.Errorf("listen on %s: %w", s.addr, err)
		}
		s.lis = lis
	}

	for i := 0; i < s.workers; i++ {
		id := transport.WorkerID(fmt.Sprintf("worker-%d", i))
		s.group.Go(func() error {
			s.work(id)
			return nil
		})
	}

	s.grpc = grpc.NewServer(s.grpcOpts...)
	api.RegisterAnalyzerServer(s.grpc, s)

	s.serveWG.Add(1)
	go func() {
		defer s.serveWG.Done()
		if err := s.grpc.Serve(s.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc serve failed", "error", err)
		}
	}()

	s.logger.Info("analyzer server started",
		"addr", s.Addr(),
		"workers", s.workers,
		"data_service", s.pool.String(),
	)
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.addr
	}
	return s.lis.Addr().String()
}

// Healthy reports whether the server accepts events.
func (s *Server) Healthy() bool {
	return s.started.Load() && !s.stopping.Load()
}

// Stop refuses new events, waits for in-flight events and stops workers.
//
// Description:
//
//	In-flight events are drained until ctx is done, after which open
//	connections are closed forcibly. Worker sessions are closed as the
//	workers exit.
func (s *Server) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, closing connections")
		s.grpc.Stop()
		<-drained
	}
	s.serveWG.Wait()

	close(s.quit)
	err := s.group.Wait()
	s.logger.Info("analyzer server stopped")
	return err
}

// work processes jobs with one transport session until Stop.
func (s *Server) work(id transport.WorkerID) {
	session := s.pool.Session(id)
	defer session.Close()

	logger := s.logger.With("worker", string(id))
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		select {
		case <-s.quit:
			return
		case j := <-s.jobs:
			resp, err := s.run(transport.WithSession(j.ctx, session), j)
			j.done <- result{resp: resp, err: err}
		}
	}
}

func (s *Server) run(ctx context.Context, j *job) (resp *api.EventResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", "event", j.kind, "panic", r)
			err = fmt.Errorf("%s handler panicked: %v", j.kind, r)
		}
	}()
	return j.run(ctx)
}

// submit hands an event to a worker and waits for the result.
func (s *Server) submit(ctx context.Context, kind string, run func(context.Context) (*api.EventResponse, error)) (*api.EventResponse, error) {
	j := &job{ctx: ctx, kind: kind, run: run, done: make(chan result, 1)}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	case <-s.quit:
		return nil, status.Error(codes.Unavailable, "server is stopping")
	}

	select {
	case r := <-j.done:
		if r.err != nil {
			return nil, toStatus(r.err)
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func toStatus(err error) error {
	if _, ok := err.(interface{ GRPCStatus() *status.Status }); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// NotifyPushEvent implements api.AnalyzerServer.
func (s *Server) NotifyPushEvent(ctx context.Context, ev *api.PushEvent) (*api.EventResponse, error) {
	return s.submit(ctx, "push", func(ctx context.Context) (*api.EventResponse, error) {
		return s.handler.HandlePush(ctx, ev)
	})
}

// NotifyReviewEvent implements api.AnalyzerServer.
func (s *Server) NotifyReviewEvent(ctx context.Context, ev *api.ReviewEvent) (*api.EventResponse, error) {
	return s.submit(ctx, "review", func(ctx context.Context) (*api.EventResponse, error) {
		return s.handler.HandleReview(ctx, ev)
	})
}
