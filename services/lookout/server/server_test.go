// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/AleutianAI/lookout/services/lookout/api"
	"github.com/AleutianAI/lookout/services/lookout/transport"
)

type recordingHandler struct {
	mu       sync.Mutex
	sessions []transport.WorkerID

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
	err         error
	panicMsg    string
}

func (h *recordingHandler) handle(ctx context.Context) (*api.EventResponse, error) {
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		cur := h.maxInFlight.Load()
		if n <= cur || h.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if s, ok := transport.FromContext(ctx); ok {
		h.mu.Lock()
		h.sessions = append(h.sessions, s.ID())
		h.mu.Unlock()
	}
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	if h.err != nil {
		return nil, h.err
	}
	return &api.EventResponse{AnalyzerVersion: "fake/1"}, nil
}

func (h *recordingHandler) HandlePush(ctx context.Context, _ *api.PushEvent) (*api.EventResponse, error) {
	return h.handle(ctx)
}

func (h *recordingHandler) HandleReview(ctx context.Context, _ *api.ReviewEvent) (*api.EventResponse, error) {
	resp, err := h.handle(ctx)
	if resp != nil {
		resp.Comments = []*api.Comment{{File: "a.go", Line: 1, Text: "hi", Confidence: 50}}
	}
	return resp, err
}

func startServer(t *testing.T, h EventHandler, workers int) (*Server, api.AnalyzerClient, *transport.Pool) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	pool := transport.NewPool("passthrough:///data")
	srv := New("bufnet", h, pool, WithListener(lis), WithWorkers(workers))
	require.NoError(t, srv.Start(context.Background()))

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, api.NewAnalyzerClient(conn), pool
}

func stop(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}

// TestServer_ForwardsEvents verifies both RPCs reach the handler.
func TestServer_ForwardsEvents(t *testing.T) {
	h := &recordingHandler{}
	srv, client, _ := startServer(t, h, 1)
	defer stop(t, srv)
	ctx := context.Background()

	resp, err := client.NotifyPushEvent(ctx, &api.PushEvent{})
	require.NoError(t, err)
	assert.Equal(t, "fake/1", resp.AnalyzerVersion)
	assert.Empty(t, resp.Comments)

	resp, err = client.NotifyReviewEvent(ctx, &api.ReviewEvent{})
	require.NoError(t, err)
	require.Len(t, resp.Comments, 1)
	assert.Equal(t, "hi", resp.Comments[0].Text)
	assert.True(t, srv.Healthy())
}

// TestServer_WorkerSession verifies events carry their worker's session.
func TestServer_WorkerSession(t *testing.T) {
	h := &recordingHandler{}
	srv, client, pool := startServer(t, h, 1)

	for i := 0; i < 3; i++ {
		_, err := client.NotifyPushEvent(context.Background(), &api.PushEvent{})
		require.NoError(t, err)
	}
	assert.Equal(t, []transport.WorkerID{"worker-0", "worker-0", "worker-0"}, h.sessions)
	assert.Equal(t, 1, pool.Sessions())

	stop(t, srv)
	assert.Equal(t, 0, pool.Sessions())
	assert.False(t, srv.Healthy())
}

// TestServer_WorkerBound verifies concurrency never exceeds the worker count.
func TestServer_WorkerBound(t *testing.T) {
	h := &recordingHandler{delay: 20 * time.Millisecond}
	srv, client, _ := startServer(t, h, 2)
	defer stop(t, srv)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.NotifyReviewEvent(context.Background(), &api.ReviewEvent{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, h.maxInFlight.Load(), int32(2))
	assert.Len(t, h.sessions, 6)
}

// TestServer_HandlerError verifies failures surface as Internal.
func TestServer_HandlerError(t *testing.T) {
	h := &recordingHandler{err: errors.New("analyzer exploded")}
	srv, client, _ := startServer(t, h, 1)
	defer stop(t, srv)

	_, err := client.NotifyPushEvent(context.Background(), &api.PushEvent{})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "analyzer exploded")
}

// TestServer_HandlerPanic verifies a panic fails only that event.
func TestServer_HandlerPanic(t *testing.T) {
	h := &recordingHandler{panicMsg: "bad state"}
	srv, client, _ := startServer(t, h, 1)
	defer stop(t, srv)

	_, err := client.NotifyPushEvent(context.Background(), &api.PushEvent{})
	assert.Equal(t, codes.Internal, status.Code(err))

	h.panicMsg = ""
	_, err = client.NotifyPushEvent(context.Background(), &api.PushEvent{})
	assert.NoError(t, err)
}

// TestToStatus verifies error mapping.
func TestToStatus(t *testing.T) {
	assert.Equal(t, codes.Internal, status.Code(toStatus(errors.New("x"))))
	assert.Equal(t, codes.Canceled, status.Code(toStatus(context.Canceled)))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(toStatus(context.DeadlineExceeded)))
	assert.Equal(t, codes.NotFound, status.Code(toStatus(status.Error(codes.NotFound, "gone"))))
}

// TestServer_Lifecycle verifies Start and Stop guards.
func TestServer_Lifecycle(t *testing.T) {
	srv := New("bufnet", &recordingHandler{}, transport.NewPool("passthrough:///data"), WithListener(bufconn.Listen(1024)))
	assert.ErrorIs(t, srv.Stop(context.Background()), ErrNotStarted)

	require.NoError(t, srv.Start(context.Background()))
	assert.ErrorIs(t, srv.Start(context.Background()), ErrAlreadyStarted)
	stop(t, srv)
	assert.NoError(t, srv.Stop(context.Background()))
}
