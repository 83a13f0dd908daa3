// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/AleutianAI/lookout/services/lookout/api"
	"github.com/AleutianAI/lookout/services/lookout/observability"
	"github.com/AleutianAI/lookout/services/lookout/uast"
)

// failingData fails GetFiles and echoes GetChanges.
type failingData struct{}

func (failingData) GetFiles(*api.FilesRequest, grpc.ServerStreamingServer[api.File]) error {
	return status.Error(codes.Unavailable, "backend went away")
}

func (failingData) GetChanges(req *api.ChangesRequest, stream grpc.ServerStreamingServer[api.Change]) error {
	return stream.Send(&api.Change{Head: &api.File{Path: req.Head.Hash}})
}

type backend struct {
	lis   *bufconn.Listener
	dials atomic.Int32
}

func startBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{lis: bufconn.Listen(1 << 20)}
	srv := grpc.NewServer()
	api.RegisterDataServer(srv, failingData{})
	api.RegisterParserServer(srv, uast.ParserService{})
	go func() { _ = srv.Serve(b.lis) }()
	t.Cleanup(srv.Stop)
	return b
}

func (b *backend) pool(opts ...Option) *Pool {
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		b.dials.Add(1)
		return b.lis.DialContext(ctx)
	}
	opts = append(opts, WithDialOptions(grpc.WithContextDialer(dialer)))
	return NewPool("passthrough:///bufnet", opts...)
}

func fetchFiles(ctx context.Context, s *Session) error {
	_, err := Call(s, func() (*api.File, error) {
		data, err := s.Data(ctx)
		if err != nil {
			return nil, err
		}
		stream, err := data.GetFiles(ctx, &api.FilesRequest{})
		if err != nil {
			return nil, err
		}
		return stream.Recv()
	})
	return err
}

// TestSession_ReconnectsAfterFailure verifies a failed call opens a new
// connection on the next use.
func TestSession_ReconnectsAfterFailure(t *testing.T) {
	b := startBackend(t)
	reg := prometheus.NewRegistry()
	metrics := observability.NewTransportMetrics(reg)
	p := b.pool(WithMetrics(metrics))
	defer p.ShutdownAll()

	ctx := context.Background()
	s := p.Session("worker-1")

	err := fetchFiles(ctx, s)
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, int32(1), b.dials.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ChannelsInvalidatedTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ChannelsOpen))

	err = fetchFiles(ctx, s)
	require.Error(t, err)
	assert.Equal(t, int32(2), b.dials.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ChannelsOpenedTotal))
}

// TestSession_ReusesChannel verifies stubs share one channel per worker.
func TestSession_ReusesChannel(t *testing.T) {
	b := startBackend(t)
	p := b.pool()
	defer p.ShutdownAll()

	ctx := context.Background()
	s := p.Session("worker-1")
	assert.Same(t, s, p.Session("worker-1"))
	assert.NotSame(t, s, p.Session("worker-2"))

	data, err := s.Data(ctx)
	require.NoError(t, err)
	stream, err := data.GetChanges(ctx, &api.ChangesRequest{Head: api.ReferencePointer{Hash: "h1"}})
	require.NoError(t, err)
	ch, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "h1", ch.Head.Path)

	parser, err := s.Parser(ctx)
	require.NoError(t, err)
	resp, err := parser.Parse(ctx, &api.ParseRequest{Filename: "a.js", Content: "var a = 1;"})
	require.NoError(t, err)
	assert.Equal(t, "program", resp.UAST.InternalType)

	again, err := s.Data(ctx)
	require.NoError(t, err)
	assert.Same(t, data, again)
	assert.Equal(t, int32(1), b.dials.Load())
}

// TestCall_NonTransportErrorKeepsChannel verifies only gRPC errors invalidate.
func TestCall_NonTransportErrorKeepsChannel(t *testing.T) {
	b := startBackend(t)
	p := b.pool()
	defer p.ShutdownAll()

	ctx := context.Background()
	s := p.Session("w")
	data, err := s.Data(ctx)
	require.NoError(t, err)

	plain := errors.New("analyzer bug")
	_, err = Call(s, func() (int, error) { return 0, plain })
	assert.Same(t, plain, err)

	again, err := s.Data(ctx)
	require.NoError(t, err)
	assert.Same(t, data, again)
}

// TestCall_ReturnsSameError verifies transport errors are not wrapped.
func TestCall_ReturnsSameError(t *testing.T) {
	inv := &countingInvalidator{}
	want := status.Error(codes.Internal, "x")
	_, err := Call(inv, func() (string, error) { return "", want })
	assert.Same(t, want, err)
	assert.Equal(t, 1, inv.n)

	v, err := Call(inv, func() (string, error) { return "ok", nil })
	assert.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, inv.n)
}

type countingInvalidator struct{ n int }

func (c *countingInvalidator) Invalidate() { c.n++ }

// TestPool_ShutdownAll verifies sessions are closed and refuse new channels.
func TestPool_ShutdownAll(t *testing.T) {
	b := startBackend(t)
	p := b.pool()

	ctx := context.Background()
	s1 := p.Session("a")
	s2 := p.Session("b")
	_, err := s1.Data(ctx)
	require.NoError(t, err)
	_, err = s2.Parser(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Sessions())

	p.ShutdownAll()
	assert.Equal(t, 0, p.Sessions())

	_, err = s1.Data(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// TestAcquire verifies context-bound sessions are reused and ephemeral ones released.
func TestAcquire(t *testing.T) {
	p := NewPool("passthrough:///unused")
	defer p.ShutdownAll()

	bound := p.Session("worker")
	ctx := WithSession(context.Background(), bound)

	s, release := Acquire(ctx, p)
	assert.Same(t, bound, s)
	release()
	assert.Equal(t, 1, p.Sessions())

	s, release = Acquire(context.Background(), p)
	assert.NotSame(t, bound, s)
	assert.Equal(t, 2, p.Sessions())
	release()
	assert.Equal(t, 1, p.Sessions())

	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}
