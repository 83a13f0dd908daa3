// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datarequest

import (
	"context"
	"net"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/api"
	"github.com/AleutianAI/lookout/services/lookout/transport"
	"github.com/AleutianAI/lookout/services/lookout/uast"
)

const headContent = "var a = 'À';"

// fakeData serves one file and one change and remembers the last requests.
type fakeData struct {
	mu          sync.Mutex
	lastFiles   *api.FilesRequest
	lastChanges *api.ChangesRequest
	fail        bool
}

func (f *fakeData) GetFiles(req *api.FilesRequest, stream grpc.ServerStreamingServer[api.File]) error {
	f.mu.Lock()
	f.lastFiles = req
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return status.Error(codes.Unavailable, "down")
	}
	for _, p := range []string{"a.js", "b.js"} {
		if err := stream.Send(&api.File{Path: p, Language: "javascript"}); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeData) GetChanges(req *api.ChangesRequest, stream grpc.ServerStreamingServer[api.Change]) error {
	f.mu.Lock()
	f.lastChanges = req
	f.mu.Unlock()

	content := []byte(headContent)
	tree, _, err := uast.Parse(stream.Context(), content, "javascript")
	if err != nil {
		return err
	}
	return stream.Send(&api.Change{
		Head: &api.File{Path: "a.js", Language: "javascript", Content: content, UAST: tree},
	})
}

func newPool(t *testing.T, data *fakeData) *transport.Pool {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	api.RegisterDataServer(srv, data)
	api.RegisterParserServer(srv, uast.ParserService{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	p := transport.NewPool("passthrough:///bufnet", transport.WithDialOptions(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	))
	t.Cleanup(p.ShutdownAll)
	return p
}

// countingService wraps a session and counts invalidations.
type countingService struct {
	*transport.Session
	invalidations int
}

func (c *countingService) Invalidate() {
	c.invalidations++
	c.Session.Invalidate()
}

// TestGarbagePattern verifies vendored and generated paths are matched.
func TestGarbagePattern(t *testing.T) {
	re := regexp.MustCompile(GarbagePattern)
	for _, p := range []string{"vendor/x/y.go", "web/node_modules/a.js", "static/app.min.js", "go.sum", "img/logo.png"} {
		assert.True(t, re.MatchString(p), p)
	}
	for _, p := range []string{"main.go", "src/app.js", "docs/vendoring.md"} {
		assert.False(t, re.MatchString(p), p)
	}
}

// TestRequestFiles verifies request flags and stream draining.
func TestRequestFiles(t *testing.T) {
	data := &fakeData{}
	p := newPool(t, data)
	s := p.Session("w")

	ptr := analyzer.RepositoryPointer{URL: "repo", Ref: "main", Commit: "c1"}
	files, err := RequestFiles(context.Background(), s, ptr, true, false)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "b.js", files[1].Path)

	assert.Equal(t, "c1", data.lastFiles.Revision.Hash)
	assert.Equal(t, GarbagePattern, data.lastFiles.ExcludePattern)
	assert.True(t, data.lastFiles.ExcludeVendored)
	assert.True(t, data.lastFiles.WantContents)
	assert.False(t, data.lastFiles.WantUAST)
}

// TestRequestFiles_FailureInvalidates verifies the channel is dropped and
// the gRPC error is returned as is.
func TestRequestFiles_FailureInvalidates(t *testing.T) {
	data := &fakeData{fail: true}
	p := newPool(t, data)
	svc := &countingService{Session: p.Session("w")}

	_, err := RequestFiles(context.Background(), svc, analyzer.RepositoryPointer{}, false, true)
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, 1, svc.invalidations)
}

// TestParseUAST verifies trees come back from the parser service.
func TestParseUAST(t *testing.T) {
	p := newPool(t, &fakeData{})
	s := p.Session("w")

	tree, errs, err := ParseUAST(context.Background(), s, "x = 1\n", "/abs/path/main.py", "")
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, "module", tree.InternalType)
}

type needsRegistration struct {
	analyzer.Registration
	train   analyzer.DataNeeds
	analyze analyzer.DataNeeds
}

func (n needsRegistration) TrainNeeds() analyzer.DataNeeds   { return n.train }
func (n needsRegistration) AnalyzeNeeds() analyzer.DataNeeds { return n.analyze }

// TestPrepareAnalyze_Unicode verifies changes are converted to code points.
func TestPrepareAnalyze_Unicode(t *testing.T) {
	data := &fakeData{}
	p := newPool(t, data)
	reg := needsRegistration{analyze: analyzer.DataNeeds{Fetch: true, UAST: true, Unicode: true}}

	req := &analyzer.AnalyzeRequest{
		Base:      analyzer.RepositoryPointer{Commit: "b"},
		Head:      analyzer.RepositoryPointer{Commit: "h"},
		Transport: p.Session("w"),
	}
	require.NoError(t, PrepareAnalyze(context.Background(), reg, req))

	assert.Nil(t, req.Changes)
	require.Len(t, req.UnicodeChanges, 1)
	head := req.UnicodeChanges[0].Head
	assert.Equal(t, headContent, head.Content)
	assert.Equal(t, 12, head.UAST.EndPosition.Offset)
	assert.True(t, data.lastChanges.WantContents)
	assert.Equal(t, "h", data.lastChanges.Head.Hash)
}

// TestPrepareTrain verifies files are only fetched when requested.
func TestPrepareTrain(t *testing.T) {
	data := &fakeData{}
	p := newPool(t, data)

	req := &analyzer.TrainRequest{Transport: p.Session("w")}
	require.NoError(t, PrepareTrain(context.Background(), needsRegistration{}, req))
	assert.Nil(t, req.Files)
	assert.Nil(t, data.lastFiles)

	reg := needsRegistration{train: analyzer.DataNeeds{Fetch: true, UAST: true}}
	require.NoError(t, PrepareTrain(context.Background(), reg, req))
	assert.Len(t, req.Files, 2)
	assert.True(t, data.lastFiles.WantUAST)
}
