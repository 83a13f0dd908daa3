// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nodecount

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/api"
)

// tree builds a root with n-1 leaf children.
func tree(n int) *api.Node {
	root := &api.Node{InternalType: "Program"}
	for i := 1; i < n; i++ {
		root.Children = append(root.Children, &api.Node{InternalType: "Identifier"})
	}
	return root
}

func TestTrain_CountsNodesPerFile(t *testing.T) {
	reg := Registration{}
	ptr := analyzer.RepositoryPointer{URL: "repo://a", Commit: "c1"}
	model, err := reg.Train(context.Background(), analyzer.TrainRequest{
		Pointer: ptr,
		Files: []*api.File{
			{Path: "a.js", UAST: tree(3)},
			{Path: "b.js", UAST: tree(1)},
			{Path: "README.md"},
		},
	})
	require.NoError(t, err)

	assert.False(t, model.Untrained)
	assert.True(t, model.Matches(reg.Identity()))
	assert.Equal(t, ptr, model.Pointer)
	assert.Equal(t, Counts{"a.js": 3, "b.js": 1}, model.Payload.(*Payload).Value)
}

func TestTrain_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Registration{}.Train(ctx, analyzer.TrainRequest{Files: []*api.File{{Path: "a.js"}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalyze_ComparesWithModel(t *testing.T) {
	reg := Registration{}
	model := analyzer.NewTrainedModel(reg, analyzer.RepositoryPointer{URL: "repo://a"}, &Payload{Value: Counts{"a.js": 2}})
	a, err := reg.New(model, "repo://a", nil)
	require.NoError(t, err)

	comments, err := a.Analyze(context.Background(), analyzer.AnalyzeRequest{
		Changes: []*api.Change{
			{Base: &api.File{Path: "a.js"}, Head: &api.File{Path: "a.js", Language: "javascript", UAST: tree(5)}},
			{Head: &api.File{Path: "new.js", Language: "javascript", UAST: tree(1)}},
			{Base: &api.File{Path: "gone.js"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, &api.Comment{File: "a.js", Line: 0, Text: "javascript 2 > 5", Confidence: 100}, comments[0])
	assert.Equal(t, "javascript 0 > 1", comments[1].Text)
}

func TestAnalyze_UntrainedModel(t *testing.T) {
	reg := Registration{}
	model := analyzer.ConstructModel(reg, analyzer.RepositoryPointer{URL: "repo://a"})
	a, err := reg.New(model, "repo://a", nil)
	require.NoError(t, err)

	comments, err := a.Analyze(context.Background(), analyzer.AnalyzeRequest{
		Changes: []*api.Change{{Base: &api.File{Path: "a.js"}, Head: &api.File{Path: "a.js", Language: "go", UAST: tree(2)}}},
	})
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "go 0 > 2", comments[0].Text)
}

func TestAnalyze_MinDelta(t *testing.T) {
	reg := Registration{}
	model := analyzer.NewTrainedModel(reg, analyzer.RepositoryPointer{}, &Payload{Value: Counts{"a.js": 4, "b.js": 4}})
	a, err := reg.New(model, "", analyzer.Configuration{"min_delta": 2.0})
	require.NoError(t, err)

	comments, err := a.Analyze(context.Background(), analyzer.AnalyzeRequest{
		Changes: []*api.Change{
			{Base: &api.File{Path: "a.js"}, Head: &api.File{Path: "a.js", UAST: tree(5)}},
			{Base: &api.File{Path: "b.js"}, Head: &api.File{Path: "b.js", UAST: tree(1)}},
		},
	})
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "b.js", comments[0].File)
}

func TestNew_WrongPayload(t *testing.T) {
	model := &analyzer.Model{Payload: analyzer.Dummy{}}
	_, err := Registration{}.New(model, "", nil)
	assert.Error(t, err)
}
