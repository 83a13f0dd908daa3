// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nodecount is a stateful example analyzer.
//
// Training counts the syntax tree nodes of every file of the pushed
// revision. A review compares the stored count of each changed file with
// the node count of its head version and comments on the difference.
package nodecount

import (
	"context"
	"fmt"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/uast"
)

const (
	// Name is the analyzer name.
	Name = "examples.NodeCount"

	// Version is the model version.
	Version = 1
)

// Counts maps file paths to node counts.
type Counts = map[string]int

// Payload is the model payload of the analyzer.
type Payload = analyzer.JSONPayload[Counts]

// Registration registers the analyzer with the host.
type Registration struct{}

var (
	_ analyzer.Registration  = Registration{}
	_ analyzer.TrainNeeder   = Registration{}
	_ analyzer.AnalyzeNeeder = Registration{}
	_ analyzer.Describer     = Registration{}
)

func (Registration) Identity() analyzer.Identity {
	return analyzer.Identity{Name: Name, Version: Version}
}

func (Registration) Stateless() bool { return false }

func (Registration) NewPayload() analyzer.Payload {
	return &Payload{Value: Counts{}}
}

func (Registration) Description() string {
	return "Compares syntax tree sizes of changed files with the last push"
}

func (Registration) TrainNeeds() analyzer.DataNeeds {
	return analyzer.DataNeeds{Fetch: true, UAST: true}
}

func (Registration) AnalyzeNeeds() analyzer.DataNeeds {
	return analyzer.DataNeeds{Fetch: true, UAST: true}
}

// Train counts the nodes of every file that has a tree.
func (r Registration) Train(ctx context.Context, req analyzer.TrainRequest) (*analyzer.Model, error) {
	counts := make(Counts, len(req.Files))
	for _, f := range req.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.UAST == nil {
			continue
		}
		counts[f.Path] = uast.Count(f.UAST)
	}
	return analyzer.NewTrainedModel(r, req.Pointer, &Payload{Value: counts}), nil
}

// New binds the analyzer to model.
//
// The optional "min_delta" setting suppresses comments whose absolute
// difference is smaller than its value.
func (Registration) New(model *analyzer.Model, _ string, cfg analyzer.Configuration) (analyzer.Analyzer, error) {
	p, ok := model.Payload.(*Payload)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", model.Payload)
	}
	counts := p.Value
	if counts == nil {
		counts = Counts{}
	}
	return &Analyzer{
		counts:   counts,
		minDelta: cfg.Int("min_delta", 0),
	}, nil
}

// Analyzer reviews changes against the trained counts.
type Analyzer struct {
	counts   Counts
	minDelta int
}

// Analyze emits one comment per changed file with a head tree.
func (a *Analyzer) Analyze(_ context.Context, req analyzer.AnalyzeRequest) ([]*analyzer.Comment, error) {
	var comments []*analyzer.Comment
	for _, ch := range req.Changes {
		head := ch.Head
		if head == nil || head.UAST == nil {
			continue
		}
		before := 0
		if ch.Base != nil {
			before = a.counts[ch.Base.Path]
		}
		after := uast.Count(head.UAST)
		if abs(after-before) < a.minDelta {
			continue
		}
		text := fmt.Sprintf("%s %d > %d", head.Language, before, after)
		comments = append(comments, analyzer.NewComment(head.Path, 0, text, 100))
	}
	return comments, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
