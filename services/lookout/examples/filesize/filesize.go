// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filesize is a stateless example analyzer that flags long lines
// added by a change and files that grew past a line limit.
//
// Settings:
//
//	max_line_length - Code points per line. Default 120, 0 disables.
//	max_file_lines - Lines per file. Default 0 (disabled).
package filesize

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/api"
	"github.com/AleutianAI/lookout/services/lookout/lib"
)

const (
	Name    = "examples.FileSize"
	Version = 1

	// DefaultMaxLineLength is used when max_line_length is not set.
	DefaultMaxLineLength = 120
)

// Registration registers the analyzer with the host.
type Registration struct{}

var (
	_ analyzer.Registration  = Registration{}
	_ analyzer.AnalyzeNeeder = Registration{}
	_ analyzer.Describer     = Registration{}
)

func (Registration) Identity() analyzer.Identity {
	return analyzer.Identity{Name: Name, Version: Version}
}

func (Registration) Stateless() bool { return true }

func (Registration) NewPayload() analyzer.Payload { return analyzer.Dummy{} }

func (Registration) Description() string {
	return "Flags long new lines and oversized files"
}

func (Registration) AnalyzeNeeds() analyzer.DataNeeds {
	return analyzer.DataNeeds{Fetch: true, Contents: true, Unicode: true}
}

// Train is never called for stateless analyzers.
func (r Registration) Train(_ context.Context, req analyzer.TrainRequest) (*analyzer.Model, error) {
	return analyzer.NewTrainedModel(r, req.Pointer, analyzer.Dummy{}), nil
}

func (Registration) New(_ *analyzer.Model, _ string, cfg analyzer.Configuration) (analyzer.Analyzer, error) {
	a := &Analyzer{
		maxLineLength: cfg.Int("max_line_length", DefaultMaxLineLength),
		maxFileLines:  cfg.Int("max_file_lines", 0),
	}
	if a.maxLineLength < 0 || a.maxFileLines < 0 {
		return nil, fmt.Errorf("limits must not be negative: max_line_length=%d max_file_lines=%d",
			a.maxLineLength, a.maxFileLines)
	}
	return a, nil
}

// Analyzer applies the configured limits to one review.
type Analyzer struct {
	maxLineLength int
	maxFileLines  int
}

func (a *Analyzer) Analyze(ctx context.Context, req analyzer.AnalyzeRequest) ([]*analyzer.Comment, error) {
	var comments []*analyzer.Comment
	for _, ch := range req.UnicodeChanges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ch.Head == nil {
			continue
		}
		comments = append(comments, a.check(ch.Base, ch.Head)...)
	}
	return comments, nil
}

func (a *Analyzer) check(base, head *analyzer.UnicodeFile) []*analyzer.Comment {
	var comments []*analyzer.Comment
	lines := lib.Lines([]byte(head.Content))

	if a.maxFileLines > 0 && len(lines) > a.maxFileLines {
		baseLines := 0
		if base != nil {
			baseLines = len(lib.Lines([]byte(base.Content)))
		}
		if baseLines <= a.maxFileLines {
			text := fmt.Sprintf("file has %d lines, limit is %d", len(lines), a.maxFileLines)
			comments = append(comments, analyzer.NewComment(head.Path, 0, text, 80))
		}
	}

	if a.maxLineLength == 0 {
		return comments
	}
	for _, n := range lib.FindNewLines(asFile(base), asFile(head)) {
		length := utf8.RuneCountInString(lines[n-1])
		if length <= a.maxLineLength {
			continue
		}
		text := fmt.Sprintf("line is %d characters long, limit is %d", length, a.maxLineLength)
		comments = append(comments, analyzer.NewComment(head.Path, n, text, 60))
	}
	return comments
}

func asFile(f *analyzer.UnicodeFile) *api.File {
	if f == nil {
		return nil
	}
	return &api.File{Path: f.Path, Language: f.Language, Content: []byte(f.Content)}
}
