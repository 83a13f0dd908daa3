// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filesize

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lookout/pkg/analyzer"
)

func analyze(t *testing.T, cfg analyzer.Configuration, changes ...*analyzer.UnicodeChange) []*analyzer.Comment {
	t.Helper()
	reg := Registration{}
	a, err := reg.New(analyzer.ConstructModel(reg, analyzer.RepositoryPointer{}), "repo://a", cfg)
	require.NoError(t, err)
	comments, err := a.Analyze(context.Background(), analyzer.AnalyzeRequest{UnicodeChanges: changes})
	require.NoError(t, err)
	return comments
}

func TestRegistration(t *testing.T) {
	reg := Registration{}
	assert.True(t, reg.Stateless())
	assert.Equal(t, "examples.FileSize/1", analyzer.ModelKey(reg.Identity()))
	assert.True(t, reg.AnalyzeNeeds().Unicode)
}

func TestAnalyze_FlagsOnlyNewLongLines(t *testing.T) {
	long := strings.Repeat("é", 6)
	base := &analyzer.UnicodeFile{Path: "a.txt", Content: "short\n" + long + "\n"}
	head := &analyzer.UnicodeFile{Path: "a.txt", Content: "short\n" + long + "\nok\n" + long + "x\n"}

	comments := analyze(t, analyzer.Configuration{"max_line_length": 5.0}, &analyzer.UnicodeChange{Base: base, Head: head})
	require.Len(t, comments, 1)
	assert.Equal(t, "a.txt", comments[0].File)
	assert.Equal(t, 4, comments[0].Line)
	assert.Equal(t, "line is 7 characters long, limit is 5", comments[0].Text)
}

func TestAnalyze_CountsCodePoints(t *testing.T) {
	// 4 code points, 8 bytes.
	head := &analyzer.UnicodeFile{Path: "a.txt", Content: "éééé"}
	assert.Empty(t, analyze(t, analyzer.Configuration{"max_line_length": 4.0}, &analyzer.UnicodeChange{Head: head}))
}

func TestAnalyze_DefaultLimit(t *testing.T) {
	head := &analyzer.UnicodeFile{Path: "a.go", Content: strings.Repeat("x", DefaultMaxLineLength+1)}
	comments := analyze(t, nil, &analyzer.UnicodeChange{Head: head})
	require.Len(t, comments, 1)
	assert.Equal(t, 1, comments[0].Line)
}

func TestAnalyze_FileLines(t *testing.T) {
	cfg := analyzer.Configuration{"max_file_lines": 2.0, "max_line_length": 0.0}
	grown := &analyzer.UnicodeChange{
		Base: &analyzer.UnicodeFile{Path: "a.txt", Content: "1\n2\n"},
		Head: &analyzer.UnicodeFile{Path: "a.txt", Content: "1\n2\n3\n"},
	}
	already := &analyzer.UnicodeChange{
		Base: &analyzer.UnicodeFile{Path: "b.txt", Content: "1\n2\n3\n"},
		Head: &analyzer.UnicodeFile{Path: "b.txt", Content: "1\n2\n3\n4\n"},
	}
	deleted := &analyzer.UnicodeChange{Base: &analyzer.UnicodeFile{Path: "c.txt", Content: "1\n2\n3\n"}}

	comments := analyze(t, cfg, grown, already, deleted)
	require.Len(t, comments, 1)
	assert.Equal(t, "a.txt", comments[0].File)
	assert.Equal(t, 0, comments[0].Line)
	assert.Equal(t, "file has 3 lines, limit is 2", comments[0].Text)
}

func TestNew_RejectsNegativeLimits(t *testing.T) {
	_, err := Registration{}.New(nil, "", analyzer.Configuration{"max_line_length": -1.0})
	assert.Error(t, err)
}
