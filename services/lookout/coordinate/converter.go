// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinate re-expresses byte-based syntax tree positions in code
// point units.
//
// # Description
//
// Parsers report node positions as byte offsets, 1-based lines and 1-based
// byte columns. Analyzers that work on decoded text need the same positions
// counted in code points. A Converter is built once per file and converts
// any number of trees parsed from that file's content.
//
// Malformed UTF-8 is decoded one byte at a time: every invalid byte becomes
// one U+FFFD and advances the byte counter by exactly 1.
//
// # Thread Safety
//
// A Converter is immutable after New and safe for concurrent use.
package coordinate

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/api"
)

var (
	// ErrUnmappedOffset is returned for byte offsets that do not fall on a
	// character boundary of the content.
	ErrUnmappedOffset = errors.New("byte offset does not start a character")

	// ErrLineRegression is returned when a converted line number is smaller
	// than the byte-based one. The tree does not belong to the content.
	ErrLineRegression = errors.New("converted line precedes byte line")
)

// line is one line of decoded text in code points, terminator included.
type line struct {
	start      int
	length     int
	terminated bool
}

// Converter maps byte positions of one file to code point positions.
type Converter struct {
	content []byte
	text    []rune

	// byteToRune[b] is the code point offset at byte offset b, or -1 when
	// b falls inside a multi-byte character.
	byteToRune []int

	lines []line

	// lineStarts[i] is the code point offset where line i starts. The last
	// entry is len(text)+1.
	lineStarts []int
}

// New decodes content and builds the offset and line tables.
func New(content []byte) *Converter {
	c := &Converter{content: content}
	c.decode()
	c.buildLines()
	return c
}

// Content returns the decoded text.
func (c *Converter) Content() string {
	return string(c.text)
}

// decode fills text and byteToRune in one pass.
func (c *Converter) decode() {
	c.text = make([]rune, 0, len(c.content))
	c.byteToRune = make([]int, len(c.content)+1)
	for i := range c.byteToRune {
		c.byteToRune[i] = -1
	}
	c.byteToRune[0] = 0

	pos := 0
	for pos < len(c.content) {
		r, size := utf8.DecodeRune(c.content[pos:])
		if r == utf8.RuneError && size <= 1 {
			size = 1
		}
		c.text = append(c.text, r)
		pos += size
		c.byteToRune[pos] = len(c.text)
	}
}

// isLineBreak reports whether r ends a line. The set matches the universal
// newline boundaries of text line splitting.
func isLineBreak(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f', 0x1c, 0x1d, 0x1e, 0x85, 0x2028, 0x2029:
		return true
	}
	return false
}

// buildLines splits text keeping terminators attached, treating "\r\n" as
// one terminator.
func (c *Converter) buildLines() {
	if len(c.text) == 0 {
		return
	}
	start := 0
	for i := 0; i < len(c.text); i++ {
		r := c.text[i]
		if !isLineBreak(r) {
			continue
		}
		if r == '\r' && i+1 < len(c.text) && c.text[i+1] == '\n' {
			i++
		}
		c.lines = append(c.lines, line{start: start, length: i + 1 - start, terminated: true})
		start = i + 1
	}
	if start < len(c.text) {
		c.lines = append(c.lines, line{start: start, length: len(c.text) - start})
	}

	c.lineStarts = make([]int, 0, len(c.lines)+1)
	c.lineStarts = append(c.lineStarts, 0)
	for _, l := range c.lines {
		c.lineStarts = append(c.lineStarts, l.start+l.length)
	}
	c.lineStarts[len(c.lineStarts)-1]++
}

// LineStarts returns a copy of the line start table.
func (c *Converter) LineStarts() []int {
	return append([]int(nil), c.lineStarts...)
}

// RuneOffset returns the code point offset of byte offset b.
func (c *Converter) RuneOffset(b int) (int, error) {
	if b < 0 || b >= len(c.byteToRune) || c.byteToRune[b] < 0 {
		return 0, fmt.Errorf("%w: %d", ErrUnmappedOffset, b)
	}
	return c.byteToRune[b], nil
}

// ConvertPosition converts one byte-based position.
//
// # Description
//
// The owning line is the last line whose start is not after the offset.
// A position sitting right after a line terminator is moved to column 1 of
// the next line. The zero position is returned unchanged.
//
// # Outputs
//
//   - api.Position: The position in code point units.
//   - error: ErrUnmappedOffset or ErrLineRegression.
func (c *Converter) ConvertPosition(p api.Position) (api.Position, error) {
	if p.IsZero() || len(c.content) == 0 {
		return p, nil
	}
	offset, err := c.RuneOffset(p.Offset)
	if err != nil {
		return api.Position{}, err
	}

	lineNum := sort.Search(len(c.lineStarts), func(i int) bool {
		return c.lineStarts[i] > offset
	}) - 1
	col := offset - c.lineStarts[lineNum]
	if l := c.lines[lineNum]; col == l.length && l.terminated {
		lineNum++
		col = 0
	}
	if lineNum+1 < p.Line {
		return api.Position{}, fmt.Errorf("%w: line %d < %d at byte %d",
			ErrLineRegression, lineNum+1, p.Line, p.Offset)
	}
	return api.Position{Offset: offset, Line: lineNum + 1, Col: col + 1}, nil
}

// ConvertTree returns a deep copy of root with every known position
// converted. Empty content yields an unconverted copy.
func (c *Converter) ConvertTree(root *api.Node) (*api.Node, error) {
	out := root.Clone()
	if out == nil || len(c.content) == 0 {
		return out, nil
	}
	queue := []*api.Node{out}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		queue = append(queue, node.Children...)
		for _, pos := range []*api.Position{node.StartPosition, node.EndPosition} {
			if pos == nil {
				continue
			}
			converted, err := c.ConvertPosition(*pos)
			if err != nil {
				return nil, fmt.Errorf("convert %s: %w", node.InternalType, err)
			}
			*pos = converted
		}
	}
	return out, nil
}

// ConvertFile converts a file's content and tree.
func ConvertFile(f *api.File) (*analyzer.UnicodeFile, error) {
	if f == nil {
		return nil, nil
	}
	c := New(f.Content)
	tree, err := c.ConvertTree(f.UAST)
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", f.Path, err)
	}
	return &analyzer.UnicodeFile{
		Path:     f.Path,
		Language: f.Language,
		Content:  c.Content(),
		UAST:     tree,
	}, nil
}

// ConvertChange converts both sides of a change.
func ConvertChange(ch *api.Change) (*analyzer.UnicodeChange, error) {
	base, err := ConvertFile(ch.Base)
	if err != nil {
		return nil, err
	}
	head, err := ConvertFile(ch.Head)
	if err != nil {
		return nil, err
	}
	return &analyzer.UnicodeChange{Base: base, Head: head}, nil
}
