// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lib holds helpers analyzers use to work with files, changes and
// syntax trees.
package lib

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/AleutianAI/lookout/services/lookout/api"
	"github.com/AleutianAI/lookout/services/lookout/uast"
)

// splitLines decodes content and splits it into lines without terminators.
func splitLines(content []byte) []string {
	text := strings.ToValidUTF8(string(content), "\uFFFD")
	var lines []string
	start := 0
	rs := []rune(text)
	for i := 0; i < len(rs); i++ {
		switch rs[i] {
		case '\n', '\r', '\v', '\f', 0x1c, 0x1d, 0x1e, 0x85, 0x2028, 0x2029:
		default:
			continue
		}
		lines = append(lines, string(rs[start:i]))
		if rs[i] == '\r' && i+1 < len(rs) && rs[i+1] == '\n' {
			i++
		}
		start = i + 1
	}
	if start < len(rs) {
		lines = append(lines, string(rs[start:]))
	}
	return lines
}

// Lines splits content into lines the same way the line diff does.
func Lines(content []byte) []string {
	return splitLines(content)
}

func fileContent(f *api.File) []byte {
	if f == nil {
		return nil
	}
	return f.Content
}

// FindNewLines returns the 1-based line numbers of after that are new
// compared to before.
func FindNewLines(before, after *api.File) []int {
	m := difflib.NewMatcher(splitLines(fileContent(before)), splitLines(fileContent(after)))
	var result []int
	for _, op := range m.GetOpCodes() {
		if op.Tag == 'e' || op.Tag == 'd' {
			continue
		}
		for j := op.J1; j < op.J2; j++ {
			result = append(result, j+1)
		}
	}
	return result
}

// FindDeletedLines returns the 1-based line numbers of after that surround
// lines deleted from before.
func FindDeletedLines(before, after *api.File) []int {
	afterLines := splitLines(fileContent(after))
	m := difflib.NewMatcher(splitLines(fileContent(before)), afterLines)
	var result []int
	for _, op := range m.GetOpCodes() {
		if op.Tag != 'd' {
			continue
		}
		if op.J1 != 0 {
			result = append(result, op.J1)
		}
		if op.J1 != len(afterLines) {
			result = append(result, op.J1+1)
		}
	}
	return result
}

// ExtractChangedNodes returns the nodes that start on one of lines. An empty
// lines selects every positioned node.
func ExtractChangedNodes(root *api.Node, lines []int) []*api.Node {
	if root == nil {
		return nil
	}
	wanted := make(map[int]struct{}, len(lines))
	for _, l := range lines {
		wanted[l] = struct{}{}
	}
	var result []*api.Node
	stack := []*api.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, node.Children...)
		if node.StartPosition == nil || node.StartPosition.IsZero() {
			continue
		}
		if _, ok := wanted[node.StartPosition.Line]; len(wanted) == 0 || ok {
			result = append(result, node)
		}
	}
	return result
}

// FilesByLanguage groups parsed files by lower-case language and path.
// Files with an empty tree are skipped.
func FilesByLanguage(files []*api.File) map[string]map[string]*api.File {
	result := make(map[string]map[string]*api.File)
	for _, f := range files {
		if f.UAST == nil || len(f.UAST.Children) == 0 {
			continue
		}
		lang := strings.ToLower(f.Language)
		if result[lang] == nil {
			result[lang] = make(map[string]*api.File)
		}
		result[lang][f.Path] = f
	}
	return result
}

// FilterFilepaths keeps regular files whose path does not match
// excludePattern. An empty pattern keeps every regular file.
func FilterFilepaths(paths []string, excludePattern string) ([]string, error) {
	var exclude *regexp.Regexp
	if excludePattern != "" {
		re, err := regexp.Compile(excludePattern)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern: %w", err)
		}
		exclude = re
	}
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if exclude != nil && exclude.MatchString(p) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ParseOptions bounds ParseFiles.
type ParseOptions struct {
	Language         string
	ExcludePattern   string
	LineLengthLimit  int
	OverallSizeLimit int
	Seed             uint64
	Logger           *slog.Logger
}

// ParseFiles parses local files of one language.
//
// # Description
//
// Paths are filtered with FilterFilepaths. Files with a line longer than
// LineLengthLimit or that fail to parse are skipped. The survivors are
// shuffled with Seed and accumulated until OverallSizeLimit bytes.
func ParseFiles(ctx context.Context, paths []string, opts ParseOptions) ([]*api.File, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	filtered, err := FilterFilepaths(paths, opts.ExcludePattern)
	if err != nil {
		return nil, err
	}
	lang := strings.ToLower(opts.Language)

	var parsed []*api.File
	tooLong := 0
	for _, p := range filtered {
		if uast.DetectLanguage(p) != lang {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if longestLine(data) > opts.LineLengthLimit {
			tooLong++
			continue
		}
		tree, errs, err := uast.Parse(ctx, data, lang)
		if err != nil || len(errs) > 0 {
			continue
		}
		parsed = append(parsed, &api.File{Path: p, Language: lang, Content: data, UAST: tree})
	}
	logger.Debug("filtered files",
		"excluded_by_path", len(paths)-len(filtered),
		"excluded_by_line_length", tooLong,
		"parsed", len(parsed),
		"language", lang)

	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Path < parsed[j].Path })
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	rng.Shuffle(len(parsed), func(i, j int) { parsed[i], parsed[j] = parsed[j], parsed[i] })

	size := 0
	var out []*api.File
	for _, f := range parsed {
		size += len(f.Content)
		if size > opts.OverallSizeLimit {
			break
		}
		out = append(out, f)
	}
	logger.Debug("size limit", "kept", len(out), "of", len(parsed), "limit", opts.OverallSizeLimit)
	return out, nil
}

func longestLine(data []byte) int {
	longest := 0
	for _, l := range bytes.Split(data, []byte("\n")) {
		if len(l) > longest {
			longest = len(l)
		}
	}
	return longest
}

// FilterFilesByLineLength keeps the files whose longest line is at most
// limit bytes. Unreadable files are dropped.
func FilterFilesByLineLength(paths []string, limit int) []string {
	var out []string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if longestLine(data) <= limit {
			out = append(out, p)
		}
	}
	return out
}
