// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package uast builds and walks syntax trees in the wire format.
//
// # Description
//
// Trees produced here carry byte-based positions, the same units the data
// backend reports. Parse uses tree-sitter grammars; ParserService exposes
// Parse as a lookout.Parser gRPC backend for development and tests.
//
// # Thread Safety
//
// Parse creates a parser per call and is safe for concurrent use.
package uast

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/AleutianAI/lookout/services/lookout/api"
)

// ErrUnsupportedLanguage is returned when no grammar matches.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// maxDepth bounds recursion on pathological inputs.
const maxDepth = 10000

// DetectLanguage maps a file name to a language name, or "".
func DetectLanguage(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".go":
		return "go"
	case ".py", ".pyi":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".mts", ".cts":
		return "typescript"
	default:
		return ""
	}
}

func grammar(lang string) *sitter.Language {
	switch strings.ToLower(lang) {
	case "go":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	default:
		return nil
	}
}

// Parse builds a byte-positioned tree for content.
//
// # Description
//
// Every tree-sitter node becomes one api.Node, anonymous tokens included.
// Leaves carry their source text as Token. Syntax errors are reported as
// messages next to a best-effort tree.
//
// # Inputs
//
//   - ctx: Cancels parsing.
//   - content: Raw file bytes.
//   - lang: Language name; see DetectLanguage.
//
// # Outputs
//
//   - *api.Node: Root of the tree.
//   - []string: Syntax error messages.
//   - error: ErrUnsupportedLanguage or a parser failure.
func Parse(ctx context.Context, content []byte, lang string) (*api.Node, []string, error) {
	g := grammar(lang)
	if g == nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", lang, err)
	}
	defer tree.Close()

	var errs []string
	root := convert(tree.RootNode(), content, &errs, 0)
	return root, errs, nil
}

func convert(n *sitter.Node, content []byte, errs *[]string, depth int) *api.Node {
	start, end := n.StartPoint(), n.EndPoint()
	out := &api.Node{
		InternalType: n.Type(),
		StartPosition: &api.Position{
			Offset: int(n.StartByte()),
			Line:   int(start.Row) + 1,
			Col:    int(start.Column) + 1,
		},
		EndPosition: &api.Position{
			Offset: int(n.EndByte()),
			Line:   int(end.Row) + 1,
			Col:    int(end.Column) + 1,
		},
	}
	if n.IsError() || n.IsMissing() {
		*errs = append(*errs, fmt.Sprintf("%d:%d: syntax error near %s", start.Row+1, start.Column+1, n.Type()))
	}

	count := int(n.ChildCount())
	if count == 0 {
		out.Token = n.Content(content)
		return out
	}
	if depth >= maxDepth {
		return out
	}
	out.Children = make([]*api.Node, 0, count)
	for i := 0; i < count; i++ {
		out.Children = append(out.Children, convert(n.Child(i), content, errs, depth+1))
	}
	return out
}

// ParserService serves Parse over the lookout.Parser gRPC service.
type ParserService struct{}

// Parse implements api.ParserServer.
func (ParserService) Parse(ctx context.Context, req *api.ParseRequest) (*api.ParseResponse, error) {
	lang := req.Language
	if lang == "" {
		lang = DetectLanguage(req.Filename)
	}
	root, errs, err := Parse(ctx, []byte(req.Content), lang)
	if err != nil {
		return &api.ParseResponse{Language: lang, Errors: []string{err.Error()}}, nil
	}
	return &api.ParseResponse{Language: lang, Errors: errs, UAST: root}, nil
}
