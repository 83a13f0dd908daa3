// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api defines the wire messages and gRPC service bindings exchanged
// between the analyzer host, the event source and the data/parse backend.
//
// # Description
//
// Messages are plain Go structs carried over gRPC with the JSON codec
// registered in codec.go. Service descriptors and client stubs are written
// by hand in services.go so no generated code is needed.
//
// # Thread Safety
//
// Messages are not safe for concurrent mutation. Treat received messages as
// read-only.
package api

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// =============================================================================
// Repository State
// =============================================================================

// ReferencePointer identifies one state of one repository on the wire.
type ReferencePointer struct {
	InternalRepositoryURL string `json:"internal_repository_url"`
	ReferenceName         string `json:"reference_name"`
	Hash                  string `json:"hash"`
}

// CommitRevision is the pair of repository states an event refers to.
// Push events only fill Head.
type CommitRevision struct {
	Base ReferencePointer `json:"base"`
	Head ReferencePointer `json:"head"`
}

// =============================================================================
// Events
// =============================================================================

// PushEvent announces that new commits landed on a repository.
type PushEvent struct {
	Provider       string         `json:"provider,omitempty"`
	InternalID     string         `json:"internal_id,omitempty"`
	CommitRevision CommitRevision `json:"commit_revision"`
	Configuration  Configuration  `json:"configuration,omitempty"`
}

// ReviewEvent asks the analyzers to review the change from Base to Head.
type ReviewEvent struct {
	Provider       string         `json:"provider,omitempty"`
	InternalID     string         `json:"internal_id,omitempty"`
	IsMergeable    bool           `json:"is_mergeable,omitempty"`
	CommitRevision CommitRevision `json:"commit_revision"`
	Configuration  Configuration  `json:"configuration,omitempty"`
}

// Comment is a single review suggestion.
type Comment struct {
	File       string `json:"file"`
	Line       int    `json:"line"`
	Text       string `json:"text"`
	Confidence int    `json:"confidence"`
}

// EventResponse is returned for every event.
type EventResponse struct {
	AnalyzerVersion string     `json:"analyzer_version"`
	Comments        []*Comment `json:"comments,omitempty"`
}

// =============================================================================
// Data Service
// =============================================================================

// File is one file of a repository state, optionally with content and tree.
type File struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Content  []byte `json:"content,omitempty"`
	UAST     *Node  `json:"uast,omitempty"`
}

// Change pairs the base and head versions of a modified file. Either side
// may be nil for added or deleted files.
type Change struct {
	Base *File `json:"base,omitempty"`
	Head *File `json:"head,omitempty"`
}

// FilesRequest asks for every file of one repository state.
type FilesRequest struct {
	Revision        ReferencePointer `json:"revision"`
	IncludePattern  string           `json:"include_pattern,omitempty"`
	ExcludePattern  string           `json:"exclude_pattern,omitempty"`
	ExcludeVendored bool             `json:"exclude_vendored,omitempty"`
	WantContents    bool             `json:"want_contents,omitempty"`
	WantUAST        bool             `json:"want_uast,omitempty"`
}

// ChangesRequest asks for the files changed between Base and Head.
type ChangesRequest struct {
	Base            ReferencePointer `json:"base"`
	Head            ReferencePointer `json:"head"`
	IncludePattern  string           `json:"include_pattern,omitempty"`
	ExcludePattern  string           `json:"exclude_pattern,omitempty"`
	ExcludeVendored bool             `json:"exclude_vendored,omitempty"`
	WantContents    bool             `json:"want_contents,omitempty"`
	WantUAST        bool             `json:"want_uast,omitempty"`
}

// =============================================================================
// Parser Service
// =============================================================================

// ParseRequest asks the parser to build a tree for raw source text.
// Language may be empty to let the parser detect it.
type ParseRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// ParseResponse carries the parsed tree and any parse errors.
type ParseResponse struct {
	Language string   `json:"language,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	UAST     *Node    `json:"uast,omitempty"`
}

// =============================================================================
// Syntax Trees
// =============================================================================

// Position locates a point in a file. Offset is 0-based; Line and Col are
// 1-based. The zero value means the position is unknown.
type Position struct {
	Offset int `json:"offset"`
	Line   int `json:"line"`
	Col    int `json:"col"`
}

// IsZero reports whether p is the unknown-position sentinel.
func (p Position) IsZero() bool {
	return p.Offset == 0 && p.Line == 0 && p.Col == 0
}

// Node is one syntax tree node.
type Node struct {
	InternalType  string            `json:"internal_type"`
	Token         string            `json:"token,omitempty"`
	Roles         []string          `json:"roles,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	StartPosition *Position         `json:"start_position,omitempty"`
	EndPosition   *Position         `json:"end_position,omitempty"`
	Children      []*Node           `json:"children,omitempty"`
}

// Clone returns a deep copy of the subtree rooted at n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{
		InternalType: n.InternalType,
		Token:        n.Token,
	}
	if n.Roles != nil {
		c.Roles = append([]string(nil), n.Roles...)
	}
	if n.Properties != nil {
		c.Properties = make(map[string]string, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	if n.StartPosition != nil {
		p := *n.StartPosition
		c.StartPosition = &p
	}
	if n.EndPosition != nil {
		p := *n.EndPosition
		c.EndPosition = &p
	}
	if n.Children != nil {
		c.Children = make([]*Node, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return c
}

// =============================================================================
// Configuration
// =============================================================================

// Configuration maps analyzer names to their structured settings.
type Configuration map[string]*structpb.Value

// NewConfiguration builds a Configuration from plain Go values.
//
// Each value must be convertible by structpb.NewValue.
func NewConfiguration(in map[string]any) (Configuration, error) {
	out := make(Configuration, len(in))
	for name, v := range in {
		pv, err := structpb.NewValue(v)
		if err != nil {
			return nil, err
		}
		out[name] = pv
	}
	return out, nil
}
