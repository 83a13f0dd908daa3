// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyzer is the SDK implemented by analyzer plugins.
//
// # Description
//
// An analyzer is registered once at startup through a Registration. The
// Registration exposes the analyzer's fixed Identity, whether its model is
// stateless, how to train a new Model on a repository state, and how to
// build an Analyzer instance bound to a Model for a review.
//
// # Thread Safety
//
// Registrations are shared between workers and must be safe for concurrent
// use. Analyzer instances are created per event and used by one goroutine.
package analyzer

import (
	"context"
	"fmt"

	"github.com/AleutianAI/lookout/services/lookout/api"
)

// =============================================================================
// Identity
// =============================================================================

// RepositoryPointer identifies one state of one repository.
type RepositoryPointer struct {
	URL    string
	Ref    string
	Commit string
}

// PointerFromAPI converts a wire pointer.
func PointerFromAPI(p api.ReferencePointer) RepositoryPointer {
	return RepositoryPointer{URL: p.InternalRepositoryURL, Ref: p.ReferenceName, Commit: p.Hash}
}

// API converts the pointer to its wire form.
func (p RepositoryPointer) API() api.ReferencePointer {
	return api.ReferencePointer{InternalRepositoryURL: p.URL, ReferenceName: p.Ref, Hash: p.Commit}
}

// Identity is the fixed name and version of an analyzer implementation.
type Identity struct {
	Name    string
	Version int
}

// String returns the model key of the identity.
func (id Identity) String() string {
	return ModelKey(id)
}

// ModelKey returns "{name}/{version}".
func ModelKey(id Identity) string {
	return fmt.Sprintf("%s/%d", id.Name, id.Version)
}

// =============================================================================
// Comments
// =============================================================================

// Comment is a review suggestion produced by an analyzer.
type Comment = api.Comment

// NewComment builds a Comment with confidence clamped to [0, 100].
func NewComment(file string, line int, text string, confidence int) *Comment {
	switch {
	case confidence < 0:
		confidence = 0
	case confidence > 100:
		confidence = 100
	}
	return &Comment{File: file, Line: line, Text: text, Confidence: confidence}
}

// =============================================================================
// Plugin Contract
// =============================================================================

// DataService is the handle analyzers use to reach the data and parse
// backend. It is bound to the worker processing the current event.
type DataService interface {
	// Data returns the data stub of the worker's channel.
	Data(ctx context.Context) (api.DataClient, error)

	// Parser returns the parser stub of the worker's channel.
	Parser(ctx context.Context) (api.ParserClient, error)

	// Invalidate closes the worker's channel after a transport failure.
	Invalidate()
}

// TrainRequest carries everything a training run needs.
type TrainRequest struct {
	Pointer   RepositoryPointer
	Config    Configuration
	Transport DataService

	// Files is filled before Train when the registration asks for files.
	Files []*api.File
}

// AnalyzeRequest carries everything a review needs.
type AnalyzeRequest struct {
	Base      RepositoryPointer
	Head      RepositoryPointer
	Transport DataService

	// Changes is filled before Analyze when the registration asks for changes.
	Changes []*api.Change

	// UnicodeChanges is filled instead of Changes when Unicode positions
	// were requested.
	UnicodeChanges []*UnicodeChange
}

// Analyzer reviews a change using the Model it was built with.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) ([]*Comment, error)
}

// Registration describes one analyzer implementation.
//
// # Description
//
// The host keeps Registrations in a fixed order. That order drives
// invocation, the analyzer_version string, and comment ordering.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Registration interface {
	// Identity returns the fixed name and version.
	Identity() Identity

	// Stateless reports that the model carries no persisted state. Stateless
	// analyzers are never trained.
	Stateless() bool

	// NewPayload returns an empty payload of the analyzer's model type.
	NewPayload() Payload

	// Train produces a new Model for req.Pointer.
	Train(ctx context.Context, req TrainRequest) (*Model, error)

	// New binds an Analyzer to a Model for one review of url.
	New(model *Model, url string, cfg Configuration) (Analyzer, error)
}

// Describer is implemented by registrations that carry a human readable
// description.
type Describer interface {
	Description() string
}

// Describe returns the registration's description or an empty string.
func Describe(reg Registration) string {
	if d, ok := reg.(Describer); ok {
		return d.Description()
	}
	return ""
}
