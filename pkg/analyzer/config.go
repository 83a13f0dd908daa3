// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzer

import (
	"github.com/AleutianAI/lookout/services/lookout/api"
)

// Configuration is the decoded settings of one analyzer for one event.
//
// Values are map[string]any, []any, float64, string, bool or nil.
type Configuration map[string]any

// String returns the string at key or def.
func (c Configuration) String(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// Float returns the number at key or def.
func (c Configuration) Float(key string, def float64) float64 {
	if v, ok := c[key].(float64); ok {
		return v
	}
	return def
}

// Int returns the number at key truncated to int, or def.
func (c Configuration) Int(key string, def int) int {
	if v, ok := c[key].(float64); ok {
		return int(v)
	}
	return def
}

// Bool returns the boolean at key or def.
func (c Configuration) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Sub returns the nested mapping at key, or an empty Configuration.
func (c Configuration) Sub(key string) Configuration {
	if v, ok := c[key].(map[string]any); ok {
		return Configuration(v)
	}
	return Configuration{}
}

// =============================================================================
// Prefetched Data
// =============================================================================

// DataNeeds declares which data the host fetches before calling Train or
// Analyze.
type DataNeeds struct {
	// Fetch enables the prefetch. Train receives all files of the pointer;
	// Analyze receives the changes between base and head.
	Fetch bool

	// Contents requests raw file contents.
	Contents bool

	// UAST requests parsed trees.
	UAST bool

	// Unicode converts contents and tree positions to code points. Only
	// meaningful for Analyze.
	Unicode bool
}

// TrainNeeder is implemented by registrations that want files prefetched
// for Train.
type TrainNeeder interface {
	TrainNeeds() DataNeeds
}

// AnalyzeNeeder is implemented by registrations that want changes
// prefetched for Analyze.
type AnalyzeNeeder interface {
	AnalyzeNeeds() DataNeeds
}

// UnicodeFile is a File whose content is decoded text and whose tree
// positions are measured in code points.
type UnicodeFile struct {
	Path     string
	Language string
	Content  string
	UAST     *api.Node
}

// UnicodeChange pairs the base and head UnicodeFiles of a change.
type UnicodeChange struct {
	Base *UnicodeFile
	Head *UnicodeFile
}
