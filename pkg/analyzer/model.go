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
	"encoding/json"
	"fmt"
	"slices"
)

// Payload is the analyzer-specific part of a Model.
type Payload interface {
	MarshalModel() ([]byte, error)
	UnmarshalModel(data []byte) error
}

// Model is a versioned artifact produced by training.
//
// # Description
//
// A Model is keyed in storage by (ModelKey, Pointer.URL). Untrained is true
// for placeholders built by ConstructModel and false for trained models.
type Model struct {
	Name      string
	Versions  []int
	Pointer   RepositoryPointer
	Untrained bool
	Payload   Payload
}

// ConstructModel builds the empty placeholder model of reg for ptr.
func ConstructModel(reg Registration, ptr RepositoryPointer) *Model {
	id := reg.Identity()
	return &Model{
		Name:      id.Name,
		Versions:  []int{id.Version},
		Pointer:   ptr,
		Untrained: true,
		Payload:   reg.NewPayload(),
	}
}

// NewTrainedModel builds a trained model of reg for ptr carrying payload.
func NewTrainedModel(reg Registration, ptr RepositoryPointer, payload Payload) *Model {
	m := ConstructModel(reg, ptr)
	m.Untrained = false
	m.Payload = payload
	return m
}

// Matches reports whether the model was produced by an analyzer with id.
func (m *Model) Matches(id Identity) bool {
	return m != nil && m.Name == id.Name && slices.Equal(m.Versions, []int{id.Version})
}

// Version returns the last version in Versions, or 0.
func (m *Model) Version() int {
	if len(m.Versions) == 0 {
		return 0
	}
	return m.Versions[len(m.Versions)-1]
}

// Describe returns "name/version url commit".
func (m *Model) Describe() string {
	return fmt.Sprintf("%s/%d %s %s", m.Name, m.Version(), m.Pointer.URL, m.Pointer.Commit)
}

// Dummy is the payload of stateless analyzers.
type Dummy struct{}

// MarshalModel implements Payload.
func (Dummy) MarshalModel() ([]byte, error) { return nil, nil }

// UnmarshalModel implements Payload.
func (Dummy) UnmarshalModel([]byte) error { return nil }

// JSONPayload stores any JSON-serializable value as a payload.
//
// Example:
//
//	counts := map[string]int{}
//	payload := &analyzer.JSONPayload[map[string]int]{Value: counts}
type JSONPayload[T any] struct {
	Value T
}

// MarshalModel implements Payload.
func (p *JSONPayload[T]) MarshalModel() ([]byte, error) {
	return json.Marshal(p.Value)
}

// UnmarshalModel implements Payload.
func (p *JSONPayload[T]) UnmarshalModel(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &p.Value)
}
