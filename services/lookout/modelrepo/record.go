// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modelrepo

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/AleutianAI/lookout/pkg/analyzer"
)

// Both are safe for concurrent EncodeAll and DecodeAll.
var (
	recordEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	recordDecoder, _ = zstd.NewReader(nil)
)

type pointerRecord struct {
	URL    string `json:"url"`
	Ref    string `json:"ref"`
	Commit string `json:"commit"`
}

// record is the stored envelope of a Model.
type record struct {
	Name      string        `json:"name"`
	Versions  []int         `json:"versions"`
	Pointer   pointerRecord `json:"ptr"`
	Untrained bool          `json:"untrained,omitempty"`
	Payload   []byte        `json:"payload,omitempty"`
}

// EncodeModel serializes m into a compressed record.
func EncodeModel(m *analyzer.Model) ([]byte, error) {
	rec := record{
		Name:      m.Name,
		Versions:  m.Versions,
		Pointer:   pointerRecord{URL: m.Pointer.URL, Ref: m.Pointer.Ref, Commit: m.Pointer.Commit},
		Untrained: m.Untrained,
	}
	if m.Payload != nil {
		payload, err := m.Payload.MarshalModel()
		if err != nil {
			return nil, fmt.Errorf("marshal payload of %s: %w", m.Name, err)
		}
		rec.Payload = payload
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return recordEncoder.EncodeAll(raw, nil), nil
}

// DecodeModel restores a record written by EncodeModel.
//
// # Outputs
//
//   - *analyzer.Model: The model, nil when its identity does not match typ.
//   - error: ErrCorruptRecord wrapped with the cause.
//
// The payload is only decoded when the identity matches, so a record of
// another analyzer version never reaches typ's payload decoder.
func DecodeModel(data []byte, typ analyzer.Registration) (*analyzer.Model, error) {
	raw, err := recordDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	m := &analyzer.Model{
		Name:      rec.Name,
		Versions:  rec.Versions,
		Pointer:   analyzer.RepositoryPointer{URL: rec.Pointer.URL, Ref: rec.Pointer.Ref, Commit: rec.Pointer.Commit},
		Untrained: rec.Untrained,
	}
	if !m.Matches(typ.Identity()) {
		return nil, nil
	}
	m.Payload = typ.NewPayload()
	if err := m.Payload.UnmarshalModel(rec.Payload); err != nil {
		return nil, fmt.Errorf("%w: payload of %s: %v", ErrCorruptRecord, m.Name, err)
	}
	return m, nil
}
