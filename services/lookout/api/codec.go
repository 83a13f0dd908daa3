// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// CodecName is the gRPC content-subtype used by every service in this package.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals messages with encoding/json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

// CallOption selects the JSON codec for a client call. Stubs in this package
// add it automatically.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}

// MarshalJSON encodes each value with protojson so structured values keep
// their kind on the wire.
func (c Configuration) MarshalJSON() ([]byte, error) {
	raw := make(map[string]json.RawMessage, len(c))
	for name, v := range c {
		if v == nil {
			raw[name] = json.RawMessage("null")
			continue
		}
		b, err := protojson.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal configuration %q: %w", name, err)
		}
		raw[name] = b
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes values written by MarshalJSON.
func (c *Configuration) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Configuration, len(raw))
	for name, b := range raw {
		v := &structpb.Value{}
		if err := protojson.Unmarshal(b, v); err != nil {
			return fmt.Errorf("unmarshal configuration %q: %w", name, err)
		}
		out[name] = v
	}
	*c = out
	return nil
}
