// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/api"
)

// ErrMalformedConfiguration is returned when an event configuration holds a
// value without a kind or an analyzer section that is not an object.
var ErrMalformedConfiguration = errors.New("malformed configuration")

// DecodeConfiguration converts a structured wire value into plain Go values.
//
// Structs become map[string]any, lists become []any, numbers float64 and
// null nil. Empty containers stay empty, never nil.
func DecodeConfiguration(v *structpb.Value) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value", ErrMalformedConfiguration)
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_NumberValue:
		return k.NumberValue, nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_BoolValue:
		return k.BoolValue, nil
	case *structpb.Value_StructValue:
		return decodeStruct(k.StructValue)
	case *structpb.Value_ListValue:
		values := k.ListValue.GetValues()
		out := make([]any, 0, len(values))
		for i, item := range values {
			decoded, err := DecodeConfiguration(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, decoded)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: value has no kind", ErrMalformedConfiguration)
	}
}

func decodeStruct(s *structpb.Struct) (map[string]any, error) {
	fields := s.GetFields()
	out := make(map[string]any, len(fields))
	for name, field := range fields {
		decoded, err := DecodeConfiguration(field)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = decoded
	}
	return out, nil
}

// ConfigFor decodes the section of cfg addressed to the analyzer called
// name. A missing section yields an empty Configuration.
func ConfigFor(cfg api.Configuration, name string) (analyzer.Configuration, error) {
	v, ok := cfg[name]
	if !ok {
		return analyzer.Configuration{}, nil
	}
	decoded, err := DecodeConfiguration(v)
	if err != nil {
		return nil, fmt.Errorf("configuration of %s: %w", name, err)
	}
	switch section := decoded.(type) {
	case map[string]any:
		return analyzer.Configuration(section), nil
	case nil:
		return analyzer.Configuration{}, nil
	default:
		return nil, fmt.Errorf("%w: configuration of %s is %T, want object", ErrMalformedConfiguration, name, decoded)
	}
}
