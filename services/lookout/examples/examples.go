// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package examples holds the analyzers built into the lookout binary.
package examples

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/examples/filesize"
	"github.com/AleutianAI/lookout/services/lookout/examples/nodecount"
)

// ErrUnknownAnalyzer is returned by Select for a name not in the registry.
var ErrUnknownAnalyzer = errors.New("unknown analyzer")

// Registry returns every built-in analyzer in default invocation order.
func Registry() []analyzer.Registration {
	return []analyzer.Registration{
		nodecount.Registration{},
		filesize.Registration{},
	}
}

// Select returns the named analyzers in the order given. An empty names
// selects the whole registry.
func Select(names []string) ([]analyzer.Registration, error) {
	all := Registry()
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]analyzer.Registration, len(all))
	for _, reg := range all {
		byName[reg.Identity().Name] = reg
	}
	out := make([]analyzer.Registration, 0, len(names))
	for _, name := range names {
		reg, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAnalyzer, name)
		}
		out = append(out, reg)
	}
	return out, nil
}
