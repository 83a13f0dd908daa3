// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package uast

import (
	"iter"

	"github.com/AleutianAI/lookout/services/lookout/api"
)

// Walk yields every node of the tree breadth first.
func Walk(root *api.Node) iter.Seq[*api.Node] {
	return func(yield func(*api.Node) bool) {
		if root == nil {
			return
		}
		queue := []*api.Node{root}
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			if !yield(n) {
				return
			}
			queue = append(queue, n.Children...)
		}
	}
}

// Count returns the number of nodes in the tree.
func Count(root *api.Node) int {
	n := 0
	for range Walk(root) {
		n++
	}
	return n
}
