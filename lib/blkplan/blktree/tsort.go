// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blktree

import (
	"fmt"
)

// tsort topologically sorts the integers [0,n) so that for every
// edge (a, b), a comes before b.  Ties break toward the lower index,
// keeping the sort stable with respect to the input order.
func tsort(n int, edges [][2]int) ([]int, error) {
	children := make([][]int, n)
	indegree := make([]int, n)
	for _, e := range edges {
		children[e[0]] = append(children[e[0]], e[1])
		indegree[e[1]]++
	}

	order := make([]int, 0, n)
	done := make([]bool, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, fmt.Errorf("blktree: ordering requirements contain a cycle")
		}
		done[next] = true
		order = append(order, next)
		for _, child := range children[next] {
			indegree[child]--
		}
	}
	return order, nil
}
