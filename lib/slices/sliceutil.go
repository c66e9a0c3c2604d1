// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package slices

func Contains[T comparable](needle T, haystack []T) bool {
	for _, straw := range haystack {
		if needle == straw {
			return true
		}
	}
	return false
}

func Remove[T comparable](haystack []T, needle T) []T {
	for i, straw := range haystack {
		if needle == straw {
			return append(haystack[:i:i], haystack[i+1:]...)
		}
	}
	return haystack
}

func RemoveFunc[T any](haystack []T, f func(T) bool) []T {
	ret := haystack[:0:0]
	for _, straw := range haystack {
		if !f(straw) {
			ret = append(ret, straw)
		}
	}
	return ret
}

func Reverse[T any](slice []T) {
	for i, j := 0, len(slice)-1; i < j; i, j = i+1, j-1 {
		slice[i], slice[j] = slice[j], slice[i]
	}
}
