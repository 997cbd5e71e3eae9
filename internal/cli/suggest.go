// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// suggest.go - Typo correction for slash commands and config keys.
package cli

import "strings"

// suggestName returns the candidate closest to input by edit distance, or
// "" when nothing is close enough or input already matches.
func suggestName(input string, candidates []string) string {
	input = strings.ToLower(input)
	if len(input) < 2 {
		return ""
	}

	// One edit for short names, two from four characters, three past eight.
	maxDistance := 1
	if len(input) >= 4 {
		maxDistance = 2
	}
	if len(input) > 8 {
		maxDistance = 3
	}

	best, bestDistance := "", maxDistance+1
	for _, c := range candidates {
		d := editDistance(input, c)
		if d == 0 {
			return ""
		}
		if d < bestDistance {
			best, bestDistance = c, d
		}
	}
	return best
}

// slashCommandNames lists every command name and alias.
func slashCommandNames() []string {
	var names []string
	for _, c := range slashCommands {
		names = append(names, c.name)
		names = append(names, c.aliases...)
	}
	return names
}

// editDistance is the Levenshtein distance between a and b, two rows at a
// time.
func editDistance(a, b string) int {
	if a == "" {
		return len(b)
	}
	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
