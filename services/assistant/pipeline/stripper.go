// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"regexp"
	"strings"
)

// scratchpadMarkers are sentinel phrases models occasionally leak before the
// real answer. Everything up to and including a marker is discardable
// reasoning. Order matters only for readability; the scan always favors the
// rightmost cut across all markers.
var scratchpadMarkers = []string{
	"assistantfinal",
	"assistant\nfinal",
	"assistant final",
	"\nfinal\n",
	"\nfinal",
}

// blockStartPattern matches a newline followed by optional whitespace and a
// markdown block starter. Used by the analysis/thinking fallback to find
// where leaked prose ends and the real answer begins.
var blockStartPattern = regexp.MustCompile(`\n\s*[|#\-*>\d]`)

// StripScratchpad removes a leaked reasoning preamble from a finished text
// buffer.
//
// # Description
//
// Pure text heuristic. The primary path finds the last occurrence of any
// known scratchpad marker and cuts everything up to and including it,
// preferring the rightmost cut when several markers appear. Only when no
// marker is present do start-of-text fallbacks apply:
//
//   - a leading "final" is dropped unless the following character is a
//     lowercase ASCII letter (guards real words like "finally")
//   - text opening with "analysis" or "thinking" is cut at the first
//     markdown block start that follows a newline
//
// Matching is case-insensitive; returned substrings come from the original
// text and preserve its case. Applying the function twice is a no-op for
// well-formed inputs.
//
// # Inputs
//
//   - text: Completed buffered step text. May be empty.
//
// # Outputs
//
//   - string: The text with any detected preamble removed and surrounding
//     whitespace trimmed, or the original text unchanged.
func StripScratchpad(text string) string {
	if text == "" {
		return text
	}

	// ASCII-only lowering keeps byte offsets aligned with the original text.
	lower := asciiLower(text)

	bestCut := -1
	for _, marker := range scratchpadMarkers {
		idx := strings.LastIndex(lower, marker)
		if idx < 0 {
			continue
		}
		if cut := idx + len(marker); cut > bestCut {
			bestCut = cut
		}
	}
	if bestCut > 0 && bestCut < len(text) {
		return strings.TrimSpace(text[bestCut:])
	}

	trimmed := strings.TrimSpace(text)
	lowerTrimmed := asciiLower(trimmed)

	if strings.HasPrefix(lowerTrimmed, "final") {
		if len(trimmed) == len("final") || !isLowerASCII(trimmed[len("final")]) {
			return strings.TrimSpace(trimmed[len("final"):])
		}
	} else if strings.HasPrefix(lowerTrimmed, "analysis") || strings.HasPrefix(lowerTrimmed, "thinking") {
		if loc := blockStartPattern.FindStringIndex(trimmed); loc != nil && loc[0] > 0 {
			return strings.TrimSpace(trimmed[loc[0]:])
		}
	}

	return text
}

func asciiLower(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

func isLowerASCII(b byte) bool {
	return b >= 'a' && b <= 'z'
}
