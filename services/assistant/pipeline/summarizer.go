// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

const (
	// summaryMaxChars bounds the length of a tool-complete synopsis.
	summaryMaxChars = 60

	// maxSafeInteger is the largest integer a JavaScript number represents
	// exactly (2^53 - 1). ClickHouse Int64/UInt64 columns routinely exceed it.
	maxSafeInteger = int64(1)<<53 - 1
)

// SummarizeResult reduces a tool result value to a short human-readable
// synopsis for the tool-complete frame.
//
// # Description
//
// Rules, in order:
//   - a sequence of N items -> "N rows returned" (pluralized unless N == 1)
//   - a structured value with at least one field -> the first field's value
//     truncated to 60 characters when it is text or numeric, otherwise
//     "K fields" (pluralized)
//   - plain text -> truncated to 60 characters
//   - anything else, including an empty structured value -> no summary
//
// Go maps carry no field order, so "first field" is the lexicographically
// smallest key.
//
// # Outputs
//
//   - string: The synopsis.
//   - bool: False when the value has no useful summary.
func SummarizeResult(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return truncateSummary(v), true
	case map[string]any:
		if len(v) == 0 {
			return "", false
		}
		first := v[smallestKey(v)]
		if s, ok := scalarText(first); ok {
			return truncateSummary(s), true
		}
		return pluralize(len(v), "field"), true
	case []byte:
		return "", false
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			return fmt.Sprintf("%s returned", pluralize(rv.Len(), "row")), true
		}
		return "", false
	}
}

// SafeNumeric recursively replaces 64-bit integer values with standard
// numbers when they fit the JavaScript safe-integer range and with their
// decimal string representation when they do not.
//
// # Description
//
// Applied to chart specs before they cross the wire or are persisted, so
// ClickHouse-scale integer columns never lose magnitude to floating-point
// rounding or break strict JSON consumers. Maps and slices are rebuilt;
// all other values pass through unchanged.
func SafeNumeric(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = SafeNumeric(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = SafeNumeric(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = SafeNumeric(e)
		}
		return out
	case json.Number:
		return safeNumber(v)
	case int:
		return safeInt(int64(v))
	case int64:
		return safeInt(v)
	case uint64:
		if v > uint64(maxSafeInteger) {
			return strconv.FormatUint(v, 10)
		}
		return v
	default:
		return value
	}
}

// safeNumber handles json.Number values, which is how ClickHouse query
// results arrive (the client decodes with UseNumber to preserve magnitude).
func safeNumber(n json.Number) any {
	s := string(n)
	if strings.ContainsAny(s, ".eE") {
		return n // fractional or scientific: already a float on the wire
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return safeInt(i)
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		if u > uint64(maxSafeInteger) {
			return s
		}
		return n
	}
	// Wider than 64 bits (Int128/UInt256 columns): keep the decimal text.
	return s
}

func safeInt(i int64) any {
	if i > maxSafeInteger || i < -maxSafeInteger {
		return strconv.FormatInt(i, 10)
	}
	return i
}

func smallestKey(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}

// scalarText renders a text or numeric value as display text.
func scalarText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return string(s), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprintf("%v", s), true
	default:
		return "", false
	}
}

func truncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= summaryMaxChars {
		return s
	}
	return string(runes[:summaryMaxChars])
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
