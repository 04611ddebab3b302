// Package strings normalises configured string lists.
package strings

import (
	"strings"
)

// SplitList splits a comma separated value such as API_KEYS into trimmed,
// unique, non-empty items in their original order.
func SplitList(v string) []string {
	return Dedupe(strings.Split(v, ","))
}

// Dedupe trims every element and drops empties and repeats. Order is
// preserved; nil stays nil.
func Dedupe(values []string) []string {
	return dedupe(values, strings.TrimSpace)
}

// DedupeFold is Dedupe with lower-casing, for case-insensitive values such
// as origins.
func DedupeFold(values []string) []string {
	return dedupe(values, func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
}

func dedupe(values []string, norm func(string) string) []string {
	if values == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = norm(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
