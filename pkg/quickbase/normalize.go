// Package quickbase provides the Quickbase REST API client and the shared
// helpers for turning its JSON-like payloads into portable, warehouse-safe
// data: identifier normalization and value sanitization.
package quickbase

import (
	"regexp"
	"strings"
)

var (
	nonAlnumPattern   = regexp.MustCompile(`[^a-z0-9]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)

	symbolReplacer = strings.NewReplacer(
		"#", " nbr ",
		"&", " and ",
		"@", " at ",
		"*", " star ",
		"$", " dollar ",
		"?", " q ",
	)
)

// maxNameLength bounds normalized identifiers to a length most databases
// accept as a column name.
const maxNameLength = 255

// NormalizeName returns a normalized identifier that should be compatible
// with most databases: lowercase, underscore-delimited, `[a-z0-9_]` only,
// never starting with a digit. The function is total and idempotent.
func NormalizeName(name string) string {
	// Standardize on lowercase
	name = strings.ToLower(name)

	// Replace special characters with text substitutions
	name = symbolReplacer.Replace(name)

	// Strip out any other non-alpha characters
	name = nonAlnumPattern.ReplaceAllString(name, " ")

	// Replace spaces with underscores
	name = strings.TrimSpace(name)
	name = whitespacePattern.ReplaceAllString(name, "_")

	// Prefix leading numerics with `n`
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "n" + name
	}

	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return name
}
