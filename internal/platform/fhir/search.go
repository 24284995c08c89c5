package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
)

// SearchModifier represents a FHIR search modifier.
type SearchModifier string

const (
	ModifierExact   SearchModifier = "exact"
	ModifierMissing SearchModifier = "missing"
)

// ParsedSearch holds a parsed search parameter value with its prefix.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "2023" -> (eq, "2023")
func ParseSearchValue(raw string) ParsedSearch {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb:
			return ParsedSearch{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

// ParseToken splits a token value "system|code". hasSystem is false when the
// value carries no pipe at all.
func ParseToken(value string) (system, code string, hasSystem bool) {
	if i := strings.Index(value, "|"); i >= 0 {
		return value[:i], value[i+1:], true
	}
	return "", value, false
}

// MatchToken reports whether any coding satisfies the token value.
func MatchToken(codings []Coding, value string) bool {
	system, code, hasSystem := ParseToken(value)
	for _, c := range codings {
		if hasSystem && system != "" && c.System != system {
			continue
		}
		if code != "" && c.Code != code {
			continue
		}
		return true
	}
	return false
}

// MatchDate compares t against a prefixed date search value.
func MatchDate(t time.Time, value string) bool {
	parsed := ParseSearchValue(value)
	ref, err := parseFlexDate(parsed.Value)
	if err != nil {
		return false
	}
	switch parsed.Prefix {
	case PrefixGt, PrefixSa:
		return t.After(ref)
	case PrefixLt, PrefixEb:
		return t.Before(ref)
	case PrefixGe:
		return !t.Before(ref)
	case PrefixLe:
		return !t.After(ref)
	case PrefixNe:
		return !t.Equal(ref)
	default:
		if len(parsed.Value) == 10 {
			return !t.Before(ref) && t.Before(ref.Add(24*time.Hour))
		}
		return t.Equal(ref)
	}
}

// DateSearchClause generates SQL for a date search parameter with prefix support.
// Returns the SQL clause, the arguments to bind and the next argument index.
func DateSearchClause(column string, value string, argIdx int) (string, []interface{}, int) {
	parsed := ParseSearchValue(value)

	t, err := parseFlexDate(parsed.Value)
	if err != nil {
		// Fallback to exact match on the raw string
		return fmt.Sprintf("%s::text = $%d", column, argIdx), []interface{}{parsed.Value}, argIdx + 1
	}

	switch parsed.Prefix {
	case PrefixGt, PrefixSa:
		return fmt.Sprintf("%s > $%d", column, argIdx), []interface{}{t}, argIdx + 1
	case PrefixLt, PrefixEb:
		return fmt.Sprintf("%s < $%d", column, argIdx), []interface{}{t}, argIdx + 1
	case PrefixGe:
		return fmt.Sprintf("%s >= $%d", column, argIdx), []interface{}{t}, argIdx + 1
	case PrefixLe:
		return fmt.Sprintf("%s <= $%d", column, argIdx), []interface{}{t}, argIdx + 1
	case PrefixNe:
		return fmt.Sprintf("%s != $%d", column, argIdx), []interface{}{t}, argIdx + 1
	default:
		// date-only values match the whole day
		if len(parsed.Value) == 10 {
			clause := fmt.Sprintf("(%s >= $%d AND %s < $%d)", column, argIdx, column, argIdx+1)
			return clause, []interface{}{t, t.Add(24 * time.Hour)}, argIdx + 2
		}
		return fmt.Sprintf("%s = $%d", column, argIdx), []interface{}{t}, argIdx + 1
	}
}

// ContainsSearchClause matches a JSONB expression that contains doc.
func ContainsSearchClause(expr string, doc interface{}, argIdx int) (string, []interface{}, int) {
	raw, _ := json.Marshal(doc)
	return fmt.Sprintf("%s @> $%d::jsonb", expr, argIdx), []interface{}{string(raw)}, argIdx + 1
}

// TokenContainsDoc builds the containment document for a token value against
// an array of codings (or of objects holding codings when wrap is set).
func TokenContainsDoc(value, codeKey string, wrap bool) interface{} {
	system, code, _ := ParseToken(value)
	coding := map[string]string{}
	if system != "" {
		coding["system"] = system
	}
	if code != "" {
		coding[codeKey] = code
	}
	if wrap {
		return []interface{}{map[string]interface{}{"coding": []interface{}{coding}}}
	}
	return []interface{}{coding}
}

// ReferenceSearchClause matches a reference element. Bare ids match any
// reference ending in "/id".
func ReferenceSearchClause(expr string, value string, argIdx int) (string, []interface{}, int) {
	if strings.Contains(value, "/") {
		return fmt.Sprintf("%s = $%d", expr, argIdx), []interface{}{value}, argIdx + 1
	}
	return fmt.Sprintf("%s LIKE $%d", expr, argIdx), []interface{}{"%/" + value}, argIdx + 1
}

// parseFlexDate parses a date string in multiple FHIR-supported formats.
func parseFlexDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}
