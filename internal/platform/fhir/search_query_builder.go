package fhir

import (
	"fmt"
	"strings"
)

// clauseFunc builds one SQL condition for a single search value.
type clauseFunc func(value string, argIdx int) (string, []interface{}, int)

// SearchQuery builds SQL WHERE clauses from FHIR search parameters against a
// table that keeps each resource as a JSONB document in a "resource" column
// next to resource_type, id and last_updated columns.
type SearchQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewSearchQuery creates a SearchQuery for one resource type.
func NewSearchQuery(table, cols, resourceType string) *SearchQuery {
	q := &SearchQuery{
		table: table,
		cols:  cols,
		idx:   1,
	}
	q.Add(fmt.Sprintf("resource_type = $%d", q.idx), resourceType)
	return q
}

// Idx returns the next available parameter index.
func (q *SearchQuery) Idx() int { return q.idx }

// Add appends a raw WHERE clause fragment (without leading "AND").
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// AddAnyOf adds one clause per value, OR-ed together.
func (q *SearchQuery) AddAnyOf(values []string, build clauseFunc) {
	var parts []string
	for _, v := range values {
		clause, args, next := build(v, q.idx)
		parts = append(parts, clause)
		q.args = append(q.args, args...)
		q.idx = next
	}
	if len(parts) == 0 {
		return
	}
	if len(parts) == 1 {
		q.where += " AND " + parts[0]
		return
	}
	q.where += " AND (" + strings.Join(parts, " OR ") + ")"
}

// ApplyParam applies a single FHIR search parameter.
func (q *SearchQuery) ApplyParam(p SearchParam) {
	if p.Modifier == ModifierMissing {
		q.applyMissing(p)
		return
	}

	switch p.Name {
	case "_id":
		q.AddAnyOf(p.Values, func(v string, i int) (string, []interface{}, int) {
			return fmt.Sprintf("id = $%d", i), []interface{}{v}, i + 1
		})
	case "_lastUpdated":
		// each value narrows the range; dates do not OR
		for _, v := range p.Values {
			clause, args, next := DateSearchClause("last_updated", v, q.idx)
			q.where += " AND " + clause
			q.args = append(q.args, args...)
			q.idx = next
		}
	case "_tag":
		q.AddAnyOf(p.Values, func(v string, i int) (string, []interface{}, int) {
			return ContainsSearchClause("resource->'meta'->'tag'", TokenContainsDoc(v, "code", false), i)
		})
	case "_profile":
		q.AddAnyOf(p.Values, func(v string, i int) (string, []interface{}, int) {
			return ContainsSearchClause("resource->'meta'->'profile'", []string{v}, i)
		})
	case "identifier":
		q.AddAnyOf(p.Values, func(v string, i int) (string, []interface{}, int) {
			return ContainsSearchClause("resource->'identifier'", TokenContainsDoc(v, "value", false), i)
		})
	case "code":
		q.AddAnyOf(p.Values, func(v string, i int) (string, []interface{}, int) {
			return ContainsSearchClause("resource->'code'->'coding'", TokenContainsDoc(v, "code", false), i)
		})
	case "category":
		q.AddAnyOf(p.Values, func(v string, i int) (string, []interface{}, int) {
			return ContainsSearchClause("resource->'category'", TokenContainsDoc(v, "code", true), i)
		})
	case "patient", "subject":
		q.AddAnyOf(p.Values, func(v string, i int) (string, []interface{}, int) {
			subj, args, next := ReferenceSearchClause("resource->'subject'->>'reference'", v, i)
			pat, args2, next2 := ReferenceSearchClause("resource->'patient'->>'reference'", v, next)
			return "(" + subj + " OR " + pat + ")", append(args, args2...), next2
		})
	case "url":
		// Subscription carries its url under channel.endpoint
		q.AddAnyOf(p.Values, func(v string, i int) (string, []interface{}, int) {
			return fmt.Sprintf("COALESCE(resource->>'url', resource->'channel'->>'endpoint') = $%d", i), []interface{}{v}, i + 1
		})
	default:
		// status and anything unknown compare a top-level string
		name := p.Name
		q.AddAnyOf(p.Values, func(v string, i int) (string, []interface{}, int) {
			return fmt.Sprintf("resource->>$%d = $%d", i, i+1), []interface{}{name, v}, i + 2
		})
	}
}

func (q *SearchQuery) applyMissing(p SearchParam) {
	missing := len(p.Values) > 0 && p.Values[0] == "true"
	keys := []string{p.Name}
	if p.Name == "patient" {
		keys = []string{"patient", "subject"}
	}
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("resource->$%d IS NOT NULL", q.idx))
		q.args = append(q.args, k)
		q.idx++
	}
	present := "(" + strings.Join(parts, " OR ") + ")"
	if missing {
		q.where += " AND NOT " + present
		return
	}
	q.where += " AND " + present
}

// OrderBy sets the ORDER BY clause (without the "ORDER BY" keyword).
func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

// CountSQL returns the count query SQL.
func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

// CountArgs returns the arguments for the count query.
func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query SQL with ORDER BY and LIMIT/OFFSET.
func (q *SearchQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

// DataArgs returns the arguments for the data query (search args + limit + offset).
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}
