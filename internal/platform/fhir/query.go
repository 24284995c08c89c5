package fhir

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SearchParam is one name=value pair of a search query. Comma separated
// values are split into Values and combine with OR.
type SearchParam struct {
	Name     string
	Modifier SearchModifier
	Values   []string
}

// ParsedQuery is a search query of the form "Type?param=value&...".
type ParsedQuery struct {
	ResourceType string
	Params       []SearchParam
	Count        int
}

// Get returns the first parameter with the given name.
func (q ParsedQuery) Get(name string) (SearchParam, bool) {
	for _, p := range q.Params {
		if p.Name == name {
			return p, true
		}
	}
	return SearchParam{}, false
}

// ParseQuery splits a search query into resource type, parameters and _count.
// Examples:
//
//	"Observation?code=1234&status=final" -> Observation, [code=1234, status=final]
//	"Patient" -> Patient, []
func ParseQuery(query string) (ParsedQuery, error) {
	parts := strings.SplitN(query, "?", 2)
	pq := ParsedQuery{ResourceType: strings.Trim(strings.TrimSpace(parts[0]), "/")}
	if pq.ResourceType == "" {
		return pq, fmt.Errorf("search query %q has no resource type", query)
	}
	if len(parts) < 2 || parts[1] == "" {
		return pq, nil
	}

	for _, pair := range strings.Split(parts[1], "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		name, err := url.QueryUnescape(kv[0])
		if err != nil {
			return pq, fmt.Errorf("search parameter %q: %w", kv[0], err)
		}
		raw := ""
		if len(kv) == 2 {
			raw = kv[1]
		}

		if name == "_count" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return pq, fmt.Errorf("invalid _count %q", raw)
			}
			pq.Count = n
			continue
		}

		// Commas separate OR values before unescaping so that an encoded
		// comma (%2C) stays inside its value.
		var values []string
		for _, v := range strings.Split(raw, ",") {
			uv, err := url.QueryUnescape(v)
			if err != nil {
				return pq, fmt.Errorf("search parameter %s value %q: %w", name, v, err)
			}
			values = append(values, uv)
		}

		base, mod := ParseParamModifier(name)
		pq.Params = append(pq.Params, SearchParam{Name: base, Modifier: mod, Values: values})
	}
	return pq, nil
}
