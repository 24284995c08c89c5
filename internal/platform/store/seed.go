package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ehr/phreport/internal/platform/fhir"
)

// LoadDir reads every .json, .yaml and .yml file in dir, sorted by name. A
// file holding a Bundle of type collection or transaction contributes its
// entries instead of itself.
func LoadDir(dir string) ([]map[string]interface{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read seed directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []map[string]interface{}
	for _, name := range names {
		r, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if fhir.TypeOf(r) == "Bundle" {
			if t := fhir.String(r, "type"); t == "collection" || t == "transaction" || t == "batch" {
				out = append(out, fhir.EntryResources(r)...)
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// LoadFile decodes one JSON or YAML resource file.
func LoadFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var m map[string]interface{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		// normalize YAML scalars to their JSON decoding
		var ok bool
		if m, ok = fhir.ToMap(doc); !ok {
			return nil, fmt.Errorf("decode %s: not a JSON-compatible document", path)
		}
	}
	if fhir.TypeOf(m) == "" {
		return nil, fmt.Errorf("%s: resourceType is required", path)
	}
	return m, nil
}

// Seed stores resources idempotently. Canonical resources are keyed by url,
// others by id; resources with neither are always created.
func Seed(ctx context.Context, st Store, resources []map[string]interface{}) (int, error) {
	created := 0
	for _, r := range resources {
		query := SeedKey(r)
		if query == "" {
			if _, err := st.Create(ctx, r); err != nil {
				return created, fmt.Errorf("seed %s: %w", fhir.TypeOf(r), err)
			}
			created++
			continue
		}
		_, ok, err := st.CreateIfNoneExist(ctx, r, query)
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", query, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// SeedKey returns the uniqueness query used when seeding r.
func SeedKey(r map[string]interface{}) string {
	rt := fhir.TypeOf(r)
	if u := fhir.String(r, "url"); u != "" {
		q := rt + "?url=" + url.QueryEscape(u)
		if v := fhir.String(r, "version"); v != "" {
			q += "&version=" + url.QueryEscape(v)
		}
		return q
	}
	if id := fhir.IDOf(r); id != "" {
		return rt + "?_id=" + url.QueryEscape(id)
	}
	return ""
}
