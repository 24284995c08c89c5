package fhir

import (
	"encoding/json"
	"strings"
)

// Resources travel through the workflow as decoded JSON maps. The helpers
// below read and mutate the handful of fields the workflow cares about
// without binding to a typed model.

// String returns m[key] as a string, or "" if absent or not a string.
func String(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Slice returns m[key] as a JSON array, or nil.
func Slice(m map[string]interface{}, key string) []interface{} {
	if m == nil {
		return nil
	}
	s, _ := m[key].([]interface{})
	return s
}

// Object returns m[key] as a JSON object, or nil.
func Object(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	o, _ := m[key].(map[string]interface{})
	return o
}

// Objects returns every JSON object element of the array at m[key].
func Objects(m map[string]interface{}, key string) []map[string]interface{} {
	raw := Slice(m, key)
	out := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if o, ok := r.(map[string]interface{}); ok {
			out = append(out, o)
		}
	}
	return out
}

func TypeOf(m map[string]interface{}) string { return String(m, "resourceType") }
func IDOf(m map[string]interface{}) string   { return String(m, "id") }

// Key returns the "Type/id" form of a resource.
func Key(m map[string]interface{}) string {
	return FormatReference(TypeOf(m), IDOf(m))
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// SplitReference splits a literal reference into type and id. Absolute
// references keep only their last two path segments; urn:uuid references
// yield an empty type.
func SplitReference(ref string) (string, string) {
	if strings.HasPrefix(ref, "urn:uuid:") {
		return "", strings.TrimPrefix(ref, "urn:uuid:")
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimSuffix(ref, "/"), "/")
	if len(parts) < 2 {
		return "", ref
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

// ReferenceOf returns the literal reference held in m[key].reference.
func ReferenceOf(m map[string]interface{}, key string) string {
	return String(Object(m, key), "reference")
}

// RewriteReferences replaces every Reference.reference value found in
// mapping, at any depth of v, and returns the number replaced.
func RewriteReferences(v interface{}, mapping map[string]string) int {
	n := 0
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			if ref, ok := child.(string); ok && k == "reference" {
				if to, found := mapping[ref]; found {
					val[k] = to
					n++
				}
				continue
			}
			n += RewriteReferences(child, mapping)
		}
	case []interface{}:
		for _, child := range val {
			n += RewriteReferences(child, mapping)
		}
	}
	return n
}

// Codings returns the codings of a CodeableConcept held as a map.
func Codings(cc map[string]interface{}) []Coding {
	var out []Coding
	for _, c := range Objects(cc, "coding") {
		out = append(out, Coding{
			System:  String(c, "system"),
			Code:    String(c, "code"),
			Display: String(c, "display"),
		})
	}
	return out
}

// Tags returns meta.tag of the resource.
func Tags(m map[string]interface{}) []Coding {
	return Codings(map[string]interface{}{"coding": Slice(Object(m, "meta"), "tag")})
}

// HasTag reports whether the resource carries a tag with the given system and
// code. An empty code matches any code in the system.
func HasTag(m map[string]interface{}, system, code string) bool {
	for _, t := range Tags(m) {
		if t.System == system && (code == "" || t.Code == code) {
			return true
		}
	}
	return false
}

// AddTag appends a meta.tag entry unless an identical one is already present.
func AddTag(m map[string]interface{}, system, code string) {
	if HasTag(m, system, code) {
		return
	}
	meta := ensureMeta(m)
	tags, _ := meta["tag"].([]interface{})
	meta["tag"] = append(tags, map[string]interface{}{"system": system, "code": code})
}

// Profiles returns meta.profile of the resource.
func Profiles(m map[string]interface{}) []string {
	var out []string
	for _, p := range Slice(Object(m, "meta"), "profile") {
		if s, ok := p.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SetProfiles replaces meta.profile. An empty list removes the element.
func SetProfiles(m map[string]interface{}, profiles []string) {
	meta := ensureMeta(m)
	if len(profiles) == 0 {
		delete(meta, "profile")
		return
	}
	list := make([]interface{}, len(profiles))
	for i, p := range profiles {
		list[i] = p
	}
	meta["profile"] = list
}

// HasAnyProfile reports whether the resource declares at least one of profiles.
func HasAnyProfile(m map[string]interface{}, profiles []string) bool {
	for _, have := range Profiles(m) {
		for _, want := range profiles {
			if have == want {
				return true
			}
		}
	}
	return false
}

func ensureMeta(m map[string]interface{}) map[string]interface{} {
	meta, ok := m["meta"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
		m["meta"] = meta
	}
	return meta
}

// Clone deep-copies a resource through a JSON round trip.
func Clone(m map[string]interface{}) map[string]interface{} {
	out, _ := ToMap(m)
	return out
}

// ToMap converts a value to map[string]interface{} if possible.
func ToMap(v interface{}) (map[string]interface{}, bool) {
	var data []byte
	switch val := v.(type) {
	case nil:
		return nil, false
	case json.RawMessage:
		data = val
	case []byte:
		data = val
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, false
		}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}
