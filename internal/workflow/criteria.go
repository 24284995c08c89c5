package workflow

import "strings"

// Criteria is the compiled form of a trigger.
type Criteria struct {
	// Query is a resource type optionally followed by ?search-params.
	Query string
	// Additional lists implied resource types that a subscription on Query
	// must also cover.
	Additional []string
}

var eventSubjects = map[string]string{
	"encounter":    "Encounter",
	"diagnosis":    "Condition",
	"medication":   "Medication",
	"labresult":    "Observation?category=laboratory",
	"order":        "ServiceRequest",
	"procedure":    "Procedure",
	"immunization": "Immunization",
	"demographic":  "Patient",
}

var customEvents = map[string]string{
	"new-bundle": "Bundle",
}

var medicationImplied = []string{"MedicationDispense", "MedicationStatement", "MedicationAdministration"}

// CompileCriteria maps a trigger to the query it describes. The standard
// vocabulary is tried first and the custom one only if it yields nothing.
func CompileCriteria(t Trigger) (Criteria, bool) {
	if q, ok := namedEventCriteria(t.NamedEvent); ok {
		c := Criteria{Query: q}
		if q == "Medication" {
			c.Additional = append([]string(nil), medicationImplied...)
		}
		return c, true
	}
	if q, ok := customEvents[t.CustomEvent]; ok {
		return Criteria{Query: q}, true
	}
	// a custom code may also be carried in the standard slot
	if q, ok := customEvents[t.NamedEvent]; ok {
		return Criteria{Query: q}, true
	}
	return Criteria{}, false
}

// namedEventCriteria parses {new|modified}-<subject> and
// <subject>-{change|start|close}.
func namedEventCriteria(code string) (string, bool) {
	parts := strings.Split(code, "-")
	if len(parts) < 2 {
		return "", false
	}

	var subject string
	switch {
	case parts[0] == "new" || parts[0] == "modified":
		subject = parts[1]
	case parts[1] == "change" || parts[1] == "start" || parts[1] == "close":
		subject = parts[0]
	default:
		return "", false
	}

	q, ok := eventSubjects[subject]
	return q, ok
}
