package workflow

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/phreport/internal/platform/fhir"
)

const (
	MessageHeaderProfile    = "http://hl7.org/fhir/us/medmorph/StructureDefinition/us-ph-messageheader"
	ContentBundleProfile    = "http://hl7.org/fhir/us/medmorph/StructureDefinition/us-ph-content-bundle"
	MessageTypeSystem       = "http://example.org/fhir/message-types"
	InitiationTypeExtension = "http://hl7.org/fhir/us/medmorph/StructureDefinition/us-ph-report-initiation-type"
	InitiationTypeSystem    = "http://hl7.org/fhir/us/medmorph/ValueSet/us-ph-report-initiation-type-valueset"
	InitiationTypeCode      = "subscription-notification"
	DefaultMessageEventType = "cancer-report-message"
)

// ReportOptions fill the parts of a report header that come from
// configuration.
type ReportOptions struct {
	EventType      string
	SourceEndpoint string
	Sender         string
}

// BuildReport assembles a message bundle: a MessageHeader followed by a
// collection bundle of every input resource. Content entries are
// de-duplicated by type and id, first occurrence wins.
func BuildReport(rc *RunContext, a *Action, out DataRequirement, inputs *InputSet, opts ReportOptions, now time.Time) map[string]interface{} {
	eventType := opts.EventType
	if eventType == "" {
		eventType = DefaultMessageEventType
	}
	timestamp := now.UTC().Format(time.RFC3339)
	headerID, contentID := uuid.NewString(), uuid.NewString()

	content := map[string]interface{}{
		"resourceType": "Bundle",
		"id":           contentID,
		"meta":         map[string]interface{}{"profile": []interface{}{ContentBundleProfile}},
		"type":         "collection",
		"timestamp":    timestamp,
		"entry":        contentEntries(inputs.All()),
	}

	header := map[string]interface{}{
		"resourceType": "MessageHeader",
		"id":           headerID,
		"meta": map[string]interface{}{
			"profile": []interface{}{MessageHeaderProfile},
		},
		"extension": []interface{}{
			map[string]interface{}{
				"url": InitiationTypeExtension,
				"valueCodeableConcept": map[string]interface{}{
					"coding": []interface{}{
						map[string]interface{}{"system": InitiationTypeSystem, "code": InitiationTypeCode},
					},
				},
			},
		},
		"eventCoding": map[string]interface{}{"system": MessageTypeSystem, "code": eventType},
		"destination": []interface{}{map[string]interface{}{"endpoint": rc.ReportEndpoint}},
		"source":      map[string]interface{}{"endpoint": opts.SourceEndpoint},
		"reason": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": CustomNamedEventSystem, "code": string(a.Code)},
			},
		},
		"focus": []interface{}{map[string]interface{}{"reference": "urn:uuid:" + contentID}},
	}
	if opts.Sender != "" {
		header["sender"] = map[string]interface{}{"reference": opts.Sender}
	}
	fhir.AddTag(header, ProjectTagSystem, ServerGeneratedCode)

	report := map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         "message",
		"timestamp":    timestamp,
		"entry": []interface{}{
			map[string]interface{}{"fullUrl": "urn:uuid:" + headerID, "resource": header},
			map[string]interface{}{"fullUrl": "urn:uuid:" + contentID, "resource": content},
		},
	}
	if len(out.Profile) > 0 {
		fhir.SetProfiles(report, out.Profile)
	}
	fhir.AddTag(report, ProjectTagSystem, ServerGeneratedCode)
	if rc.RunTag != "" {
		fhir.AddTag(report, RunTagSystem, rc.RunTag)
	}
	return report
}

func contentEntries(resources []map[string]interface{}) []interface{} {
	seen := make(map[string]bool)
	entries := make([]interface{}, 0, len(resources))
	for _, r := range resources {
		if r == nil {
			continue
		}
		if fhir.IDOf(r) != "" {
			key := fhir.Key(r)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		entries = append(entries, map[string]interface{}{"resource": r})
	}
	return entries
}

// findReport picks the report of the current run among the Bundle inputs of
// a: a server-generated message bundle whose content holds the subject.
// The most recently listed match wins.
func findReport(rc *RunContext, a *Action, inputs *InputSet) map[string]interface{} {
	var found map[string]interface{}
	for _, in := range a.Inputs {
		if in.Type != "Bundle" {
			continue
		}
		for _, b := range inputs.Get(inputName(in)) {
			if isRunReport(rc, b) {
				found = b
			}
		}
	}
	return found
}

func isRunReport(rc *RunContext, b map[string]interface{}) bool {
	if fhir.String(b, "type") != "message" || !fhir.HasTag(b, ProjectTagSystem, ServerGeneratedCode) {
		return false
	}
	if rc.RunTag != "" && !fhir.HasTag(b, RunTagSystem, rc.RunTag) {
		return false
	}
	for _, r := range fhir.EntryResources(b) {
		if fhir.TypeOf(r) != "Bundle" {
			continue
		}
		for _, c := range fhir.EntryResources(r) {
			if fhir.TypeOf(c) == "Patient" && fhir.IDOf(c) == rc.PatientID() {
				return true
			}
		}
	}
	return false
}

// EchoProfileMarker names the profiles a receiver publishes to have its
// validation errors echoed back. They are only meaningful to the receiver.
const EchoProfileMarker = "error-echo"

// stripEndpointProfiles removes, from a copy of the report, the echo
// profiles the receiving endpoint publishes: a StructureDefinition under
// the endpoint's origin whose name carries EchoProfileMarker.
func stripEndpointProfiles(report map[string]interface{}, endpoint string) map[string]interface{} {
	origin := endpointOrigin(endpoint)
	if origin == "" {
		return report
	}
	profiles := fhir.Profiles(report)
	kept := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if isEchoProfile(p, origin) {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == len(profiles) {
		return report
	}
	out := fhir.Clone(report)
	fhir.SetProfiles(out, kept)
	return out
}

func isEchoProfile(profile, origin string) bool {
	if endpointOrigin(profile) != origin {
		return false
	}
	i := strings.Index(profile, "/StructureDefinition/")
	if i < 0 {
		return false
	}
	name := strings.TrimPrefix(profile[i:], "/StructureDefinition/")
	return strings.Contains(name, EchoProfileMarker)
}

func endpointOrigin(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
