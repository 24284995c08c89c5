// Package workflow interprets public-health reporting PlanDefinitions: it
// locates the entry action, materializes inputs, evaluates conditions, runs
// related actions around the action's own dispatch and cleans up the
// temporary resources of each run.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/phreport/internal/platform/fhir"
)

// Canonical URLs used by reporting plans.
const (
	ActionCodeSystem        = "http://hl7.org/fhir/us/medmorph/CodeSystem/us-ph-plandefinition-actions"
	NamedEventSystem        = "http://hl7.org/fhir/us/medmorph/CodeSystem/us-ph-triggerdefinition-namedevents"
	NamedEventExtension     = "http://hl7.org/fhir/us/medmorph/StructureDefinition/us-ph-named-eventtype-extension"
	CustomNamedEventSystem  = "http://example.org/fhir/named-events"
	QueryPatternExtension   = "http://hl7.org/fhir/us/medmorph/StructureDefinition/us-ph-fhirquerypattern-extension"
	FHIRPathLanguage        = "text/fhirpath"
	PatientIDPlaceholder    = "{{context.patientId}}"
	patientInputID          = "patient"
	defaultTriggerEventType = "named-event"
)

// ActionCode is the semantic code of an action.
type ActionCode string

const (
	CodeInitiateReportingWorkflow ActionCode = "initiate-reporting-workflow"
	CodeExecuteReportingWorkflow  ActionCode = "execute-reporting-workflow"
	CodeCheckTriggerCodes         ActionCode = "check-trigger-codes"
	CodeEvaluateCondition         ActionCode = "evaluate-condition"
	CodeEvaluateMeasure           ActionCode = "evaluate-measure"
	CodeCreateReport              ActionCode = "create-report"
	CodeValidateReport            ActionCode = "validate-report"
	CodeSubmitReport              ActionCode = "submit-report"
	CodeCompleteReporting         ActionCode = "complete-reporting"
	CodeCheckParticipant          ActionCode = "check-participant"
	CodeCheckResponse             ActionCode = "check-response"
)

var knownCodes = map[ActionCode]bool{
	CodeInitiateReportingWorkflow: true,
	CodeExecuteReportingWorkflow:  true,
	CodeCheckTriggerCodes:         true,
	CodeEvaluateCondition:         true,
	CodeEvaluateMeasure:           true,
	CodeCreateReport:              true,
	CodeValidateReport:            true,
	CodeSubmitReport:              true,
	CodeCompleteReporting:         true,
	CodeCheckParticipant:          true,
	CodeCheckResponse:             true,
}

// Known reports whether c is part of the action vocabulary.
func (c ActionCode) Known() bool { return knownCodes[c] }

// Plan is a loaded PlanDefinition. Actions live in an arena; the tree is
// expressed through indexes into it.
type Plan struct {
	ID      string
	URL     string
	Version string
	Name    string
	Status  string

	actions []Action
	roots   []int
}

// Action is one node of a plan's action tree.
type Action struct {
	ID         string
	Code       ActionCode
	Title      string
	Triggers   []Trigger
	Inputs     []DataRequirement
	Outputs    []DataRequirement
	Conditions []Condition
	Related    []RelatedAction

	children []int
}

// Trigger is a named clinical event attached to an action.
type Trigger struct {
	Type string
	Name string
	// NamedEvent is the code from the standard named-event vocabulary.
	NamedEvent string
	// CustomEvent is a code from the custom vocabulary, e.g. new-bundle.
	CustomEvent string
}

// DataRequirement is an action input or output.
type DataRequirement struct {
	ID           string
	Type         string
	Profile      []string
	CodeFilter   []CodeFilter
	QueryPattern string
}

// CodeFilter narrows an input query on one attribute.
type CodeFilter struct {
	Path        string
	SearchParam string
	ValueSet    string
	Code        []fhir.Coding
}

// Condition is a boolean expression gating an action.
type Condition struct {
	Kind       string
	Language   string
	Expression string
}

// RelatedAction links an action to another action anywhere in the plan.
type RelatedAction struct {
	ActionID     string
	Relationship string
	// Offset is kept as written; offsets are not scheduled.
	Offset string
}

// runsBeforeDispatch reports whether the related action belongs to the
// pre-pass: relationships starting with "after" mean this action runs after
// the related one.
func (r RelatedAction) runsBeforeDispatch() bool {
	return strings.HasPrefix(r.Relationship, "after")
}

// Roots returns the top-level actions.
func (p *Plan) Roots() []*Action {
	out := make([]*Action, len(p.roots))
	for i, idx := range p.roots {
		out[i] = &p.actions[idx]
	}
	return out
}

// Children returns the child actions of a.
func (p *Plan) Children(a *Action) []*Action {
	out := make([]*Action, len(a.children))
	for i, idx := range a.children {
		out[i] = &p.actions[idx]
	}
	return out
}

// Walk visits every action in pre-order.
func (p *Plan) Walk(fn func(a *Action, depth int)) {
	var visit func(idx []int, depth int)
	visit = func(idx []int, depth int) {
		for _, i := range idx {
			fn(&p.actions[i], depth)
			visit(p.actions[i].children, depth+1)
		}
	}
	visit(p.roots, 0)
}

// FirstOutput returns the first declared output of the given type.
func (a *Action) FirstOutput(resourceType string) (DataRequirement, bool) {
	for _, o := range a.Outputs {
		if o.Type == resourceType {
			return o, true
		}
	}
	return DataRequirement{}, false
}

// --- decoding ---------------------------------------------------------------

type wirePlan struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	URL          string       `json:"url"`
	Version      string       `json:"version"`
	Name         string       `json:"name"`
	Status       string       `json:"status"`
	Action       []wireAction `json:"action"`
}

type wireAction struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Code          []fhir.CodeableConcept `json:"code"`
	Trigger       []wireTrigger          `json:"trigger"`
	Input         []wireDataRequirement  `json:"input"`
	Output        []wireDataRequirement  `json:"output"`
	Condition     []wireCondition        `json:"condition"`
	RelatedAction []wireRelatedAction    `json:"relatedAction"`
	Action        []wireAction           `json:"action"`
}

type wireTrigger struct {
	Type      string           `json:"type"`
	Name      string           `json:"name"`
	Extension []fhir.Extension `json:"extension"`
}

type wireDataRequirement struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Profile    []string         `json:"profile"`
	Extension  []fhir.Extension `json:"extension"`
	CodeFilter []struct {
		Path        string        `json:"path"`
		SearchParam string        `json:"searchParam"`
		ValueSet    string        `json:"valueSet"`
		Code        []fhir.Coding `json:"code"`
	} `json:"codeFilter"`
}

type wireCondition struct {
	Kind       string `json:"kind"`
	Expression struct {
		Language   string `json:"language"`
		Expression string `json:"expression"`
	} `json:"expression"`
}

type wireRelatedAction struct {
	ActionID       string `json:"actionId"`
	Relationship   string `json:"relationship"`
	OffsetDuration *struct {
		Value float64 `json:"value"`
		Unit  string  `json:"unit"`
		Code  string  `json:"code"`
	} `json:"offsetDuration"`
}

// ParsePlan decodes a PlanDefinition resource.
func ParsePlan(resource map[string]interface{}) (*Plan, error) {
	if rt := fhir.TypeOf(resource); rt != "PlanDefinition" {
		return nil, fmt.Errorf("expected PlanDefinition, got %q", rt)
	}
	raw, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	var w wirePlan
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", fhir.IDOf(resource), err)
	}

	p := &Plan{ID: w.ID, URL: w.URL, Version: w.Version, Name: w.Name, Status: w.Status}
	p.roots = p.add(w.Action)
	return p, nil
}

func (p *Plan) add(ws []wireAction) []int {
	idx := make([]int, 0, len(ws))
	for _, w := range ws {
		i := len(p.actions)
		p.actions = append(p.actions, convertAction(w))
		// children are appended after the parent so indexes stay stable
		children := p.add(w.Action)
		p.actions[i].children = children
		idx = append(idx, i)
	}
	return idx
}

func convertAction(w wireAction) Action {
	a := Action{ID: w.ID, Title: w.Title, Code: actionCode(w.Code)}
	for _, t := range w.Trigger {
		a.Triggers = append(a.Triggers, convertTrigger(t))
	}
	for _, in := range w.Input {
		a.Inputs = append(a.Inputs, convertDataRequirement(in))
	}
	for _, out := range w.Output {
		a.Outputs = append(a.Outputs, convertDataRequirement(out))
	}
	for _, c := range w.Condition {
		a.Conditions = append(a.Conditions, Condition{
			Kind:       c.Kind,
			Language:   c.Expression.Language,
			Expression: c.Expression.Expression,
		})
	}
	for _, r := range w.RelatedAction {
		ra := RelatedAction{ActionID: r.ActionID, Relationship: r.Relationship}
		if r.OffsetDuration != nil {
			unit := r.OffsetDuration.Code
			if unit == "" {
				unit = r.OffsetDuration.Unit
			}
			ra.Offset = fmt.Sprintf("%g %s", r.OffsetDuration.Value, unit)
		}
		a.Related = append(a.Related, ra)
	}
	return a
}

// actionCode prefers a coding from the action code system and falls back to
// the first coding present.
func actionCode(ccs []fhir.CodeableConcept) ActionCode {
	var first string
	for _, cc := range ccs {
		for _, c := range cc.Coding {
			if c.System == ActionCodeSystem && c.Code != "" {
				return ActionCode(c.Code)
			}
			if first == "" {
				first = c.Code
			}
		}
	}
	return ActionCode(first)
}

func convertTrigger(w wireTrigger) Trigger {
	t := Trigger{Type: w.Type, Name: w.Name}
	if t.Type == "" {
		t.Type = defaultTriggerEventType
	}
	for _, ext := range w.Extension {
		if ext.URL != NamedEventExtension || ext.ValueCodeableConcept == nil {
			continue
		}
		for _, c := range ext.ValueCodeableConcept.Coding {
			switch c.System {
			case CustomNamedEventSystem:
				if t.CustomEvent == "" {
					t.CustomEvent = c.Code
				}
			default:
				if t.NamedEvent == "" {
					t.NamedEvent = c.Code
				}
			}
		}
	}
	// plain R4 named-event triggers carry the code in name
	if t.NamedEvent == "" && t.CustomEvent == "" && t.Name != "" {
		t.NamedEvent = t.Name
	}
	return t
}

func convertDataRequirement(w wireDataRequirement) DataRequirement {
	d := DataRequirement{ID: w.ID, Type: w.Type, Profile: w.Profile}
	for _, ext := range w.Extension {
		if ext.URL == QueryPatternExtension && ext.ValueString != "" {
			d.QueryPattern = ext.ValueString
		}
	}
	for _, cf := range w.CodeFilter {
		d.CodeFilter = append(d.CodeFilter, CodeFilter{
			Path:        cf.Path,
			SearchParam: cf.SearchParam,
			ValueSet:    cf.ValueSet,
			Code:        cf.Code,
		})
	}
	return d
}
