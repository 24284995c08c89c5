// Package validation checks outgoing reports before submission. It runs the
// structural checks from the fhir package and then evaluates FHIRPath
// invariants against every resource in the report, nested bundle entries
// included.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/platform/fhir"
)

// Constraint is a FHIRPath invariant bound to a resource type.
type Constraint struct {
	Key        string
	Context    string
	Severity   string
	Human      string
	Expression string
}

// Validator implements store-side report validation.
type Validator struct {
	basic       *fhir.Validator
	constraints []Constraint
	logger      zerolog.Logger

	exprCache   map[string]*fhirpath.Expression
	exprCacheMu sync.RWMutex
}

// New returns a validator. With constraints disabled only the structural
// checks run.
func New(logger zerolog.Logger, withConstraints bool) *Validator {
	v := &Validator{
		basic:     fhir.NewValidator(),
		logger:    logger,
		exprCache: make(map[string]*fhirpath.Expression),
	}
	if withConstraints {
		v.constraints = DefaultConstraints()
	}
	return v
}

// WithConstraints appends extra invariants.
func (v *Validator) WithConstraints(cs ...Constraint) *Validator {
	v.constraints = append(v.constraints, cs...)
	return v
}

// Validate returns every issue found in resource.
func (v *Validator) Validate(ctx context.Context, resource map[string]interface{}) ([]fhir.OperationOutcomeIssue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	issues := v.basic.ValidateResourceMap(resource).Issues
	if len(v.constraints) == 0 {
		return issues, nil
	}
	return v.walk(resource, fhir.TypeOf(resource), issues), nil
}

func (v *Validator) walk(resource map[string]interface{}, path string, issues []fhir.OperationOutcomeIssue) []fhir.OperationOutcomeIssue {
	rt := fhir.TypeOf(resource)
	if rt == "" {
		return issues
	}

	var data []byte
	for _, c := range v.constraints {
		if c.Context != rt {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(resource); err != nil {
				return append(issues, fhir.OperationOutcomeIssue{
					Severity:    fhir.IssueSeverityError,
					Code:        fhir.IssueTypeStructure,
					Diagnostics: "resource cannot be encoded: " + err.Error(),
					Expression:  []string{path},
				})
			}
		}
		issues = v.evaluate(c, data, path, issues)
	}

	if rt == "Bundle" {
		for i, e := range fhir.Objects(resource, "entry") {
			if r := fhir.Object(e, "resource"); r != nil {
				issues = v.walk(r, fmt.Sprintf("%s.entry[%d].resource", path, i), issues)
			}
		}
	}
	return issues
}

func (v *Validator) evaluate(c Constraint, data []byte, path string, issues []fhir.OperationOutcomeIssue) []fhir.OperationOutcomeIssue {
	expr, err := v.compiled(c.Expression)
	if err != nil {
		// the invariant is unusable, not the report
		v.logger.Warn().Err(err).Str("key", c.Key).Msg("constraint does not compile")
		return append(issues, informational(c, path, "compile error: "+err.Error()))
	}

	result, err := expr.Evaluate(data)
	if err != nil {
		v.logger.Warn().Err(err).Str("key", c.Key).Str("path", path).Msg("constraint evaluation failed")
		return append(issues, informational(c, path, "evaluation error: "+err.Error()))
	}

	if passed(result) {
		return issues
	}
	return append(issues, fhir.OperationOutcomeIssue{
		Severity:    c.Severity,
		Code:        fhir.IssueTypeInvariant,
		Diagnostics: fmt.Sprintf("Constraint failed: %s: '%s'", c.Key, c.Human),
		Expression:  []string{path},
	})
}

func (v *Validator) compiled(expr string) (*fhirpath.Expression, error) {
	v.exprCacheMu.RLock()
	compiled, ok := v.exprCache[expr]
	v.exprCacheMu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, err
	}

	v.exprCacheMu.Lock()
	v.exprCache[expr] = compiled
	v.exprCacheMu.Unlock()
	return compiled, nil
}

// passed treats an empty result as not applicable and a non-boolean result
// as truthy.
func passed(result types.Collection) bool {
	if result.Empty() {
		return true
	}
	if len(result) == 1 {
		if b, ok := result[0].(types.Boolean); ok {
			return b.Bool()
		}
	}
	b, err := result.ToBoolean()
	if err != nil {
		return true
	}
	return b
}

func informational(c Constraint, path, msg string) fhir.OperationOutcomeIssue {
	return fhir.OperationOutcomeIssue{
		Severity:    fhir.IssueSeverityInformation,
		Code:        fhir.IssueTypeProcessing,
		Diagnostics: fmt.Sprintf("%s skipped, %s", c.Key, msg),
		Expression:  []string{path},
	}
}
