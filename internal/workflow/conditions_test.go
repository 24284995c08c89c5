package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conditionInputs() *InputSet {
	set := newInputSet()
	set.Put("patient", []map[string]interface{}{patient("p1")})
	set.Put("reports", []map[string]interface{}{pathologyReport("dr1", "p1")})
	set.Put("encounters", nil)
	return set
}

func fhirpathCond(expr string) Condition {
	return Condition{Kind: "applicability", Language: FHIRPathLanguage, Expression: expr}
}

func TestConditionEvaluator_Allows(t *testing.T) {
	tests := []struct {
		name  string
		conds []Condition
		want  bool
	}{
		{"no conditions", nil, true},
		{"true", []Condition{fhirpathCond("%patient.gender = 'female'")}, true},
		{"false vetoes", []Condition{fhirpathCond("%patient.gender = 'male'")}, false},
		{"literal false", []Condition{fhirpathCond("false")}, false},
		{"empty result does not veto", []Condition{fhirpathCond("%encounters.status = 'finished'")}, true},
		{"exists over an input", []Condition{fhirpathCond("%reports.exists()")}, true},
		{"missing input is empty", []Condition{fhirpathCond("%encounters.exists()")}, false},
		{"first false wins", []Condition{fhirpathCond("true"), fhirpathCond("false"), fhirpathCond("true")}, false},
		{"other languages skipped", []Condition{{Language: "text/cql", Expression: "false"}}, true},
	}
	e := NewConditionEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := e.Allows(tt.conds, conditionInputs())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestConditionEvaluator_CompileError(t *testing.T) {
	_, err := NewConditionEvaluator().Allows([]Condition{fhirpathCond("%patient.where(")}, conditionInputs())
	assert.ErrorIs(t, err, ErrConditionFailed)
}

func TestRewriteInputRefs(t *testing.T) {
	set := conditionInputs()
	got := rewriteInputRefs("%reports.exists() and %resource.exists() and %patientX.empty()", set)
	assert.Equal(t,
		"(parameter.where(name = 'reports').resource).exists() and %resource.exists() and %patientX.empty()",
		got)
}
