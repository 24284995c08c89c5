package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"
)

// inputRef matches %name references in a condition expression.
var inputRef = regexp.MustCompile(`%([A-Za-z][A-Za-z0-9_\-]*)`)

// ConditionEvaluator evaluates FHIRPath conditions against an input set.
// Inputs are exposed to expressions as %<input name>.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*fhirpath.Expression
}

func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*fhirpath.Expression)}
}

// Allows evaluates conds in order and returns false at the first one that
// yields a literal false. Conditions in other languages are skipped. Empty
// and non-boolean results do not veto.
func (e *ConditionEvaluator) Allows(conds []Condition, inputs *InputSet) (bool, error) {
	var doc []byte
	for _, c := range conds {
		if c.Language != FHIRPathLanguage || c.Expression == "" {
			continue
		}
		if doc == nil {
			var err error
			if doc, err = inputDocument(inputs); err != nil {
				return false, &Error{Kind: KindConditionFailed, Message: "encode inputs", Err: err}
			}
		}

		expr, err := e.compiled(rewriteInputRefs(c.Expression, inputs))
		if err != nil {
			return false, &Error{Kind: KindConditionFailed, Message: c.Expression, Err: err}
		}
		result, err := expr.Evaluate(doc)
		if err != nil {
			return false, &Error{Kind: KindConditionFailed, Message: c.Expression, Err: err}
		}
		if isFalse(result) {
			return false, nil
		}
	}
	return true, nil
}

func (e *ConditionEvaluator) compiled(expr string) (*fhirpath.Expression, error) {
	e.mu.RLock()
	compiled, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[expr] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// inputDocument renders the inputs as a Parameters resource with one
// parameter per resource, named after its input.
func inputDocument(inputs *InputSet) ([]byte, error) {
	var params []interface{}
	for _, name := range inputs.Names() {
		for _, r := range inputs.Get(name) {
			params = append(params, map[string]interface{}{"name": name, "resource": r})
		}
	}
	return json.Marshal(map[string]interface{}{
		"resourceType": "Parameters",
		"parameter":    params,
	})
}

// rewriteInputRefs turns %name into a path over the Parameters document.
// Unknown names are left for the engine to resolve.
func rewriteInputRefs(expr string, inputs *InputSet) string {
	return inputRef.ReplaceAllStringFunc(expr, func(m string) string {
		name := m[1:]
		if _, ok := inputs.sets[name]; !ok {
			return m
		}
		return fmt.Sprintf("(parameter.where(name = '%s').resource)", name)
	})
}

func isFalse(result types.Collection) bool {
	if len(result) != 1 {
		return false
	}
	b, ok := result[0].(types.Boolean)
	return ok && !b.Bool()
}
