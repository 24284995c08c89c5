package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies interpreter failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindActionNotFound
	KindMissingActionCode
	KindMissingOutputSpec
	KindReportNotFound
	KindReportValidationFailed
	KindPatientNotFound
	KindSelfGeneratedBundleIgnored
	KindStoreOperationFailed
	KindPlanNotFound
	KindConditionFailed
	KindRecursionLimit
)

var kindNames = map[Kind]string{
	KindUnknown:                    "unknown",
	KindActionNotFound:             "action not found",
	KindMissingActionCode:          "missing action code",
	KindMissingOutputSpec:          "missing output spec",
	KindReportNotFound:             "report not found",
	KindReportValidationFailed:     "report validation failed",
	KindPatientNotFound:            "patient not found",
	KindSelfGeneratedBundleIgnored: "self-generated bundle ignored",
	KindStoreOperationFailed:       "store operation failed",
	KindPlanNotFound:               "plan not found",
	KindConditionFailed:            "condition evaluation failed",
	KindRecursionLimit:             "recursion limit exceeded",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type returned by the interpreter and context manager.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrActionNotFound             = &Error{Kind: KindActionNotFound}
	ErrMissingActionCode          = &Error{Kind: KindMissingActionCode}
	ErrMissingOutputSpec          = &Error{Kind: KindMissingOutputSpec}
	ErrReportNotFound             = &Error{Kind: KindReportNotFound}
	ErrReportValidationFailed     = &Error{Kind: KindReportValidationFailed}
	ErrPatientNotFound            = &Error{Kind: KindPatientNotFound}
	ErrSelfGeneratedBundleIgnored = &Error{Kind: KindSelfGeneratedBundleIgnored}
	ErrStoreOperationFailed       = &Error{Kind: KindStoreOperationFailed}
	ErrPlanNotFound               = &Error{Kind: KindPlanNotFound}
	ErrConditionFailed            = &Error{Kind: KindConditionFailed}
	ErrRecursionLimit             = &Error{Kind: KindRecursionLimit}
)

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// storeError wraps a store failure as StoreOperationFailed unless it already
// carries a workflow kind.
func storeError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var we *Error
	if errors.As(err, &we) {
		return err
	}
	return &Error{Kind: KindStoreOperationFailed, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindUnknown
}
