// Package store is the resource store boundary used by the reporting
// workflow. Resources are decoded FHIR JSON maps; searches are query strings
// of the form "Type?param=value&...".
package store

import (
	"context"
	"errors"

	"github.com/ehr/phreport/internal/platform/fhir"
)

// ErrNotFound is returned by Read and Delete when the resource does not exist.
var ErrNotFound = errors.New("resource not found")

// Store is implemented by the FHIR REST client, the Postgres store and the
// in-memory store.
type Store interface {
	Read(ctx context.Context, resourceType, id string) (map[string]interface{}, error)
	Search(ctx context.Context, query string) ([]map[string]interface{}, error)
	// Create persists resource and returns it as stored. A client supplied id
	// is kept so that references between resources of one bundle stay valid.
	Create(ctx context.Context, resource map[string]interface{}) (map[string]interface{}, error)
	// CreateIfNoneExist creates resource unless query already matches. It
	// returns the stored or matched resource and whether it was created.
	CreateIfNoneExist(ctx context.Context, resource map[string]interface{}, query string) (map[string]interface{}, bool, error)
	Delete(ctx context.Context, resourceType, id string) error
	Validate(ctx context.Context, resource map[string]interface{}) ([]fhir.OperationOutcomeIssue, error)
}

// Validator validates resources for the local stores.
type Validator interface {
	Validate(ctx context.Context, resource map[string]interface{}) ([]fhir.OperationOutcomeIssue, error)
}

// DefaultPageSize applies when a query carries no _count.
const DefaultPageSize = 100
