package workflow

import (
	"context"
	"net/url"
	"strings"

	"github.com/ehr/phreport/internal/platform/store"
)

// PlanResolver loads plans from the store by canonical URL. A canonical
// may carry a version as url|version.
type PlanResolver struct {
	store store.Store
}

func NewPlanResolver(st store.Store) *PlanResolver {
	return &PlanResolver{store: st}
}

func (r *PlanResolver) Resolve(ctx context.Context, canonical string) (*Plan, error) {
	ref, version, _ := strings.Cut(canonical, "|")
	q := "PlanDefinition?url=" + url.QueryEscape(ref)
	if version != "" {
		q += "&version=" + url.QueryEscape(version)
	}
	found, err := r.store.Search(ctx, q)
	if err != nil {
		return nil, storeError(err, "resolve plan %s", canonical)
	}
	if len(found) == 0 {
		return nil, newError(KindPlanNotFound, "%s", canonical)
	}
	plan, err := ParsePlan(found[0])
	if err != nil {
		return nil, &Error{Kind: KindPlanNotFound, Message: canonical, Err: err}
	}
	return plan, nil
}
