package workflow

import (
	"context"
	"net/url"

	"github.com/ehr/phreport/internal/platform/fhir"
	"github.com/ehr/phreport/internal/platform/store"
)

const (
	BackportSubscriptionProfile = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-subscription"
	AdditionalCriteriaExtension = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-additional-criteria"
	SubscriptionReason          = "MedMorph subscription"

	HeaderPlan           = "pd-to-process"
	HeaderAction         = "action-to-process"
	HeaderReportEndpoint = "report-endpoint"
)

// SubscriptionParams are the values written into every generated
// subscription.
type SubscriptionParams struct {
	PlanURL        string
	ReportEndpoint string
	// NotifyEndpoint receives the rest-hook notifications.
	NotifyEndpoint string
}

// GenerateSubscriptions emits one Subscription per (action, trigger) pair
// whose trigger compiles to criteria, in plan order.
func GenerateSubscriptions(plan *Plan, p SubscriptionParams) []map[string]interface{} {
	var out []map[string]interface{}
	plan.Walk(func(a *Action, _ int) {
		for _, t := range a.Triggers {
			c, ok := CompileCriteria(t)
			if !ok {
				continue
			}
			out = append(out, subscription(c, a.ID, p))
		}
	})
	return out
}

func subscription(c Criteria, actionID string, p SubscriptionParams) map[string]interface{} {
	sub := map[string]interface{}{
		"resourceType": "Subscription",
		"meta": map[string]interface{}{
			"profile": []interface{}{BackportSubscriptionProfile},
		},
		"status":   "active",
		"reason":   SubscriptionReason,
		"criteria": c.Query,
		"channel": map[string]interface{}{
			"type":     "rest-hook",
			"endpoint": p.NotifyEndpoint,
			"payload":  "application/fhir+json",
			"header": []interface{}{
				HeaderPlan + ": " + url.QueryEscape(p.PlanURL),
				HeaderAction + ": " + url.QueryEscape(actionID),
				HeaderReportEndpoint + ": " + url.QueryEscape(p.ReportEndpoint),
			},
		},
	}
	fhir.AddTag(sub, ProjectTagSystem, BotGeneratedCode)

	if len(c.Additional) > 0 {
		exts := make([]interface{}, len(c.Additional))
		for i, rt := range c.Additional {
			exts[i] = map[string]interface{}{"url": AdditionalCriteriaExtension, "valueString": rt}
		}
		sub["_criteria"] = map[string]interface{}{"extension": exts}
	}
	return sub
}

// RegisterSubscriptions stores each subscription unless one with the same
// criteria and endpoint already exists. It returns the stored resources and
// how many were new.
func RegisterSubscriptions(ctx context.Context, st store.Store, subs []map[string]interface{}) ([]map[string]interface{}, int, error) {
	var (
		out     []map[string]interface{}
		created int
	)
	for _, sub := range subs {
		endpoint := fhir.String(fhir.Object(sub, "channel"), "endpoint")
		q := "Subscription?criteria=" + url.QueryEscape(fhir.String(sub, "criteria")) +
			"&url=" + url.QueryEscape(endpoint)
		stored, isNew, err := st.CreateIfNoneExist(ctx, sub, q)
		if err != nil {
			return out, created, storeError(err, "register subscription for %s", fhir.String(sub, "criteria"))
		}
		if isNew {
			created++
		}
		out = append(out, stored)
	}
	return out, created, nil
}
