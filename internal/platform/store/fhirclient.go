package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/phreport/internal/platform/auth"
	"github.com/ehr/phreport/internal/platform/fhir"
)

const fhirJSON = "application/fhir+json"

// FHIRClient is a Store backed by a FHIR R4 REST server.
type FHIRClient struct {
	baseURL  string
	client   *http.Client
	tokens   auth.TokenSource
	maxPages int
}

// NewFHIRClient creates a client for the server at baseURL. A nil token
// source sends unauthenticated requests.
func NewFHIRClient(baseURL string, tokens auth.TokenSource, client *http.Client) *FHIRClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if tokens == nil {
		tokens = auth.StaticToken("")
	}
	return &FHIRClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		tokens:   tokens,
		maxPages: 20,
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (c *FHIRClient) Read(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, c.baseURL+"/"+resourceType+"/"+url.PathEscape(id), nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Search follows "next" links so that _count bounds the page size, not the
// result size.
func (c *FHIRClient) Search(ctx context.Context, query string) ([]map[string]interface{}, error) {
	next := c.baseURL + "/" + strings.TrimLeft(query, "/")
	var out []map[string]interface{}
	for page := 0; next != "" && page < c.maxPages; page++ {
		var b fhir.Bundle
		if err := c.do(ctx, http.MethodGet, next, nil, nil, &b); err != nil {
			return nil, err
		}
		for _, r := range b.Resources() {
			// searchset bundles may include OperationOutcome entries
			if fhir.TypeOf(r) == "OperationOutcome" {
				continue
			}
			out = append(out, r)
		}
		next = b.NextLink()
	}
	return out, nil
}

// Create POSTs resources without an id and PUTs resources that carry one.
func (c *FHIRClient) Create(ctx context.Context, resource map[string]interface{}) (map[string]interface{}, error) {
	rt := fhir.TypeOf(resource)
	if rt == "" {
		return nil, fmt.Errorf("create: resourceType is required")
	}
	method, target := http.MethodPost, c.baseURL+"/"+rt
	if id := fhir.IDOf(resource); id != "" {
		method, target = http.MethodPut, target+"/"+url.PathEscape(id)
	}

	var out map[string]interface{}
	if err := c.do(ctx, method, target, resource, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = fhir.Clone(resource)
	}
	return out, nil
}

func (c *FHIRClient) CreateIfNoneExist(ctx context.Context, resource map[string]interface{}, query string) (map[string]interface{}, bool, error) {
	rt := fhir.TypeOf(resource)
	if rt == "" {
		return nil, false, fmt.Errorf("create: resourceType is required")
	}
	cond := query
	if i := strings.Index(query, "?"); i >= 0 {
		cond = query[i+1:]
	}

	var out map[string]interface{}
	status := 0
	hdr := http.Header{"If-None-Exist": []string{cond}}
	err := c.doStatus(ctx, http.MethodPost, c.baseURL+"/"+rt, resource, hdr, &out, &status)
	if err != nil {
		return nil, false, err
	}
	return out, status == http.StatusCreated, nil
}

func (c *FHIRClient) Delete(ctx context.Context, resourceType, id string) error {
	return c.do(ctx, http.MethodDelete, c.baseURL+"/"+resourceType+"/"+url.PathEscape(id), nil, nil, nil)
}

// Validate calls $validate. An OperationOutcome body is returned as issues
// even when the server answers 400 or 422.
func (c *FHIRClient) Validate(ctx context.Context, resource map[string]interface{}) ([]fhir.OperationOutcomeIssue, error) {
	target := c.baseURL + "/" + fhir.TypeOf(resource) + "/$validate"
	var out map[string]interface{}
	err := c.do(ctx, http.MethodPost, target, resource, nil, &out)
	if se, ok := err.(*StatusError); ok && (se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusUnprocessableEntity) {
		if m, ok := fhir.ToMap([]byte(se.Body)); ok && fhir.TypeOf(m) == "OperationOutcome" {
			return fhir.IssuesFromOutcome(m), nil
		}
	}
	if err != nil {
		return nil, err
	}
	return fhir.IssuesFromOutcome(out), nil
}

func (c *FHIRClient) do(ctx context.Context, method, target string, body interface{}, hdr http.Header, out interface{}) error {
	var status int
	return c.doStatus(ctx, method, target, body, hdr, out, &status)
}

func (c *FHIRClient) doStatus(ctx context.Context, method, target string, body interface{}, hdr http.Header, out interface{}, status *int) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", fhirJSON)
	if body != nil {
		req.Header.Set("Content-Type", fhirJSON)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain access token: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	*status = resp.StatusCode

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return fmt.Errorf("%s %s: %w", method, target, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, target, err)
	}
	return nil
}
