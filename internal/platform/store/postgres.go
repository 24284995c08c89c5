package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/phreport/internal/platform/fhir"
)

const resourceTable = "fhir_resource"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PostgresStore keeps resources as JSONB documents in the fhir_resource table
// (see migrations/001_fhir_resource.sql).
type PostgresStore struct {
	pool      *pgxpool.Pool
	validator Validator
}

// NewPostgresStore creates a store on pool. A nil validator falls back to the
// structural fhir validator.
func NewPostgresStore(pool *pgxpool.Pool, v Validator) *PostgresStore {
	if v == nil {
		v = basicValidator{fhir.NewValidator()}
	}
	return &PostgresStore{pool: pool, validator: v}
}

func (s *PostgresStore) Read(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT resource FROM `+resourceTable+` WHERE resource_type = $1 AND id = $2`,
		resourceType, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	return decode(raw)
}

func (s *PostgresStore) Search(ctx context.Context, query string) ([]map[string]interface{}, error) {
	return s.search(ctx, s.pool, query)
}

func (s *PostgresStore) search(ctx context.Context, conn queryable, query string) ([]map[string]interface{}, error) {
	pq, err := fhir.ParseQuery(query)
	if err != nil {
		return nil, err
	}
	limit := pq.Count
	if limit == 0 {
		limit = DefaultPageSize
	}

	q := fhir.NewSearchQuery(resourceTable, "resource", pq.ResourceType)
	for _, p := range pq.Params {
		q.ApplyParam(p)
	}
	q.OrderBy("last_updated, id")

	rows, err := conn.Query(ctx, q.DataSQL(), q.DataArgs(limit, 0)...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", pq.ResourceType, err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", pq.ResourceType, err)
		}
		m, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", pq.ResourceType, err)
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, resource map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = s.upsert(ctx, tx, resource)
		return err
	})
	return out, err
}

// CreateIfNoneExist serializes concurrent conditional creates for the same
// query with a transaction-scoped advisory lock.
func (s *PostgresStore) CreateIfNoneExist(ctx context.Context, resource map[string]interface{}, query string) (map[string]interface{}, bool, error) {
	var (
		out     map[string]interface{}
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, query); err != nil {
			return fmt.Errorf("lock conditional create: %w", err)
		}
		existing, err := s.search(ctx, tx, query)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out = existing[0]
			return nil
		}
		out, err = s.upsert(ctx, tx, resource)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *PostgresStore) upsert(ctx context.Context, conn queryable, resource map[string]interface{}) (map[string]interface{}, error) {
	rt := fhir.TypeOf(resource)
	if rt == "" {
		return nil, fmt.Errorf("create: resourceType is required")
	}
	stored := fhir.Clone(resource)
	id := fhir.IDOf(stored)
	if id == "" {
		id = uuid.NewString()
		stored["id"] = id
	}

	version := 1
	var prev int
	err := conn.QueryRow(ctx,
		`SELECT version_id FROM `+resourceTable+` WHERE resource_type = $1 AND id = $2 FOR UPDATE`,
		rt, id).Scan(&prev)
	switch {
	case err == nil:
		version = prev + 1
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("lock %s/%s: %w", rt, id, err)
	}

	now := time.Now().UTC()
	meta, _ := stored["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		stored["meta"] = meta
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = now.Format(time.RFC3339Nano)

	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal %s/%s: %w", rt, id, err)
	}
	_, err = conn.Exec(ctx, `
		INSERT INTO `+resourceTable+` (resource_type, id, version_id, last_updated, resource)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (resource_type, id) DO UPDATE
		SET version_id = EXCLUDED.version_id, last_updated = EXCLUDED.last_updated, resource = EXCLUDED.resource`,
		rt, id, version, now, string(raw))
	if err != nil {
		return nil, fmt.Errorf("write %s/%s: %w", rt, id, err)
	}
	return stored, nil
}

func (s *PostgresStore) Delete(ctx context.Context, resourceType, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+resourceTable+` WHERE resource_type = $1 AND id = $2`, resourceType, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Validate(ctx context.Context, resource map[string]interface{}) ([]fhir.OperationOutcomeIssue, error) {
	return s.validator.Validate(ctx, resource)
}

func decode(raw []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode stored resource: %w", err)
	}
	return m, nil
}
