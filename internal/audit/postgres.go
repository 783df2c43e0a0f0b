package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the persistent chain layout. Indexes mirror the query paths:
// per-request lookup, per-tenant history, and chain verification in order.
const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id            BIGSERIAL PRIMARY KEY,
    request_id    TEXT NOT NULL UNIQUE,
    timestamp     TEXT NOT NULL,
    hash          TEXT NOT NULL,
    previous_hash TEXT NOT NULL,
    tenant_id     TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    method        TEXT NOT NULL,
    path          TEXT NOT NULL,
    protocol      TEXT NOT NULL,
    action        TEXT NOT NULL DEFAULT '',
    category      TEXT NOT NULL,
    risk_level    TEXT NOT NULL,
    status        TEXT NOT NULL,
    status_code   INT,
    duration_ms   BIGINT,
    error_code    TEXT,
    metadata      JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_request_id ON audit_entries (request_id);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_id ON audit_entries (tenant_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_timestamp ON audit_entries (tenant_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_hash ON audit_entries (hash);
CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_entries (category);
CREATE INDEX IF NOT EXISTS idx_audit_risk_level ON audit_entries (risk_level);
CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_entries (status);
`

// PostgresStore persists the chain in audit_entries. Appends serialize via a
// transaction-scoped advisory lock so LastHash -> compute -> insert commits
// as one linearizable step across replicas.
type PostgresStore struct {
	pool   *pgxpool.Pool
	secret string
}

// appendLockID namespaces the advisory lock taken around chain appends.
const appendLockID = 0x61756469 // "audi"

// NewPostgresStore connects, applies the schema, and returns the store.
func NewPostgresStore(ctx context.Context, dsn, secret string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: apply schema: %w", err)
	}
	return &PostgresStore{pool: pool, secret: secret}, nil
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("audit: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockID); err != nil {
		return fmt.Errorf("audit: acquire append lock: %w", err)
	}

	prev := Genesis
	err = tx.QueryRow(ctx, `SELECT hash FROM audit_entries ORDER BY id DESC LIMIT 1`).Scan(&prev)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("audit: read tail: %w", err)
	}

	cp := *e
	cp.PreviousHash = prev
	h, err := ComputeHash(&cp, prev, s.secret)
	if err != nil {
		return err
	}
	cp.Hash = h

	// Fields without dedicated columns ride along in metadata so a reloaded
	// entry rehashes to the stored value.
	meta, err := json.Marshal(packMetadata(&cp))
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO audit_entries (
		     request_id, timestamp, hash, previous_hash, tenant_id, user_id,
		     method, path, protocol, action, category, risk_level,
		     status, status_code, duration_ms, error_code, metadata
		 )
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17::jsonb)`,
		cp.RequestID, cp.Timestamp, cp.Hash, cp.PreviousHash, cp.TenantID, cp.UserID,
		cp.Method, cp.Path, cp.Protocol, cp.Action, cp.Category, cp.RiskLevel,
		cp.Status, nullableInt(cp.StatusCode), nullableInt64(cp.DurationMs), cp.ErrorCode, meta,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("audit: commit append: %w", err)
	}

	e.PreviousHash = cp.PreviousHash
	e.Hash = cp.Hash
	return nil
}

func (s *PostgresStore) LastHash(ctx context.Context) (string, error) {
	var h string
	err := s.pool.QueryRow(ctx, `SELECT hash FROM audit_entries ORDER BY id DESC LIMIT 1`).Scan(&h)
	if err == pgx.ErrNoRows {
		return Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read tail: %w", err)
	}
	return h, nil
}

func (s *PostgresStore) Get(ctx context.Context, requestID string) (*Entry, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` WHERE request_id = $1`, requestID)
	if err != nil {
		return nil, fmt.Errorf("audit: get entry: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (s *PostgresStore) Verify(ctx context.Context) (bool, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` ORDER BY id ASC`)
	if err != nil {
		return false, fmt.Errorf("audit: load chain: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return false, err
	}
	return VerifyChain(entries, s.secret), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const selectColumns = `SELECT request_id, timestamp, hash, previous_hash, tenant_id, user_id,
    method, path, protocol, action, category, risk_level,
    status, status_code, duration_ms, error_code, metadata
FROM audit_entries`

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var (
			e          Entry
			statusCode *int
			durationMs *int64
			meta       []byte
		)
		err := rows.Scan(&e.RequestID, &e.Timestamp, &e.Hash, &e.PreviousHash,
			&e.TenantID, &e.UserID, &e.Method, &e.Path, &e.Protocol, &e.Action,
			&e.Category, &e.RiskLevel, &e.Status, &statusCode, &durationMs,
			&e.ErrorCode, &meta)
		if err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if statusCode != nil {
			e.StatusCode = *statusCode
		}
		if durationMs != nil {
			e.DurationMs = *durationMs
		}
		if len(meta) > 0 {
			var packed map[string]interface{}
			if err := json.Unmarshal(meta, &packed); err != nil {
				return nil, fmt.Errorf("audit: decode metadata: %w", err)
			}
			unpackMetadata(&e, packed)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// envelopeKey holds the Entry fields that have no dedicated column.
const envelopeKey = "_entry"

func packMetadata(e *Entry) map[string]interface{} {
	out := make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		out[k] = v
	}
	inner := map[string]interface{}{}
	if e.ID != "" {
		inner["id"] = e.ID
	}
	if len(e.Roles) > 0 {
		inner["roles"] = e.Roles
	}
	if e.APIVersion != "" {
		inner["apiVersion"] = e.APIVersion
	}
	if e.ClientType != "" {
		inner["clientType"] = e.ClientType
	}
	if e.TraceID != "" {
		inner["traceId"] = e.TraceID
	}
	if e.SpanID != "" {
		inner["spanId"] = e.SpanID
	}
	if len(inner) > 0 {
		out[envelopeKey] = inner
	}
	return out
}

func unpackMetadata(e *Entry, packed map[string]interface{}) {
	if inner, ok := packed[envelopeKey].(map[string]interface{}); ok {
		if v, ok := inner["id"].(string); ok {
			e.ID = v
		}
		if raw, ok := inner["roles"].([]interface{}); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					e.Roles = append(e.Roles, s)
				}
			}
		}
		if v, ok := inner["apiVersion"].(string); ok {
			e.APIVersion = v
		}
		if v, ok := inner["clientType"].(string); ok {
			e.ClientType = v
		}
		if v, ok := inner["traceId"].(string); ok {
			e.TraceID = v
		}
		if v, ok := inner["spanId"].(string); ok {
			e.SpanID = v
		}
		delete(packed, envelopeKey)
	}
	if len(packed) > 0 {
		e.Metadata = packed
	}
}

func nullableInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullableInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
