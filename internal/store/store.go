package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// ErrNilPool is returned by New when no connection pool is supplied.
var ErrNilPool = errors.New("store: nil database pool")

// Schema creates the tables the store writes to. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS scans (
    id          TEXT PRIMARY KEY,
    target      TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    requests    BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS findings (
    id                 TEXT PRIMARY KEY,
    scan_id            TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
    plugin             TEXT NOT NULL,
    category           TEXT NOT NULL,
    target             TEXT NOT NULL,
    method             TEXT,
    vulnerability_name TEXT NOT NULL,
    severity           TEXT NOT NULL,
    description        TEXT,
    var                TEXT,
    payload            TEXT,
    response_ids       BIGINT[],
    highlight          TEXT[],
    attributes         JSONB NOT NULL DEFAULT '[]',
    evidence           JSONB NOT NULL DEFAULT '{}',
    recommendation     TEXT,
    cwe                TEXT[],
    observed_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS findings_scan_id_idx ON findings (scan_id);
CREATE TABLE IF NOT EXISTS scan_summaries (
    scan_id  TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
    plugin   TEXT NOT NULL,
    heading  TEXT NOT NULL,
    items    TEXT[] NOT NULL
);
`

const sqlUpsertScan = `
        INSERT INTO scans (id, target, started_at, requests)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET
            target = EXCLUDED.target,
            requests = EXCLUDED.requests;
    `

const sqlInsertSummary = `
        INSERT INTO scan_summaries (scan_id, plugin, heading, items)
        VALUES ($1, $2, $3, $4);
    `

var findingColumns = []string{
	"id", "scan_id", "plugin", "category", "target", "method",
	"vulnerability_name", "severity", "description", "var", "payload",
	"response_ids", "highlight", "attributes", "evidence", "recommendation",
	"cwe", "observed_at",
}

// Store provides a PostgreSQL backed repository for scan results.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  observability.OrNop(logger).Named("store"),
	}, nil
}

// EnsureSchema applies Schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// PersistFindings writes the scan row, its findings and its summaries in a
// single transaction.
func (s *Store) PersistFindings(ctx context.Context, envelope *schemas.ResultEnvelope) error {
	if envelope == nil {
		return errors.New("nil result envelope")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlUpsertScan,
		envelope.ScanID, envelope.Target, envelope.Timestamp.UTC(), envelope.Requests,
	); err != nil {
		return fmt.Errorf("failed to record scan %s: %w", envelope.ScanID, err)
	}

	if len(envelope.Findings) > 0 {
		if err := s.persistFindings(ctx, tx, envelope.ScanID, envelope.Findings); err != nil {
			return err
		}
	}

	if len(envelope.Summaries) > 0 {
		if err := s.persistSummaries(ctx, tx, envelope.ScanID, envelope.Summaries); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Persisted scan results",
		zap.String("scan_id", envelope.ScanID),
		zap.Int("findings", len(envelope.Findings)),
		zap.Int("summaries", len(envelope.Summaries)))
	return nil
}

func (s *Store) persistFindings(ctx context.Context, tx pgx.Tx, scanID string, findings []schemas.Finding) error {
	rows := make([][]interface{}, len(findings))
	for i, f := range findings {
		evidence := f.Evidence
		if len(evidence) == 0 || string(evidence) == "null" {
			evidence = json.RawMessage("{}")
		}
		attributes, err := encodeAttributes(f.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes of finding %s: %w", f.ID, err)
		}

		rows[i] = []interface{}{
			f.ID, scanID, f.Plugin, f.Category, f.Target, string(f.Method),
			f.VulnerabilityName, string(f.Severity), f.Description, f.Var, f.Payload,
			f.ResponseIDs, f.Highlight, attributes, evidence, f.Recommendation,
			f.CWE, f.ObservedAt.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"findings"}, findingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), copyCount)
	}
	return nil
}

func (s *Store) persistSummaries(ctx context.Context, tx pgx.Tx, scanID string, summaries []schemas.Summary) error {
	batch := &pgx.Batch{}
	for _, sum := range summaries {
		items := sum.Items
		if items == nil {
			items = []string{}
		}
		batch.Queue(sqlInsertSummary, scanID, sum.Plugin, sum.Heading, items)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return errors.New("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i := range summaries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert summary %q from %s: %w", summaries[i].Heading, summaries[i].Plugin, err)
		}
	}
	return nil
}

// GetFindingsByScanID returns the findings of one scan in observation order.
func (s *Store) GetFindingsByScanID(ctx context.Context, scanID string) ([]schemas.Finding, error) {
	query := `
        SELECT id, plugin, category, target, method, vulnerability_name, severity, description,
               var, payload, response_ids, highlight, attributes, evidence, recommendation, cwe, observed_at
        FROM findings
        WHERE scan_id = $1
        ORDER BY observed_at ASC;
    `
	rows, err := s.pool.Query(ctx, query, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []schemas.Finding
	for rows.Next() {
		var (
			f           schemas.Finding
			method      string
			severityStr string
			attributes  []byte
			evidence    []byte
		)
		err := rows.Scan(
			&f.ID, &f.Plugin, &f.Category, &f.Target, &method,
			&f.VulnerabilityName, &severityStr, &f.Description,
			&f.Var, &f.Payload, &f.ResponseIDs, &f.Highlight,
			&attributes, &evidence, &f.Recommendation, &f.CWE, &f.ObservedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}

		if f.Attributes, err = decodeAttributes(attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of finding %s: %w", f.ID, err)
		}
		if len(evidence) > 0 {
			f.Evidence = json.RawMessage(evidence)
		}
		f.Method = schemas.Method(method)
		f.Severity = schemas.Severity(severityStr)
		f.ScanID = scanID
		findings = append(findings, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}

func encodeAttributes(attrs schemas.Attributes) ([]byte, error) {
	if len(attrs) == 0 {
		return []byte("[]"), nil
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(attrs)
}

func decodeAttributes(data []byte) (schemas.Attributes, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var attrs schemas.Attributes
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &attrs); err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}
