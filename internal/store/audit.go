// Package store persists the evolution audit trail to SQLite.
// The controller's in-memory history is the authoritative query surface;
// this store is the durable copy that survives restarts, keyed by request
// id. Storage location: .evoloop/audit.db.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"evoloop/internal/evolution"
	"evoloop/internal/logging"

	_ "modernc.org/sqlite"
)

// AuditStore records every terminal EvolutionResult.
type AuditStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Counts is the aggregate view over the persisted trail.
type Counts struct {
	Total     int
	Succeeded int
	Failed    int
	Applied   int
}

const schema = `
CREATE TABLE IF NOT EXISTS evolution_results (
	request_id     TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	success        INTEGER NOT NULL,
	code           TEXT NOT NULL DEFAULT '',
	analysis_json  TEXT NOT NULL DEFAULT '',
	sandbox_json   TEXT NOT NULL DEFAULT '',
	approval       TEXT NOT NULL,
	applied        INTEGER NOT NULL DEFAULT 0,
	rejected       INTEGER NOT NULL DEFAULT 0,
	approved_by    TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	timestamp_ms   INTEGER NOT NULL,
	duration_ms    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_results_timestamp ON evolution_results(timestamp_ms DESC);
`

// NewAuditStore opens (or creates) the audit database at dbPath.
func NewAuditStore(dbPath string) (*AuditStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	logging.Store("audit store ready at %s", dbPath)
	return &AuditStore{db: db, dbPath: dbPath}, nil
}

// Record upserts a result. Called once when a request reaches a terminal
// state and again when a human approves or rejects it.
func (s *AuditStore) Record(result *evolution.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	analysisJSON, sandboxJSON := "", ""
	if result.Analysis != nil {
		data, err := json.Marshal(result.Analysis)
		if err != nil {
			return fmt.Errorf("failed to encode analysis: %w", err)
		}
		analysisJSON = string(data)
	}
	if result.Sandbox != nil {
		data, err := json.Marshal(result.Sandbox)
		if err != nil {
			return fmt.Errorf("failed to encode sandbox result: %w", err)
		}
		sandboxJSON = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO evolution_results
			(request_id, kind, success, code, analysis_json, sandbox_json,
			 approval, applied, rejected, approved_by, error, timestamp_ms, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			applied = excluded.applied,
			rejected = excluded.rejected,
			approved_by = excluded.approved_by,
			error = excluded.error`,
		result.RequestID, result.Kind.String(), boolInt(result.Success),
		result.Code, analysisJSON, sandboxJSON,
		result.Approval.String(), boolInt(result.Applied), boolInt(result.Rejected),
		result.ApprovedBy, result.Error,
		result.Timestamp.UnixMilli(), result.TotalDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record result %s: %w", result.RequestID, err)
	}
	return nil
}

// Get fetches one result by request id.
func (s *AuditStore) Get(requestID string) (*evolution.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT request_id, kind, success, code, analysis_json, sandbox_json,
		       approval, applied, rejected, approved_by, error, timestamp_ms, duration_ms
		FROM evolution_results WHERE request_id = ?`, requestID)
	result, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no audit record for request %s", requestID)
	}
	return result, err
}

// List returns results most recent first, truncated to limit (limit <= 0
// means everything).
func (s *AuditStore) List(limit int) ([]*evolution.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT request_id, kind, success, code, analysis_json, sandbox_json,
		       approval, applied, rejected, approved_by, error, timestamp_ms, duration_ms
		FROM evolution_results ORDER BY timestamp_ms DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var results []*evolution.Result
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// CountsByOutcome returns aggregate counts over the persisted trail.
func (s *AuditStore) CountsByOutcome() (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Counts
	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(success), 0),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(applied), 0)
		FROM evolution_results`)
	if err := row.Scan(&c.Total, &c.Succeeded, &c.Failed, &c.Applied); err != nil {
		return Counts{}, fmt.Errorf("failed to count audit records: %w", err)
	}
	return c, nil
}

// Close releases the database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row scanner) (*evolution.Result, error) {
	var (
		result                     evolution.Result
		kindName, approvalName     string
		success, applied, rejected int
		analysisJSON, sandboxJSON  string
		timestampMs, durationMs    int64
	)
	err := row.Scan(&result.RequestID, &kindName, &success, &result.Code,
		&analysisJSON, &sandboxJSON, &approvalName, &applied, &rejected,
		&result.ApprovedBy, &result.Error, &timestampMs, &durationMs)
	if err != nil {
		return nil, err
	}

	kind, err := evolution.ParseKind(kindName)
	if err != nil {
		return nil, fmt.Errorf("corrupt audit record %s: %w", result.RequestID, err)
	}
	result.Kind = kind

	var approval evolution.ApprovalLevel
	if err := approval.UnmarshalJSON([]byte(`"` + approvalName + `"`)); err != nil {
		return nil, fmt.Errorf("corrupt audit record %s: %w", result.RequestID, err)
	}
	result.Approval = approval

	result.Success = success == 1
	result.Applied = applied == 1
	result.Rejected = rejected == 1
	result.Timestamp = time.UnixMilli(timestampMs)
	result.TotalDuration = time.Duration(durationMs) * time.Millisecond

	if analysisJSON != "" {
		var analysis evolution.CodeAnalysis
		if err := json.Unmarshal([]byte(analysisJSON), &analysis); err == nil {
			result.Analysis = &analysis
		}
	}
	if sandboxJSON != "" {
		var sb evolution.SandboxResult
		if err := json.Unmarshal([]byte(sandboxJSON), &sb); err == nil {
			result.Sandbox = &sb
		}
	}
	return &result, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
