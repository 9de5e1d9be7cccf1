package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"orbitgate/pkg/models"
)

// Record is one pipeline decision as persisted for audit.
type Record struct {
	DecisionID    string
	PrincipalHash string
	IdentityHash  string
	Orbit         string
	Path          string
	Function      string
	Pattern       string
	Allowed       bool
	ReasonCode    string
	Reason        string
	Constraints   []string
	CreatedAt     time.Time
}

// Sink receives decision records. Denials are recorded the same as
// grants; the log must never decide.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer persists records to Postgres. With Redact set, principal and
// identity are salted-hashed before they leave the process.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO decision_records
		(decision_id, principal_hash, identity_hash, orbit, path, function, pattern, allowed, reason_code, reason, constraints, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.DecisionID, rec.PrincipalHash, rec.IdentityHash, rec.Orbit, rec.Path, rec.Function, rec.Pattern,
		rec.Allowed, rec.ReasonCode, rec.Reason, rec.Constraints, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, principal_hash, identity_hash, orbit, path, function, pattern, allowed, reason_code, reason, constraints, created_at
		FROM decision_records WHERE decision_id=$1
	`, decisionID)
	err := row.Scan(&rec.DecisionID, &rec.PrincipalHash, &rec.IdentityHash, &rec.Orbit, &rec.Path, &rec.Function,
		&rec.Pattern, &rec.Allowed, &rec.ReasonCode, &rec.Reason, &rec.Constraints, &rec.CreatedAt)
	return rec, err
}

// Log is the in-memory sink for embedded deployments. It keeps the
// most recent records up to a fixed capacity.
type Log struct {
	mu       sync.Mutex
	cap      int
	records  []Record
	HashSalt []byte
	Redact   bool
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Log{cap: capacity}
}

func (l *Log) Append(ctx context.Context, rec Record) error {
	if l.Redact {
		rec = redactRecord(rec, l.HashSalt)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if len(l.records) > l.cap {
		l.records = l.records[len(l.records)-l.cap:]
	}
	return nil
}

// Recent returns up to n newest records, newest last.
func (l *Log) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}
	out := make([]Record, n)
	copy(out, l.records[len(l.records)-n:])
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// FromVerification builds the audit record for a pipeline verdict.
func FromVerification(req models.ExecutionRequest, v models.SecurityVerification) Record {
	return Record{
		DecisionID:    v.DecisionID,
		PrincipalHash: req.Principal,
		IdentityHash:  req.Identity,
		Orbit:         req.Orbit,
		Path:          req.Path,
		Function:      req.Function,
		Pattern:       string(req.Pattern),
		Allowed:       v.Allowed,
		ReasonCode:    v.ReasonCode,
		Reason:        v.Reason,
		Constraints:   v.Constraints,
		CreatedAt:     v.DecidedAt,
	}
}
