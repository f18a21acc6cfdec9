package audit

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"guardrail/pkg/models"
)

// Sink receives every live policy decision.
type Sink interface {
	Append(ctx context.Context, dec models.Decision) error
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends decisions to the decision_log table.
type Writer struct {
	DB auditDB
}

func (w *Writer) Append(ctx context.Context, dec models.Decision) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO decision_log
		  (decision_id, resource, operator, op_type, amount, target, allowed, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, dec.ID, dec.Resource, dec.Operator, string(dec.OpType), int64(dec.Amount), dec.Target, dec.Allowed, dec.Reason, dec.At)
	return err
}

// Recent returns the newest decisions for a resource, newest first.
func (w *Writer) Recent(ctx context.Context, resource string, limit int) ([]models.Decision, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT decision_id, resource, operator, op_type, amount, target, allowed, reason, created_at
		FROM decision_log WHERE resource=$1 ORDER BY created_at DESC LIMIT $2
	`, resource, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Decision, 0, limit)
	for rows.Next() {
		var dec models.Decision
		var opType string
		if err := rows.Scan(&dec.ID, &dec.Resource, &dec.Operator, &opType, &dec.Amount, &dec.Target, &dec.Allowed, &dec.Reason, &dec.At); err != nil {
			return nil, err
		}
		dec.OpType = models.OpType(opType)
		out = append(out, dec)
	}
	return out, rows.Err()
}

// MemorySink keeps the newest decisions in a bounded ring, for deployments
// without a database.
type MemorySink struct {
	mu    sync.Mutex
	cap   int
	items []models.Decision
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemorySink{cap: capacity}
}

func (m *MemorySink) Append(ctx context.Context, dec models.Decision) error {
	m.mu.Lock()
	m.items = append(m.items, dec)
	if len(m.items) > m.cap {
		m.items = m.items[len(m.items)-m.cap:]
	}
	m.mu.Unlock()
	return nil
}

// Recent returns the newest decisions for a resource, newest first.
func (m *MemorySink) Recent(resource string, limit int) []models.Decision {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Decision, 0, limit)
	for i := len(m.items) - 1; i >= 0 && len(out) < limit; i-- {
		if resource == "" || m.items[i].Resource == resource {
			out = append(out, m.items[i])
		}
	}
	return out
}
