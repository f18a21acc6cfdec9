package policy

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"guardrail/pkg/models"
)

type policyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists policies and whitelists in the tables created by
// cmd/migrator. It implements the same last-write-wins contract as
// MemoryStore via upserts.
type PostgresStore struct {
	DB policyDB
}

func NewPostgresStore(db policyDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Get(ctx context.Context, resource string, op models.OpType) (models.Policy, bool, error) {
	var p models.Policy
	row := s.DB.QueryRow(ctx, `
		SELECT resource, op_type, active, max_amount, daily_limit, cooldown_seconds,
		       requires_approval, approval_threshold, activation_time, expiration_time, requires_whitelist
		FROM policies WHERE resource=$1 AND op_type=$2
	`, resource, string(op))
	var opType string
	err := row.Scan(&p.Resource, &opType, &p.Active, &p.MaxAmountPerOperation, &p.DailyLimit,
		&p.CooldownSeconds, &p.RequiresApproval, &p.ApprovalThreshold,
		&p.ActivationTime, &p.ExpirationTime, &p.RequiresWhitelist)
	if err == pgx.ErrNoRows {
		return models.Policy{}, false, nil
	}
	if err != nil {
		return models.Policy{}, false, err
	}
	p.OpType = models.OpType(opType)
	return p, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, p models.Policy) error {
	if err := Validate(p); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO policies
		  (resource, op_type, active, max_amount, daily_limit, cooldown_seconds,
		   requires_approval, approval_threshold, activation_time, expiration_time, requires_whitelist, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		ON CONFLICT (resource, op_type) DO UPDATE SET
		  active=EXCLUDED.active,
		  max_amount=EXCLUDED.max_amount,
		  daily_limit=EXCLUDED.daily_limit,
		  cooldown_seconds=EXCLUDED.cooldown_seconds,
		  requires_approval=EXCLUDED.requires_approval,
		  approval_threshold=EXCLUDED.approval_threshold,
		  activation_time=EXCLUDED.activation_time,
		  expiration_time=EXCLUDED.expiration_time,
		  requires_whitelist=EXCLUDED.requires_whitelist,
		  updated_at=now()
	`, p.Resource, string(p.OpType), p.Active, int64(p.MaxAmountPerOperation), int64(p.DailyLimit),
		int64(p.CooldownSeconds), p.RequiresApproval, int16(p.ApprovalThreshold),
		p.ActivationTime, p.ExpirationTime, p.RequiresWhitelist)
	return err
}

func (s *PostgresStore) SetApprovalRequirement(ctx context.Context, resource string, op models.OpType, required bool, threshold uint8) error {
	if required && threshold < 1 {
		return ErrInvalidThreshold
	}
	cmd, err := s.DB.Exec(ctx, `
		UPDATE policies SET requires_approval=$3, approval_threshold=$4, updated_at=now()
		WHERE resource=$1 AND op_type=$2
	`, resource, string(op), required, int16(threshold))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, resource string, op models.OpType) error {
	cmd, err := s.DB.Exec(ctx, `
		UPDATE policies SET active=false, updated_at=now()
		WHERE resource=$1 AND op_type=$2
	`, resource, string(op))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, resource string) ([]models.Policy, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT resource, op_type, active, max_amount, daily_limit, cooldown_seconds,
		       requires_approval, approval_threshold, activation_time, expiration_time, requires_whitelist
		FROM policies WHERE resource=$1 ORDER BY op_type
	`, resource)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Policy, 0)
	for rows.Next() {
		var p models.Policy
		var opType string
		if err := rows.Scan(&p.Resource, &opType, &p.Active, &p.MaxAmountPerOperation, &p.DailyLimit,
			&p.CooldownSeconds, &p.RequiresApproval, &p.ApprovalThreshold,
			&p.ActivationTime, &p.ExpirationTime, &p.RequiresWhitelist); err != nil {
			return nil, err
		}
		p.OpType = models.OpType(opType)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddToWhitelist(ctx context.Context, resource, target string) error {
	if target == "" {
		return ErrInvalidPolicy
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO policy_whitelist(resource, target) VALUES ($1,$2)
		ON CONFLICT DO NOTHING
	`, resource, target)
	return err
}

func (s *PostgresStore) RemoveFromWhitelist(ctx context.Context, resource, target string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM policy_whitelist WHERE resource=$1 AND target=$2`, resource, target)
	return err
}

func (s *PostgresStore) IsWhitelisted(ctx context.Context, resource, target string) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM policy_whitelist WHERE resource=$1 AND target=$2)
	`, resource, target).Scan(&exists)
	return exists, err
}
