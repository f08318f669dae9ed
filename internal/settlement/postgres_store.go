package settlement

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists the settlement outbox in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed outbox store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, ins *Instruction) error {
	// dispute_id is unique; redelivery of the same closure is a no-op.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_instructions (
			id, dispute_id, order_id, split_to_claimant, split_to_respondent,
			currency, status, attempts, next_attempt_at, last_error,
			created_at, delivered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dispute_id) DO NOTHING`,
		ins.ID, ins.DisputeID, ins.OrderID, ins.SplitToClaimant, ins.SplitToRespondent,
		ins.Currency, string(ins.Status), ins.Attempts, ins.NextAttemptAt,
		nullString(ins.LastError), ins.CreatedAt, nullTime(ins.DeliveredAt),
	)
	return err
}

const instructionColumns = `id, dispute_id, order_id, split_to_claimant, split_to_respondent,
	       currency, status, attempts, next_attempt_at, last_error, created_at, delivered_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Instruction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+instructionColumns+` FROM settlement_instructions WHERE id = $1`, id)
	return scanInstruction(row)
}

func (p *PostgresStore) GetByDispute(ctx context.Context, disputeID string) (*Instruction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+instructionColumns+` FROM settlement_instructions WHERE dispute_id = $1`, disputeID)
	return scanInstruction(row)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Instruction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instructionColumns+`
		FROM settlement_instructions
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Instruction
	for rows.Next() {
		ins, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, ins *Instruction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlement_instructions SET
			status = $1, attempts = $2, next_attempt_at = $3,
			last_error = $4, delivered_at = $5
		WHERE id = $6`,
		string(ins.Status), ins.Attempts, ins.NextAttemptAt,
		nullString(ins.LastError), nullTime(ins.DeliveredAt), ins.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInstruction(s scanner) (*Instruction, error) {
	ins := &Instruction{}
	var (
		status      string
		lastError   sql.NullString
		deliveredAt sql.NullTime
	)
	err := s.Scan(
		&ins.ID, &ins.DisputeID, &ins.OrderID, &ins.SplitToClaimant, &ins.SplitToRespondent,
		&ins.Currency, &status, &ins.Attempts, &ins.NextAttemptAt, &lastError,
		&ins.CreatedAt, &deliveredAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ins.Status = Status(status)
	ins.LastError = lastError.String
	if deliveredAt.Valid {
		ins.DeliveredAt = &deliveredAt.Time
	}
	return ins, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
