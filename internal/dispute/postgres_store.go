package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/resolvhq/resolv/internal/pagination"
)

// PostgresStore persists dispute aggregates in PostgreSQL. Messages and
// arbitration payments live in child tables and are append-only; Update
// inserts only the rows the store has not seen yet.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	decisionJSON, err := marshalDecision(d.Decision)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, claimant_id, respondent_id, status,
			amount_in_dispute, currency, requirements, unmet_requirements,
			evidence_files, claimant_offer, respondent_offer,
			response_deadline, negotiation_deadline, decision,
			created_at, updated_at, responded_at, closed_at, version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15,
			$16, $17, $18, $19, $20
		)`,
		d.ID, d.OrderID, d.ClaimantID, d.RespondentID, string(d.Status),
		d.AmountInDispute, d.Currency, d.Requirements, nullString(d.UnmetRequirements),
		pq.Array(d.EvidenceFiles), nullInt64(d.ClaimantOffer), nullInt64(d.RespondentOffer),
		nullTime(d.ResponseDeadline), nullTime(d.NegotiationDeadline), decisionJSON,
		d.CreatedAt, d.UpdatedAt, nullTime(d.RespondedAt), nullTime(d.ClosedAt), d.Version,
	)
	if err != nil {
		// The partial unique index on (order_id) WHERE status <> 'closed'
		// enforces one open dispute per order.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrOpenDisputeExists
		}
		return err
	}

	if err := insertMessages(ctx, tx, d.ID, d.Messages); err != nil {
		return err
	}
	if err := insertPayments(ctx, tx, d.ID, d.ArbitrationPayments); err != nil {
		return err
	}
	return tx.Commit()
}

const disputeColumns = `id, order_id, claimant_id, respondent_id, status,
	       amount_in_dispute, currency, requirements, unmet_requirements,
	       evidence_files, claimant_offer, respondent_offer,
	       response_deadline, negotiation_deadline, decision,
	       created_at, updated_at, responded_at, closed_at, version`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadChildren(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Update writes the aggregate atomically with an optimistic version check.
// A zero-row UPDATE means the stored version moved on; the caller must
// re-read and retry.
func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	decisionJSON, err := marshalDecision(d.Decision)
	if err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, unmet_requirements = $2, evidence_files = $3,
			claimant_offer = $4, respondent_offer = $5,
			response_deadline = $6, negotiation_deadline = $7, decision = $8,
			updated_at = $9, responded_at = $10, closed_at = $11,
			version = version + 1
		WHERE id = $12 AND version = $13`,
		string(d.Status), nullString(d.UnmetRequirements), pq.Array(d.EvidenceFiles),
		nullInt64(d.ClaimantOffer), nullInt64(d.RespondentOffer),
		nullTime(d.ResponseDeadline), nullTime(d.NegotiationDeadline), decisionJSON,
		d.UpdatedAt, nullTime(d.RespondedAt), nullTime(d.ClosedAt),
		d.ID, d.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	if err := insertMessages(ctx, tx, d.ID, d.Messages); err != nil {
		return err
	}
	if err := insertPayments(ctx, tx, d.ID, d.ArbitrationPayments); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Dispute, error) {
	query := `
		SELECT ` + disputeColumns + `
		FROM disputes
		WHERE (claimant_id = $1 OR respondent_id = $1)`
	args := []interface{}{partyID}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.collect(ctx, rows)
}

func (p *PostgresStore) ListDeadlineElapsed(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE (status = 'awaiting_response' AND response_deadline < $1)
		   OR (status = 'negotiation' AND negotiation_deadline < $1)
		ORDER BY created_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.collect(ctx, rows)
}

func (p *PostgresStore) collect(ctx context.Context, rows *sql.Rows) ([]*Dispute, error) {
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, d := range out {
		if err := p.loadChildren(ctx, d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresStore) loadChildren(ctx context.Context, d *Dispute) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, author_id, body, attachments, is_admin_reply, in_favor_of_id, created_at
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY created_at, id`, d.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	d.Messages = nil
	for rows.Next() {
		var m Message
		var inFavorOf sql.NullString
		var attachments pq.StringArray
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.Body, &attachments,
			&m.IsAdminReply, &inFavorOf, &m.CreatedAt); err != nil {
			return err
		}
		m.Attachments = []string(attachments)
		m.InFavorOfID = inFavorOf.String
		d.Messages = append(d.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	payRows, err := p.db.QueryContext(ctx, `
		SELECT party_id FROM arbitration_payments
		WHERE dispute_id = $1
		ORDER BY paid_at`, d.ID)
	if err != nil {
		return err
	}
	defer func() { _ = payRows.Close() }()

	d.ArbitrationPayments = []string{}
	for payRows.Next() {
		var partyID string
		if err := payRows.Scan(&partyID); err != nil {
			return err
		}
		d.ArbitrationPayments = append(d.ArbitrationPayments, partyID)
	}
	return payRows.Err()
}

func insertMessages(ctx context.Context, tx *sql.Tx, disputeID string, msgs []Message) error {
	for _, m := range msgs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dispute_messages (
				id, dispute_id, author_id, body, attachments,
				is_admin_reply, in_favor_of_id, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			m.ID, disputeID, m.AuthorID, m.Body, pq.Array(m.Attachments),
			m.IsAdminReply, nullString(m.InFavorOfID), m.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func insertPayments(ctx context.Context, tx *sql.Tx, disputeID string, partyIDs []string) error {
	for _, partyID := range partyIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO arbitration_payments (dispute_id, party_id, paid_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (dispute_id, party_id) DO NOTHING`,
			disputeID, partyID,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status              string
		unmetRequirements   sql.NullString
		evidenceFiles       pq.StringArray
		claimantOffer       sql.NullInt64
		respondentOffer     sql.NullInt64
		responseDeadline    sql.NullTime
		negotiationDeadline sql.NullTime
		decisionJSON        []byte
		respondedAt         sql.NullTime
		closedAt            sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.OrderID, &d.ClaimantID, &d.RespondentID, &status,
		&d.AmountInDispute, &d.Currency, &d.Requirements, &unmetRequirements,
		&evidenceFiles, &claimantOffer, &respondentOffer,
		&responseDeadline, &negotiationDeadline, &decisionJSON,
		&d.CreatedAt, &d.UpdatedAt, &respondedAt, &closedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.UnmetRequirements = unmetRequirements.String
	d.EvidenceFiles = []string(evidenceFiles)
	if claimantOffer.Valid {
		d.ClaimantOffer = &claimantOffer.Int64
	}
	if respondentOffer.Valid {
		d.RespondentOffer = &respondentOffer.Int64
	}
	if responseDeadline.Valid {
		d.ResponseDeadline = &responseDeadline.Time
	}
	if negotiationDeadline.Valid {
		d.NegotiationDeadline = &negotiationDeadline.Time
	}
	if respondedAt.Valid {
		d.RespondedAt = &respondedAt.Time
	}
	if closedAt.Valid {
		d.ClosedAt = &closedAt.Time
	}
	if len(decisionJSON) > 0 {
		var dec Decision
		if err := json.Unmarshal(decisionJSON, &dec); err == nil {
			d.Decision = &dec
		}
	}
	d.ArbitrationPayments = []string{}
	return d, nil
}

func marshalDecision(dec *Decision) (interface{}, error) {
	if dec == nil {
		return nil, nil
	}
	b, err := json.Marshal(dec)
	if err != nil {
		return nil, err
	}
	return b, nil
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

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
