// Package settlement delivers fund-split instructions to the payment system.
//
// Instructions are written to an outbox when a dispute closes and delivered
// at-least-once by a background dispatcher. The dispute ID doubles as the
// idempotency key, so the payment side can deduplicate redelivery.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/resolvhq/resolv/internal/dispute"
	"github.com/resolvhq/resolv/internal/idgen"
)

var (
	ErrNotFound = errors.New("settlement instruction not found")
)

// Status of an outbox instruction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed" // exhausted all attempts
)

// MaxAttempts is the delivery attempt budget before an instruction is
// parked as failed and left for operator intervention.
const MaxAttempts = 10

// Instruction is an outbox row carrying one dispute's fund split.
type Instruction struct {
	ID                string     `json:"id"`
	DisputeID         string     `json:"disputeId"` // idempotency key
	OrderID           string     `json:"orderId"`
	SplitToClaimant   int64      `json:"splitToClaimant"`
	SplitToRespondent int64      `json:"splitToRespondent"`
	Currency          string     `json:"currency"`
	Status            Status     `json:"status"`
	Attempts          int        `json:"attempts"`
	NextAttemptAt     time.Time  `json:"nextAttemptAt"`
	LastError         string     `json:"lastError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
}

// Store persists the outbox. Create must be idempotent on DisputeID: writing
// an instruction for a dispute that already has one is a no-op.
type Store interface {
	Create(ctx context.Context, ins *Instruction) error
	Get(ctx context.Context, id string) (*Instruction, error)
	GetByDispute(ctx context.Context, disputeID string) (*Instruction, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Instruction, error)
	Update(ctx context.Context, ins *Instruction) error
}

// Outbox implements dispute.SettlementEmitter over a Store.
type Outbox struct {
	store Store
}

// NewOutbox creates the outbox emitter.
func NewOutbox(store Store) *Outbox {
	return &Outbox{store: store}
}

// EmitSettlement enqueues the instruction for delivery. Safe to call more
// than once for the same dispute.
func (o *Outbox) EmitSettlement(ctx context.Context, s dispute.Settlement) error {
	now := time.Now()
	return o.store.Create(ctx, &Instruction{
		ID:                idgen.WithPrefix("stl_"),
		DisputeID:         s.DisputeID,
		OrderID:           s.OrderID,
		SplitToClaimant:   s.SplitToClaimant,
		SplitToRespondent: s.SplitToRespondent,
		Currency:          s.Currency,
		Status:            StatusPending,
		NextAttemptAt:     now,
		CreatedAt:         now,
	})
}

// GetByDispute returns the instruction enqueued for a dispute.
func (o *Outbox) GetByDispute(ctx context.Context, disputeID string) (*Instruction, error) {
	return o.store.GetByDispute(ctx, disputeID)
}

// backoff returns the delay before the next attempt. Doubles from 30s up to
// a 30 minute ceiling.
func backoff(attempts int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 30*time.Minute {
			return 30 * time.Minute
		}
	}
	return d
}
