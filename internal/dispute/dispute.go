// Package dispute implements the order dispute resolution and arbitration
// workflow for the Resolv marketplace.
//
// Flow:
//  1. Claimant opens a dispute against a paid order → respondent is put on
//     a response deadline (awaiting_response)
//  2. Respondent replies or counter-offers → negotiation, with its own deadline
//  3. Parties trade offers; mutual acceptance settles directly and closes
//  4. Escalation (explicit, or deadline elapsed) → admin_arbitration
//  5. Both parties pay the arbitration fee → admin may issue a binding decision
//  6. Closure emits a settlement instruction to the payment collaborator
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/resolvhq/resolv/internal/idgen"
	"github.com/resolvhq/resolv/internal/pagination"
)

var (
	ErrNotFound          = errors.New("dispute not found")
	ErrInvalidStage      = errors.New("operation not allowed in current dispute stage")
	ErrNotAParty         = errors.New("caller is not a party to this dispute")
	ErrInvalidAmount     = errors.New("amount out of bounds for this dispute")
	ErrFeeNotPaid        = errors.New("arbitration fee not paid by both parties")
	ErrFeeVerification   = errors.New("arbitration fee payment could not be verified")
	ErrAlreadyClosed     = errors.New("dispute already closed")
	ErrConflict          = errors.New("dispute was modified concurrently")
	ErrOpenDisputeExists = errors.New("order already has an open dispute")
	ErrNoStandingOffer   = errors.New("no standing offer from the counterpart")

	// Returned by OrderService implementations when the disputed order
	// cannot back a dispute.
	ErrOrderNotFound = errors.New("disputed order not found")
	ErrOrderNotPaid  = errors.New("disputed order has not been paid")
)

// Status represents the stage of a dispute's lifecycle.
type Status string

const (
	StatusOpen             Status = "open"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusNegotiation      Status = "negotiation"
	StatusArbitration      Status = "admin_arbitration"
	StatusClosed           Status = "closed"
)

// Transition triggers, recorded on events and metrics.
const (
	TriggerParty    = "party"
	TriggerDeadline = "deadline"
	TriggerAdmin    = "admin"
)

// Message is an immutable entry in a dispute's correspondence log.
type Message struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"authorId"`
	Body         string    `json:"body"`
	Attachments  []string  `json:"attachments,omitempty"`
	IsAdminReply bool      `json:"isAdminReply"`
	InFavorOfID  string    `json:"inFavorOfId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Decision is the binding outcome of a dispute. The split amounts always sum
// to the amount in dispute; arbitration fees are collected separately and
// never deducted from the pot.
type Decision struct {
	WinnerID          string    `json:"winnerId,omitempty"` // empty for mutual settlements
	SplitToClaimant   int64     `json:"splitToClaimant"`
	SplitToRespondent int64     `json:"splitToRespondent"`
	Notes             string    `json:"notes,omitempty"`
	DecidedBy         string    `json:"decidedBy"`
	DecidedAt         time.Time `json:"decidedAt"`
}

// Dispute is the aggregate root. Offers state the amount the offering party
// proposes the claimant receives, in minor currency units.
type Dispute struct {
	ID           string `json:"id"`
	OrderID      string `json:"orderId"`
	ClaimantID   string `json:"claimantId"`
	RespondentID string `json:"respondentId"`
	Status       Status `json:"status"`

	AmountInDispute int64  `json:"amountInDispute"` // minor units, immutable
	Currency        string `json:"currency"`

	Requirements      string   `json:"requirements,omitempty"`
	UnmetRequirements string   `json:"unmetRequirements,omitempty"`
	EvidenceFiles     []string `json:"evidenceFiles,omitempty"` // references, never content

	ClaimantOffer   *int64 `json:"claimantOffer,omitempty"`
	RespondentOffer *int64 `json:"respondentOffer,omitempty"`

	ResponseDeadline    *time.Time `json:"responseDeadline,omitempty"`
	NegotiationDeadline *time.Time `json:"negotiationDeadline,omitempty"`

	ArbitrationPayments []string  `json:"arbitrationPayments"` // party IDs, grow-only
	Decision            *Decision `json:"decision,omitempty"`

	Messages []Message `json:"messages"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`

	// Version is the optimistic concurrency token; incremented on every write.
	Version int64 `json:"version"`
}

// IsParty reports whether id is the claimant or the respondent.
func (d *Dispute) IsParty(id string) bool {
	return id != "" && (id == d.ClaimantID || id == d.RespondentID)
}

// Counterpart returns the other party, or "" if id is not a party.
func (d *Dispute) Counterpart(id string) string {
	switch id {
	case d.ClaimantID:
		return d.RespondentID
	case d.RespondentID:
		return d.ClaimantID
	}
	return ""
}

// OfferBy returns the standing offer submitted by the given party.
func (d *Dispute) OfferBy(id string) *int64 {
	switch id {
	case d.ClaimantID:
		return d.ClaimantOffer
	case d.RespondentID:
		return d.RespondentOffer
	}
	return nil
}

// HasPaidArbitrationFee reports whether the party has paid the fee.
func (d *Dispute) HasPaidArbitrationFee(partyID string) bool {
	for _, p := range d.ArbitrationPayments {
		if p == partyID {
			return true
		}
	}
	return false
}

// BothPartiesPaidArbitrationFee is the sole unlock condition for a binding
// admin decision.
func (d *Dispute) BothPartiesPaidArbitrationFee() bool {
	return d.HasPaidArbitrationFee(d.ClaimantID) && d.HasPaidArbitrationFee(d.RespondentID)
}

// IsTerminal reports whether the dispute has reached its final state.
func (d *Dispute) IsTerminal() bool {
	return d.Status == StatusClosed
}

// allowedTransitions is the stage graph. Self-loops (messages and offers
// within a stage) are not transitions and are not listed.
var allowedTransitions = map[Status][]Status{
	StatusOpen:             {StatusAwaitingResponse},
	StatusAwaitingResponse: {StatusNegotiation, StatusClosed},
	StatusNegotiation:      {StatusArbitration, StatusClosed},
	StatusArbitration:      {StatusClosed},
	StatusClosed:           {},
}

// CanTransition reports whether from → to is a legal stage move.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Remaining returns the non-negative time left until deadline as of now.
// It is the single countdown used by both the sweep and any client display,
// so elapsed-deadline judgments are always consistent.
func Remaining(deadline time.Time, now time.Time) time.Duration {
	r := deadline.Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// DeadlineElapsed reports whether a deadline is set and has passed.
func DeadlineElapsed(deadline *time.Time, now time.Time) bool {
	return deadline != nil && now.After(*deadline)
}

// ActiveDeadline returns the deadline relevant to the dispute's current
// stage, or nil when no deadline is running.
func (d *Dispute) ActiveDeadline() *time.Time {
	switch d.Status {
	case StatusAwaitingResponse:
		return d.ResponseDeadline
	case StatusNegotiation:
		return d.NegotiationDeadline
	}
	return nil
}

// Store persists dispute aggregates. Update must apply the whole aggregate
// atomically with an optimistic version check, returning ErrConflict when the
// stored version no longer matches.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	// ListByParty returns disputes involving the party, newest first,
	// starting strictly after the cursor position when one is given.
	ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Dispute, error)
	// ListDeadlineElapsed returns non-closed disputes whose active deadline
	// passed before the given time.
	ListDeadlineElapsed(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)
}

// Settlement is the fund-split instruction handed to the payment collaborator
// when a dispute closes. DisputeID doubles as the idempotency key.
type Settlement struct {
	DisputeID         string `json:"disputeId"`
	OrderID           string `json:"orderId"`
	SplitToClaimant   int64  `json:"splitToClaimant"`
	SplitToRespondent int64  `json:"splitToRespondent"`
	Currency          string `json:"currency"`
}

// SettlementEmitter accepts the settlement instruction for at-least-once
// delivery. Closure is committed before delivery is guaranteed; emit errors
// must not roll back the closed state.
type SettlementEmitter interface {
	EmitSettlement(ctx context.Context, s Settlement) error
}

// OrderSnapshot is the immutable view of the disputed order supplied by the
// order/escrow collaborator at dispute creation.
type OrderSnapshot struct {
	OrderID        string
	ClientID       string
	ProfessionalID string
	Amount         int64 // minor units held in escrow for the order
	Currency       string
}

// OrderService resolves disputed orders and the arbitration fee.
type OrderService interface {
	Snapshot(ctx context.Context, orderID string) (*OrderSnapshot, error)
	ArbitrationFee(ctx context.Context, currency string) (int64, error)
}

// FeeVerifier checks that a party's arbitration-fee payment reference is
// settled for at least the required amount.
type FeeVerifier interface {
	VerifyFeePayment(ctx context.Context, partyID, paymentRef string, amount int64, currency string) error
}

// EventEmitter receives stage-transition and activity events. Implementations
// must not block; emission happens after the state change is persisted.
type EventEmitter interface {
	EmitDisputeEvent(event string, d *Dispute)
}

// Event names emitted to the notifier/realtime layer.
const (
	EventOpened            = "dispute.opened"
	EventResponded         = "dispute.responded"
	EventResponseElapsed   = "dispute.response_elapsed"
	EventOfferSubmitted    = "dispute.offer_submitted"
	EventEvidenceSubmitted = "dispute.evidence_submitted"
	EventEscalated         = "dispute.escalated"
	EventFeePaid           = "dispute.fee_paid"
	EventAdminReplied      = "dispute.admin_replied"
	EventSettled           = "dispute.settled"
	EventDecided           = "dispute.decided"
)

func generateDisputeID() string {
	return idgen.WithPrefix("dsp_")
}
