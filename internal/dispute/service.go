package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/resolvhq/resolv/internal/idgen"
	"github.com/resolvhq/resolv/internal/pagination"
)

// Windows holds the fixed deadline windows per stage. A deadline is computed
// once when its stage starts and is never shortened afterwards.
type Windows struct {
	Response    time.Duration
	Negotiation time.Duration
}

// DefaultWindows returns the standard marketplace response windows.
func DefaultWindows() Windows {
	return Windows{
		Response:    5 * 24 * time.Hour,
		Negotiation: 7 * 24 * time.Hour,
	}
}

// Service implements the dispute workflow: the negotiation protocol, the
// arbitration gate, and the decision engine, over a versioned Store.
type Service struct {
	store   Store
	orders  OrderService
	settler SettlementEmitter
	fees    FeeVerifier
	events  EventEmitter
	windows Windows
	logger  *slog.Logger
	locks   sync.Map // per-dispute ID locks serializing in-process writers
	now     func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, orders OrderService, settler SettlementEmitter, windows Windows, logger *slog.Logger) *Service {
	if windows.Response <= 0 {
		windows.Response = DefaultWindows().Response
	}
	if windows.Negotiation <= 0 {
		windows.Negotiation = DefaultWindows().Negotiation
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		orders:  orders,
		settler: settler,
		windows: windows,
		logger:  logger,
		now:     time.Now,
	}
}

// WithFeeVerifier adds arbitration-fee payment verification.
func (s *Service) WithFeeVerifier(v FeeVerifier) *Service {
	s.fees = v
	return s
}

// WithEvents adds a stage-transition event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// disputeLock returns the mutex serializing writers for one dispute.
// Cross-process races are caught by the store's version check instead.
func (s *Service) disputeLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) emit(event string, d *Dispute) {
	if s.events != nil {
		s.events.EmitDisputeEvent(event, d)
	}
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	ClaimantID        string   `json:"claimantId"` // always taken from auth, never the body
	OrderID           string   `json:"orderId" binding:"required"`
	Requirements      string   `json:"requirements" binding:"required"`
	UnmetRequirements string   `json:"unmetRequirements"`
	EvidenceFiles     []string `json:"evidenceFiles"`
}

// Open creates a dispute against a paid order. The disputed amount is an
// immutable snapshot taken from the order/escrow collaborator, and the
// respondent's response clock starts immediately.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	snap, err := s.orders.Snapshot(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("resolve disputed order: %w", err)
	}

	var respondent string
	switch req.ClaimantID {
	case snap.ClientID:
		respondent = snap.ProfessionalID
	case snap.ProfessionalID:
		respondent = snap.ClientID
	default:
		return nil, ErrNotAParty
	}

	now := s.now()
	responseDeadline := now.Add(s.windows.Response)

	d := &Dispute{
		ID:                  generateDisputeID(),
		OrderID:             snap.OrderID,
		ClaimantID:          req.ClaimantID,
		RespondentID:        respondent,
		Status:              StatusAwaitingResponse, // open → awaiting_response on creation
		AmountInDispute:     snap.Amount,
		Currency:            snap.Currency,
		Requirements:        req.Requirements,
		UnmetRequirements:   req.UnmetRequirements,
		EvidenceFiles:       append([]string(nil), req.EvidenceFiles...),
		ResponseDeadline:    &responseDeadline,
		ArbitrationPayments: []string{},
		CreatedAt:           now,
		UpdatedAt:           now,
		Version:             1,
	}

	claim := req.UnmetRequirements
	if claim == "" {
		claim = req.Requirements
	}
	d.Messages = append(d.Messages, Message{
		ID:          idgen.MessageID(),
		AuthorID:    req.ClaimantID,
		Body:        claim,
		Attachments: append([]string(nil), req.EvidenceFiles...),
		CreatedAt:   now,
	})

	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	s.emit(EventOpened, d)
	return d, nil
}

// Get returns the full aggregate including its message log.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns disputes involving a party, newest first.
func (s *Service) ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	// Fetch one extra row so the handler can compute has_more.
	return s.store.ListByParty(ctx, partyID, cursor, limit+1)
}

// SubmitReply appends a party's message. A respondent's first reply while
// awaiting_response moves the dispute to negotiation and starts the
// negotiation clock.
func (s *Service) SubmitReply(ctx context.Context, disputeID, authorID, body string, attachments []string) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyClosed
	}
	if !d.IsParty(authorID) {
		return nil, ErrNotAParty
	}
	switch d.Status {
	case StatusAwaitingResponse, StatusNegotiation, StatusArbitration:
	default:
		return nil, ErrInvalidStage
	}

	now := s.now()
	d.Messages = append(d.Messages, Message{
		ID:          idgen.MessageID(),
		AuthorID:    authorID,
		Body:        body,
		Attachments: append([]string(nil), attachments...),
		CreatedAt:   now,
	})

	responded := false
	if d.Status == StatusAwaitingResponse && authorID == d.RespondentID {
		d.Status = StatusNegotiation
		d.RespondedAt = &now
		negotiationDeadline := now.Add(s.windows.Negotiation)
		d.NegotiationDeadline = &negotiationDeadline
		responded = true
	}
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if responded {
		s.emit(EventResponded, d)
	}
	return d, nil
}

// SubmitOffer records a party's standing settlement offer: the amount the
// offering party proposes the claimant receives, in minor units.
func (s *Service) SubmitOffer(ctx context.Context, disputeID, authorID string, amount int64) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyClosed
	}
	if !d.IsParty(authorID) {
		return nil, ErrNotAParty
	}
	if d.Status != StatusAwaitingResponse && d.Status != StatusNegotiation {
		return nil, ErrInvalidStage
	}
	if amount < 0 || amount > d.AmountInDispute {
		return nil, ErrInvalidAmount
	}

	now := s.now()
	if authorID == d.ClaimantID {
		d.ClaimantOffer = &amount
	} else {
		d.RespondentOffer = &amount
	}
	d.Messages = append(d.Messages, Message{
		ID:        idgen.MessageID(),
		AuthorID:  authorID,
		Body:      fmt.Sprintf("Proposed settlement: %d %s to the claimant", amount, d.Currency),
		CreatedAt: now,
	})

	responded := false
	if d.Status == StatusAwaitingResponse && authorID == d.RespondentID {
		// A counter-offer counts as the respondent's first reply.
		d.Status = StatusNegotiation
		d.RespondedAt = &now
		negotiationDeadline := now.Add(s.windows.Negotiation)
		d.NegotiationDeadline = &negotiationDeadline
		responded = true
	}
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if responded {
		s.emit(EventResponded, d)
	}
	s.emit(EventOfferSubmitted, d)
	return d, nil
}

// AcceptOffer settles the dispute directly, bypassing arbitration. Acceptance
// always honors the counterpart's standing offer in full: the claimant
// receives the counterpart's proposed amount and the respondent the rest.
func (s *Service) AcceptOffer(ctx context.Context, disputeID, authorID string) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyClosed
	}
	if !d.IsParty(authorID) {
		return nil, ErrNotAParty
	}
	if d.Status != StatusAwaitingResponse && d.Status != StatusNegotiation {
		return nil, ErrInvalidStage
	}
	if d.ClaimantOffer == nil || d.RespondentOffer == nil {
		return nil, ErrNoStandingOffer
	}

	accepted := d.OfferBy(d.Counterpart(authorID))
	toClaimant := *accepted
	toRespondent := d.AmountInDispute - toClaimant

	now := s.now()
	d.Decision = &Decision{
		SplitToClaimant:   toClaimant,
		SplitToRespondent: toRespondent,
		Notes:             "settled by mutual offer acceptance",
		DecidedBy:         authorID,
		DecidedAt:         now,
	}
	d.Status = StatusClosed
	d.ClosedAt = &now
	d.UpdatedAt = now
	d.Messages = append(d.Messages, Message{
		ID:        idgen.MessageID(),
		AuthorID:  authorID,
		Body:      fmt.Sprintf("Accepted the standing offer: %d %s to the claimant", toClaimant, d.Currency),
		CreatedAt: now,
	})

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.emitSettlement(ctx, d)
	s.emit(EventSettled, d)
	return d, nil
}

// SubmitEvidence appends evidence file references. Legal in every non-closed
// stage; the files themselves live with the attachment collaborator.
func (s *Service) SubmitEvidence(ctx context.Context, disputeID, authorID string, refs []string, note string) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyClosed
	}
	if !d.IsParty(authorID) {
		return nil, ErrNotAParty
	}
	if len(refs) == 0 {
		return d, nil
	}

	now := s.now()
	d.EvidenceFiles = append(d.EvidenceFiles, refs...)
	if note == "" {
		note = "Submitted evidence"
	}
	d.Messages = append(d.Messages, Message{
		ID:          idgen.MessageID(),
		AuthorID:    authorID,
		Body:        note,
		Attachments: append([]string(nil), refs...),
		CreatedAt:   now,
	})
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.emit(EventEvidenceSubmitted, d)
	return d, nil
}

// Escalate moves a negotiating dispute to admin arbitration at a party's
// explicit request.
func (s *Service) Escalate(ctx context.Context, disputeID, authorID string) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyClosed
	}
	if !d.IsParty(authorID) {
		return nil, ErrNotAParty
	}
	if d.Status != StatusNegotiation {
		return nil, ErrInvalidStage
	}

	now := s.now()
	d.Status = StatusArbitration
	d.Messages = append(d.Messages, Message{
		ID:        idgen.MessageID(),
		AuthorID:  authorID,
		Body:      "Escalated the dispute to arbitration",
		CreatedAt: now,
	})
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.emit(EventEscalated, d)
	return d, nil
}

// RecordArbitrationPayment marks a party's arbitration fee as paid. Paying
// twice is a no-op; the set of payers never shrinks. The gate itself never
// changes stage — it only unlocks Decide.
func (s *Service) RecordArbitrationPayment(ctx context.Context, disputeID, partyID, paymentRef string) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyClosed
	}
	if !d.IsParty(partyID) {
		return nil, ErrNotAParty
	}
	if d.Status != StatusArbitration {
		return nil, ErrInvalidStage
	}
	if d.HasPaidArbitrationFee(partyID) {
		return d, nil
	}

	fee, err := s.orders.ArbitrationFee(ctx, d.Currency)
	if err != nil {
		return nil, fmt.Errorf("resolve arbitration fee: %w", err)
	}
	if s.fees != nil {
		if err := s.fees.VerifyFeePayment(ctx, partyID, paymentRef, fee, d.Currency); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFeeVerification, err)
		}
	}

	now := s.now()
	d.ArbitrationPayments = append(d.ArbitrationPayments, partyID)
	d.Messages = append(d.Messages, Message{
		ID:        idgen.MessageID(),
		AuthorID:  partyID,
		Body:      fmt.Sprintf("Paid the arbitration fee: %d %s", fee, d.Currency),
		CreatedAt: now,
	})
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.emit(EventFeePaid, d)
	return d, nil
}

// AdminReply appends non-binding admin correspondence addressed to one of the
// parties. Available during arbitration regardless of fee payment, and never
// changes stage.
func (s *Service) AdminReply(ctx context.Context, disputeID, adminID, recipientID, comment string) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyClosed
	}
	if d.Status != StatusArbitration {
		return nil, ErrInvalidStage
	}
	if !d.IsParty(recipientID) {
		return nil, ErrNotAParty
	}

	now := s.now()
	d.Messages = append(d.Messages, Message{
		ID:           idgen.MessageID(),
		AuthorID:     adminID,
		Body:         comment,
		IsAdminReply: true,
		InFavorOfID:  recipientID,
		CreatedAt:    now,
	})
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.emit(EventAdminReplied, d)
	return d, nil
}

// DecideRequest contains the parameters for a binding admin decision.
type DecideRequest struct {
	WinnerID          string `json:"winnerId" binding:"required"`
	SplitToClaimant   int64  `json:"splitToClaimant"`
	SplitToRespondent int64  `json:"splitToRespondent"`
	Notes             string `json:"notes"`
}

// Decide commits the binding fund split. Only legal during arbitration and
// only after both parties have paid the fee; irreversible once applied.
func (s *Service) Decide(ctx context.Context, disputeID, adminID string, req DecideRequest) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyClosed
	}
	if d.Status != StatusArbitration {
		return nil, ErrInvalidStage
	}
	if !d.BothPartiesPaidArbitrationFee() {
		return nil, ErrFeeNotPaid
	}
	if !d.IsParty(req.WinnerID) {
		return nil, ErrNotAParty
	}
	if req.SplitToClaimant < 0 || req.SplitToRespondent < 0 ||
		req.SplitToClaimant+req.SplitToRespondent != d.AmountInDispute {
		return nil, ErrInvalidAmount
	}

	now := s.now()
	d.Decision = &Decision{
		WinnerID:          req.WinnerID,
		SplitToClaimant:   req.SplitToClaimant,
		SplitToRespondent: req.SplitToRespondent,
		Notes:             req.Notes,
		DecidedBy:         adminID,
		DecidedAt:         now,
	}
	d.Status = StatusClosed
	d.ClosedAt = &now
	d.UpdatedAt = now
	body := req.Notes
	if body == "" {
		body = "Issued the binding decision"
	}
	d.Messages = append(d.Messages, Message{
		ID:           idgen.MessageID(),
		AuthorID:     adminID,
		Body:         body,
		IsAdminReply: true,
		InFavorOfID:  req.WinnerID,
		CreatedAt:    now,
	})

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.emitSettlement(ctx, d)
	s.emit(EventDecided, d)
	return d, nil
}

// AutoAdvance applies an elapsed-deadline transition. Called by the sweep
// timer; re-reads under the dispute lock and re-validates the deadline at
// write time, so a party action racing the sweep always wins.
func (s *Service) AutoAdvance(ctx context.Context, disputeID string) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch {
	case d.Status == StatusAwaitingResponse && DeadlineElapsed(d.ResponseDeadline, now):
		// Respondent stayed silent: auto-escalate to negotiation rather
		// than resolving in the claimant's favor.
		d.Status = StatusNegotiation
		negotiationDeadline := now.Add(s.windows.Negotiation)
		d.NegotiationDeadline = &negotiationDeadline
		d.UpdatedAt = now
		if err := s.store.Update(ctx, d); err != nil {
			return nil, err
		}
		s.emit(EventResponseElapsed, d)
		return d, nil

	case d.Status == StatusNegotiation && DeadlineElapsed(d.NegotiationDeadline, now):
		d.Status = StatusArbitration
		d.UpdatedAt = now
		if err := s.store.Update(ctx, d); err != nil {
			return nil, err
		}
		s.emit(EventEscalated, d)
		return d, nil
	}

	// Deadline no longer elapsed for the current stage: a party acted first
	// or another sweep already applied the transition. Evaluating twice must
	// not double-apply.
	return d, nil
}

func (s *Service) emitSettlement(ctx context.Context, d *Dispute) {
	if s.settler == nil || d.Decision == nil {
		return
	}
	err := s.settler.EmitSettlement(ctx, Settlement{
		DisputeID:         d.ID,
		OrderID:           d.OrderID,
		SplitToClaimant:   d.Decision.SplitToClaimant,
		SplitToRespondent: d.Decision.SplitToRespondent,
		Currency:          d.Currency,
	})
	if err != nil {
		// The closed state stands; settlement delivery is eventually
		// consistent and retried by the outbox dispatcher.
		s.logger.Error("failed to enqueue settlement instruction",
			"disputeId", d.ID, "error", err)
	}
}
