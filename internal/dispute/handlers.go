package dispute

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/resolvhq/resolv/internal/auth"
	"github.com/resolvhq/resolv/internal/pagination"
	"github.com/resolvhq/resolv/internal/retry"
	"github.com/resolvhq/resolv/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up party-facing dispute routes. All of them
// require an authenticated party.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/parties/:partyId/disputes", h.ListDisputes)
	r.POST("/disputes/:id/reply", h.SubmitReply)
	r.POST("/disputes/:id/offer", h.SubmitOffer)
	r.POST("/disputes/:id/accept-offer", h.AcceptOffer)
	r.POST("/disputes/:id/evidence", h.SubmitEvidence)
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.POST("/disputes/:id/arbitration-payment", h.RecordArbitrationPayment)
}

// RegisterAdminRoutes sets up arbitration routes for platform admins.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDisputeAsAdmin)
	r.POST("/disputes/:id/admin-reply", h.AdminReply)
	r.POST("/disputes/:id/decide", h.Decide)
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// The claimant is always the authenticated party.
	req.ClaimantID = auth.GetAuthenticatedParty(c)

	if errs := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.Required("requirements", req.Requirements),
		validation.MaxLength("requirements", req.Requirements, validation.MaxStringLength),
		validation.MaxLength("unmetRequirements", req.UnmetRequirements, validation.MaxStringLength),
		validation.MaxItems("evidenceFiles", len(req.EvidenceFiles), validation.MaxEvidenceFiles),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !d.IsParty(auth.GetAuthenticatedParty(c)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_a_party",
			"message": "Only the claimant and the respondent may view this dispute",
		})
		return
	}
	c.JSON(http.StatusOK, disputeView(d))
}

// GetDisputeAsAdmin handles GET /v1/admin/disputes/:id
func (h *Handler) GetDisputeAsAdmin(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, disputeView(d))
}

// ListDisputes handles GET /v1/parties/:partyId/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	partyID := c.Param("partyId")
	if partyID != auth.GetAuthenticatedParty(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_a_party",
			"message": "Parties may only list their own disputes",
		})
		return
	}

	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 100 {
				limit = 100
			}
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}

	disputes, err := h.service.ListByParty(c.Request.Context(), partyID, cursor, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	page, next, hasMore := pagination.ComputePage(disputes, limit, func(d *Dispute) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"disputes":   page,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// SubmitReply handles POST /v1/disputes/:id/reply
func (h *Handler) SubmitReply(c *gin.Context) {
	var req struct {
		Body        string   `json:"body" binding:"required"`
		Attachments []string `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("body", req.Body, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	h.mutate(c, func() (*Dispute, error) {
		return h.service.SubmitReply(c.Request.Context(),
			c.Param("id"), auth.GetAuthenticatedParty(c), req.Body, req.Attachments)
	})
}

// SubmitOffer handles POST /v1/disputes/:id/offer
func (h *Handler) SubmitOffer(c *gin.Context) {
	var req struct {
		Amount *int64 `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: amount (minor units) is required",
		})
		return
	}

	h.mutate(c, func() (*Dispute, error) {
		return h.service.SubmitOffer(c.Request.Context(),
			c.Param("id"), auth.GetAuthenticatedParty(c), *req.Amount)
	})
}

// AcceptOffer handles POST /v1/disputes/:id/accept-offer
func (h *Handler) AcceptOffer(c *gin.Context) {
	h.mutate(c, func() (*Dispute, error) {
		return h.service.AcceptOffer(c.Request.Context(),
			c.Param("id"), auth.GetAuthenticatedParty(c))
	})
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req struct {
		Files []string `json:"files" binding:"required"`
		Note  string   `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: files is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxItems("files", len(req.Files), validation.MaxEvidenceFiles),
		validation.MaxLength("note", req.Note, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	h.mutate(c, func() (*Dispute, error) {
		return h.service.SubmitEvidence(c.Request.Context(),
			c.Param("id"), auth.GetAuthenticatedParty(c), req.Files, req.Note)
	})
}

// Escalate handles POST /v1/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	h.mutate(c, func() (*Dispute, error) {
		return h.service.Escalate(c.Request.Context(),
			c.Param("id"), auth.GetAuthenticatedParty(c))
	})
}

// RecordArbitrationPayment handles POST /v1/disputes/:id/arbitration-payment
func (h *Handler) RecordArbitrationPayment(c *gin.Context) {
	var req struct {
		PaymentRef string `json:"paymentRef"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	h.mutate(c, func() (*Dispute, error) {
		return h.service.RecordArbitrationPayment(c.Request.Context(),
			c.Param("id"), auth.GetAuthenticatedParty(c), req.PaymentRef)
	})
}

// AdminReply handles POST /v1/admin/disputes/:id/admin-reply
func (h *Handler) AdminReply(c *gin.Context) {
	var req struct {
		RecipientID string `json:"recipientId" binding:"required"`
		Comment     string `json:"comment" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: recipientId and comment are required",
		})
		return
	}

	h.mutate(c, func() (*Dispute, error) {
		return h.service.AdminReply(c.Request.Context(),
			c.Param("id"), auth.GetAdminID(c), req.RecipientID, req.Comment)
	})
}

// Decide handles POST /v1/admin/disputes/:id/decide
func (h *Handler) Decide(c *gin.Context) {
	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: winnerId is required",
		})
		return
	}

	h.mutate(c, func() (*Dispute, error) {
		return h.service.Decide(c.Request.Context(),
			c.Param("id"), auth.GetAdminID(c), req)
	})
}

// mutate runs a state-changing call, retrying version conflicts a few times
// before surfacing them.
func (h *Handler) mutate(c *gin.Context, fn func() (*Dispute, error)) {
	var d *Dispute
	err := retry.Do(c.Request.Context(), 3, 25*time.Millisecond, func() error {
		var callErr error
		d, callErr = fn()
		if callErr == nil {
			return nil
		}
		if errors.Is(callErr, ErrConflict) {
			return callErr
		}
		return retry.Permanent(callErr)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, disputeView(d))
}

func disputeView(d *Dispute) gin.H {
	view := gin.H{"dispute": d}
	if deadline := d.ActiveDeadline(); deadline != nil {
		view["deadlineRemainingSeconds"] = int64(Remaining(*deadline, time.Now()).Seconds())
	}
	return view
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "The disputed order does not exist",
		})
	case errors.Is(err, ErrOrderNotPaid):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "order_not_paid",
			"message": "Only paid orders can be disputed",
		})
	case errors.Is(err, ErrInvalidStage):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_stage",
			"message": "Operation not allowed in the dispute's current stage",
		})
	case errors.Is(err, ErrNotAParty):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_a_party",
			"message": "Caller is not a party to this dispute",
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount is out of bounds for this dispute",
		})
	case errors.Is(err, ErrFeeVerification):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "fee_verification_failed",
			"message": "The payment reference could not be verified for the arbitration fee",
		})
	case errors.Is(err, ErrFeeNotPaid):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "fee_not_paid",
			"message": "Both parties must pay the arbitration fee before a decision",
		})
	case errors.Is(err, ErrAlreadyClosed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_closed",
			"message": "Dispute is already closed",
		})
	case errors.Is(err, ErrOpenDisputeExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_exists",
			"message": "The order already has an open dispute",
		})
	case errors.Is(err, ErrNoStandingOffer):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_standing_offer",
			"message": "Both parties must have a standing offer before acceptance",
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Dispute was modified concurrently, retry the request",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}
}
