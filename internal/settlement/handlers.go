package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/resolvhq/resolv/internal/auth"
	"github.com/resolvhq/resolv/internal/dispute"
)

// Handler exposes read access to settlement instructions.
type Handler struct {
	outbox   *Outbox
	disputes *dispute.Service
}

// NewHandler creates a settlement handler.
func NewHandler(outbox *Outbox, disputes *dispute.Service) *Handler {
	return &Handler{outbox: outbox, disputes: disputes}
}

// RegisterProtectedRoutes sets up party-facing settlement routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id/settlement", h.GetForDispute)
}

// RegisterAdminRoutes sets up admin settlement routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id/settlement", h.GetForDisputeAsAdmin)
}

// GetForDispute handles GET /v1/disputes/:id/settlement
func (h *Handler) GetForDispute(c *gin.Context) {
	d, err := h.disputes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
		return
	}
	if !d.IsParty(auth.GetAuthenticatedParty(c)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_a_party",
			"message": "Only the claimant and the respondent may view the settlement",
		})
		return
	}
	h.respond(c, d.ID)
}

// GetForDisputeAsAdmin handles GET /v1/admin/disputes/:id/settlement
func (h *Handler) GetForDisputeAsAdmin(c *gin.Context) {
	h.respond(c, c.Param("id"))
}

func (h *Handler) respond(c *gin.Context, disputeID string) {
	ins, err := h.outbox.GetByDispute(c.Request.Context(), disputeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No settlement instruction for this dispute",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": ins})
}
