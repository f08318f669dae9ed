package realtime

import (
	"github.com/resolvhq/resolv/internal/dispute"
)

// Emitter pushes dispute events onto the hub so connected parties see
// lifecycle changes live. It satisfies dispute.EventEmitter.
type Emitter struct {
	hub *Hub
}

// NewEmitter wraps hub as a dispute event emitter.
func NewEmitter(hub *Hub) *Emitter {
	return &Emitter{hub: hub}
}

// EmitDisputeEvent broadcasts the event to the two parties of the dispute.
func (e *Emitter) EmitDisputeEvent(event string, d *dispute.Dispute) {
	if e == nil || e.hub == nil || d == nil {
		return
	}

	data := map[string]interface{}{
		"disputeId": d.ID,
		"orderId":   d.OrderID,
		"status":    string(d.Status),
	}
	if deadline := d.ActiveDeadline(); deadline != nil {
		data["deadline"] = deadline.UTC()
	}
	if d.Decision != nil {
		data["splitToClaimant"] = d.Decision.SplitToClaimant
		data["splitToRespondent"] = d.Decision.SplitToRespondent
	}

	e.hub.BroadcastToParties(event, []string{d.ClaimantID, d.RespondentID}, data)
}

// MultiEmitter fans a dispute event out to several emitters, typically the
// webhook notifier plus the realtime hub.
type MultiEmitter []dispute.EventEmitter

// EmitDisputeEvent forwards the event to every emitter in order.
func (m MultiEmitter) EmitDisputeEvent(event string, d *dispute.Dispute) {
	for _, e := range m {
		if e != nil {
			e.EmitDisputeEvent(event, d)
		}
	}
}
