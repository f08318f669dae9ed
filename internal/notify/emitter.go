package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/resolvhq/resolv/internal/dispute"
	"github.com/resolvhq/resolv/internal/idgen"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolv",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolv",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Emitter fans dispute lifecycle events out to both parties' webhooks.
// It implements dispute.EventEmitter. All methods are fire-and-forget:
// errors are logged but never returned to the workflow.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// EmitDisputeEvent notifies both parties of a dispute event.
func (e *Emitter) EmitDisputeEvent(event string, d *dispute.Dispute) {
	if e == nil || e.d == nil {
		return
	}
	data := map[string]interface{}{
		"disputeId": d.ID,
		"orderId":   d.OrderID,
		"status":    string(d.Status),
	}
	if deadline := d.ActiveDeadline(); deadline != nil {
		data["deadline"] = deadline
	}
	if d.Decision != nil {
		data["splitToClaimant"] = d.Decision.SplitToClaimant
		data["splitToRespondent"] = d.Decision.SplitToRespondent
	}

	e.emit(d.ClaimantID, EventType(event), data)
	e.emit(d.RespondentID, EventType(event), data)
}

func (e *Emitter) emit(partyID string, eventType EventType, data map[string]interface{}) {
	notifyEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToParty(ctx, partyID, event); err != nil {
		notifyEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "party", partyID, "error", err)
	}
}
