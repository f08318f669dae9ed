package settlement

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/resolvhq/resolv/internal/circuitbreaker"
)

var (
	deliveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resolv",
		Subsystem: "settlement",
		Name:      "deliveries_total",
		Help:      "Settlement delivery attempts by outcome.",
	}, []string{"outcome"})

	outboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resolv",
		Subsystem: "settlement",
		Name:      "outbox_due",
		Help:      "Instructions due for delivery at the last sweep.",
	})
)

func init() {
	prometheus.MustRegister(deliveryTotal, outboxPending)
}

const breakerKey = "settlement_endpoint"

// Dispatcher drains the outbox: it POSTs due instructions to the payment
// endpoint, signs each payload with HMAC-SHA256, and reschedules failures
// with exponential backoff. Delivery is at-least-once.
type Dispatcher struct {
	store    Store
	endpoint string
	secret   string
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewDispatcher creates a dispatcher for the given payment endpoint.
func NewDispatcher(store Store, endpoint, secret string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  circuitbreaker.New(5, 30*time.Second),
		interval: 15 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the dispatch loop is actively running.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start begins the dispatch loop. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeDispatch(ctx)
		}
	}
}

// Stop signals the dispatcher to stop.
func (d *Dispatcher) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) safeDispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in settlement dispatcher", "panic", fmt.Sprint(r))
		}
	}()
	d.dispatchDue(ctx)
}

func (d *Dispatcher) dispatchDue(ctx context.Context) {
	due, err := d.store.ListDue(ctx, time.Now(), 50)
	if err != nil {
		d.logger.Warn("failed to list due settlement instructions", "error", err)
		return
	}
	outboxPending.Set(float64(len(due)))

	for _, ins := range due {
		if !d.breaker.Allow(breakerKey) {
			deliveryTotal.WithLabelValues("skipped_open_circuit").Inc()
			return // endpoint is down, try again next sweep
		}
		d.deliver(ctx, ins)
	}
}

// Deliver attempts one delivery immediately. Exposed for tests and for
// synchronous delivery right after enqueue.
func (d *Dispatcher) Deliver(ctx context.Context, ins *Instruction) error {
	return d.attempt(ctx, ins)
}

func (d *Dispatcher) deliver(ctx context.Context, ins *Instruction) {
	if err := d.attempt(ctx, ins); err != nil {
		d.logger.Warn("settlement delivery failed",
			"instructionId", ins.ID,
			"disputeId", ins.DisputeID,
			"attempts", ins.Attempts,
			"error", err,
		)
		return
	}
	if ins.Status == StatusDelivered {
		d.logger.Info("delivered settlement instruction",
			"instructionId", ins.ID,
			"disputeId", ins.DisputeID,
			"splitToClaimant", ins.SplitToClaimant,
			"splitToRespondent", ins.SplitToRespondent,
		)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, ins *Instruction) error {
	ins.Attempts++

	sendErr := d.post(ctx, ins)
	now := time.Now()
	if sendErr == nil {
		d.breaker.RecordSuccess(breakerKey)
		deliveryTotal.WithLabelValues("delivered").Inc()
		ins.Status = StatusDelivered
		ins.LastError = ""
		ins.DeliveredAt = &now
		return d.store.Update(ctx, ins)
	}

	d.breaker.RecordFailure(breakerKey)
	deliveryTotal.WithLabelValues("failed").Inc()
	ins.LastError = sendErr.Error()
	if ins.Attempts >= MaxAttempts {
		ins.Status = StatusFailed
	} else {
		ins.NextAttemptAt = now.Add(backoff(ins.Attempts))
	}
	if err := d.store.Update(ctx, ins); err != nil {
		return err
	}
	return sendErr
}

func (d *Dispatcher) post(ctx context.Context, ins *Instruction) error {
	payload, err := json.Marshal(ins)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ins.DisputeID)
	req.Header.Set("X-Resolv-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	if d.secret != "" {
		req.Header.Set("X-Resolv-Signature", sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("settlement endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
