// Package orders resolves disputed orders from the marketplace order system.
//
// The dispute workflow only needs an immutable snapshot of the order (the
// two parties and the escrowed amount) plus the arbitration fee schedule.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/resolvhq/resolv/internal/dispute"
)

// Sentinels are shared with the dispute package so handlers can map them to
// response kinds without importing this package.
var (
	ErrOrderNotFound = dispute.ErrOrderNotFound
	ErrOrderNotPaid  = dispute.ErrOrderNotPaid
)

// Client fetches order snapshots from the marketplace order API.
// It implements dispute.OrderService.
type Client struct {
	baseURL string
	apiKey  string
	fee     int64
	client  *http.Client
}

// NewClient creates an order API client. fee is the flat arbitration fee in
// minor units, applied regardless of currency.
func NewClient(baseURL, apiKey string, fee int64) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		fee:     fee,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type orderResponse struct {
	ID             string `json:"id"`
	ClientID       string `json:"clientId"`
	ProfessionalID string `json:"professionalId"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Paid           bool   `json:"paid"`
}

// Snapshot fetches the order and returns its dispute-relevant view.
// Only paid orders are disputable.
func (c *Client) Snapshot(ctx context.Context, orderID string) (*dispute.OrderSnapshot, error) {
	u := fmt.Sprintf("%s/orders/%s", c.baseURL, url.PathEscape(orderID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("order API returned status %d", resp.StatusCode)
	}

	var body orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	if !body.Paid {
		return nil, ErrOrderNotPaid
	}

	return &dispute.OrderSnapshot{
		OrderID:        body.ID,
		ClientID:       body.ClientID,
		ProfessionalID: body.ProfessionalID,
		Amount:         body.Amount,
		Currency:       body.Currency,
	}, nil
}

// ArbitrationFee returns the flat arbitration fee in minor units.
func (c *Client) ArbitrationFee(ctx context.Context, currency string) (int64, error) {
	return c.fee, nil
}

// StaticService is an in-memory order source for tests and local
// development. Orders are seeded with Put.
type StaticService struct {
	mu     sync.RWMutex
	orders map[string]*dispute.OrderSnapshot
	fee    int64
}

// NewStaticService creates an empty static order source.
func NewStaticService(fee int64) *StaticService {
	return &StaticService{
		orders: make(map[string]*dispute.OrderSnapshot),
		fee:    fee,
	}
}

// Put seeds an order.
func (s *StaticService) Put(snap *dispute.OrderSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[snap.OrderID] = snap
}

func (s *StaticService) Snapshot(ctx context.Context, orderID string) (*dispute.OrderSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *snap
	return &cp, nil
}

func (s *StaticService) ArbitrationFee(ctx context.Context, currency string) (int64, error) {
	return s.fee, nil
}
