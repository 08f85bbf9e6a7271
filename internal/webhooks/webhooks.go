// Package webhooks delivers escrow lifecycle notifications to external
// services.
//
// Stakeholders register webhook URLs to receive events such as funding,
// milestone approval, fund release, and dispute activity. Payloads are
// HMAC-signed when the subscription carries a secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Subscription represents a webhook subscription. An empty ContractID
// matches every contract; an empty Events list matches every event type.
type Subscription struct {
	ID            string     `json:"id"`
	StakeholderID string     `json:"stakeholderId"`
	URL           string     `json:"url"`
	Secret        string     `json:"-"` // Used for HMAC signing
	Events        []string   `json:"events,omitempty"`
	ContractID    string     `json:"contractId,omitempty"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastSuccess   *time.Time `json:"lastSuccess,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// Matches reports whether the subscription wants the given event.
func (s *Subscription) Matches(eventType, contractID string) bool {
	if !s.Active {
		return false
	}
	if s.ContractID != "" && s.ContractID != contractID {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Delivery is the JSON body POSTed to subscribers.
type Delivery struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	ContractID  string            `json:"contractId"`
	MilestoneID string            `json:"milestoneId,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`
	Data        map[string]string `json:"data,omitempty"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByStakeholder(ctx context.Context, stakeholderID string) ([]*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook deliveries.
type Dispatcher struct {
	store  Store
	client *http.Client
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Dispatch sends a delivery to every matching subscriber. Sends are
// asynchronous so the caller never blocks on a slow endpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery *Delivery) error {
	subs, err := d.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Matches(delivery.Type, delivery.ContractID) {
			continue
		}
		go d.send(context.WithoutCancel(ctx), sub, delivery)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, delivery *Delivery) {
	payload, err := json.Marshal(delivery)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal delivery")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowd-Event", delivery.Type)
	req.Header.Set("X-Escrowd-Timestamp", fmt.Sprintf("%d", delivery.OccurredAt.Unix()))

	if sub.Secret != "" {
		req.Header.Set("X-Escrowd-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of the payload. Receivers verify the
// X-Escrowd-Signature header with the same computation.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for development and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByStakeholder(ctx context.Context, stakeholderID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.StakeholderID == stakeholderID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, sub)
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
