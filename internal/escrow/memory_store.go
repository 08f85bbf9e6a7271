package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
	events    map[string][]*Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*Contract),
		events:    make(map[string][]*Event),
	}
}

func (s *MemoryStore) Create(ctx context.Context, contract *Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contracts[contract.ID]; exists {
		return fmt.Errorf("contract %s already exists", contract.ID)
	}
	contract.Version = 0
	s.contracts[contract.ID] = copyContract(contract)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyContract(c), nil
}

// Update commits conditionally on the caller's version matching the stored
// version, then increments it. Callers re-read and retry on conflict.
func (s *MemoryStore) Update(ctx context.Context, contract *Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.contracts[contract.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != contract.Version {
		return fmt.Errorf("%w: have version %d, stored version is %d",
			ErrConcurrencyConflict, contract.Version, current.Version)
	}
	next := copyContract(contract)
	next.Version = current.Version + 1
	s.contracts[contract.ID] = next
	contract.Version = next.Version
	return nil
}

func (s *MemoryStore) ListByParticipant(ctx context.Context, stakeholderID string, limit int) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Contract
	for _, c := range s.contracts {
		if c.IsParticipant(stakeholderID) {
			out = append(out, copyContract(c))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status ContractStatus, limit int) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Contract
	for _, c := range s.contracts {
		if c.Status == status {
			out = append(out, copyContract(c))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (s *MemoryStore) ListInFlight(ctx context.Context, olderThan time.Time, limit int) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Contract
	for _, c := range s.contracts {
		if c.InFlight != "" && c.InFlightSince != nil && c.InFlightSince.Before(olderThan) {
			out = append(out, copyContract(c))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (s *MemoryStore) RecordEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *event
	if e.Data != nil {
		e.Data = copyStringMap(e.Data)
	}
	s.events[event.ContractID] = append(s.events[event.ContractID], &e)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, contractID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[contractID]
	out := make([]*Event, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		e := *stored[i]
		if e.Data != nil {
			e.Data = copyStringMap(e.Data)
		}
		out = append(out, &e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// copyContract deep-copies so callers can't mutate stored state.
func copyContract(c *Contract) *Contract {
	cp := *c
	cp.Milestones = make([]Milestone, len(c.Milestones))
	for i := range c.Milestones {
		m := c.Milestones[i]
		m.Approvers = append([]string(nil), m.Approvers...)
		m.Approvals = append([]Approval(nil), m.Approvals...)
		m.Disputes = append([]DisputeRecord(nil), m.Disputes...)
		cp.Milestones[i] = m
	}
	if c.Metadata != nil {
		cp.Metadata = copyStringMap(c.Metadata)
	}
	return &cp
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortNewestFirst(contracts []*Contract) {
	sort.Slice(contracts, func(i, j int) bool {
		if contracts[i].CreatedAt.Equal(contracts[j].CreatedAt) {
			return strings.Compare(contracts[i].ID, contracts[j].ID) < 0
		}
		return contracts[i].CreatedAt.After(contracts[j].CreatedAt)
	})
}

func clip(contracts []*Contract, limit int) []*Contract {
	if limit > 0 && len(contracts) > limit {
		return contracts[:limit]
	}
	return contracts
}
