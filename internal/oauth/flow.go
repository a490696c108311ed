package oauth

import (
	"sync"
	"time"
)

const (
	flowTTL      = 10 * time.Minute
	maxFlows     = 1000
)

// Flow is a pending enrollment: the PKCE verifier and target account name,
// keyed by the state parameter until the user pastes the code back.
type Flow struct {
	State       string
	Verifier    string
	AccountName string
	CreatedAt   time.Time
}

func (f *Flow) expired(now time.Time) bool {
	return now.Sub(f.CreatedAt) > flowTTL
}

// FlowStore holds pending flows with a 10-minute TTL and a hard cap of 1000
// entries. Expired entries are dropped lazily on access and swept before
// each registration.
type FlowStore struct {
	mu    sync.Mutex
	flows map[string]*Flow
	now   func() time.Time
}

// NewFlowStore creates an empty store.
func NewFlowStore() *FlowStore {
	return &FlowStore{
		flows: make(map[string]*Flow),
		now:   time.Now,
	}
}

// Put registers a pending flow. Expired flows are swept first; if the store
// is still full, the oldest flow is evicted.
func (s *FlowStore) Put(f *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for state, flow := range s.flows {
		if flow.expired(now) {
			delete(s.flows, state)
		}
	}

	if len(s.flows) >= maxFlows {
		var oldest *Flow
		for _, flow := range s.flows {
			if oldest == nil || flow.CreatedAt.Before(oldest.CreatedAt) {
				oldest = flow
			}
		}
		if oldest != nil {
			delete(s.flows, oldest.State)
		}
	}

	s.flows[f.State] = f
}

// Get returns the flow for a state without consuming it. Expired flows read
// as missing.
func (s *FlowStore) Get(state string) (*Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[state]
	if !ok {
		return nil, false
	}
	if flow.expired(s.now()) {
		delete(s.flows, state)
		return nil, false
	}
	return flow, true
}

// Take consumes the flow for a state. Each flow completes at most once.
func (s *FlowStore) Take(state string) (*Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[state]
	if !ok {
		return nil, false
	}
	delete(s.flows, state)
	if flow.expired(s.now()) {
		return nil, false
	}
	return flow, true
}

// Len reports the number of live flows, sweeping expired ones.
func (s *FlowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for state, flow := range s.flows {
		if flow.expired(now) {
			delete(s.flows, state)
		}
	}
	return len(s.flows)
}
