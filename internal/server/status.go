package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ccproxy-go/ccproxy/internal/account"
	"github.com/ccproxy-go/ccproxy/internal/pool"
)

type accountStatus struct {
	Name             string          `json:"name"`
	State            string          `json:"state"`
	TokenExpiresAt   string          `json:"tokenExpiresAt"`
	TokenExpiresIn   int64           `json:"tokenExpiresIn"`
	RateLimitedUntil *string         `json:"rateLimitedUntil"`
	LastUsed         *string         `json:"lastUsed"`
	LastError        string          `json:"lastError,omitempty"`
	Capacity         *capacityStatus `json:"capacity,omitempty"`
}

type capacityStatus struct {
	TokensLimit              int64   `json:"tokensLimit"`
	TokensRemaining          int64   `json:"tokensRemaining"`
	TokensRemainingPercent   float64 `json:"tokensRemainingPercent"`
	RequestsLimit            int64   `json:"requestsLimit"`
	RequestsRemaining        int64   `json:"requestsRemaining"`
	RequestsRemainingPercent float64 `json:"requestsRemainingPercent"`
	CheckedAt                string  `json:"checkedAt"`
}

type poolStatus struct {
	RotationEnabled     bool            `json:"rotationEnabled"`
	TotalAccounts       int             `json:"totalAccounts"`
	AvailableAccounts   int             `json:"availableAccounts"`
	RateLimitedAccounts int             `json:"rateLimitedAccounts"`
	AuthErrorAccounts   int             `json:"authErrorAccounts"`
	NextAccount         string          `json:"nextAccount,omitempty"`
	Accounts            []accountStatus `json:"accounts"`
	UptimeSeconds       int64           `json:"uptimeSeconds"`
}

type healthStatus struct {
	Status            string `json:"status"`
	AvailableAccounts int    `json:"availableAccounts"`
	Timestamp         string `json:"timestamp"`
}

// handleHealth reports degraded when no account can serve traffic.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	available := s.pool.AvailableCount()
	status := "healthy"
	if available == 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthStatus{
		Status:            status,
		AvailableAccounts: available,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := poolStatus{
		RotationEnabled: s.cfg.RotationEnabled,
		UptimeSeconds:   int64(time.Since(s.startTime).Seconds()),
		Accounts:        []accountStatus{},
	}
	for _, snap := range s.pool.Snapshots() {
		st.TotalAccounts++
		switch snap.State {
		case account.StateRateLimited:
			st.RateLimitedAccounts++
		case account.StateAuthError:
			st.AuthErrorAccounts++
		}
		if snap.IsAvailable() {
			st.AvailableAccounts++
		}
		st.Accounts = append(st.Accounts, statusOf(snap))
	}
	if next, ok := s.pool.PeekNext(); ok {
		st.NextAccount = next
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	snaps := s.pool.Snapshots()
	out := make([]accountStatus, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, statusOf(snap))
	}
	writeJSON(w, http.StatusOK, map[string][]accountStatus{"accounts": out})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	snap, ok := s.pool.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return
	}
	writeJSON(w, http.StatusOK, statusOf(snap))
}

// handleRefreshAccount forces an immediate token refresh.
func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.pool.Lookup(name); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return
	}
	if err := s.scheduler.RefreshNow(r.Context(), name); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	snap, _ := s.pool.Lookup(name)
	writeJSON(w, http.StatusOK, statusOf(snap))
}

// handleEnableAccount clears rate-limit or error state manually.
func (s *Server) handleEnableAccount(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.pool.Lookup(name); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return
	}
	s.pool.MarkAvailable(name)
	snap, _ := s.pool.Lookup(name)
	writeJSON(w, http.StatusOK, statusOf(snap))
}

func statusOf(snap pool.Snapshot) accountStatus {
	st := accountStatus{
		Name:           snap.Name,
		State:          string(snap.State),
		TokenExpiresAt: snap.Credentials.ExpiresAtTime().Format(time.RFC3339),
		TokenExpiresIn: snap.Credentials.ExpiresIn(),
		LastError:      snap.LastError,
	}
	if snap.RateLimitedUntil > 0 {
		v := time.UnixMilli(snap.RateLimitedUntil).UTC().Format(time.RFC3339)
		st.RateLimitedUntil = &v
	}
	if snap.LastUsed > 0 {
		v := time.UnixMilli(snap.LastUsed).UTC().Format(time.RFC3339)
		st.LastUsed = &v
	}
	if c := snap.Capacity; c != nil {
		st.Capacity = &capacityStatus{
			TokensLimit:              c.TokensLimit,
			TokensRemaining:          c.TokensRemaining,
			TokensRemainingPercent:   c.TokensRemainingPercent,
			RequestsLimit:            c.RequestsLimit,
			RequestsRemaining:        c.RequestsRemaining,
			RequestsRemainingPercent: c.RequestsRemainingPercent,
			CheckedAt:                time.UnixMilli(c.CheckedAt).UTC().Format(time.RFC3339),
		}
	}
	return st
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
