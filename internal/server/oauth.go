package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
)

type oauthStartRequest struct {
	AccountName string `json:"account_name"`
}

type oauthExchangeRequest struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

// handleOAuthStart begins an enrollment flow and returns the authorize URL
// the user must open in a browser.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	var req oauthStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account_name is required"})
		return
	}

	result, err := s.oauthMgr.Start(req.AccountName)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleOAuthURL re-serves the authorize URL for a pending flow, so a lost
// browser tab does not force restarting enrollment.
func (s *Server) handleOAuthURL(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state is required"})
		return
	}
	authURL, err := s.oauthMgr.AuthURLForState(state)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL, "state": state})
}

// handleOAuthExchange completes a flow with a manually pasted code.
func (s *Server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req oauthExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	name, err := s.oauthMgr.Exchange(r.Context(), req.State, req.Code)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "account_name": name})
}

// handleOAuthCallback serves the browser redirect leg of the flow. The
// upstream redirect carries code and state as query parameters.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		renderCallbackPage(w, http.StatusBadRequest, "Enrollment failed",
			fmt.Sprintf("Authorization was denied upstream: %s.", errParam))
		return
	}
	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		renderCallbackPage(w, http.StatusBadRequest, "Enrollment failed",
			"Missing code or state parameter in the callback URL.")
		return
	}

	name, err := s.oauthMgr.Exchange(r.Context(), state, code)
	if err != nil {
		renderCallbackPage(w, http.StatusBadRequest, "Enrollment failed", err.Error())
		return
	}
	renderCallbackPage(w, http.StatusOK, "Account enrolled",
		fmt.Sprintf("Account %q is ready. You can close this window.", name))
}

func renderCallbackPage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body style="font-family: sans-serif; max-width: 40em; margin: 4em auto;">
<h2>%s</h2>
<p>%s</p>
</body>
</html>
`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
}
