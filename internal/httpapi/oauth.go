package httpapi

import (
	"net"
	"net/http"

	"github.com/botzrDev/mcp-guard-sub000/internal/apperr"
)

// handleOAuthAuthorize implements GET /oauth/authorize per spec.md §4.8:
// generate a verifier/challenge pair, store it keyed by a fresh state,
// and redirect to the upstream authorization endpoint.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	state, challenge := s.pkce.issue(clientIP(r))
	url := s.oauth.AuthCodeURL(state, challenge)
	http.Redirect(w, r, url, http.StatusFound)
}

// handleOAuthCallback implements GET /oauth/callback: validates the state
// key (existence, client-IP binding, TTL), exchanges the code for a
// token using the stored verifier, and returns the token to the caller.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		apperr.WriteResponse(w, s.log, &apperr.Error{Kind: apperr.KindBadRequest})
		return
	}

	verifier, ok := s.pkce.consume(state, clientIP(r))
	if !ok {
		apperr.WriteResponse(w, s.log, apperr.Unauthorized(nil))
		return
	}

	token, err := s.oauth.ExchangeCode(r.Context(), code, verifier)
	if err != nil {
		apperr.WriteResponse(w, s.log, apperr.Internal(err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token.AccessToken,
		"token_type":   token.TokenType,
		"expiry":       token.Expiry,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
