package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/hazyhaar/arkiv/authz"
	"github.com/hazyhaar/arkiv/shield"
)

type ctxKey int

const (
	userKey ctxKey = iota
	sessionKey
)

func currentUser(ctx context.Context) *authz.User {
	u, _ := ctx.Value(userKey).(*authz.User)
	return u
}

func currentSession(ctx context.Context) *authz.Session {
	s, _ := ctx.Value(sessionKey).(*authz.Session)
	return s
}

// requireSession resolves the bearer token to a user or answers 401. The
// response never distinguishes missing, expired and invalid tokens.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		sess, err := s.d.Sessions.Validate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
			return
		}
		user, err := s.d.Users.ByID(r.Context(), sess.UserID)
		if err != nil || !user.Active {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed login body")
		return
	}
	ip := shield.ExtractIP(r)

	user, err := s.d.Users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, &authz.AuditEvent{
			Username:     req.Username,
			Action:       authz.ActionCreate,
			ResourceType: "session",
			Allowed:      false,
		})
		writeErr(w, r, err)
		return
	}

	sess, err := s.d.Sessions.Mint(r.Context(), user.UserID, ip, r.UserAgent())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.audit(r, &authz.AuditEvent{
		UserID:       user.UserID,
		Username:     user.Username,
		Action:       authz.ActionCreate,
		ResourceType: "session",
		ResourceID:   sess.SessionID,
		Allowed:      true,
		SessionID:    sess.SessionID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      sess.SessionID,
		"expires_at": sess.ExpiresAt,
		"user":       user,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r.Context())
	s.d.Sessions.Invalidate(r.Context(), sess.SessionID)
	s.audit(r, &authz.AuditEvent{
		Action:       authz.ActionDelete,
		ResourceType: "session",
		ResourceID:   sess.SessionID,
		Allowed:      true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r.Context()))
}

// audit fills request context fields and records asynchronously. A nil
// audit log drops the event.
func (s *Server) audit(r *http.Request, e *authz.AuditEvent) {
	if s.d.Audit == nil {
		return
	}
	if u := currentUser(r.Context()); u != nil && e.UserID == "" {
		e.UserID = u.UserID
		e.Username = u.Username
	}
	if sess := currentSession(r.Context()); sess != nil && e.SessionID == "" {
		e.SessionID = sess.SessionID
	}
	e.IPAddress = shield.ExtractIP(r)
	e.UserAgent = r.UserAgent()
	s.d.Audit.RecordAsync(e)
}
