package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cinematch/chat-app/internal/apperr"
	"github.com/cinematch/chat-app/internal/metrics"
	"github.com/cinematch/chat-app/internal/ratelimit"
)

// statusRecorder captures the response code. It keeps Hijack working so the
// hub upgrade can pass through it.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// instrument counts requests by route template and status code.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

// authenticate requires a valid bearer token and stores the identity on the
// request context. The caller's display name is recorded in the directory.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := tokenFromRequest(r)
		if err != nil {
			s.log.WithError(err).Debug("request without usable token")
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Message: "a bearer token is required"})
			return
		}
		id, claims, err := parseClaims(s.secret, tok)
		if err != nil {
			s.log.WithError(err).Debug("invalid token")
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Message: "invalid or expired token"})
			return
		}
		if s.users != nil {
			if err := s.users.RememberUser(r.Context(), id.UserID, id.DisplayName); err != nil {
				s.log.WithError(err).WithField("user_id", id.UserID).Warn("remember user failed")
			}
		}
		ctx := withClaims(withIdentity(r.Context(), id), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole rejects callers whose token does not carry role.
func (s *Server) requireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := claimsFrom(r.Context()); c == nil || !c.HasRole(role) {
			s.writeError(w, r, apperr.Forbidden("%s role required", role))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limit throttles an authenticated route per user with rule.
func (s *Server) limit(rule ratelimit.Rule, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		if ok, _ := s.limiter.Allow(r.Context(), id.UserID, rule); !ok {
			retry := s.limiter.RetryAfter(context.Background(), id.UserID, rule)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			s.writeError(w, r, apperr.RateLimited("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
