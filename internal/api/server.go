// Package api is the REST surface of the match and chat services. Every
// route except /health and /metrics requires an HS256 bearer token whose
// subject is the caller's user id.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/cinematch/chat-app/internal/apperr"
	"github.com/cinematch/chat-app/internal/chat"
	"github.com/cinematch/chat-app/internal/matching"
	"github.com/cinematch/chat-app/internal/metrics"
	"github.com/cinematch/chat-app/internal/ratelimit"
	"github.com/cinematch/chat-app/internal/store"
	"github.com/cinematch/chat-app/internal/ws"
)

// UserDirectory records display names seen in tokens.
type UserDirectory interface {
	RememberUser(ctx context.Context, userID, displayName string) error
}

// MovieCatalog stores movie metadata.
type MovieCatalog interface {
	PutMovie(ctx context.Context, m *store.Movie) error
}

// StatsFunc reports hub statistics for the health endpoint.
type StatsFunc func() ws.Stats

// Deps are the services the REST layer calls. Users, Movies, Limiter, Hub
// and Stats may be nil.
type Deps struct {
	Reconciler  *matching.Reconciler
	Rooms       *chat.Manager
	Broadcaster *chat.Broadcaster
	Users       UserDirectory
	Movies      MovieCatalog
	Limiter     *ratelimit.Limiter
	Hub         http.Handler
	Stats       StatsFunc
	JWTSecret   string
}

// Server holds the handlers.
type Server struct {
	recon   *matching.Reconciler
	rooms   *chat.Manager
	bc      *chat.Broadcaster
	users   UserDirectory
	movies  MovieCatalog
	limiter *ratelimit.Limiter
	hub     http.Handler
	stats   StatsFunc
	secret  string
	log     *logrus.Entry
	started time.Time
}

func New(d Deps) *Server {
	return &Server{
		recon:   d.Reconciler,
		rooms:   d.Rooms,
		bc:      d.Broadcaster,
		users:   d.Users,
		movies:  d.Movies,
		limiter: d.Limiter,
		hub:     d.Hub,
		stats:   d.Stats,
		secret:  d.JWTSecret,
		log:     logrus.WithField("component", "api"),
		started: time.Now(),
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authenticate)

	authed.Handle("/matches/request", s.limit(ratelimit.RuleRequest, http.HandlerFunc(s.handleRequest))).Methods(http.MethodPost)
	authed.Handle("/matches/decline", s.limit(ratelimit.RuleRequest, http.HandlerFunc(s.handleDecline))).Methods(http.MethodPost)
	authed.HandleFunc("/matches/candidates", s.handleCandidates).Methods(http.MethodGet)
	authed.HandleFunc("/matches/status/{targetUserId}", s.handleStatus).Methods(http.MethodGet)

	authed.HandleFunc("/chats", s.handleListRooms).Methods(http.MethodGet)
	authed.HandleFunc("/chats/{roomId}/messages", s.handleHistory).Methods(http.MethodGet)
	authed.HandleFunc("/chats/{roomId}/join", s.handleJoin).Methods(http.MethodPost)
	authed.HandleFunc("/chats/{roomId}/leave", s.handleLeave).Methods(http.MethodPost)

	authed.HandleFunc("/movies/{movieId}/like", s.handleLike).Methods(http.MethodPut)
	authed.HandleFunc("/movies/{movieId}/like", s.handleUnlike).Methods(http.MethodDelete)
	if s.movies != nil {
		authed.Handle("/movies/{movieId}", s.requireRole(RoleAdmin, http.HandlerFunc(s.handlePutMovie))).Methods(http.MethodPut)
	}

	if s.hub != nil {
		authed.Handle("/ws", s.limit(ratelimit.RuleConnect, s.hub)).Methods(http.MethodGet)
	}
	return r
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps err to its HTTP status. Internal causes are logged, never
// returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, status, errorBody{Code: string(apperr.CodeOf(err)), Message: apperr.MessageOf(err)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.stats != nil {
		resp.Connections = s.stats().Connections
	}
	writeJSON(w, http.StatusOK, resp)
}
