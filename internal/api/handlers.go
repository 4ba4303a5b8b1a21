package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cinematch/chat-app/internal/apperr"
	"github.com/cinematch/chat-app/internal/chat"
	"github.com/cinematch/chat-app/internal/matching"
	"github.com/cinematch/chat-app/internal/protocol"
	"github.com/cinematch/chat-app/internal/store"
)

const defaultCandidateTake = 20

type matchBody struct {
	TargetUserID string `json:"target_user_id"`
	MovieID      int64  `json:"movie_id"`
}

type requestResponse struct {
	Matched bool   `json:"matched"`
	RoomID  string `json:"room_id,omitempty"`
}

type statusResponse struct {
	Status        matching.StatusKind `json:"status"`
	CanMatch      bool                `json:"can_match"`
	CanDecline    bool                `json:"can_decline"`
	RequestSentAt *time.Time          `json:"request_sent_at,omitempty"`
	MovieID       int64               `json:"movie_id,omitempty"`
	RoomID        string              `json:"room_id,omitempty"`
}

type candidateResponse struct {
	UserID         string              `json:"user_id"`
	DisplayName    string              `json:"display_name"`
	OverlapCount   int                 `json:"overlap_count"`
	SharedMovieIDs []int64             `json:"shared_movie_ids"`
	LastOverlapAt  time.Time           `json:"last_overlap_at"`
	Status         matching.StatusKind `json:"status"`
}

type roomResponse struct {
	RoomID          string           `json:"room_id"`
	OtherUser       protocol.UserRef `json:"other_user"`
	CreatedAt       time.Time        `json:"created_at"`
	LastMessageText *string          `json:"last_message_text,omitempty"`
	LastMessageAt   *time.Time       `json:"last_message_at,omitempty"`
}

func caller(r *http.Request) string {
	id, _ := IdentityFrom(r.Context())
	return id.UserID
}

func decodeMatchBody(w http.ResponseWriter, r *http.Request) (matchBody, error) {
	var body matchBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(&body); err != nil {
		return body, apperr.Invalid("malformed request body")
	}
	return body, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Invalid("%s must be an integer", name)
	}
	return n, nil
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := decodeMatchBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.recon.Request(r.Context(), caller(r), body.TargetUserID, body.MovieID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse{Matched: res.Matched, RoomID: res.RoomID})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	body, err := decodeMatchBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.recon.Decline(r.Context(), caller(r), body.TargetUserID, body.MovieID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	take, err := queryInt(r, "take", defaultCandidateTake)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cands, err := s.recon.Candidates(r.Context(), caller(r), take)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]candidateResponse, len(cands))
	for i, c := range cands {
		shared := c.SharedMovieIDs
		if shared == nil {
			shared = []int64{}
		}
		out[i] = candidateResponse{
			UserID:         c.UserID,
			DisplayName:    c.DisplayName,
			OverlapCount:   c.OverlapCount,
			SharedMovieIDs: shared,
			LastOverlapAt:  c.LastOverlapAt,
			Status:         c.Status,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.recon.Status(r.Context(), caller(r), mux.Vars(r)["targetUserId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        st.Status,
		CanMatch:      st.CanRequest,
		CanDecline:    st.CanDecline,
		RequestSentAt: st.PendingSince,
		MovieID:       st.MovieID,
		RoomID:        st.RoomID,
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.rooms.ListRooms(r.Context(), caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]roomResponse, len(rooms))
	for i, rm := range rooms {
		out[i] = roomResponse{
			RoomID:          rm.RoomID,
			OtherUser:       protocol.UserRef{ID: rm.OtherUserID, DisplayName: rm.OtherDisplayName},
			CreatedAt:       rm.CreatedAt,
			LastMessageText: rm.LastText,
			LastMessageAt:   rm.LastAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	take, err := queryInt(r, "take", chat.DefaultHistoryTake)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.writeError(w, r, apperr.Invalid("before must be an RFC 3339 timestamp"))
			return
		}
		t = t.UTC()
		before = &t
	}
	msgs, err := s.bc.History(r.Context(), mux.Vars(r)["roomId"], caller(r), take, before)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if err := s.rooms.Join(r.Context(), mux.Vars(r)["roomId"], caller(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.rooms.Leave(r.Context(), mux.Vars(r)["roomId"], caller(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func movieIDVar(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["movieId"], 10, 64)
	if err != nil {
		return 0, apperr.Invalid("movie id must be an integer")
	}
	return id, nil
}

type movieBody struct {
	Title     string `json:"title"`
	PosterURL string `json:"poster_url"`
	Year      int    `json:"year"`
}

func (s *Server) handlePutMovie(w http.ResponseWriter, r *http.Request) {
	id, err := movieIDVar(r)
	if err == nil && id <= 0 {
		err = apperr.Invalid("movie id must be positive")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body movieBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		s.writeError(w, r, apperr.Invalid("malformed request body"))
		return
	}
	body.Title = strings.TrimSpace(body.Title)
	if body.Title == "" {
		s.writeError(w, r, apperr.Invalid("title is required"))
		return
	}
	m := &store.Movie{ID: id, Title: body.Title, PosterURL: body.PosterURL, Year: body.Year}
	if err := s.movies.PutMovie(r.Context(), m); err != nil {
		s.writeError(w, r, apperr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	id, err := movieIDVar(r)
	if err == nil {
		err = s.recon.LikeMovie(r.Context(), caller(r), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	id, err := movieIDVar(r)
	if err == nil {
		err = s.recon.UnlikeMovie(r.Context(), caller(r), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
