package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/samueltorres/circuit/pkg/accumulator"
	"github.com/samueltorres/circuit/pkg/feed"
	"github.com/samueltorres/circuit/pkg/identity"
	"github.com/sirupsen/logrus"
)

const (
	sessionHeader = "X-Session-ID"
	writeTimeout  = 10 * time.Second
)

var errMissingSession = errors.New("missing " + sessionHeader + " header")

type errorResponse struct {
	Error string `json:"error"`
}

type postView struct {
	*feed.Post
	CreatedAgo string `json:"createdAgo"`
}

type commentView struct {
	*feed.Comment
	CreatedAgo string `json:"createdAgo"`
}

func newPostView(p *feed.Post) postView {
	return postView{Post: p, CreatedAgo: humanize.Time(p.CreatedAt)}
}

func newCommentView(c *feed.Comment) commentView {
	return commentView{Comment: c, CreatedAgo: humanize.Time(c.CreatedAt)}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the service errors to their status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, accumulator.ErrUnauthenticated), errors.Is(err, feed.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, accumulator.ErrCapReached):
		status = http.StatusTooManyRequests
	case errors.Is(err, feed.ErrInvalidInput), errors.Is(err, errMissingSession):
		status = http.StatusBadRequest
	case errors.Is(err, feed.ErrNotFound):
		status = http.StatusNotFound
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		msg = "internal error"
	}

	writeJSON(w, status, errorResponse{Error: msg})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(feed.ErrInvalidInput, "could not decode request: %v", err)
	}
	return nil
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	posts, err := s.feed.ListPosts(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]postView, 0, len(posts))
	for _, p := range posts {
		views = append(views, newPostView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var in feed.PostInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.feed.CreatePost(r.Context(), identity.FromContext(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPostView(p))
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.feed.ListComments(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]commentView, 0, len(comments))
	for _, c := range comments {
		views = append(views, newCommentView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var in feed.CommentInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	c, err := s.feed.AddComment(r.Context(), identity.FromContext(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCommentView(c))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.feed.Profile(r.Context(), mux.Vars(r)["uid"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var in feed.ProfileInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.feed.UpdateProfile(r.Context(), identity.FromContext(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleAuraTap registers one tap. The response carries the optimistic
// state; the batched write happens later.
func (s *Server) handleAuraTap(w http.ResponseWriter, r *http.Request) {
	session := r.Header.Get(sessionHeader)
	if session == "" {
		s.writeError(w, r, errMissingSession)
		return
	}

	user := identity.FromContext(r.Context())
	state, err := s.aura.Increment(r.Context(), session, mux.Vars(r)["id"], user.UserID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleAuraState(w http.ResponseWriter, r *http.Request) {
	session := r.Header.Get(sessionHeader)
	if session == "" {
		s.writeError(w, r, errMissingSession)
		return
	}

	state, err := s.aura.State(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleNotices streams the notices of a session over a websocket until
// either side goes away.
func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["id"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	notices, unsubscribe := s.notices.Subscribe(session)
	defer unsubscribe()

	// the client sends nothing; reading detects the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(n); err != nil {
				s.logger.WithError(err).WithField("session", session).Debug("notice write failed")
				return
			}
		}
	}
}
