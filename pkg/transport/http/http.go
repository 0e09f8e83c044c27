package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samueltorres/circuit/pkg/accumulator"
	"github.com/samueltorres/circuit/pkg/feed"
	"github.com/samueltorres/circuit/pkg/identity"
	"github.com/samueltorres/circuit/pkg/notice"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
)

const shutdownTimeout = 10 * time.Second

// Aura is the accumulator service as seen by the handlers.
type Aura interface {
	Increment(ctx context.Context, sessionID, itemID, userID string) (accumulator.State, error)
	State(ctx context.Context, sessionID, itemID string) (accumulator.State, error)
}

// Notices is the source of per session notices.
type Notices interface {
	Subscribe(sessionID string) (<-chan notice.Notice, func())
}

// Verifier turns a bearer token into the acting user.
type Verifier interface {
	Verify(token string) (*identity.User, error)
}

type Option func(s *Server)

func WithListen(addr string) Option {
	return func(s *Server) {
		s.listen = addr
	}
}

// Server exposes the feed and the aura accumulator over http.
type Server struct {
	aura     Aura
	feed     *feed.Service
	notices  Notices
	verifier Verifier
	logger   *logrus.Logger
	metrics  *metricsMiddleware
	upgrader websocket.Upgrader

	listen  string
	router  *mux.Router
	handler http.Handler
	srv     *http.Server
}

func New(
	aura Aura,
	feedService *feed.Service,
	notices Notices,
	verifier Verifier,
	logger *logrus.Logger,
	registerer prometheus.Registerer,
	opts ...Option) *Server {

	s := &Server{
		aura:     aura,
		feed:     feedService,
		notices:  notices,
		verifier: verifier,
		logger:   logger,
		metrics:  NewMetricsMiddleware(registerer),
		listen:   ":8082",
		router:   mux.NewRouter(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	recovery := negroni.NewRecovery()
	recovery.Logger = logger
	recovery.PrintStack = false

	n := negroni.New(recovery)
	n.UseHandler(s.router)
	s.handler = n

	// Stop may run before Start
	s.srv = &http.Server{
		Addr:    s.listen,
		Handler: s,
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.handler.ServeHTTP(w, req)
}

func (s *Server) registerRoutes() {
	s.router.Use(s.metrics.Middleware, s.identity)

	s.router.HandleFunc("/posts", s.handleListPosts).Methods("GET").Name("list_posts")
	s.router.HandleFunc("/posts", s.handleCreatePost).Methods("POST").Name("create_post")
	s.router.HandleFunc("/posts/{id}/comments", s.handleListComments).Methods("GET").Name("list_comments")
	s.router.HandleFunc("/posts/{id}/comments", s.handleAddComment).Methods("POST").Name("add_comment")
	s.router.HandleFunc("/posts/{id}/aura", s.handleAuraState).Methods("GET").Name("aura_state")
	s.router.HandleFunc("/posts/{id}/aura", s.handleAuraTap).Methods("POST").Name("aura_tap")
	s.router.HandleFunc("/profiles/{uid}", s.handleProfile).Methods("GET").Name("profile")
	s.router.HandleFunc("/profile", s.handleUpdateProfile).Methods("PUT").Name("update_profile")
	s.router.HandleFunc("/sessions/{id}/notices", s.handleNotices).Methods("GET").Name("notices")
}

func (s *Server) Start() error {
	s.logger.WithField("addr", s.listen).Info("starting http server")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failure")
	}
	return nil
}

func (s *Server) Stop(err error) {
	s.logger.WithError(err).Info("stopping http server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("http server shutdown failure")
	}
}
