package grpc

import (
	"context"
	"net"

	rl "github.com/envoyproxy/go-control-plane/envoy/api/v2/ratelimit"
	pb "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v2"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samueltorres/circuit/pkg/accumulator"
	"github.com/samueltorres/circuit/pkg/identity"
	"github.com/samueltorres/circuit/pkg/policy"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// descriptor entry keys read from every rate limit descriptor. The
// authorization entry carries the caller's Authorization header and is
// the only source of the acting user.
const (
	entrySession       = "session_id"
	entryPost          = "post_id"
	entryAuthorization = "authorization"
)

// Verifier turns a token into the acting user.
type Verifier interface {
	Verify(token string) (*identity.User, error)
}

// Aura is the accumulator service as seen by the edge adapter.
type Aura interface {
	Increment(ctx context.Context, sessionID, itemID, userID string) (accumulator.State, error)
	Policy() policy.Policy
}

type metrics struct {
	okResp      prometheus.Counter
	limitedResp prometheus.Counter
	errResp     prometheus.Counter
}

func newMetrics(r prometheus.Registerer) *metrics {
	var m metrics

	m.okResp = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aura_edge_ok_responses",
		Help: "Total taps accepted through the edge adapter",
	})

	m.limitedResp = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aura_edge_limited_responses",
		Help: "Total edge requests answered over limit",
	})

	m.errResp = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aura_edge_error_responses",
		Help: "Total edge requests answered with an error",
	})

	r.MustRegister(m.okResp, m.limitedResp, m.errResp)
	return &m
}

type Option func(s *Server)

func WithListen(addr string) Option {
	return func(s *Server) {
		s.listen = addr
	}
}

// Server lets an envoy proxy forward aura taps through the rate limit
// service protocol. Every hit of a descriptor is one tap; a descriptor
// whose session reached the cap is answered OVER_LIMIT.
type Server struct {
	aura     Aura
	verifier Verifier
	logger   *logrus.Logger
	metrics  *metrics

	listen     string
	grpcServer *grpc.Server
}

func NewServer(aura Aura, verifier Verifier, logger *logrus.Logger, registerer prometheus.Registerer, opts ...Option) *Server {
	grpcMetrics := grpc_prometheus.NewServerMetrics()
	registerer.MustRegister(grpcMetrics)

	s := &Server{
		aura:     aura,
		verifier: verifier,
		logger:   logger,
		metrics:  newMetrics(registerer),
		listen:   ":8081",
		grpcServer: grpc.NewServer(
			grpc.UnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
			grpc.StreamInterceptor(grpcMetrics.StreamServerInterceptor()),
		),
	}

	for _, opt := range opts {
		opt(s)
	}

	pb.RegisterRateLimitServiceServer(s.grpcServer, s)
	grpcMetrics.InitializeMetrics(s.grpcServer)

	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.listen)
	if err != nil {
		return errors.Wrap(err, "could not listen for grpc")
	}

	s.logger.WithField("addr", s.listen).Info("starting grpc server")
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	s.logger.Info("stopping grpc server")
	s.grpcServer.GracefulStop()
}

func (s *Server) ShouldRateLimit(ctx context.Context, req *pb.RateLimitRequest) (response *pb.RateLimitResponse, err error) {
	defer func() {
		if err != nil {
			s.metrics.errResp.Inc()
			return
		}

		switch response.OverallCode {
		case pb.RateLimitResponse_OVER_LIMIT:
			s.metrics.limitedResp.Inc()
		case pb.RateLimitResponse_OK:
			s.metrics.okResp.Inc()
		}
	}()

	hits := req.HitsAddend
	if hits == 0 {
		hits = 1
	}
	limit := uint32(s.aura.Policy().Cap)

	response = &pb.RateLimitResponse{
		OverallCode: pb.RateLimitResponse_OK,
		Statuses:    make([]*pb.RateLimitResponse_DescriptorStatus, len(req.Descriptors)),
	}

	for i, desc := range req.Descriptors {
		session, post, authorization := descriptorEntries(desc)
		if session == "" || post == "" {
			return nil, status.Errorf(codes.InvalidArgument, "descriptor %d needs %s and %s", i, entrySession, entryPost)
		}

		user, err := s.user(authorization)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		descStatus := &pb.RateLimitResponse_DescriptorStatus{
			Code: pb.RateLimitResponse_OK,
			CurrentLimit: &pb.RateLimitResponse_RateLimit{
				RequestsPerUnit: limit,
			},
		}
		response.Statuses[i] = descStatus

		for h := uint32(0); h < hits; h++ {
			state, err := s.aura.Increment(ctx, session, post, user)
			switch {
			case err == nil:
				descStatus.LimitRemaining = remaining(state)
				continue
			case errors.Is(err, accumulator.ErrUnauthenticated):
				return nil, status.Error(codes.Unauthenticated, err.Error())
			case errors.Is(err, accumulator.ErrCapReached):
				descStatus.Code = pb.RateLimitResponse_OVER_LIMIT
				descStatus.LimitRemaining = 0
				response.OverallCode = pb.RateLimitResponse_OVER_LIMIT
			default:
				s.logger.WithError(err).WithFields(logrus.Fields{
					"session": session,
					"item":    post,
				}).Error("could not register tap")
				return nil, status.Error(codes.Unavailable, err.Error())
			}
			break
		}
	}

	return response, nil
}

// user verifies the authorization entry. An absent entry is an anonymous
// caller, which the accumulator rejects with its own notice.
func (s *Server) user(authorization string) (string, error) {
	if authorization == "" {
		return "", nil
	}

	token, ok := identity.BearerToken(authorization)
	if !ok {
		token = authorization
	}

	u, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.WithError(err).Debug("rejected token")
		return "", identity.ErrInvalidToken
	}
	return u.ID, nil
}

func remaining(state accumulator.State) uint32 {
	if state.SessionCount >= state.Cap {
		return 0
	}
	return uint32(state.Cap - state.SessionCount)
}

func descriptorEntries(desc *rl.RateLimitDescriptor) (session, post, authorization string) {
	for _, entry := range desc.GetEntries() {
		switch entry.Key {
		case entrySession:
			session = entry.Value
		case entryPost:
			post = entry.Value
		case entryAuthorization:
			authorization = entry.Value
		}
	}
	return session, post, authorization
}
