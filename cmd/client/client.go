package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	rl "github.com/envoyproxy/go-control-plane/envoy/api/v2/ratelimit"
	pb "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v2"
	"github.com/google/uuid"
	"github.com/samueltorres/circuit/pkg/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// client taps a post through the grpc edge adapter as user, or prints a
// token for the http api when -token is set.
func main() {
	var (
		grpcAddr  = flag.String("grpc-addr", "localhost:8081", "gRPC address")
		session   = flag.String("session", uuid.New().String(), "rendering session id")
		post      = flag.String("post", "", "post to tap")
		user      = flag.String("user", "dev", "user id")
		taps      = flag.Int("taps", 10, "number of taps")
		interval  = flag.Duration("interval", 100*time.Millisecond, "pause between taps")
		token     = flag.Bool("token", false, "print a token for user and exit")
		jwtSecret = flag.String("jwt-secret", "", "secret to sign the token with")
	)
	flag.Parse()

	t, err := identity.NewVerifier(*jwtSecret).Sign(identity.User{ID: *user, Name: *user}, 24*time.Hour)
	if err != nil {
		log.Fatalf("could not sign token: %s", err)
	}
	if *token {
		fmt.Println(t)
		return
	}

	if *post == "" {
		log.Fatal("-post is required")
	}

	conn, err := grpc.Dial(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("did not connect: %s", err)
	}
	defer conn.Close()
	c := pb.NewRateLimitServiceClient(conn)

	for i := 0; i < *taps; i++ {
		MakeCall(c, *session, *post, t)
		time.Sleep(*interval)
	}
}

func MakeCall(c pb.RateLimitServiceClient, session, post, token string) {
	defer func(begin time.Time) {
		fmt.Println("took > ", time.Since(begin))
	}(time.Now())

	resp, err := c.ShouldRateLimit(
		context.Background(),
		&pb.RateLimitRequest{
			Domain:     "aura",
			HitsAddend: 1,
			Descriptors: []*rl.RateLimitDescriptor{
				{
					Entries: []*rl.RateLimitDescriptor_Entry{
						{Key: "session_id", Value: session},
						{Key: "post_id", Value: post},
						{Key: "authorization", Value: "Bearer " + token},
					},
				},
			},
		})

	if err != nil {
		fmt.Println("error: ", err)
		return
	}

	fmt.Println(resp.OverallCode, "remaining:", resp.Statuses[0].LimitRemaining)
}
