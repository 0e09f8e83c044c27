package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpdatastore "cloud.google.com/go/datastore"
	rediscli "github.com/go-redis/redis/v7"
	"github.com/gocql/gocql"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samueltorres/circuit/pkg/accumulator"
	"github.com/samueltorres/circuit/pkg/cassandra"
	"github.com/samueltorres/circuit/pkg/configs"
	"github.com/samueltorres/circuit/pkg/datastore"
	"github.com/samueltorres/circuit/pkg/feed"
	"github.com/samueltorres/circuit/pkg/file"
	"github.com/samueltorres/circuit/pkg/identity"
	"github.com/samueltorres/circuit/pkg/memory"
	"github.com/samueltorres/circuit/pkg/notice"
	"github.com/samueltorres/circuit/pkg/policy"
	"github.com/samueltorres/circuit/pkg/redis"
	"github.com/samueltorres/circuit/pkg/transport/grpc"
	transporthttp "github.com/samueltorres/circuit/pkg/transport/http"
	"github.com/sirupsen/logrus"
)

// storage is the pair of stores a datastore flag selects. Backends that
// only count aura points keep the feed documents in memory.
type storage struct {
	counters accumulator.CounterStore
	feed     feed.Store
}

func main() {
	config := parseConfig()
	logger := createLogger(config)

	// metrics
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		version.NewCollector("circuit"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	policyProvider, err := createPolicyProvider(config, logger)
	if err != nil {
		logger.Fatalf("error creating policy provider: %v", err)
	}

	stores, err := createStorage(config, logger, metrics)
	if err != nil {
		logger.Fatalf("could not create storage: %v", err)
	}

	hub := notice.NewHub(logger)
	auraService := accumulator.NewService(stores.counters, hub, policyProvider, logger, metrics)
	feedService := feed.NewService(stores.feed, stores.counters, logger)
	verifier := identity.NewVerifier(config.JWTSecret)

	cancel := make(chan struct{})

	var g run.Group
	{
		g.Add(func() error {
			return auraService.RunExpiry(cancel)
		}, func(error) {})
	}
	{
		auraGrpcServer := grpc.NewServer(
			auraService,
			verifier,
			logger,
			metrics,
			grpc.WithListen(config.GrpcAddr))

		g.Add(func() error {
			return auraGrpcServer.Start()
		}, func(error) {
			auraGrpcServer.Stop()
		})
	}
	{
		auraHTTPServer := transporthttp.New(
			auraService,
			feedService,
			hub,
			verifier,
			logger,
			metrics,
			transporthttp.WithListen(config.HttpAddr))

		g.Add(func() error {
			return auraHTTPServer.Start()
		}, func(err error) {
			auraHTTPServer.Stop(err)
		})
	}
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		debugServer := &http.Server{Addr: config.DebugAddr, Handler: mux}

		g.Add(func() error {
			logger.WithField("addr", config.DebugAddr).Info("starting debug server")
			if err := debugServer.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			debugServer.Shutdown(ctx)
		})
	}
	{
		g.Add(func() error {
			c := make(chan os.Signal, 1)
			signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-c:
				return fmt.Errorf("received signal %s", sig)
			case <-cancel:
				return nil
			}
		}, func(error) {
			close(cancel)
		})
	}

	logger.Info("exit ", g.Run())

	// pending batches still go out before the process ends
	auraService.Close()
	logger.Info("flushed pending aura points")
}

func parseConfig() configs.Config {
	// a missing .env is fine
	godotenv.Load()

	fs := flag.NewFlagSet("circuit", flag.ExitOnError)
	var (
		grpcAddress       = fs.String("grpc-addr", ":8081", "grpc address")
		httpAddress       = fs.String("http-addr", ":8082", "http address")
		debugAddress      = fs.String("debug-addr", ":8083", "debug address for metrics and healthcheck")
		datastoreType     = fs.String("datastore", "memory", "datastore type (memory/redis/cassandra/datastore)")
		cassandraHost     = fs.String("cassandra-host", "", "cassandra host")
		cassandraKeyspace = fs.String("cassandra-keyspace", "circuit", "cassandra keyspace")
		redisAddress      = fs.String("redis-address", "localhost:6379", "redis address")
		redisDatabase     = fs.Int("redis-database", 0, "redis database")
		redisPassword     = fs.String("redis-password", "", "redis password")
		gcpProject        = fs.String("gcp-project", "", "google cloud project of the datastore")
		gcpNamespace      = fs.String("gcp-namespace", "", "datastore namespace")
		policyFile        = fs.String("policy-file", "", "aura policy file, defaults apply when empty")
		jwtSecret         = fs.String("jwt-secret", "", "secret the auth provider signs tokens with")
		logLevel          = fs.String("log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	)
	ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("CIRCUIT"))

	var config configs.Config
	{
		config.GrpcAddr = *grpcAddress
		config.HttpAddr = *httpAddress
		config.DebugAddr = *debugAddress
		config.Datastore = *datastoreType
		config.Cassandra.Hosts = *cassandraHost
		config.Cassandra.Keyspace = *cassandraKeyspace
		config.Redis.Address = *redisAddress
		config.Redis.Database = *redisDatabase
		config.Redis.Password = *redisPassword
		config.GCP.Project = *gcpProject
		config.GCP.Namespace = *gcpNamespace
		config.PolicyFile = *policyFile
		config.JWTSecret = *jwtSecret
		config.LogLevel = *logLevel
	}

	return config
}

func createLogger(config configs.Config) *logrus.Logger {
	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		level = logrus.ErrorLevel
	}

	logger.Infof("setting log level to %v", level)
	logger.SetLevel(level)

	return logger
}

func createPolicyProvider(config configs.Config, logger *logrus.Logger) (policy.Provider, error) {
	if config.PolicyFile == "" {
		logger.Info("no policy file, using the default aura policy")
		return policy.Static(policy.Default()), nil
	}

	policyService, err := file.NewPolicyService(config.PolicyFile, logger)
	if err != nil {
		return nil, err
	}
	return policyService, nil
}

func createStorage(config configs.Config, logger *logrus.Logger, metrics prometheus.Registerer) (storage, error) {
	switch config.Datastore {
	case "memory":
		return storage{
			counters: memory.NewCounterStorage(),
			feed:     memory.NewFeedStorage(),
		}, nil

	case "redis":
		redisClient := rediscli.NewClient(&rediscli.Options{
			Addr:     config.Redis.Address,
			Password: config.Redis.Password,
			DB:       config.Redis.Database,
		})

		_, err := redisClient.Ping().Result()
		if err != nil {
			return storage{}, fmt.Errorf("could not connect to redis : %w", err)
		}

		return storage{
			counters: redis.NewStorage(redisClient, logger, metrics),
			feed:     memory.NewFeedStorage(),
		}, nil

	case "cassandra":
		cluster := gocql.NewCluster(config.Cassandra.Hosts)
		cluster.Keyspace = config.Cassandra.Keyspace
		cluster.Consistency = gocql.LocalQuorum
		session, err := cluster.CreateSession()
		if err != nil {
			return storage{}, fmt.Errorf("could not create cassadra session : %w", err)
		}

		counters := cassandra.NewRemoteStorage(logger, session)
		if err := counters.CreateSchema(context.Background()); err != nil {
			return storage{}, err
		}

		return storage{
			counters: counters,
			feed:     memory.NewFeedStorage(),
		}, nil

	case "datastore":
		client, err := gcpdatastore.NewClient(context.Background(), config.GCP.Project)
		if err != nil {
			return storage{}, fmt.Errorf("could not create datastore client : %w", err)
		}

		s := datastore.NewStorage(client, config.GCP.Namespace, logger)
		return storage{counters: s, feed: s}, nil

	default:
		return storage{}, fmt.Errorf("invalid datastore %s", config.Datastore)
	}
}
