package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "aura:"

type metrics struct {
	latency *prometheus.HistogramVec
}

func newMetrics(r prometheus.Registerer) *metrics {
	var m metrics

	m.latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_storage_duration_seconds",
			Help:    "Duration of the redis counter storage operations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"operation"})

	r.MustRegister(m.latency)
	return &m
}

// RemoteStorage keeps the aura counters in redis, one integer key per item.
type RemoteStorage struct {
	client  *redis.Client
	logger  *logrus.Logger
	metrics *metrics
}

func NewStorage(client *redis.Client, logger *logrus.Logger, registerer prometheus.Registerer) *RemoteStorage {
	return &RemoteStorage{
		client:  client,
		logger:  logger,
		metrics: newMetrics(registerer),
	}
}

func key(itemID string) string {
	return keyPrefix + itemID
}

func (s *RemoteStorage) Add(ctx context.Context, itemID string, n int64) error {
	defer s.observe("add", time.Now())

	v, err := s.client.WithContext(ctx).IncrBy(key(itemID), n).Result()
	if err != nil {
		return errors.Wrap(err, "redis storage incrby failure")
	}

	s.logger.WithFields(logrus.Fields{"item": itemID, "value": v}).Debug("redis counter incremented")
	return nil
}

func (s *RemoteStorage) Get(ctx context.Context, itemID string) (int64, error) {
	defer s.observe("get", time.Now())

	c, err := s.client.WithContext(ctx).Get(key(itemID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "redis storage get failure")
	}

	return c, nil
}

func (s *RemoteStorage) observe(op string, start time.Time) {
	s.metrics.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
