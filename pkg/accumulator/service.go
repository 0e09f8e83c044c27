package accumulator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samueltorres/circuit/pkg/policy"
	"github.com/segmentio/fasthash/fnv1a"
	"github.com/sirupsen/logrus"
)

// Session holds the accumulators of one rendering session, keyed by item.
type Session struct {
	id       string
	deps     *deps
	lastSeen int64

	mux   sync.Mutex
	items map[string]*Accumulator
}

func (s *Session) touch(now time.Time) {
	atomic.StoreInt64(&s.lastSeen, now.UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastSeen))
}

// Item returns the accumulator of itemID, rendering it on first use with
// the count currently held by the store.
// The baseline read runs outside the session lock.
func (s *Session) Item(ctx context.Context, itemID string) (*Accumulator, error) {
	s.mux.Lock()
	a, ok := s.items[itemID]
	s.mux.Unlock()
	if ok {
		return a, nil
	}

	baseline, err := s.deps.store.Get(ctx, itemID)
	if err != nil {
		return nil, errors.Wrap(err, "could not read aura points")
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	// a concurrent render of the same item may have won
	if a, ok := s.items[itemID]; ok {
		return a, nil
	}

	a = newAccumulator(s.id, itemID, baseline, s.deps)
	s.items[itemID] = a
	return a, nil
}

func (s *Session) accumulators() []*Accumulator {
	s.mux.Lock()
	defer s.mux.Unlock()

	items := make([]*Accumulator, 0, len(s.items))
	for _, a := range s.items {
		items = append(items, a)
	}
	return items
}

type Option func(s *Service)

// WithClock replaces the wall clock driving the debounce timers.
func WithClock(c Clock) Option {
	return func(s *Service) {
		s.deps.clock = c
	}
}

// Service owns the rendering sessions and their accumulators.
type Service struct {
	shardCount     uint64
	shardedSession []map[string]*Session
	shardedMutexes []*sync.RWMutex

	deps   *deps
	logger *logrus.Logger

	// accumulators of evicted sessions that still had work when evicted
	evictedMux sync.Mutex
	evicted    map[*Accumulator]struct{}
}

// NewService creates a new accumulator service
func NewService(
	store CounterStore,
	notifier Notifier,
	provider policy.Provider,
	logger *logrus.Logger,
	registerer prometheus.Registerer,
	opts ...Option) *Service {

	var shards uint64 = 64

	s := &Service{
		shardCount:     shards,
		shardedSession: make([]map[string]*Session, shards),
		shardedMutexes: make([]*sync.RWMutex, shards),
		logger:         logger,
		evicted:        make(map[*Accumulator]struct{}),
		deps: &deps{
			store:    store,
			notifier: notifier,
			policy:   provider,
			clock:    realClock{},
			logger:   logger,
			metrics:  newMetrics(registerer),
			flushes:  &sync.WaitGroup{},
		},
	}

	for i := uint64(0); i < shards; i++ {
		s.shardedSession[i] = make(map[string]*Session)
		s.shardedMutexes[i] = &sync.RWMutex{}
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Session returns the session with the given id, creating it if needed.
func (s *Service) Session(sessionID string) *Session {
	shard := fnv1a.HashString64(sessionID) % s.shardCount
	mux := s.shardedMutexes[shard]
	now := s.deps.clock.Now()

	mux.RLock()
	sess, ok := s.shardedSession[shard][sessionID]
	mux.RUnlock()
	if ok {
		sess.touch(now)
		return sess
	}

	mux.Lock()
	defer mux.Unlock()

	// another request may have created it between the locks
	if sess, ok := s.shardedSession[shard][sessionID]; ok {
		sess.touch(now)
		return sess
	}

	sess = &Session{
		id:    sessionID,
		deps:  s.deps,
		items: make(map[string]*Accumulator),
	}
	sess.touch(now)
	s.shardedSession[shard][sessionID] = sess
	s.deps.metrics.sessions.Inc()

	return sess
}

// Increment registers one tap of userID on itemID within a session.
func (s *Service) Increment(ctx context.Context, sessionID, itemID, userID string) (State, error) {
	// unauthenticated taps never touch any state, not even the baseline read
	if userID == "" {
		s.deps.rejectUnauthenticated(sessionID, itemID)
		return State{ItemID: itemID, Cap: s.deps.policy.Policy().Cap}, ErrUnauthenticated
	}

	a, err := s.Session(sessionID).Item(ctx, itemID)
	if err != nil {
		return State{}, err
	}

	return a.RegisterIncrement(userID)
}

// State renders itemID for a session and returns its snapshot.
func (s *Service) State(ctx context.Context, sessionID, itemID string) (State, error) {
	a, err := s.Session(sessionID).Item(ctx, itemID)
	if err != nil {
		return State{}, err
	}

	return a.State(), nil
}

// Policy is the policy currently in force.
func (s *Service) Policy() policy.Policy {
	return s.deps.policy.Policy()
}

// RunExpiry evicts idle sessions until cancel is closed.
func (s *Service) RunExpiry(cancel <-chan struct{}) error {
	ticker := time.NewTicker(expiryInterval(s.deps.policy.Policy().SessionTTL))
	defer ticker.Stop()

	for {
		select {
		case <-cancel:
			return nil
		case <-ticker.C:
			n := s.expire(s.deps.clock.Now())
			if n > 0 {
				s.logger.WithField("sessions", n).Debug("evicted idle sessions")
			}
		}
	}
}

func expiryInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval > time.Minute {
		return time.Minute
	}
	if interval < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	return interval
}

// expire drops the sessions idle for longer than the session ttl. Their
// accumulators are left alone: armed timers and outstanding flushes finish.
// The ones still busy are kept in evicted so Close can reach them.
func (s *Service) expire(now time.Time) int {
	ttl := s.deps.policy.Policy().SessionTTL
	evicted := 0
	var busy []*Accumulator

	for i := uint64(0); i < s.shardCount; i++ {
		mux := s.shardedMutexes[i]

		mux.Lock()
		for id, sess := range s.shardedSession[i] {
			if now.Sub(sess.idleSince()) > ttl {
				delete(s.shardedSession[i], id)
				evicted++
				for _, a := range sess.accumulators() {
					if a.busy() {
						busy = append(busy, a)
					}
				}
			}
		}
		mux.Unlock()
	}

	s.evictedMux.Lock()
	for a := range s.evicted {
		if !a.busy() {
			delete(s.evicted, a)
		}
	}
	for _, a := range busy {
		s.evicted[a] = struct{}{}
	}
	s.evictedMux.Unlock()

	s.deps.metrics.sessions.Sub(float64(evicted))
	return evicted
}

// Close flushes every pending batch now and waits for all batched writes,
// including those of already evicted sessions.
func (s *Service) Close() {
	for i := uint64(0); i < s.shardCount; i++ {
		mux := s.shardedMutexes[i]

		mux.RLock()
		sessions := make([]*Session, 0, len(s.shardedSession[i]))
		for _, sess := range s.shardedSession[i] {
			sessions = append(sessions, sess)
		}
		mux.RUnlock()

		for _, sess := range sessions {
			for _, a := range sess.accumulators() {
				a.Flush()
			}
		}
	}

	s.evictedMux.Lock()
	for a := range s.evicted {
		a.Flush()
		delete(s.evicted, a)
	}
	s.evictedMux.Unlock()

	s.deps.flushes.Wait()
}
