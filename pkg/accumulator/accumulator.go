package accumulator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samueltorres/circuit/pkg/notice"
	"github.com/samueltorres/circuit/pkg/policy"
	"github.com/sirupsen/logrus"
)

var ErrUnauthenticated = errors.New("you must be logged in to give aura points")
var ErrCapReached = errors.New("aura point cap reached for this post")

// Phase is the position of an accumulator in its flush cycle.
type Phase int

const (
	Idle Phase = iota
	Accumulating
	Flushing
)

func (p Phase) String() string {
	switch p {
	case Accumulating:
		return "accumulating"
	case Flushing:
		return "flushing"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is a snapshot of one accumulator.
// Displayed is always Confirmed + Pending + InFlight.
type State struct {
	ItemID       string `json:"itemId"`
	Displayed    int64  `json:"displayed"`
	Confirmed    int64  `json:"confirmed"`
	Pending      int64  `json:"pending"`
	InFlight     int64  `json:"inFlight"`
	SessionCount int    `json:"sessionCount"`
	Cap          int    `json:"cap"`
	Phase        Phase  `json:"phase"`
}

// deps is what every accumulator of a service shares.
type deps struct {
	store    CounterStore
	notifier Notifier
	policy   policy.Provider
	clock    Clock
	logger   *logrus.Logger
	metrics  *metrics
	flushes  *sync.WaitGroup
}

func (d *deps) notify(kind notice.Kind, sessionID, itemID string, amount int64, reason string) {
	d.notifier.Notify(notice.Notice{
		Kind:      kind,
		SessionID: sessionID,
		ItemID:    itemID,
		Amount:    amount,
		Reason:    reason,
		Time:      d.clock.Now(),
	})
}

func (d *deps) rejectUnauthenticated(sessionID, itemID string) {
	d.metrics.rejected.WithLabelValues(reasonUnauthenticated).Inc()
	d.notify(notice.KindMustBeLoggedIn, sessionID, itemID, 0, "")
}

// Accumulator batches the aura taps of one session on one item.
//
// Taps move the displayed count immediately and re-arm a trailing debounce
// timer. When the timer fires the pending amount is sent to the counter
// store in a single Add. Only one Add is outstanding at a time; a batch
// that becomes due meanwhile is sent right after it. A failed Add takes
// its amount back off the displayed count and the taps are dropped.
//
// The state is heap owned, so a flush still lands after the session that
// started it has been evicted.
type Accumulator struct {
	sessionID string
	itemID    string
	deps      *deps

	mux          sync.Mutex
	confirmed    int64
	pending      int64
	inflight     int64
	sessionCount int
	capNotified  bool
	timer        Timer
	timerGen     uint64
	flushing     bool
	flushQueued  bool

	flushes sync.WaitGroup
}

func newAccumulator(sessionID, itemID string, baseline int64, d *deps) *Accumulator {
	return &Accumulator{
		sessionID: sessionID,
		itemID:    itemID,
		confirmed: baseline,
		deps:      d,
	}
}

// RegisterIncrement applies one tap on behalf of userID.
// An empty userID means nobody is logged in.
func (a *Accumulator) RegisterIncrement(userID string) (State, error) {
	if userID == "" {
		a.deps.rejectUnauthenticated(a.sessionID, a.itemID)
		return a.State(), ErrUnauthenticated
	}

	p := a.deps.policy.Policy()

	a.mux.Lock()
	if a.sessionCount >= p.Cap {
		first := !a.capNotified
		a.capNotified = true
		state := a.stateLocked(p.Cap)
		a.mux.Unlock()

		a.deps.metrics.rejected.WithLabelValues(reasonCapReached).Inc()
		if first {
			a.deps.notify(notice.KindCapReached, a.sessionID, a.itemID, int64(p.Cap), "")
		}
		return state, ErrCapReached
	}

	a.sessionCount++
	a.pending++
	burst := a.pending
	a.armLocked(p.DebounceDelay)
	state := a.stateLocked(p.Cap)
	a.mux.Unlock()

	a.deps.metrics.increments.Inc()
	a.deps.logger.WithFields(logrus.Fields{
		"session": a.sessionID,
		"item":    a.itemID,
		"user":    userID,
		"pending": burst,
	}).Debug("aura tap")
	a.deps.notify(notice.KindFeedback, a.sessionID, a.itemID, burst, "")

	return state, nil
}

// Flush sends the pending amount now instead of waiting for the quiet period.
func (a *Accumulator) Flush() {
	a.mux.Lock()
	defer a.mux.Unlock()

	a.disarmLocked()
	a.flushLocked()
}

// Wait blocks until no batched write of this accumulator is outstanding.
func (a *Accumulator) Wait() {
	a.flushes.Wait()
}

func (a *Accumulator) State() State {
	p := a.deps.policy.Policy()

	a.mux.Lock()
	defer a.mux.Unlock()

	return a.stateLocked(p.Cap)
}

// busy reports whether a batch is pending or a write is outstanding.
func (a *Accumulator) busy() bool {
	a.mux.Lock()
	defer a.mux.Unlock()

	return a.pending > 0 || a.flushing
}

func (a *Accumulator) stateLocked(limit int) State {
	s := State{
		ItemID:       a.itemID,
		Displayed:    a.confirmed + a.pending + a.inflight,
		Confirmed:    a.confirmed,
		Pending:      a.pending,
		InFlight:     a.inflight,
		SessionCount: a.sessionCount,
		Cap:          limit,
	}

	switch {
	case a.pending > 0:
		s.Phase = Accumulating
	case a.flushing:
		s.Phase = Flushing
	default:
		s.Phase = Idle
	}

	return s
}

func (a *Accumulator) armLocked(delay time.Duration) {
	a.disarmLocked()

	gen := a.timerGen
	a.timer = a.deps.clock.AfterFunc(delay, func() {
		a.fire(gen)
	})
}

// disarmLocked cancels the armed timer. Bumping the generation also
// neutralises a callback that already fired and is waiting for the lock.
func (a *Accumulator) disarmLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
}

func (a *Accumulator) fire(gen uint64) {
	a.mux.Lock()
	defer a.mux.Unlock()

	if gen != a.timerGen {
		return
	}
	a.timer = nil
	a.flushLocked()
}

func (a *Accumulator) flushLocked() {
	if a.flushing {
		if a.pending > 0 {
			a.flushQueued = true
		}
		return
	}

	// reset before dispatch so new taps start the next batch
	amount := a.pending
	a.pending = 0
	if amount == 0 {
		return
	}

	a.inflight = amount
	a.flushing = true

	a.flushes.Add(1)
	a.deps.flushes.Add(1)
	go a.dispatch(amount)
}

func (a *Accumulator) dispatch(amount int64) {
	defer a.deps.flushes.Done()
	defer a.flushes.Done()

	ctx, cancel := context.WithTimeout(context.Background(), a.deps.policy.Policy().FlushTimeout)
	err := a.deps.store.Add(ctx, a.itemID, amount)
	cancel()

	a.mux.Lock()
	a.inflight = 0
	a.flushing = false
	if err == nil {
		a.confirmed += amount
	}
	if a.flushQueued {
		a.flushQueued = false
		// a re-armed timer owns the next batch
		if a.timer == nil {
			a.flushLocked()
		}
	}
	a.mux.Unlock()

	a.deps.metrics.flushAmount.Observe(float64(amount))

	fields := logrus.Fields{
		"session": a.sessionID,
		"item":    a.itemID,
		"amount":  amount,
	}

	if err != nil {
		a.deps.metrics.flushes.WithLabelValues(resultFailure).Inc()
		a.deps.logger.WithFields(fields).WithError(err).Error("aura flush failed")
		a.deps.notify(notice.KindFlushFailed, a.sessionID, a.itemID, amount, err.Error())
		return
	}

	a.deps.metrics.flushes.WithLabelValues(resultSuccess).Inc()
	a.deps.logger.WithFields(fields).Debug("aura flushed")
}
