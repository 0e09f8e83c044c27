package accumulator

import (
	"context"

	"github.com/samueltorres/circuit/pkg/notice"
)

// CounterStore is the remote counter the accumulator flushes into.
// Add must be atomic: concurrent calls from different sessions compose
// additively. n is always positive.
type CounterStore interface {
	Add(ctx context.Context, itemID string, n int64) error
	Get(ctx context.Context, itemID string) (int64, error)
}

// Notifier receives the user-visible notices.
type Notifier interface {
	Notify(n notice.Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n notice.Notice)

func (f NotifierFunc) Notify(n notice.Notice) {
	f(n)
}
