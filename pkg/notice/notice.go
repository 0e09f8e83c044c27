package notice

import "time"

// Kind identifies the category of a notice shown to the user.
type Kind string

const (
	// KindMustBeLoggedIn is emitted when an interaction arrives without an acting user.
	KindMustBeLoggedIn Kind = "must_be_logged_in"
	// KindCapReached is emitted once per item and session when the tap allotment is used up.
	KindCapReached Kind = "cap_reached"
	// KindFlushFailed is emitted when a batched write to the counter store fails.
	KindFlushFailed Kind = "flush_failed"
	// KindFeedback is the transient "+N" token for the current burst.
	KindFeedback Kind = "feedback"
)

// Notice is a one-shot, dismiss-on-display notification.
type Notice struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"sessionId"`
	ItemID    string    `json:"itemId"`
	Amount    int64     `json:"amount,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}
