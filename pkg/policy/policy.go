package policy

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPolicy = errors.New("invalid policy")

// Provider returns the policy currently in force.
type Provider interface {
	Policy() Policy
}

// Policy tunes the aura accumulator.
type Policy struct {
	// Cap is the number of taps a session may contribute to one item.
	Cap int `mapstructure:"cap"`
	// DebounceDelay is the quiet period after the last tap before a batch is flushed.
	DebounceDelay time.Duration `mapstructure:"debounce_delay"`
	// FlushTimeout bounds a single batched write.
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
	// SessionTTL is how long an idle session keeps its state.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

func Default() Policy {
	return Policy{
		Cap:           50,
		DebounceDelay: 1000 * time.Millisecond,
		FlushTimeout:  5 * time.Second,
		SessionTTL:    30 * time.Minute,
	}
}

func (p Policy) Validate() error {
	if p.Cap <= 0 {
		return fmt.Errorf("%w: cap must be positive (%d)", ErrInvalidPolicy, p.Cap)
	}
	if p.DebounceDelay < time.Millisecond || p.DebounceDelay > time.Minute {
		return fmt.Errorf("%w: debounce delay out of range (%s)", ErrInvalidPolicy, p.DebounceDelay)
	}
	if p.FlushTimeout <= 0 {
		return fmt.Errorf("%w: flush timeout must be positive (%s)", ErrInvalidPolicy, p.FlushTimeout)
	}
	if p.SessionTTL <= 0 {
		return fmt.Errorf("%w: session ttl must be positive (%s)", ErrInvalidPolicy, p.SessionTTL)
	}
	return nil
}

// Static is a Provider that never changes.
type Static Policy

func (s Static) Policy() Policy {
	return Policy(s)
}
