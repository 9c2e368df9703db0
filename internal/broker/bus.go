// Package broker carries room, user and global events between chat
// processes.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrBusClosed       = errors.New("bus closed")
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

type Scope string

const (
	ScopeRoom Scope = "room"
	ScopeUser Scope = "user"
	ScopeAll  Scope = "all"
)

// Envelope is one event addressed to every local socket in a scope. Frame
// is the already encoded server event.
type Envelope struct {
	Scope  Scope           `json:"scope"`
	Target string          `json:"target,omitempty"`
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

func (e Envelope) Validate() error {
	switch e.Scope {
	case ScopeRoom, ScopeUser:
		if e.Target == "" {
			return fmt.Errorf("%w: %s scope needs a target", ErrInvalidEnvelope, e.Scope)
		}
	case ScopeAll:
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidEnvelope, e.Scope)
	}
	if len(e.Frame) == 0 {
		return fmt.Errorf("%w: empty frame", ErrInvalidEnvelope)
	}
	return nil
}

// Topic names the channel the envelope travels on.
func (e Envelope) Topic() string {
	if e.Scope == ScopeAll {
		return string(ScopeAll)
	}
	return string(e.Scope) + ":" + e.Target
}

// Handler receives every envelope published on the bus, including the ones
// this process published itself.
type Handler func(Envelope)

type Subscription interface {
	Close() error
}

// Bus is a process-wide broadcast channel. Subscribe returns once the
// subscription is live, so nothing published afterwards is missed.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)
	Close() error
}
