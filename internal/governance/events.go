package governance

import (
	"context"
	"time"
)

// EventType names an audit-visible governance event.
type EventType string

const (
	EventActionProposed      EventType = "ActionProposed"
	EventActionApproved      EventType = "ActionApproved"
	EventActionExecuted      EventType = "ActionExecuted"
	EventAuthorityJoined     EventType = "AuthorityJoined"
	EventAuthorityGranted    EventType = "AuthorityGranted"
	EventIdentityChanged     EventType = "IdentityChanged"
	EventWithdrawalProcessed EventType = "WithdrawalProcessed"
)

// Event is emitted after a change has been committed.
type Event struct {
	ID         string     `json:"id"`
	Type       EventType  `json:"type"`
	ActionID   string     `json:"action_id,omitempty"`
	ActionType ActionType `json:"action_type,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`
	IdentityID string     `json:"identity_id,omitempty"`
	Amount     int64      `json:"amount,omitempty"`
	Asset      Asset      `json:"asset,omitempty"`
	Count      int        `json:"count,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// EventSink receives committed events. Publish must not block.
type EventSink interface {
	Publish(ctx context.Context, evt Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, evt Event)

func (f EventSinkFunc) Publish(ctx context.Context, evt Event) { f(ctx, evt) }

// Sinks fans events out to several sinks in order.
type Sinks []EventSink

func (s Sinks) Publish(ctx context.Context, evt Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(ctx, evt)
		}
	}
}
