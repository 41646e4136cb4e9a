package domain

import (
	"time"
)

// EntityType identifies what kind of subject a score or flag refers to.
type EntityType string

const (
	EntityPlayer      EntityType = "player"
	EntityTransaction EntityType = "transaction"
	EntityBehavior    EntityType = "behavior"
)

// UserEvent is a platform activity record (login, match start, purchase page view, ...).
type UserEvent struct {
	ID        string         `json:"id"`
	EntityID  string         `json:"entityId"`
	EventType string         `json:"eventType"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	DeviceID  string         `json:"deviceId,omitempty"`
	IPAddress string         `json:"ipAddress,omitempty"`
	Location  string         `json:"location,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Transaction is a monetary movement initiated by a player.
type Transaction struct {
	ID            string    `json:"id"`
	EntityID      string    `json:"entityId"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency,omitempty"`
	PaymentMethod string    `json:"paymentMethod,omitempty"`
	RecipientID   string    `json:"recipientId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"sessionId,omitempty"`
	DeviceID      string    `json:"deviceId,omitempty"`
	IPAddress     string    `json:"ipAddress,omitempty"`

	// Location is a named region ("US-East") or free-form place name.
	Location string `json:"location,omitempty"`

	// Latitude and Longitude take precedence over Location when both are set.
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// BehaviorEvent is a fine-grained in-game action (click, move, ability use).
type BehaviorEvent struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entityId"`
	Action     string    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs float64   `json:"durationMs,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`

	// Metadata may carry click coordinates under "x" and "y".
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Signal kinds carried in a SignalEnvelope.
const (
	SignalEvent       = "event"
	SignalTransaction = "transaction"
	SignalBehavior    = "behavior"
)

// SignalEnvelope wraps exactly one raw signal for asynchronous ingestion.
type SignalEnvelope struct {
	Kind        string         `json:"kind"`
	EntityID    string         `json:"entityId"`
	Event       *UserEvent     `json:"event,omitempty"`
	Transaction *Transaction   `json:"transaction,omitempty"`
	Behavior    *BehaviorEvent `json:"behavior,omitempty"`
}

// Validate checks that the envelope kind matches its payload.
func (e *SignalEnvelope) Validate() error {
	if e.EntityID == "" {
		return ErrInvalidSignal
	}
	switch e.Kind {
	case SignalEvent:
		if e.Event == nil {
			return ErrInvalidSignal
		}
	case SignalTransaction:
		if e.Transaction == nil {
			return ErrInvalidSignal
		}
	case SignalBehavior:
		if e.Behavior == nil {
			return ErrInvalidSignal
		}
	default:
		return ErrInvalidSignal
	}
	return nil
}
