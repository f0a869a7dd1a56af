package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the outbound security events. There is no free-form
// payload; each type documents which fields it sets.
type Type string

const (
	// SessionReuseDetected: IdentityID, SessionID.
	SessionReuseDetected Type = "session_reuse_detected"
	// AccountLocked: IdentityID, Reason.
	AccountLocked Type = "account_locked"
)

type Event struct {
	ID         string    `json:"event_id"`
	Type       Type      `json:"type"`
	IdentityID string    `json:"identity_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewSessionReuseDetected(identityID, sessionID string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       SessionReuseDetected,
		IdentityID: identityID,
		SessionID:  sessionID,
		OccurredAt: at.UTC(),
	}
}

func NewAccountLocked(identityID, reason string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       AccountLocked,
		IdentityID: identityID,
		Reason:     reason,
		OccurredAt: at.UTC(),
	}
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
