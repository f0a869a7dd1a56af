package models

import "time"

// Session is one authenticated device. Only the refresh token fingerprint is
// kept, never the raw token.
type Session struct {
	SessionID     string     `json:"session_id"`
	IdentityID    string     `json:"identity_id"`
	Fingerprint   string     `json:"-"`
	UserAgent     string     `json:"user_agent"`
	IP            string     `json:"ip"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    time.Time  `json:"last_used_at"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
}

type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	UserAgent  string    `json:"user_agent"`
	IP         string    `json:"ip"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Current    bool      `json:"current"`
}

func (s *Session) Summary(currentSessionID string) SessionSummary {
	return SessionSummary{
		SessionID:  s.SessionID,
		UserAgent:  s.UserAgent,
		IP:         s.IP,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.LastUsedAt,
		Current:    s.SessionID == currentSessionID,
	}
}
