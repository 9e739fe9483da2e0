package session

import (
	"errors"
	"time"
)

// DefaultTTL is the lifetime of a session, equal to the refresh token lifetime
const DefaultTTL = 86400 * time.Second

// DefaultRetention is how long expired sessions are kept before purge
const DefaultRetention = 7 * 24 * time.Hour

var (
	// ErrNotFound means no unrevoked session matched. Callers treat it as
	// "revoked or unknown", never as a server error.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyRevoked means a conditional revoke lost the race
	ErrAlreadyRevoked = errors.New("session already revoked")
)

// Lifecycle is the state of a session
type Lifecycle string

const (
	LifecycleActive  Lifecycle = "active"
	LifecycleRevoked Lifecycle = "revoked"
	LifecycleExpired Lifecycle = "expired"
)

// DeviceMeta describes the client a session was issued to
type DeviceMeta struct {
	DeviceInfo string `json:"device_info"`
	IPAddress  string `json:"ip_address"`
}

// Session is one issued refresh token. The raw token is never held here.
type Session struct {
	ID          string     `json:"id"`
	PrincipalID int64      `json:"principal_id"`
	TokenHash   string     `json:"-"`
	DeviceInfo  string     `json:"device_info"`
	IPAddress   string     `json:"ip_address"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	IsRevoked   bool       `json:"is_revoked"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// State derives the lifecycle at now. Revoked wins over expired.
func (s *Session) State(now time.Time) Lifecycle {
	switch {
	case s.IsRevoked:
		return LifecycleRevoked
	case !now.Before(s.ExpiresAt):
		return LifecycleExpired
	default:
		return LifecycleActive
	}
}

// Summary is the client-facing view returned by session listing
type Summary struct {
	ID         string    `json:"id"`
	DeviceInfo string    `json:"device_info"`
	IPAddress  string    `json:"ip_address"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	State      Lifecycle `json:"state"`
	Current    bool      `json:"current"`
}

// Summarize converts a session into its client view
func (s *Session) Summarize(now time.Time, currentHash string) Summary {
	return Summary{
		ID:         s.ID,
		DeviceInfo: s.DeviceInfo,
		IPAddress:  s.IPAddress,
		IssuedAt:   s.IssuedAt,
		ExpiresAt:  s.ExpiresAt,
		State:      s.State(now),
		Current:    currentHash != "" && s.TokenHash == currentHash,
	}
}
