package models

import "time"

// RateLimitWindow is the fixed-window counter for one (identifier, endpoint) pair.
type RateLimitWindow struct {
	Identifier  string
	Endpoint    string
	Count       int
	WindowStart time.Time
}

// LoginAttempt tracks failed privileged logins from one hashed source address.
type LoginAttempt struct {
	IPHash       string
	AttemptCount int
	LastAttempt  time.Time
	LockedUntil  *time.Time
	LockoutCount int
}

// IsLocked reports whether the record carries a lock that has not yet passed.
func (a *LoginAttempt) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}
