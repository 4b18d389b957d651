package models

import "time"

type LockEntry struct {
	Name         string    `json:"name" db:"name"`
	LockedBy     string    `json:"locked_by" db:"locked_by"`
	LockedAt     time.Time `json:"locked_at" db:"locked_at"`
	LockUntil    time.Time `json:"lock_until" db:"lock_until"`
	MinHoldUntil time.Time `json:"min_hold_until" db:"min_hold_until"`
}

// Live reports whether the entry still excludes other holders at now.
func (l LockEntry) Live(now time.Time) bool {
	return now.Before(l.LockUntil)
}
