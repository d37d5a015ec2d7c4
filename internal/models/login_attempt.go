package models

import "time"

// LoginAttempt records one password login attempt. Rows are append-only;
// failed rows inside the lockout window count toward lockout, and a
// successful login deletes the prior failures for that email.
type LoginAttempt struct {
	ID          int64
	Email       string
	AttemptedAt time.Time
	Success     bool
}
