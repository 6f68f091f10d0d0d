package model

import (
	"time"
)

type PairingSession struct {
	ID           string       `db:"id" json:"id"`
	State        SessionState `db:"state" json:"state"`
	WorkDir      string       `db:"work_dir" json:"-"`
	Identity     *string      `db:"identity" json:"identity,omitempty"`
	UserID       *string      `db:"user_id" json:"userId,omitempty"`
	ErrorCode    *string      `db:"error_code" json:"errorCode,omitempty"`
	ErrorMessage *string      `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	ExpiresAt    time.Time    `db:"expires_at" json:"expiresAt"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updatedAt"`
}

type CreateSessionParams struct {
	ID        string
	WorkDir   string
	ExpiresAt time.Time
}

// UpdateSessionParams is a partial update; nil fields are left untouched.
type UpdateSessionParams struct {
	State        *SessionState
	Identity     *string
	UserID       *string
	ErrorCode    *string
	ErrorMessage *string
}

func (p UpdateSessionParams) IsEmpty() bool {
	return p.State == nil && p.Identity == nil && p.UserID == nil &&
		p.ErrorCode == nil && p.ErrorMessage == nil
}
