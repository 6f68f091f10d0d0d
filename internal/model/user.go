package model

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string    `db:"id" json:"id"`
	Identity    string    `db:"identity" json:"identity"`
	DisplayName *string   `db:"display_name" json:"displayName,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

type SyncCapture struct {
	ID         string          `db:"id" json:"id"`
	UserID     string          `db:"user_id" json:"userId"`
	Kind       SyncKind        `db:"kind" json:"kind"`
	ItemCount  int             `db:"item_count" json:"itemCount"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	CapturedAt time.Time       `db:"captured_at" json:"capturedAt"`
}

type CreateSyncCaptureParams struct {
	UserID    string
	Kind      SyncKind
	ItemCount int
	Payload   json.RawMessage
}
