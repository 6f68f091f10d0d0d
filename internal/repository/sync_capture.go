package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/agent-provisioner/internal/model"
)

type SyncCaptureRepository interface {
	Create(ctx context.Context, params model.CreateSyncCaptureParams) error
	FindByUserID(ctx context.Context, userID string) ([]model.SyncCapture, error)
}

type syncCaptureRepo struct {
	db *sqlx.DB
}

func NewSyncCaptureRepository(db *sqlx.DB) SyncCaptureRepository {
	return &syncCaptureRepo{db: db}
}

func (r *syncCaptureRepo) Create(ctx context.Context, params model.CreateSyncCaptureParams) error {
	payload := params.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_captures (user_id, kind, item_count, payload)
		VALUES ($1, $2, $3, $4)
	`, params.UserID, params.Kind, params.ItemCount, []byte(payload))
	return err
}

func (r *syncCaptureRepo) FindByUserID(ctx context.Context, userID string) ([]model.SyncCapture, error) {
	var captures []model.SyncCapture
	err := r.db.SelectContext(ctx, &captures, `
		SELECT * FROM sync_captures
		WHERE user_id = $1
		ORDER BY captured_at DESC
	`, userID)
	return captures, err
}
