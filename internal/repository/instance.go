package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/agent-provisioner/internal/model"
	"github.com/openclaw/agent-provisioner/internal/util"
)

type InstanceRepository interface {
	FindByUserID(ctx context.Context, userID string) (*model.RuntimeInstance, error)
	CreateOrReplaceForUser(ctx context.Context, userID, workDir string, extra model.InstanceExtra) (*model.RuntimeInstance, error)
	UpdateStatus(ctx context.Context, id string, status model.InstanceStatus, containerID *string) (*model.RuntimeInstance, error)
	List(ctx context.Context) ([]model.RuntimeInstance, error)
}

type instanceRepo struct {
	db     *sqlx.DB
	sealer *util.Sealer
}

// NewInstanceRepository stores access tokens through sealer; a nil or
// keyless sealer stores them as-is.
func NewInstanceRepository(db *sqlx.DB, sealer *util.Sealer) InstanceRepository {
	return &instanceRepo{db: db, sealer: sealer}
}

func (r *instanceRepo) FindByUserID(ctx context.Context, userID string) (*model.RuntimeInstance, error) {
	found, err := getOne[model.RuntimeInstance](ctx, r.db, `
		SELECT * FROM runtime_instances WHERE user_id = $1
	`, userID)
	if err != nil || found == nil {
		return nil, err
	}
	return r.open(found)
}

// CreateOrReplaceForUser upserts the single instance row of a user and
// resets it to provisioning with no live container.
func (r *instanceRepo) CreateOrReplaceForUser(ctx context.Context, userID, workDir string, extra model.InstanceExtra) (*model.RuntimeInstance, error) {
	token, err := r.sealer.Seal(extra.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}

	var inst model.RuntimeInstance
	err = r.db.GetContext(ctx, &inst, `
		INSERT INTO runtime_instances (
			user_id, container_name, status, work_dir, access_token,
			config_version, plugin_version, policy_version, config_digest, image_ref
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			container_id = NULL,
			container_name = EXCLUDED.container_name,
			status = EXCLUDED.status,
			work_dir = EXCLUDED.work_dir,
			access_token = EXCLUDED.access_token,
			config_version = EXCLUDED.config_version,
			plugin_version = EXCLUDED.plugin_version,
			policy_version = EXCLUDED.policy_version,
			config_digest = EXCLUDED.config_digest,
			image_ref = EXCLUDED.image_ref,
			updated_at = NOW()
		RETURNING *
	`, userID, extra.ContainerName, model.InstanceStatusProvisioning, workDir, token,
		extra.ConfigVersion, extra.PluginVersion, extra.PolicyVersion, extra.ConfigDigest, extra.ImageRef)
	if err != nil {
		return nil, err
	}
	return r.open(&inst)
}

// UpdateStatus records an observed status. Stopped always clears the live
// container id; other statuses keep the current id unless one is given.
func (r *instanceRepo) UpdateStatus(ctx context.Context, id string, status model.InstanceStatus, containerID *string) (*model.RuntimeInstance, error) {
	found, err := getOne[model.RuntimeInstance](ctx, r.db, `
		UPDATE runtime_instances SET
			status = $2::text,
			container_id = CASE
				WHEN $2::text = 'stopped' THEN NULL
				ELSE COALESCE($3::text, container_id)
			END,
			reconciled_at = $4,
			updated_at = $4
		WHERE id = $1
		RETURNING *
	`, id, status, containerID, time.Now())
	if err != nil || found == nil {
		return nil, err
	}
	return r.open(found)
}

func (r *instanceRepo) List(ctx context.Context) ([]model.RuntimeInstance, error) {
	var instances []model.RuntimeInstance
	err := r.db.SelectContext(ctx, &instances, `
		SELECT * FROM runtime_instances ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		if _, err := r.open(&instances[i]); err != nil {
			return nil, err
		}
	}
	return instances, nil
}

func (r *instanceRepo) open(inst *model.RuntimeInstance) (*model.RuntimeInstance, error) {
	token, err := r.sealer.Open(inst.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("open access token for instance %s: %w", inst.ID, err)
	}
	inst.AccessToken = token
	return inst, nil
}
