// Package provision creates, health-checks, reconciles and reaps the agent
// container of each user.
package provision

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-provisioner/internal/audit"
	"github.com/openclaw/agent-provisioner/internal/config"
	apperrors "github.com/openclaw/agent-provisioner/internal/errors"
	"github.com/openclaw/agent-provisioner/internal/fsutil"
	"github.com/openclaw/agent-provisioner/internal/model"
	"github.com/openclaw/agent-provisioner/internal/repository"
	"github.com/openclaw/agent-provisioner/internal/util"
)

type EngineConfig struct {
	Image         string
	Network       string
	MemoryBytes   int64
	NanoCPUs      int64
	UID           int
	GID           int
	ConfigVersion string
	PluginVersion string
	PolicyVersion string

	HealthInterval time.Duration
	HealthAttempts int
	HealthRequired int
}

// EngineConfigFrom builds the engine settings from the service config.
func EngineConfigFrom(cfg *config.Config) EngineConfig {
	return EngineConfig{
		Image:          cfg.AgentImage,
		Network:        cfg.AgentNetwork,
		MemoryBytes:    cfg.AgentMemoryBytes(),
		NanoCPUs:       cfg.AgentNanoCPUs(),
		UID:            cfg.AgentUID,
		GID:            cfg.AgentGID,
		ConfigVersion:  cfg.ConfigVersion,
		PluginVersion:  cfg.PluginVersion,
		PolicyVersion:  cfg.PolicyVersion,
		HealthInterval: config.HealthCheckInterval,
		HealthAttempts: config.HealthCheckAttempts,
		HealthRequired: config.HealthRequiredRunning,
	}
}

type ProvisionOptions struct {
	Phone       string
	DisplayName string
	SyncCounts  map[model.SyncKind]int
	Env         map[string]string
}

type Engine struct {
	instances repository.InstanceRepository
	runtime   Runtime
	owner     fsutil.Owner
	cfg       EngineConfig
}

func NewEngine(instances repository.InstanceRepository, runtime Runtime, owner fsutil.Owner, cfg EngineConfig) *Engine {
	if owner == nil {
		owner = fsutil.NopOwner{}
	}
	if cfg.HealthAttempts <= 0 {
		cfg.HealthAttempts = config.HealthCheckAttempts
	}
	if cfg.HealthRequired <= 0 {
		cfg.HealthRequired = config.HealthRequiredRunning
	}
	return &Engine{
		instances: instances,
		runtime:   runtime,
		owner:     owner,
		cfg:       cfg,
	}
}

// Provision replaces the container of userID and reports whether the new
// one stayed running for the required number of consecutive checks.
func (e *Engine) Provision(ctx context.Context, userID, workDir, identity string, opts ProvisionOptions) (*model.RuntimeInstance, bool, error) {
	name := ContainerName(userID)
	logger := log.With().Str("userId", userID).Str("container", name).Logger()

	token, err := util.GenerateToken()
	if err != nil {
		return nil, false, apperrors.Internal("failed to generate access token").WithCause(err)
	}

	fp := e.fingerprint()
	data, digest, err := RenderConfig(buildConfig(userID, identity, token, fp, opts))
	if err != nil {
		return nil, false, apperrors.ProvisionFailed("Failed to render agent configuration").WithCause(err)
	}

	inst, err := e.instances.CreateOrReplaceForUser(ctx, userID, workDir, model.InstanceExtra{
		ContainerName: name,
		AccessToken:   token,
		ConfigVersion: fp.ConfigVersion,
		PluginVersion: fp.PluginVersion,
		PolicyVersion: fp.PolicyVersion,
		ConfigDigest:  digest,
		ImageRef:      fp.Image,
	})
	if err != nil {
		return nil, false, apperrors.Database(err)
	}

	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return e.markFailed(ctx, inst, nil, fmt.Errorf("create work dir: %w", err))
	}
	if _, err := WriteConfig(workDir, data); err != nil {
		return e.markFailed(ctx, inst, nil, err)
	}
	if err := fsutil.ChownTree(e.owner, workDir, e.cfg.UID, e.cfg.GID); err != nil {
		logger.Warn().Err(err).Msg("Failed to apply work dir ownership")
	}

	if existing, err := e.runtime.FindByName(ctx, name); err != nil {
		logger.Warn().Err(err).Msg("Failed to look up existing container")
	} else if existing != nil {
		if err := e.runtime.Remove(ctx, existing.ID); err != nil {
			logger.Warn().Err(err).Str("containerId", existing.ID).Msg("Failed to remove existing container")
		} else {
			logger.Info().Str("containerId", existing.ID).Msg("Removed existing container")
		}
	}

	id, err := e.runtime.Create(ctx, e.spec(userID, name, workDir, token, opts))
	if err != nil {
		return e.markFailed(ctx, inst, nil, fmt.Errorf("create container: %w", err))
	}
	if err := e.runtime.Start(ctx, id); err != nil {
		return e.markFailed(ctx, inst, &id, fmt.Errorf("start container: %w", err))
	}

	healthy := e.waitHealthy(ctx, id)
	status := model.InstanceStatusRunning
	if !healthy {
		status = model.InstanceStatusError
	}

	updated, err := e.instances.UpdateStatus(ctx, inst.ID, status, &id)
	if err != nil {
		return inst, healthy, apperrors.Database(err)
	}
	if updated == nil {
		updated = inst
	}

	logger.Info().
		Str("containerId", id).
		Str("accessToken", util.MaskToken(token)).
		Bool("healthy", healthy).
		Msg("Agent container provisioned")
	audit.Log(ctx, audit.Event{
		Type:        audit.EventInstanceDeploy,
		UserID:      userID,
		ContainerID: id,
		Details: map[string]any{
			"healthy":      healthy,
			"configDigest": digest,
		},
	})
	return updated, healthy, nil
}

func (e *Engine) markFailed(ctx context.Context, inst *model.RuntimeInstance, containerID *string, cause error) (*model.RuntimeInstance, bool, error) {
	log.Error().Err(cause).Str("userId", inst.UserID).Msg("Provisioning failed")

	updated, err := e.instances.UpdateStatus(ctx, inst.ID, model.InstanceStatusError, containerID)
	if err != nil {
		log.Error().Err(err).Str("userId", inst.UserID).Msg("Failed to persist provisioning failure")
		updated = inst
	}
	if updated == nil {
		updated = inst
	}
	return updated, false, apperrors.ProvisionFailed("Failed to start agent container").WithCause(cause)
}

// waitHealthy polls the container until it has been seen running on
// HealthRequired consecutive checks, or the attempts run out.
func (e *Engine) waitHealthy(ctx context.Context, id string) bool {
	consecutive := 0
	for attempt := 1; attempt <= e.cfg.HealthAttempts; attempt++ {
		state, err := e.runtime.Inspect(ctx, id)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("containerId", id).Int("attempt", attempt).Msg("Health check failed")
			consecutive = 0
		case state.Running:
			consecutive++
		default:
			consecutive = 0
		}
		if consecutive >= e.cfg.HealthRequired {
			return true
		}

		if attempt < e.cfg.HealthAttempts {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(e.cfg.HealthInterval):
			}
		}
	}
	return false
}

// DeprovisionReport describes what Deprovision did to the runtime.
type DeprovisionReport struct {
	UserID           string `json:"userId"`
	ContainerRemoved bool   `json:"containerRemoved"`
	RuntimeSkipped   bool   `json:"runtimeSkipped,omitempty"`
}

// Deprovision removes the container of userID, if any, and marks the
// instance stopped. Runtime failures are reported through RuntimeSkipped
// and leave the stored status unchanged.
func (e *Engine) Deprovision(ctx context.Context, userID string) (*DeprovisionReport, error) {
	name := ContainerName(userID)
	logger := log.With().Str("userId", userID).Str("container", name).Logger()
	report := &DeprovisionReport{UserID: userID}

	inst, err := e.instances.FindByUserID(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	info, err := e.runtime.FindByName(ctx, name)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to look up container for deprovision")
		report.RuntimeSkipped = true
		return report, nil
	}
	if info != nil {
		if err := e.runtime.Remove(ctx, info.ID); err != nil {
			logger.Warn().Err(err).Str("containerId", info.ID).Msg("Failed to remove container")
			report.RuntimeSkipped = true
			return report, nil
		}
		report.ContainerRemoved = true
	}

	if inst == nil {
		return report, nil
	}
	if _, err := e.instances.UpdateStatus(ctx, inst.ID, model.InstanceStatusStopped, nil); err != nil {
		return nil, apperrors.Database(err)
	}

	logger.Info().Msg("Agent container deprovisioned")
	audit.Log(ctx, audit.Event{Type: audit.EventInstanceRemove, UserID: userID})
	return report, nil
}

// InspectStatus observes the container of userID and persists the mapped
// status when it drifted from the stored one.
func (e *Engine) InspectStatus(ctx context.Context, userID string) (model.InstanceStatus, error) {
	inst, err := e.instances.FindByUserID(ctx, userID)
	if err != nil {
		return "", apperrors.Database(err)
	}
	if inst == nil {
		return "", apperrors.NotFound("Instance")
	}

	info, err := e.runtime.FindByName(ctx, e.nameOf(inst))
	if err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("Failed to look up container")
		return inst.Status, nil
	}

	var state *ResourceState
	if info != nil {
		state, err = e.runtime.Inspect(ctx, info.ID)
		if err != nil {
			log.Warn().Err(err).Str("userId", userID).Str("containerId", info.ID).Msg("Failed to inspect container")
			return inst.Status, nil
		}
	}

	status, _, err := e.applyObserved(ctx, inst, info, state)
	return status, err
}

// applyObserved maps what the runtime reports onto inst and persists it only
// when the status or the live container id differ.
func (e *Engine) applyObserved(ctx context.Context, inst *model.RuntimeInstance, info *ResourceInfo, state *ResourceState) (model.InstanceStatus, bool, error) {
	if info == nil {
		if inst.Status == model.InstanceStatusStopped && inst.ContainerID == nil {
			return inst.Status, false, nil
		}
		if _, err := e.instances.UpdateStatus(ctx, inst.ID, model.InstanceStatusStopped, nil); err != nil {
			return inst.Status, false, apperrors.Database(err)
		}
		return model.InstanceStatusStopped, true, nil
	}

	status := MapState(state)
	drift := inst.Status != status
	if status == model.InstanceStatusStopped {
		drift = drift || inst.ContainerID != nil
	} else {
		drift = drift || inst.LiveID() != info.ID
	}
	if !drift {
		return status, false, nil
	}

	id := info.ID
	if _, err := e.instances.UpdateStatus(ctx, inst.ID, status, &id); err != nil {
		return inst.Status, false, apperrors.Database(err)
	}
	return status, true, nil
}

// MapState maps a container state onto an instance status.
func MapState(state *ResourceState) model.InstanceStatus {
	switch {
	case state == nil:
		return model.InstanceStatusStopped
	case state.Running:
		return model.InstanceStatusRunning
	case state.ExitCode != 0:
		return model.InstanceStatusError
	default:
		return model.InstanceStatusStopped
	}
}

type ReconcileReport struct {
	Instances      int  `json:"instances"`
	Updated        int  `json:"updated"`
	OrphansRemoved int  `json:"orphansRemoved"`
	RuntimeSkipped bool `json:"runtimeSkipped,omitempty"`
}

// Reconcile converges every stored instance onto what the runtime reports
// and removes labeled containers no instance claims.
func (e *Engine) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	live, err := e.runtime.ListByLabel(ctx, RoleLabel, RoleValue)
	if err != nil {
		log.Warn().Err(err).Msg("Reconcile skipped: failed to list containers")
		report.RuntimeSkipped = true
		return report, nil
	}

	instances, err := e.instances.List(ctx)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	report.Instances = len(instances)

	byName := make(map[string]ResourceInfo, len(live))
	for _, info := range live {
		byName[info.Name] = info
	}

	matched := make(map[string]bool, len(live))
	for i := range instances {
		inst := &instances[i]
		logger := log.With().Str("userId", inst.UserID).Logger()

		info, ok := byName[e.nameOf(inst)]
		if !ok {
			_, changed, err := e.applyObserved(ctx, inst, nil, nil)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to persist reconciled status")
				continue
			}
			if changed {
				report.Updated++
			}
			continue
		}

		matched[info.ID] = true
		state, err := e.runtime.Inspect(ctx, info.ID)
		if err != nil {
			logger.Warn().Err(err).Str("containerId", info.ID).Msg("Failed to inspect container")
			continue
		}
		_, changed, err := e.applyObserved(ctx, inst, &info, state)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to persist reconciled status")
			continue
		}
		if changed {
			report.Updated++
		}
	}

	for _, info := range live {
		if matched[info.ID] {
			continue
		}
		if err := e.runtime.Remove(ctx, info.ID); err != nil {
			log.Warn().Err(err).Str("containerId", info.ID).Str("container", info.Name).Msg("Failed to remove orphan container")
			continue
		}
		report.OrphansRemoved++
		audit.Log(ctx, audit.Event{
			Type:        audit.EventOrphanRemove,
			UserID:      info.Labels[UserIDLabel],
			ContainerID: info.ID,
			Details:     map[string]any{"container": info.Name, "source": "reconcile"},
		})
	}

	audit.Log(ctx, audit.Event{
		Type: audit.EventReconcile,
		Details: map[string]any{
			"instances":      report.Instances,
			"updated":        report.Updated,
			"orphansRemoved": report.OrphansRemoved,
		},
	})
	return report, nil
}

// List returns every stored instance.
func (e *Engine) List(ctx context.Context) ([]model.RuntimeInstance, error) {
	instances, err := e.instances.List(ctx)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return instances, nil
}

func (e *Engine) nameOf(inst *model.RuntimeInstance) string {
	if inst.ContainerName != "" {
		return inst.ContainerName
	}
	return ContainerName(inst.UserID)
}

func (e *Engine) fingerprint() Fingerprint {
	return Fingerprint{
		ConfigVersion: e.cfg.ConfigVersion,
		PluginVersion: e.cfg.PluginVersion,
		PolicyVersion: e.cfg.PolicyVersion,
		Image:         e.cfg.Image,
	}
}

func (e *Engine) spec(userID, name, workDir, token string, opts ProvisionOptions) ResourceSpec {
	env := []string{
		"OPENCLAW_USER_ID=" + userID,
		"OPENCLAW_GATEWAY_TOKEN=" + token,
		"OPENCLAW_CONFIG=" + AgentDataPath + "/" + artifactDir + "/" + artifactFile,
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	return ResourceSpec{
		Name:  name,
		Image: e.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			RoleLabel:   RoleValue,
			UserIDLabel: userID,
		},
		Binds:       []string{workDir + ":" + AgentDataPath},
		Network:     e.cfg.Network,
		User:        fmt.Sprintf("%d:%d", e.cfg.UID, e.cfg.GID),
		MemoryBytes: e.cfg.MemoryBytes,
		NanoCPUs:    e.cfg.NanoCPUs,
	}
}
