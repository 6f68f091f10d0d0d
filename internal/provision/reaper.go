package provision

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-provisioner/internal/audit"
	"github.com/openclaw/agent-provisioner/internal/config"
	"github.com/openclaw/agent-provisioner/internal/model"
)

const sweepTimeout = 2 * time.Minute

type ReaperConfig struct {
	Interval time.Duration
	// StaleAge is how long a known container may stay non-running.
	StaleAge time.Duration
	// OrphanGrace protects containers of in-flight provisions.
	OrphanGrace time.Duration
}

func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:    config.ReaperInterval,
		StaleAge:    config.ReaperStaleAge,
		OrphanGrace: config.ReaperOrphanGrace,
	}
}

type SweepReport struct {
	OrphansRemoved int `json:"orphansRemoved"`
	StaleRemoved   int `json:"staleRemoved"`
}

// Reaper periodically removes orphaned and long-stopped agent containers.
type Reaper struct {
	engine   *Engine
	cfg      ReaperConfig
	now      func() time.Time
	done     chan struct{}
	stopOnce sync.Once
}

func NewReaper(engine *Engine, cfg ReaperConfig) *Reaper {
	return &Reaper{
		engine: engine,
		cfg:    cfg,
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	go r.run()
	log.Info().Dur("interval", r.cfg.Interval).Msg("reaper started")
}

func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		log.Info().Msg("reaper stopped")
	})
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			r.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one pass. Every runtime or store failure is logged and skipped.
func (r *Reaper) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	rt := r.engine.runtime

	live, err := rt.ListByLabel(ctx, RoleLabel, RoleValue)
	if err != nil {
		log.Warn().Err(err).Msg("reaper: failed to list containers")
		return report
	}
	if len(live) == 0 {
		return report
	}

	instances, err := r.engine.instances.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reaper: failed to list instances")
		return report
	}

	byID := make(map[string]*model.RuntimeInstance, len(instances))
	byName := make(map[string]*model.RuntimeInstance, len(instances))
	for i := range instances {
		inst := &instances[i]
		if id := inst.LiveID(); id != "" {
			byID[id] = inst
		}
		byName[r.engine.nameOf(inst)] = inst
	}

	now := r.now()
	for _, info := range live {
		inst := byID[info.ID]
		if inst == nil {
			inst = byName[info.Name]
		}

		if inst == nil {
			if now.Sub(info.CreatedAt) < r.cfg.OrphanGrace {
				continue
			}
			if err := rt.Remove(ctx, info.ID); err != nil {
				log.Warn().Err(err).Str("containerId", info.ID).Msg("reaper: failed to remove orphan")
				continue
			}
			report.OrphansRemoved++
			audit.Log(ctx, audit.Event{
				Type:        audit.EventOrphanRemove,
				UserID:      info.Labels[UserIDLabel],
				ContainerID: info.ID,
				Details:     map[string]any{"container": info.Name, "source": "reaper"},
			})
			continue
		}

		state, err := rt.Inspect(ctx, info.ID)
		if err != nil {
			log.Warn().Err(err).Str("containerId", info.ID).Msg("reaper: failed to inspect container")
			continue
		}
		if state.Running {
			continue
		}

		since := state.FinishedAt
		if since.IsZero() {
			since = info.CreatedAt
		}
		if now.Sub(since) < r.cfg.StaleAge {
			continue
		}

		if err := rt.Remove(ctx, info.ID); err != nil {
			log.Warn().Err(err).Str("containerId", info.ID).Msg("reaper: failed to remove stale container")
			continue
		}
		report.StaleRemoved++
		if inst.Status != model.InstanceStatusStopped || inst.ContainerID != nil {
			if _, err := r.engine.instances.UpdateStatus(ctx, inst.ID, model.InstanceStatusStopped, nil); err != nil {
				log.Error().Err(err).Str("userId", inst.UserID).Msg("reaper: failed to mark instance stopped")
			}
		}
	}

	if report.OrphansRemoved > 0 || report.StaleRemoved > 0 {
		log.Info().
			Int("orphansRemoved", report.OrphansRemoved).
			Int("staleRemoved", report.StaleRemoved).
			Msg("reaper sweep finished")
	}
	return report
}
