package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/agent-provisioner/internal/model"
)

func newTestReaper() (*Reaper, *fakeRuntime, *mockInstanceRepo, time.Time) {
	engine, rt, repo, _ := newTestEngine()
	reaper := NewReaper(engine, ReaperConfig{
		Interval:    time.Minute,
		StaleAge:    30 * time.Minute,
		OrphanGrace: 5 * time.Minute,
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reaper.now = func() time.Time { return now }
	return reaper, rt, repo, now
}

func TestReaper_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("removes orphans past the grace period only", func(t *testing.T) {
		reaper, rt, _, now := newTestReaper()
		rt.add("old", ContainerName("ghost"), roleLabels("ghost"), ResourceState{Running: true}, now.Add(-10*time.Minute))
		rt.add("young", ContainerName("fresh"), roleLabels("fresh"), ResourceState{Running: true}, now.Add(-time.Minute))

		report := reaper.Sweep(ctx)
		assert.Equal(t, 1, report.OrphansRemoved)
		assert.False(t, rt.has("old"))
		assert.True(t, rt.has("young"))
	})

	t.Run("removes long-stopped containers and marks them stopped", func(t *testing.T) {
		reaper, rt, repo, now := newTestReaper()
		rt.add("c1", ContainerName("u1"), roleLabels("u1"),
			ResourceState{ExitCode: 1, FinishedAt: now.Add(-time.Hour)}, now.Add(-2*time.Hour))
		repo.put(model.RuntimeInstance{UserID: "u1", ContainerName: ContainerName("u1"), Status: model.InstanceStatusError, ContainerID: strPtr("c1")})

		report := reaper.Sweep(ctx)
		assert.Equal(t, 1, report.StaleRemoved)
		assert.False(t, rt.has("c1"))
		assert.Equal(t, model.InstanceStatusStopped, repo.get("u1").Status)
		assert.Nil(t, repo.get("u1").ContainerID)
	})

	t.Run("keeps running and recently stopped containers", func(t *testing.T) {
		reaper, rt, repo, now := newTestReaper()
		rt.add("c1", ContainerName("u1"), roleLabels("u1"), ResourceState{Running: true}, now.Add(-48*time.Hour))
		rt.add("c2", ContainerName("u2"), roleLabels("u2"),
			ResourceState{FinishedAt: now.Add(-10 * time.Minute)}, now.Add(-time.Hour))
		repo.put(model.RuntimeInstance{UserID: "u1", ContainerName: ContainerName("u1"), Status: model.InstanceStatusRunning, ContainerID: strPtr("c1")})
		repo.put(model.RuntimeInstance{UserID: "u2", ContainerName: ContainerName("u2"), Status: model.InstanceStatusStopped})

		report := reaper.Sweep(ctx)
		assert.Equal(t, SweepReport{}, report)
		assert.True(t, rt.has("c1"))
		assert.True(t, rt.has("c2"))
	})

	t.Run("falls back to the creation time when never finished", func(t *testing.T) {
		reaper, rt, repo, now := newTestReaper()
		rt.add("c1", ContainerName("u1"), roleLabels("u1"), ResourceState{}, now.Add(-time.Hour))
		repo.put(model.RuntimeInstance{UserID: "u1", ContainerName: ContainerName("u1"), Status: model.InstanceStatusProvisioning})

		report := reaper.Sweep(ctx)
		assert.Equal(t, 1, report.StaleRemoved)
	})

	t.Run("treats runtime failures as non-fatal", func(t *testing.T) {
		reaper, rt, repo, now := newTestReaper()
		rt.add("c1", ContainerName("u1"), roleLabels("u1"), ResourceState{FinishedAt: now.Add(-time.Hour)}, now.Add(-2*time.Hour))
		rt.add("c2", ContainerName("u2"), roleLabels("u2"), ResourceState{FinishedAt: now.Add(-time.Hour)}, now.Add(-2*time.Hour))
		rt.inspectErr["c1"] = errors.New("timeout")
		repo.put(model.RuntimeInstance{UserID: "u1", ContainerName: ContainerName("u1"), Status: model.InstanceStatusStopped})
		repo.put(model.RuntimeInstance{UserID: "u2", ContainerName: ContainerName("u2"), Status: model.InstanceStatusStopped})

		report := reaper.Sweep(ctx)
		assert.Equal(t, 1, report.StaleRemoved)
		assert.True(t, rt.has("c1"))
		assert.False(t, rt.has("c2"))

		rt.listErr = errors.New("daemon unavailable")
		assert.Equal(t, SweepReport{}, reaper.Sweep(ctx))
	})
}

func TestReaper_StartStop(t *testing.T) {
	reaper, _, _, _ := newTestReaper()
	reaper.cfg.Interval = 5 * time.Millisecond

	reaper.Start()
	time.Sleep(20 * time.Millisecond)
	reaper.Stop()
	assert.NotPanics(t, reaper.Stop)
}
