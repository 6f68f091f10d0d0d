package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-provisioner/internal/config"
	"github.com/openclaw/agent-provisioner/internal/repository"
)

// CleanupJob closes pairing sessions no worker will finish, then drops
// finished sessions and their work dirs once they are older than the
// retention period.
type CleanupJob struct {
	sessionRepo    repository.SessionRepository
	sessionsDir    string
	retention      time.Duration
	interval       time.Duration
	deployStaleAge time.Duration
	now            func() time.Time
	done           chan struct{}
	stopOnce       sync.Once
}

func NewCleanupJob(
	sessionRepo repository.SessionRepository,
	sessionsDir string,
	retention time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		sessionRepo:    sessionRepo,
		sessionsDir:    sessionsDir,
		retention:      retention,
		interval:       interval,
		deployStaleAge: config.DeployStaleAge,
		now:            time.Now,
		done:           make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("retention", j.retention).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		log.Info().Msg("cleanup job stopped")
	})
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := j.now()
	j.runCleanup(ctx, "abandoned pairing sessions", func(ctx context.Context) (int64, error) {
		return ExpireAbandoned(ctx, j.sessionRepo, now, j.deployStaleAge)
	})

	cutoff := now.Add(-j.retention)
	j.runCleanup(ctx, "pairing sessions", func(ctx context.Context) (int64, error) {
		return j.sessionRepo.DeleteTerminalBefore(ctx, cutoff)
	})
	j.runCleanup(ctx, "session work dirs", func(ctx context.Context) (int64, error) {
		return removeStaleDirs(j.sessionsDir, cutoff)
	})
}

// ExpireAbandoned moves sessions left open by a stopped process to a
// terminal state.
func ExpireAbandoned(ctx context.Context, repo repository.SessionRepository, now time.Time, deployStaleAge time.Duration) (int64, error) {
	return repo.ExpireStale(ctx, now, now.Add(-deployStaleAge))
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}

// removeStaleDirs deletes subdirectories of root last modified before cutoff.
func removeStaleDirs(root string, cutoff time.Time) (int64, error) {
	if root == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var removed int64
	var firstErr error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
