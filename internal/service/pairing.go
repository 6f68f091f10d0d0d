package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-provisioner/internal/audit"
	apperrors "github.com/openclaw/agent-provisioner/internal/errors"
	"github.com/openclaw/agent-provisioner/internal/eventbus"
	"github.com/openclaw/agent-provisioner/internal/fsutil"
	"github.com/openclaw/agent-provisioner/internal/model"
	"github.com/openclaw/agent-provisioner/internal/pairing"
	"github.com/openclaw/agent-provisioner/internal/provision"
	"github.com/openclaw/agent-provisioner/internal/repository"
)

// linkDir is where the linked credential store lives inside a user work dir.
const linkDir = "link"

const terminalWriteTimeout = 10 * time.Second

// Provisioner deploys the agent for a linked user.
type Provisioner interface {
	Provision(ctx context.Context, userID, workDir, identity string, opts provision.ProvisionOptions) (*model.RuntimeInstance, bool, error)
}

type PairingConfig struct {
	TTL               time.Duration
	SessionsDir       string
	UsersDir          string
	PublicBaseURL     string
	SnapshotRetention time.Duration
	Worker            pairing.Options
}

type CreateSessionResult struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	EventsURL string    `json:"eventsUrl"`
}

type PairingService struct {
	sessions    repository.SessionRepository
	users       repository.UserRepository
	captures    repository.SyncCaptureRepository
	bus         *eventbus.Bus
	link        pairing.Link
	provisioner Provisioner
	cfg         PairingConfig

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPairingService(
	sessions repository.SessionRepository,
	users repository.UserRepository,
	captures repository.SyncCaptureRepository,
	bus *eventbus.Bus,
	link pairing.Link,
	provisioner Provisioner,
	cfg PairingConfig,
) *PairingService {
	root, cancel := context.WithCancel(context.Background())
	return &PairingService{
		sessions:    sessions,
		users:       users,
		captures:    captures,
		bus:         bus,
		link:        link,
		provisioner: provisioner,
		cfg:         cfg,
		root:        root,
		cancel:      cancel,
	}
}

// CreateSession persists a new session and starts linking it in the
// background. Progress is published on the event bus under the session id.
func (s *PairingService) CreateSession(ctx context.Context) (*CreateSessionResult, error) {
	if s.root.Err() != nil {
		return nil, apperrors.Internal("Service is shutting down")
	}

	id := uuid.NewString()
	workDir := filepath.Join(s.cfg.SessionsDir, id)
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return nil, apperrors.Internal("Failed to create session work dir").WithCause(err)
	}

	session, err := s.sessions.Create(ctx, model.CreateSessionParams{
		ID:        id,
		WorkDir:   workDir,
		ExpiresAt: time.Now().Add(s.cfg.TTL),
	})
	if err != nil {
		os.RemoveAll(workDir)
		return nil, apperrors.Database(err)
	}

	s.wg.Add(1)
	go s.run(session)

	log.Info().
		Str("sessionId", id).
		Time("expiresAt", session.ExpiresAt).
		Msg("Pairing session created")

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionCreate,
		SessionID: id,
	})

	return &CreateSessionResult{
		SessionID: id,
		ExpiresAt: session.ExpiresAt,
		EventsURL: s.eventsURL(id),
	}, nil
}

func (s *PairingService) GetSession(ctx context.Context, id string) (*model.PairingSession, error) {
	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Pairing session")
	}
	return session, nil
}

func (s *PairingService) Bus() *eventbus.Bus {
	return s.bus
}

// Shutdown cancels in-flight sessions and waits for their goroutines.
func (s *PairingService) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PairingService) run(session *model.PairingSession) {
	defer s.wg.Done()
	defer s.scheduleForget(session.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("sessionId", session.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Pairing session panicked")
			s.failSession(session.ID, apperrors.Unknown(fmt.Errorf("panic: %v", r)))
		}
	}()

	worker := pairing.NewWorker(session, pairing.Deps{
		Sessions: s.sessions,
		Users:    s.users,
		Captures: s.captures,
		Bus:      s.bus,
		Link:     s.link,
		TTL:      time.Until(session.ExpiresAt),
	}, s.cfg.Worker)

	result, err := worker.Run(s.root)
	if err != nil {
		return
	}

	audit.Log(s.root, audit.Event{
		Type:      audit.EventSessionLinked,
		UserID:    result.User.ID,
		SessionID: session.ID,
	})
	s.deploy(s.root, session, result)
}

func (s *PairingService) deploy(ctx context.Context, session *model.PairingSession, result *pairing.Result) {
	logger := log.With().Str("sessionId", session.ID).Str("userId", result.User.ID).Logger()

	if !s.advance(ctx, session.ID, model.SessionStateDeploying, "Deploying agent") {
		return
	}

	workDir := filepath.Join(s.cfg.UsersDir, result.User.ID)
	if err := fsutil.CopyTree(session.WorkDir, filepath.Join(workDir, linkDir)); err != nil {
		logger.Error().Err(err).Msg("Failed to copy link credentials")
		s.failSession(session.ID, apperrors.ProvisionFailed("Failed to prepare agent work dir").WithCause(err))
		return
	}

	_, healthy, err := s.provisioner.Provision(ctx, result.User.ID, workDir, result.Identity.ID, provisionOptions(result))
	if err != nil {
		logger.Error().Err(err).Msg("Provisioning failed")
		s.failSession(session.ID, apperrors.ProvisionFailed(apperrors.Message(err)).WithCause(err))
		return
	}
	if !healthy {
		s.failSession(session.ID, apperrors.ProvisionFailed("Agent did not reach a stable running state"))
		return
	}

	if s.advance(ctx, session.ID, model.SessionStateReady, "Agent is ready") {
		logger.Info().Msg("Pairing session ready")
	}
}

// advance persists a success-path state and emits it. It reports false when
// the session can no longer move forward.
func (s *PairingService) advance(ctx context.Context, id string, state model.SessionState, message string) bool {
	if _, err := s.sessions.Update(ctx, id, model.UpdateSessionParams{State: &state}); err != nil {
		if errors.Is(err, repository.ErrSessionTerminal) {
			return false
		}
		s.failSession(id, apperrors.Database(err))
		return false
	}
	s.bus.Emit(id, eventbus.Status(state, message))
	return true
}

func (s *PairingService) failSession(id string, appErr *apperrors.AppError) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	state := model.SessionStateError
	code := string(appErr.Code)
	message := appErr.Message
	_, err := s.sessions.Update(ctx, id, model.UpdateSessionParams{
		State:        &state,
		ErrorCode:    &code,
		ErrorMessage: &message,
	})
	if errors.Is(err, repository.ErrSessionTerminal) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("Failed to persist session failure")
	}
	s.bus.Emit(id, eventbus.Error(code, message))
}

func (s *PairingService) scheduleForget(id string) {
	if s.cfg.SnapshotRetention <= 0 {
		return
	}
	time.AfterFunc(s.cfg.SnapshotRetention, func() {
		s.bus.Forget(id)
	})
}

func (s *PairingService) eventsURL(id string) string {
	path := "/v1/pairing/sessions/" + id + "/events"
	if s.cfg.PublicBaseURL == "" {
		return path
	}
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + path
}

func provisionOptions(result *pairing.Result) provision.ProvisionOptions {
	opts := provision.ProvisionOptions{
		Phone:       result.Identity.Phone,
		DisplayName: result.Identity.DisplayName,
	}
	if len(result.Sync) > 0 {
		opts.SyncCounts = make(map[model.SyncKind]int)
		for _, d := range result.Sync {
			opts.SyncCounts[d.Kind] += d.Count
		}
	}
	return opts
}
