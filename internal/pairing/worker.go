// Package pairing drives a single messaging-account link from the first
// pairing code to a linked user.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-provisioner/internal/config"
	apperrors "github.com/openclaw/agent-provisioner/internal/errors"
	"github.com/openclaw/agent-provisioner/internal/eventbus"
	"github.com/openclaw/agent-provisioner/internal/model"
	"github.com/openclaw/agent-provisioner/internal/repository"
)

// ErrSessionClosed is returned once the session was completed by another path.
var ErrSessionClosed = errors.New("pairing session already completed")

const terminalWriteTimeout = 10 * time.Second

type Deps struct {
	Sessions repository.SessionRepository
	Users    repository.UserRepository
	// Captures may be nil, in which case sync data is not recorded.
	Captures repository.SyncCaptureRepository
	Bus      *eventbus.Bus
	Link     Link
	TTL      time.Duration
}

type Options struct {
	MaxConnectAttempts   int
	ReconnectDelay       time.Duration
	CaptureSyncData      bool
	CaptureWindow        time.Duration
	IdentityPollAttempts int
	IdentityPollDelay    time.Duration
	SyncRecordTimeout    time.Duration
	// RetryForSyncData allows one more connection attempt after an identity
	// was recovered from disk, so sync data can still be captured.
	RetryForSyncData bool
	RenderQRImage    bool
}

func DefaultOptions() Options {
	return Options{
		MaxConnectAttempts:   config.MaxConnectAttempts,
		ReconnectDelay:       config.ReconnectDelay,
		CaptureSyncData:      true,
		CaptureWindow:        config.SyncCaptureWindow,
		IdentityPollAttempts: config.IdentityPollAttempts,
		IdentityPollDelay:    config.IdentityPollDelay,
		SyncRecordTimeout:    config.SyncRecordTimeout,
		RenderQRImage:        true,
	}
}

type Result struct {
	User     *model.User
	Identity Identity
	Sync     []SyncData
}

type Worker struct {
	session *model.PairingSession
	deps    Deps
	opts    Options
	logger  zerolog.Logger

	// emitMu orders claims of the completion flag against open-session
	// emissions, so nothing reaches the bus after a terminal outcome.
	emitMu     sync.Mutex
	completed  atomic.Bool
	expired    atomic.Bool
	expireDone chan struct{}
	cancel     context.CancelFunc

	mu       sync.Mutex
	conn     Conn
	user     *model.User
	identity *Identity

	syncMu      sync.Mutex
	syncData    []SyncData
	syncArrived chan struct{}
	syncOnce    sync.Once
}

func NewWorker(session *model.PairingSession, deps Deps, opts Options) *Worker {
	if opts.MaxConnectAttempts <= 0 {
		opts.MaxConnectAttempts = config.MaxConnectAttempts
	}
	if opts.IdentityPollAttempts <= 0 {
		opts.IdentityPollAttempts = 1
	}
	return &Worker{
		session:     session,
		deps:        deps,
		opts:        opts,
		logger:      log.With().Str("sessionId", session.ID).Logger(),
		expireDone:  make(chan struct{}),
		syncArrived: make(chan struct{}),
	}
}

// Completed reports whether a terminal outcome has been claimed.
func (w *Worker) Completed() bool {
	return w.completed.Load()
}

// Run links the session. It returns a Result when an identity was linked,
// and otherwise the error that was persisted and emitted.
func (w *Worker) Run(parent context.Context) (*Result, error) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	defer cancel()

	w.emitStatus(model.SessionStateWaiting, "Waiting for QR scan")

	timer := time.AfterFunc(w.deps.TTL, w.expire)
	defer func() {
		timer.Stop()
		w.closeConn()
	}()

	result, err := w.link(ctx)
	if err == nil {
		return result, nil
	}

	if w.expired.Load() {
		return nil, w.expiredError()
	}
	if errors.Is(err, ErrSessionClosed) {
		return nil, err
	}

	// Credentials may land on disk right before the connection reports closed.
	if w.linkedUser() == nil {
		if ident, ok := w.persistedIdentity(ctx); ok {
			if linkErr := w.markLinked(ctx, ident); linkErr != nil {
				err = linkErr
			}
		}
	}
	if w.linkedUser() != nil {
		if result, completeErr := w.complete(); completeErr == nil {
			w.logger.Info().Msg("Recovered link from persisted identity")
			return result, nil
		}
		if w.expired.Load() {
			return nil, w.expiredError()
		}
		return nil, ErrSessionClosed
	}

	w.fail(err)
	return nil, err
}

func (w *Worker) link(ctx context.Context) (*Result, error) {
	maxAttempts := w.opts.MaxConnectAttempts
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if w.completed.Load() {
			return nil, ErrSessionClosed
		}

		err := w.connect(ctx)
		if err == nil {
			return w.finishOpen(ctx)
		}
		w.closeConn()
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		code, _ := DisconnectCode(err)
		w.logger.Warn().Err(err).Int("attempt", attempt).Int("code", code).Msg("Connection attempt failed")

		if w.linkedUser() != nil {
			// The extra attempt for sync data failed; keep the recovered link.
			return w.complete()
		}

		if ident, ok := w.persistedIdentity(ctx); ok {
			if err := w.markLinked(ctx, ident); err != nil {
				return nil, err
			}
			if w.opts.RetryForSyncData && w.opts.CaptureSyncData && attempt < maxAttempts && !w.hasSyncData() {
				w.logger.Info().Int("attempt", attempt).Msg("Identity on disk, retrying once for sync data")
				if err := sleep(ctx, w.opts.ReconnectDelay); err != nil {
					return w.complete()
				}
				continue
			}
			return w.complete()
		}

		if !IsRetryable(err) {
			return nil, apperrors.LoginFailed(err)
		}
		if attempt < maxAttempts {
			w.emitStatus(model.SessionStateWaiting, fmt.Sprintf("Reconnecting (attempt %d/%d)...", attempt+1, maxAttempts))
			if err := sleep(ctx, w.opts.ReconnectDelay); err != nil {
				return nil, err
			}
		}
	}

	return nil, apperrors.LoginFailed(lastErr)
}

func (w *Worker) connect(ctx context.Context) error {
	conn, err := w.deps.Link.Open(ctx, w.session.WorkDir, w.onCode)
	if err != nil {
		return err
	}
	conn.OnSyncData(w.onSyncData)

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	// The expiry may have fired between Open and storing the handle.
	if w.completed.Load() {
		w.closeConn()
		return ErrSessionClosed
	}
	return conn.WaitForOpen(ctx)
}

func (w *Worker) finishOpen(ctx context.Context) (*Result, error) {
	if w.opts.CaptureSyncData && w.opts.CaptureWindow > 0 {
		w.waitForSync(ctx)
	}

	if w.linkedUser() == nil {
		ident, err := w.pollIdentity(ctx)
		if err != nil {
			return nil, err
		}
		if err := w.markLinked(ctx, ident); err != nil {
			return nil, err
		}
	}
	return w.complete()
}

// waitForSync holds the open connection until the first sync batch arrives
// or the capture window elapses.
func (w *Worker) waitForSync(ctx context.Context) {
	timer := time.NewTimer(w.opts.CaptureWindow)
	defer timer.Stop()

	select {
	case <-w.syncArrived:
		w.logger.Debug().Msg("Sync data received")
	case <-timer.C:
		w.logger.Debug().Dur("window", w.opts.CaptureWindow).Msg("No sync data within capture window")
	case <-ctx.Done():
	}
}

func (w *Worker) pollIdentity(ctx context.Context) (*Identity, error) {
	for i := 0; i < w.opts.IdentityPollAttempts; i++ {
		if ident, ok := w.persistedIdentity(ctx); ok {
			return ident, nil
		}
		if i < w.opts.IdentityPollAttempts-1 {
			if err := sleep(ctx, w.opts.IdentityPollDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, apperrors.LoginFailed(errors.New("identity was not persisted after connection opened"))
}

func (w *Worker) persistedIdentity(ctx context.Context) (*Identity, bool) {
	ident, err := w.deps.Link.ReadPersistedIdentity(ctx, w.session.WorkDir)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to read persisted identity")
		return nil, false
	}
	if ident == nil || ident.ID == "" {
		return nil, false
	}
	return ident, true
}

// markLinked resolves the user for ident and moves the session to linked.
// It runs at most once per worker.
func (w *Worker) markLinked(ctx context.Context, ident *Identity) error {
	if w.linkedUser() != nil {
		return nil
	}

	var displayName *string
	if ident.DisplayName != "" {
		displayName = &ident.DisplayName
	}
	user, err := w.deps.Users.GetOrCreateByIdentity(ctx, ident.ID, displayName)
	if err != nil {
		return apperrors.Database(err)
	}

	state := model.SessionStateLinked
	_, err = w.deps.Sessions.Update(ctx, w.session.ID, model.UpdateSessionParams{
		State:    &state,
		Identity: &ident.ID,
		UserID:   &user.ID,
	})
	if errors.Is(err, repository.ErrSessionTerminal) {
		return ErrSessionClosed
	}
	if err != nil {
		return apperrors.Database(err)
	}

	w.mu.Lock()
	w.user = user
	w.identity = ident
	w.mu.Unlock()

	w.logger.Info().Str("userId", user.ID).Msg("Messaging account linked")
	w.emitStatus(model.SessionStateLinked, "Account linked")
	return nil
}

// claim sets the completion flag. It reports false when another path
// already holds it.
func (w *Worker) claim() bool {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	return w.completed.CompareAndSwap(false, true)
}

// emitOpen publishes ev unless the session has completed.
func (w *Worker) emitOpen(ev eventbus.Event) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if w.completed.Load() {
		return
	}
	w.deps.Bus.Emit(w.session.ID, ev)
}

func (w *Worker) complete() (*Result, error) {
	if !w.claim() {
		return nil, ErrSessionClosed
	}

	w.mu.Lock()
	user, ident := w.user, *w.identity
	w.mu.Unlock()

	data := w.capturedSync()
	w.recordSync(user.ID, data)

	return &Result{User: user, Identity: ident, Sync: data}, nil
}

func (w *Worker) expire() {
	if !w.claim() {
		return
	}
	w.expired.Store(true)
	defer close(w.expireDone)
	w.closeConn()
	if w.cancel != nil {
		w.cancel()
	}

	appErr := apperrors.SessionExpired()
	w.persistTerminal(model.SessionStateExpired, appErr)
	w.deps.Bus.Emit(w.session.ID, eventbus.Error(string(appErr.Code), appErr.Message))
	w.logger.Info().Msg("Pairing session expired")
}

// expiredError waits for the expiry path to finish recording its outcome.
func (w *Worker) expiredError() error {
	<-w.expireDone
	return apperrors.SessionExpired()
}

func (w *Worker) fail(err error) {
	if !w.claim() {
		return
	}

	appErr := apperrors.LoginFailed(err)
	if apperrors.GetCode(err) == apperrors.ErrCodeDatabase {
		appErr = apperrors.Database(err)
	}
	w.persistTerminal(model.SessionStateError, appErr)
	w.deps.Bus.Emit(w.session.ID, eventbus.Error(string(appErr.Code), appErr.Message))
	w.logger.Error().Err(err).Str("code", string(appErr.Code)).Msg("Pairing failed")
}

func (w *Worker) persistTerminal(state model.SessionState, appErr *apperrors.AppError) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	code := string(appErr.Code)
	_, err := w.deps.Sessions.Update(ctx, w.session.ID, model.UpdateSessionParams{
		State:        &state,
		ErrorCode:    &code,
		ErrorMessage: &appErr.Message,
	})
	if err != nil && !errors.Is(err, repository.ErrSessionTerminal) {
		w.logger.Error().Err(err).Str("state", string(state)).Msg("Failed to persist terminal state")
	}
}

// recordSync stores captured data against the user without blocking the
// caller. Failures are logged only.
func (w *Worker) recordSync(userID string, data []SyncData) {
	if w.deps.Captures == nil || len(data) == 0 {
		return
	}

	timeout := w.opts.SyncRecordTimeout
	if timeout <= 0 {
		timeout = config.SyncRecordTimeout
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		for _, d := range data {
			err := w.deps.Captures.Create(ctx, model.CreateSyncCaptureParams{
				UserID:    userID,
				Kind:      d.Kind,
				ItemCount: d.Count,
				Payload:   d.Payload,
			})
			if err != nil {
				w.logger.Warn().Err(err).Str("kind", string(d.Kind)).Msg("Failed to record sync data")
			}
		}
	}()
}

func (w *Worker) onCode(code string) {
	if w.completed.Load() {
		return
	}

	var image string
	if w.opts.RenderQRImage {
		rendered, err := RenderQR(code)
		if err != nil {
			w.logger.Warn().Err(err).Msg("Failed to render QR image")
		} else {
			image = rendered
		}
	}
	w.emitOpen(eventbus.QR(code, image, w.session.ExpiresAt))
}

func (w *Worker) onSyncData(d SyncData) {
	w.syncMu.Lock()
	w.syncData = append(w.syncData, d)
	w.syncMu.Unlock()

	w.syncOnce.Do(func() { close(w.syncArrived) })
}

func (w *Worker) hasSyncData() bool {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	return len(w.syncData) > 0
}

func (w *Worker) capturedSync() []SyncData {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	out := make([]SyncData, len(w.syncData))
	copy(out, w.syncData)
	return out
}

func (w *Worker) emitStatus(state model.SessionState, message string) {
	w.emitOpen(eventbus.Status(state, message))
}

func (w *Worker) linkedUser() *model.User {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.user
}

func (w *Worker) closeConn() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		w.logger.Debug().Err(err).Msg("Failed to close connection")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
