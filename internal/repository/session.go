package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	apperrors "github.com/openclaw/agent-provisioner/internal/errors"
	"github.com/openclaw/agent-provisioner/internal/model"
)

// ErrSessionTerminal is returned by Update when the session does not exist,
// has already recorded its terminal state, or is not in a state the
// requested one may follow.
var ErrSessionTerminal = errors.New("session missing or already terminal")

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.PairingSession, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.PairingSession, error)
	Update(ctx context.Context, id string, params model.UpdateSessionParams) (*model.PairingSession, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ExpireStale(ctx context.Context, now, deployCutoff time.Time) (int64, error)
}

type sessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.PairingSession, error) {
	return getOne[model.PairingSession](ctx, r.db, `
		SELECT * FROM pairing_sessions WHERE id = $1
	`, id)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.PairingSession, error) {
	var session model.PairingSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO pairing_sessions (id, state, work_dir, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.ID, model.SessionStateWaiting, params.WorkDir, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Update applies the non-nil fields of params. Rows already in a terminal
// state are never touched, so exactly one terminal transition is recorded.
// A state change only applies to rows in one of its predecessor states.
func (r *sessionRepo) Update(ctx context.Context, id string, params model.UpdateSessionParams) (*model.PairingSession, error) {
	if params.IsEmpty() {
		return r.FindByID(ctx, id)
	}

	guard := "NOT (state = ANY($2))"
	args := []any{id, pq.Array(stateNames(model.TerminalSessionStates))}
	if params.State != nil {
		guard = "state = ANY($2)"
		args[1] = pq.Array(stateNames(params.State.Predecessors()))
	}

	sets := make([]string, 0, 6)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if params.State != nil {
		add("state", *params.State)
	}
	if params.Identity != nil {
		add("identity", *params.Identity)
	}
	if params.UserID != nil {
		add("user_id", *params.UserID)
	}
	if params.ErrorCode != nil {
		add("error_code", *params.ErrorCode)
	}
	if params.ErrorMessage != nil {
		add("error_message", *params.ErrorMessage)
	}
	add("updated_at", time.Now())

	query := fmt.Sprintf(`
		UPDATE pairing_sessions SET %s
		WHERE id = $1 AND %s
		RETURNING *
	`, strings.Join(sets, ", "), guard)

	session, err := getOne[model.PairingSession](ctx, r.db, query, args...)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionTerminal
	}
	return session, nil
}

func (r *sessionRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_sessions
		WHERE state = ANY($1) AND updated_at < $2
	`, pq.Array(stateNames(model.TerminalSessionStates)), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ExpireStale closes sessions whose worker is gone. Waiting and linked rows
// past their expiry become expired; deploying rows not touched since
// deployCutoff become error. It returns the number of rows closed.
func (r *sessionRepo) ExpireStale(ctx context.Context, now, deployCutoff time.Time) (int64, error) {
	expired := apperrors.SessionExpired()
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions
		SET state = $1, error_code = $2, error_message = $3, updated_at = $4
		WHERE state = ANY($5) AND expires_at < $4
	`, model.SessionStateExpired, string(expired.Code), expired.Message, now,
		pq.Array(stateNames([]model.SessionState{model.SessionStateWaiting, model.SessionStateLinked})))
	if err != nil {
		return 0, err
	}
	closed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	interrupted := apperrors.ProvisionFailed("Provisioning was interrupted")
	result, err = r.db.ExecContext(ctx, `
		UPDATE pairing_sessions
		SET state = $1, error_code = $2, error_message = $3, updated_at = $4
		WHERE state = $5 AND updated_at < $6
	`, model.SessionStateError, string(interrupted.Code), interrupted.Message, now,
		model.SessionStateDeploying, deployCutoff)
	if err != nil {
		return closed, err
	}
	failed, err := result.RowsAffected()
	return closed + failed, err
}

func stateNames(states []model.SessionState) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return names
}
