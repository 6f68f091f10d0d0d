package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/agent-provisioner/internal/model"
	"github.com/openclaw/agent-provisioner/internal/pairing"
	"github.com/openclaw/agent-provisioner/internal/provision"
	"github.com/openclaw/agent-provisioner/internal/repository"
)

type mockSessionRepo struct {
	mu        sync.Mutex
	sessions  map[string]*model.PairingSession
	history   map[string][]model.SessionState
	createErr error
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{
		sessions: make(map[string]*model.PairingSession),
		history:  make(map[string][]model.SessionState),
	}
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (m *mockSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.PairingSession, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &model.PairingSession{
		ID:        params.ID,
		State:     model.SessionStateWaiting,
		WorkDir:   params.WorkDir,
		ExpiresAt: params.ExpiresAt,
		CreatedAt: time.Now(),
	}
	m.sessions[s.ID] = s
	m.history[s.ID] = []model.SessionState{s.State}
	copied := *s
	return &copied, nil
}

func (m *mockSessionRepo) Update(ctx context.Context, id string, params model.UpdateSessionParams) (*model.PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.State.IsTerminal() {
		return nil, repository.ErrSessionTerminal
	}
	if params.State != nil && !s.State.CanTransitionTo(*params.State) {
		return nil, repository.ErrSessionTerminal
	}
	if params.State != nil {
		s.State = *params.State
		m.history[id] = append(m.history[id], s.State)
	}
	if params.Identity != nil {
		s.Identity = params.Identity
	}
	if params.UserID != nil {
		s.UserID = params.UserID
	}
	if params.ErrorCode != nil {
		s.ErrorCode = params.ErrorCode
	}
	if params.ErrorMessage != nil {
		s.ErrorMessage = params.ErrorMessage
	}
	copied := *s
	return &copied, nil
}

func (m *mockSessionRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *mockSessionRepo) ExpireStale(ctx context.Context, now, deployCutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *mockSessionRepo) get(id string) model.PairingSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

func (m *mockSessionRepo) states(id string) []model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SessionState(nil), m.history[id]...)
}

type mockUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[string]*model.User)}
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, nil
}

func (m *mockUserRepo) GetOrCreateByIdentity(ctx context.Context, identity string, displayName *string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[identity]; ok {
		return u, nil
	}
	u := &model.User{ID: uuid.NewString(), Identity: identity, DisplayName: displayName}
	m.users[identity] = u
	return u, nil
}

// stubLink links on the first attempt unless openErr is set. It writes a
// credential file into the session work dir the way a real store would.
type stubLink struct {
	identity *pairing.Identity
	openErr  error
}

func (l *stubLink) Open(ctx context.Context, workDir string, onCode func(string)) (pairing.Conn, error) {
	if l.openErr != nil {
		return nil, l.openErr
	}
	onCode("qr-1")
	if err := os.WriteFile(filepath.Join(workDir, "device.db"), []byte("creds"), 0o600); err != nil {
		return nil, err
	}
	return stubConn{}, nil
}

func (l *stubLink) ReadPersistedIdentity(ctx context.Context, workDir string) (*pairing.Identity, error) {
	if l.openErr != nil {
		return nil, nil
	}
	return l.identity, nil
}

type stubConn struct{}

func (stubConn) WaitForOpen(ctx context.Context) error { return nil }
func (stubConn) OnSyncData(fn func(pairing.SyncData)) {}
func (stubConn) Close() error { return nil }

type provisionCall struct {
	userID   string
	workDir  string
	identity string
	opts     provision.ProvisionOptions
}

type fakeProvisioner struct {
	mu      sync.Mutex
	calls   []provisionCall
	healthy bool
	err     error
	panics  bool
}

func (p *fakeProvisioner) Provision(ctx context.Context, userID, workDir, identity string, opts provision.ProvisionOptions) (*model.RuntimeInstance, bool, error) {
	p.mu.Lock()
	p.calls = append(p.calls, provisionCall{userID: userID, workDir: workDir, identity: identity, opts: opts})
	p.mu.Unlock()

	if p.panics {
		panic("runtime client exploded")
	}
	if p.err != nil {
		return nil, false, p.err
	}
	return &model.RuntimeInstance{UserID: userID, WorkDir: workDir}, p.healthy, nil
}

func (p *fakeProvisioner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

var errDaemon = errors.New("docker daemon unavailable")
