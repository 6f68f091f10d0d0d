package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/agent-provisioner/internal/model"
	"github.com/openclaw/agent-provisioner/internal/repository"
)

type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.PairingSession
	updates  []model.UpdateSessionParams
}

func newMockSessionRepo(sessions ...*model.PairingSession) *mockSessionRepo {
	m := &mockSessionRepo{sessions: make(map[string]*model.PairingSession)}
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	return m
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
	m.updates = append(m.updates, params)
	if params.State != nil {
		s.State = *params.State
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

type mockUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
	err   error
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
	if m.err != nil {
		return nil, m.err
	}
	if u, ok := m.users[identity]; ok {
		return u, nil
	}
	u := &model.User{ID: uuid.NewString(), Identity: identity, DisplayName: displayName}
	m.users[identity] = u
	return u, nil
}

type mockCaptureRepo struct {
	mu       sync.Mutex
	captures []model.CreateSyncCaptureParams
}

func (m *mockCaptureRepo) Create(ctx context.Context, params model.CreateSyncCaptureParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures = append(m.captures, params)
	return nil
}

func (m *mockCaptureRepo) FindByUserID(ctx context.Context, userID string) ([]model.SyncCapture, error) {
	return nil, nil
}

func (m *mockCaptureRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.captures)
}

// attempt scripts one call to Open.
type attempt struct {
	codes []string
	// waitErr is returned by WaitForOpen; nil opens the connection.
	waitErr error
	// block makes WaitForOpen wait until the connection is closed.
	block bool
	sync  []SyncData
	// persist writes the identity to disk when this attempt runs.
	persist bool
}

type fakeLink struct {
	mu       sync.Mutex
	attempts []attempt
	opens    int
	closes   int
	identity *Identity
	onDisk   bool
	onCode   func(string)
}

func (f *fakeLink) Open(ctx context.Context, workDir string, onCode func(string)) (Conn, error) {
	f.mu.Lock()
	idx := f.opens
	f.opens++
	var a attempt
	if idx < len(f.attempts) {
		a = f.attempts[idx]
	} else {
		a = attempt{block: true}
	}
	if a.persist {
		f.onDisk = true
	}
	f.onCode = onCode
	f.mu.Unlock()

	for _, code := range a.codes {
		onCode(code)
	}
	return &fakeConn{link: f, attempt: a, closed: make(chan struct{})}, nil
}

func (f *fakeLink) ReadPersistedIdentity(ctx context.Context, workDir string) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.onDisk || f.identity == nil {
		return nil, nil
	}
	copied := *f.identity
	return &copied, nil
}

func (f *fakeLink) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

type fakeConn struct {
	link      *fakeLink
	attempt   attempt
	onSync    func(SyncData)
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) WaitForOpen(ctx context.Context) error {
	if c.attempt.block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return &DisconnectError{Code: CodeConnectionClosed, Reason: "closed"}
		}
	}
	if c.attempt.waitErr != nil {
		return c.attempt.waitErr
	}
	if c.onSync != nil {
		for _, d := range c.attempt.sync {
			go c.onSync(d)
		}
	}
	return nil
}

func (c *fakeConn) OnSyncData(fn func(SyncData)) {
	c.onSync = fn
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.link.mu.Lock()
		c.link.closes++
		c.link.mu.Unlock()
	})
	return nil
}
