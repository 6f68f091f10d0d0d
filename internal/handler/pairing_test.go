package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/agent-provisioner/internal/errors"
	"github.com/openclaw/agent-provisioner/internal/eventbus"
	"github.com/openclaw/agent-provisioner/internal/model"
	"github.com/openclaw/agent-provisioner/internal/service"
	"github.com/openclaw/agent-provisioner/internal/sse"
)

type mockPairingSessions struct {
	mu        sync.Mutex
	created   *service.CreateSessionResult
	createErr error
	sessions  map[string]*model.PairingSession
}

func (m *mockPairingSessions) CreateSession(ctx context.Context) (*service.CreateSessionResult, error) {
	return m.created, m.createErr
}

func (m *mockPairingSessions) GetSession(ctx context.Context, id string) (*model.PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, apperrors.NotFound("Pairing session")
}

func (m *mockPairingSessions) put(s *model.PairingSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func passthrough(next http.Handler) http.Handler { return next }

func newPairingRouter(sessions *mockPairingSessions, bus *eventbus.Bus) (http.Handler, *sse.Broker, *PairingHandler) {
	broker := sse.NewBroker(bus)
	h := NewPairingHandler(sessions, broker)
	return h.Routes(passthrough), broker, h
}

func strPtr(s string) *string { return &s }

func TestPairingHandler_Create(t *testing.T) {
	t.Run("returns 201 with the session handle", func(t *testing.T) {
		expires := time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)
		router, _, _ := newPairingRouter(&mockPairingSessions{
			created: &service.CreateSessionResult{SessionID: "s1", ExpiresAt: expires, EventsURL: "/v1/pairing/sessions/s1/events"},
		}, eventbus.New())

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.JSONEq(t, `{"sessionId":"s1","expiresAt":"2026-03-01T12:03:00Z","eventsUrl":"/v1/pairing/sessions/s1/events"}`, rec.Body.String())
	})

	t.Run("maps service errors to status codes", func(t *testing.T) {
		router, _, _ := newPairingRouter(&mockPairingSessions{createErr: apperrors.Database(assert.AnError)}, eventbus.New())

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "DATABASE_ERROR")
	})
}

func TestPairingHandler_Get(t *testing.T) {
	sessions := &mockPairingSessions{sessions: map[string]*model.PairingSession{
		"s1": {ID: "s1", State: model.SessionStateLinked, UserID: strPtr("u1"), Identity: strPtr("15551234567"), WorkDir: "/secret/path"},
	}}
	router, _, _ := newPairingRouter(sessions, eventbus.New())

	t.Run("returns the public session view", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s1", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "linked", body["state"])
		assert.NotContains(t, body, "userId")
		assert.NotContains(t, body, "identity")
		assert.NotContains(t, rec.Body.String(), "15551234567")
		assert.NotContains(t, rec.Body.String(), "/secret/path")
	})

	t.Run("returns 404 for unknown sessions", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPairingHandler_Events(t *testing.T) {
	waiting := &model.PairingSession{ID: "s1", State: model.SessionStateWaiting}

	t.Run("replays a terminal snapshot and closes", func(t *testing.T) {
		bus := eventbus.New()
		bus.Emit("s1", eventbus.QR("code-1", "", time.Now()))
		bus.Emit("s1", eventbus.Error("SESSION_EXPIRED", "Pairing session expired"))
		router, broker, _ := newPairingRouter(&mockPairingSessions{sessions: map[string]*model.PairingSession{"s1": waiting}}, bus)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s1/events", nil))

		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		body := rec.Body.String()
		qr := strings.Index(body, "event: qr\n")
		status := strings.Index(body, "event: status\n")
		errFrame := strings.Index(body, "event: error\n")
		assert.True(t, qr >= 0 && qr < status && status < errFrame, body)
		assert.Contains(t, body, `"code":"SESSION_EXPIRED"`)
		assert.Equal(t, 0, broker.TotalClients())
	})

	t.Run("streams live events until a terminal status", func(t *testing.T) {
		bus := eventbus.New()
		bus.Emit("s1", eventbus.Status(model.SessionStateWaiting, "Waiting for QR scan"))
		router, broker, _ := newPairingRouter(&mockPairingSessions{sessions: map[string]*model.PairingSession{"s1": waiting}}, bus)

		rec := httptest.NewRecorder()
		done := make(chan struct{})
		go func() {
			defer close(done)
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s1/events", nil))
		}()

		require.Eventually(t, func() bool { return broker.ClientCount("s1") == 1 }, time.Second, 5*time.Millisecond)
		bus.Emit("s1", eventbus.Status(model.SessionStateLinked, "Account linked"))
		bus.Emit("s1", eventbus.Status(model.SessionStateDeploying, "Deploying agent"))
		bus.Emit("s1", eventbus.Status(model.SessionStateReady, "Agent is ready"))

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not close after ready")
		}

		body := rec.Body.String()
		assert.Equal(t, 4, strings.Count(body, "event: status\n"))
		assert.Less(t, strings.Index(body, `"linked"`), strings.Index(body, `"ready"`))
	})

	t.Run("sends heartbeats while idle", func(t *testing.T) {
		bus := eventbus.New()
		router, broker, h := newPairingRouter(&mockPairingSessions{sessions: map[string]*model.PairingSession{"s1": waiting}}, bus)
		h.heartbeatInterval = 10 * time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		rec := httptest.NewRecorder()
		done := make(chan struct{})
		go func() {
			defer close(done)
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s1/events", nil).WithContext(ctx))
		}()

		require.Eventually(t, func() bool { return broker.ClientCount("s1") == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(35 * time.Millisecond)
		cancel()
		<-done

		assert.Contains(t, rec.Body.String(), ": ping\n\n")
	})

	t.Run("falls back to the stored state once the snapshot is gone", func(t *testing.T) {
		failed := &model.PairingSession{
			ID:           "s2",
			State:        model.SessionStateError,
			ErrorCode:    strPtr("PROVISION_FAILED"),
			ErrorMessage: strPtr("Agent did not reach a stable running state"),
		}
		router, _, _ := newPairingRouter(&mockPairingSessions{sessions: map[string]*model.PairingSession{"s2": failed}}, eventbus.New())

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s2/events", nil))

		body := rec.Body.String()
		assert.Contains(t, body, `"state":"error"`)
		assert.Contains(t, body, `"code":"PROVISION_FAILED"`)
	})

	t.Run("closes a stored stream once the row turns terminal", func(t *testing.T) {
		sessions := &mockPairingSessions{sessions: map[string]*model.PairingSession{
			"s3": {ID: "s3", State: model.SessionStateWaiting},
		}}
		router, _, h := newPairingRouter(sessions, eventbus.New())
		h.heartbeatInterval = 10 * time.Millisecond

		rec := httptest.NewRecorder()
		done := make(chan struct{})
		go func() {
			defer close(done)
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/s3/events", nil))
		}()

		time.Sleep(25 * time.Millisecond)
		sessions.put(&model.PairingSession{
			ID:           "s3",
			State:        model.SessionStateExpired,
			ErrorCode:    strPtr("SESSION_EXPIRED"),
			ErrorMessage: strPtr("Pairing session expired"),
		})

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("stream stayed open after the stored session expired")
		}

		body := rec.Body.String()
		assert.Contains(t, body, `"state":"waiting"`)
		assert.Contains(t, body, `"state":"expired"`)
		assert.Contains(t, body, `"code":"SESSION_EXPIRED"`)
	})

	t.Run("returns 404 before streaming for unknown sessions", func(t *testing.T) {
		router, _, _ := newPairingRouter(&mockPairingSessions{}, eventbus.New())

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope/events", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.NotEqual(t, "text/event-stream", rec.Header().Get("Content-Type"))
	})
}
