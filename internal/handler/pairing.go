package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/agent-provisioner/internal/errors"
	"github.com/openclaw/agent-provisioner/internal/eventbus"
	"github.com/openclaw/agent-provisioner/internal/model"
	"github.com/openclaw/agent-provisioner/internal/service"
	"github.com/openclaw/agent-provisioner/internal/sse"
)

// sessionView is the public shape of a pairing session. The linked identity
// and user stay server-side.
type sessionView struct {
	ID           string             `json:"id"`
	State        model.SessionState `json:"state"`
	ErrorCode    *string            `json:"errorCode,omitempty"`
	ErrorMessage *string            `json:"errorMessage,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	ExpiresAt    time.Time          `json:"expiresAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

func newSessionView(s *model.PairingSession) sessionView {
	return sessionView{
		ID:           s.ID,
		State:        s.State,
		ErrorCode:    s.ErrorCode,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// PairingSessions is the part of the pairing service the handler uses.
type PairingSessions interface {
	CreateSession(ctx context.Context) (*service.CreateSessionResult, error)
	GetSession(ctx context.Context, id string) (*model.PairingSession, error)
}

type PairingHandler struct {
	sessions          PairingSessions
	broker            *sse.Broker
	heartbeatInterval time.Duration
}

func NewPairingHandler(sessions PairingSessions, broker *sse.Broker) *PairingHandler {
	return &PairingHandler{
		sessions:          sessions,
		broker:            broker,
		heartbeatInterval: sse.HeartbeatInterval,
	}
}

// Routes mounts the session endpoints. create is wrapped around the POST
// handler only, so rate limiting never applies to reads or streams.
func (h *PairingHandler) Routes(create func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(create).Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/events", h.Events)
	return r
}

func (h *PairingHandler) Create(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.CreateSession(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to create pairing session")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *PairingHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(session))
}

// Events streams qr, status and error frames for one session. It replays the
// last known state first and ends after a terminal frame.
func (h *PairingHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client, replay := h.broker.Subscribe(id)
	defer h.broker.Unsubscribe(client)

	// Without a snapshot no worker may be left to emit, so the stored row is
	// re-read on every heartbeat.
	persisted := len(replay) == 0
	if persisted {
		replay = persistedReplay(session)
	}

	logger := log.With().Str("sessionId", id).Logger()
	logger.Debug().Int("replayed", len(replay)).Msg("sse connection established")

	terminal := false
	for _, ev := range replay {
		if err := sse.Write(w, ev); err != nil {
			return
		}
		terminal = terminal || ev.Terminal
	}
	flusher.Flush()
	if terminal {
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("sse connection closed by client")
			return

		case <-client.Done:
			logger.Debug().Msg("sse connection closed by broker")
			return

		case ev := <-client.Events:
			if err := sse.Write(w, ev); err != nil {
				logger.Debug().Err(err).Msg("failed to send event")
				return
			}
			flusher.Flush()
			if ev.Terminal {
				return
			}

		case <-heartbeat.C:
			if persisted && h.closedSince(ctx, w, id) {
				flusher.Flush()
				logger.Debug().Msg("stored session reached a terminal state")
				return
			}
			if err := sse.WriteHeartbeat(w); err != nil {
				logger.Debug().Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

// closedSince writes the stored terminal frames of id and reports true once
// the row has left the open states.
func (h *PairingHandler) closedSince(ctx context.Context, w http.ResponseWriter, id string) bool {
	session, err := h.sessions.GetSession(ctx, id)
	if err != nil || !session.State.IsTerminal() {
		return false
	}
	for _, ev := range persistedReplay(session) {
		if err := sse.Write(w, ev); err != nil {
			break
		}
	}
	return true
}

// persistedReplay rebuilds frames from the stored session once its in-memory
// snapshot is gone.
func persistedReplay(session *model.PairingSession) []sse.Event {
	snap := eventbus.Snapshot{
		Status: &eventbus.StatusPayload{State: session.State},
	}
	if session.ErrorCode != nil {
		msg := ""
		if session.ErrorMessage != nil {
			msg = *session.ErrorMessage
		}
		snap.Status.Message = msg
		snap.Error = &eventbus.ErrorPayload{Code: *session.ErrorCode, Message: msg}
	}
	return sse.Replay(snap)
}
