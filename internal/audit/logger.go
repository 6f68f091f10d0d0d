// Package audit writes security and fleet lifecycle events to the global
// logger under a fixed "audit" field so they can be filtered downstream.
package audit

import (
	"context"
	"net"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventSessionCreate   EventType = "pairing_session_create"
	EventSessionLinked   EventType = "pairing_session_linked"
	EventInstanceDeploy  EventType = "instance_provision"
	EventInstanceRemove  EventType = "instance_deprovision"
	EventOrphanRemove    EventType = "orphan_remove"
	EventReconcile       EventType = "reconcile"
	EventAuthFailure     EventType = "auth_failure"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
)

type Event struct {
	Type        EventType
	UserID      string
	SessionID   string
	ContainerID string
	IP          string
	UserAgent   string
	Details     map[string]any
}

func Log(ctx context.Context, event Event) {
	ctxLog := log.With().
		Str("audit", "security").
		Str("eventType", string(event.Type))

	for key, value := range map[string]string{
		"userId":      event.UserID,
		"sessionId":   event.SessionID,
		"containerId": event.ContainerID,
		"ip":          event.IP,
		"userAgent":   event.UserAgent,
	} {
		if value != "" {
			ctxLog = ctxLog.Str(key, value)
		}
	}
	logger := ctxLog.Logger()

	e := logger.Info()
	if event.Type == EventAuthFailure || event.Type == EventRateLimitExceed {
		e = logger.Warn()
	}
	for k, v := range event.Details {
		e = addField(e, k, v)
	}
	e.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value any) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case error:
		return e.AnErr(key, v)
	default:
		return e.Interface(key, v)
	}
}

// LogFromRequest fills the client address and user agent from r. The
// address is the one left by chi's RealIP middleware.
func LogFromRequest(r *http.Request, event Event) {
	event.IP = clientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
