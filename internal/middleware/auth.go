package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-provisioner/internal/audit"
	apperrors "github.com/openclaw/agent-provisioner/internal/errors"
	"github.com/openclaw/agent-provisioner/internal/util"
)

const adminRealm = `Basic realm="agent-provisioner admin"`

// AdminAuthMiddleware guards operator endpoints with HTTP Basic auth checked
// against a bcrypt hash. An empty hash disables the endpoints.
type AdminAuthMiddleware struct {
	username     string
	passwordHash string
}

func NewAdminAuthMiddleware(username, passwordHash string) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{username: username, passwordHash: passwordHash}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.passwordHash == "" {
			writeError(w, http.StatusNotFound, apperrors.NotFound("Resource"))
			return
		}

		user, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", adminRealm)
			writeError(w, http.StatusUnauthorized, apperrors.Unauthorized("Missing credentials"))
			return
		}

		// Always run bcrypt so a wrong username costs the same as a wrong password.
		passwordOK := util.CheckPasswordHash(password, m.passwordHash)
		if !util.ConstantTimeEqual(user, m.username) || !passwordOK {
			log.Warn().Str("ip", remoteIP(r)).Msg("admin auth failed")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]any{"scope": "admin"},
			})
			w.Header().Set("WWW-Authenticate", adminRealm)
			writeError(w, http.StatusUnauthorized, apperrors.Unauthorized("Invalid credentials"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
