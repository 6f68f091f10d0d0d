package middleware

import (
	"net"
	"net/http"

	apperrors "github.com/openclaw/agent-provisioner/internal/errors"
	"github.com/openclaw/agent-provisioner/internal/httputil"
)

func writeError(w http.ResponseWriter, status int, err *apperrors.AppError) {
	httputil.WriteErrorWithStatus(w, status, err)
}

// remoteIP strips the port from RemoteAddr. RealIP runs earlier in the chain.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
