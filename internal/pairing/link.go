package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openclaw/agent-provisioner/internal/model"
)

// Identity is the linked messaging account as persisted in a work dir.
type Identity struct {
	ID          string `json:"id"`
	Phone       string `json:"phone"`
	DisplayName string `json:"displayName,omitempty"`
}

// SyncData is one batch of auxiliary data pushed by the network after link.
type SyncData struct {
	Kind    model.SyncKind
	Count   int
	Payload json.RawMessage
}

// Link opens connections to the messaging network.
type Link interface {
	// Open starts a connection using the credential store in workDir.
	// onCode receives every pairing code the network issues.
	Open(ctx context.Context, workDir string, onCode func(code string)) (Conn, error)
	// ReadPersistedIdentity returns nil, nil when workDir holds no identity.
	ReadPersistedIdentity(ctx context.Context, workDir string) (*Identity, error)
}

// Conn is one connection attempt.
type Conn interface {
	// WaitForOpen blocks until the connection is open. A close before that
	// is reported as *DisconnectError.
	WaitForOpen(ctx context.Context) error
	OnSyncData(fn func(SyncData))
	Close() error
}

// DisconnectError reports why the network closed a connection.
type DisconnectError struct {
	Code   int
	Reason string
}

func (e *DisconnectError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("connection closed (code %d): %s", e.Code, e.Reason)
}

// Disconnect codes reported by link adapters.
const (
	CodeTimedOut         = 408
	CodeGone             = 410
	CodeConnectionClosed = 428
	CodeReplaced         = 440
	CodeServerError      = 500
	CodeRestartRequired  = 515
)

var retryableCodes = map[int]bool{
	CodeTimedOut:         true,
	CodeGone:             true,
	CodeConnectionClosed: true,
	CodeReplaced:         true,
	CodeServerError:      true,
	CodeRestartRequired:  true,
}

// IsRetryable reports whether err is a disconnect worth another attempt.
func IsRetryable(err error) bool {
	var de *DisconnectError
	if errors.As(err, &de) {
		return retryableCodes[de.Code]
	}
	return false
}

// DisconnectCode extracts the disconnect code of err, if any.
func DisconnectCode(err error) (int, bool) {
	var de *DisconnectError
	if errors.As(err, &de) {
		return de.Code, true
	}
	return 0, false
}
