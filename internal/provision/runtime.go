package provision

import (
	"context"
	"strings"
	"time"
)

// Labels put on every agent container.
const (
	RoleLabel   = "openclaw.role"
	RoleValue   = "personal-agent"
	UserIDLabel = "openclaw.user-id"
)

const namePrefix = "agent-"

// Runtime is the container runtime that hosts agent containers.
type Runtime interface {
	Create(ctx context.Context, spec ResourceSpec) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (*ResourceState, error)
	Remove(ctx context.Context, id string) error
	ListByLabel(ctx context.Context, key, value string) ([]ResourceInfo, error)
	// FindByName returns nil, nil when no container has the name.
	FindByName(ctx context.Context, name string) (*ResourceInfo, error)
}

type ResourceSpec struct {
	Name        string
	Image       string
	Env         []string
	Labels      map[string]string
	Binds       []string
	Network     string
	User        string
	MemoryBytes int64
	NanoCPUs    int64
}

type ResourceState struct {
	Running    bool
	ExitCode   int
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

type ResourceInfo struct {
	ID        string
	Name      string
	Labels    map[string]string
	State     string
	CreatedAt time.Time
}

// ContainerName derives the container name of a user. Characters outside
// [a-z0-9_.-] are replaced with '-'.
func ContainerName(userID string) string {
	var b strings.Builder
	b.Grow(len(namePrefix) + len(userID))
	b.WriteString(namePrefix)
	for _, r := range strings.ToLower(userID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
