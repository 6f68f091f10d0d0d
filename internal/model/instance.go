package model

import (
	"time"
)

type RuntimeInstance struct {
	ID            string         `db:"id" json:"id"`
	UserID        string         `db:"user_id" json:"userId"`
	ContainerID   *string        `db:"container_id" json:"containerId,omitempty"`
	ContainerName string         `db:"container_name" json:"containerName"`
	Status        InstanceStatus `db:"status" json:"status"`
	WorkDir       string         `db:"work_dir" json:"workDir"`
	AccessToken   string         `db:"access_token" json:"-"`
	ConfigVersion string         `db:"config_version" json:"configVersion"`
	PluginVersion string         `db:"plugin_version" json:"pluginVersion"`
	PolicyVersion string         `db:"policy_version" json:"policyVersion"`
	ConfigDigest  string         `db:"config_digest" json:"configDigest"`
	ImageRef      string         `db:"image_ref" json:"imageRef"`
	ReconciledAt  *time.Time     `db:"reconciled_at" json:"reconciledAt,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updatedAt"`
}

// InstanceExtra is the runtime fingerprint written on every provision.
type InstanceExtra struct {
	ContainerName string
	AccessToken   string
	ConfigVersion string
	PluginVersion string
	PolicyVersion string
	ConfigDigest  string
	ImageRef      string
}

// LiveID returns the live container id or "" when none is recorded.
func (i *RuntimeInstance) LiveID() string {
	if i.ContainerID == nil {
		return ""
	}
	return *i.ContainerID
}
