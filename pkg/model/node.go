package model

import "time"

// NodeStatus is the provisioning lifecycle state of a node.
type NodeStatus string

const (
	NodeOffline      NodeStatus = "offline"
	NodeDiscover     NodeStatus = "discover"     // booted into the bootstrap image
	NodeReady        NodeStatus = "ready"        // provisioned before, can be re-provisioned
	NodeProvisioning NodeStatus = "provisioning" // handed to the provisioning backend
	NodeProvisioned  NodeStatus = "provisioned"
	NodeDeploying    NodeStatus = "deploying"
	NodeError        NodeStatus = "error"
)

// ProvisionableStatuses lists the statuses a node may leave for provisioning.
var ProvisionableStatuses = []NodeStatus{NodeDiscover, NodeReady}

// CanProvision reports whether a node in this status may move to provisioning.
func (s NodeStatus) CanProvision() bool {
	return s == NodeDiscover || s == NodeReady
}

// Valid reports whether s is one of the known statuses.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeOffline, NodeDiscover, NodeReady, NodeProvisioning, NodeProvisioned, NodeDeploying, NodeError:
		return true
	}
	return false
}

// Node is a physical machine known to the controller.
type Node struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"size:255" json:"name,omitempty"`
	MAC       string     `gorm:"size:17;uniqueIndex" json:"mac"`
	IP        string     `gorm:"size:45" json:"ip"`
	Role      string     `gorm:"size:64" json:"role"`
	Status    NodeStatus `gorm:"size:32;index;default:discover" json:"status"`
	ClusterID *uint      `gorm:"index" json:"cluster_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
