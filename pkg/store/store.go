package store

import (
	"context"

	"provisiond/pkg/model"
)

// Store is the transactional record store the controller runs on.
// Methods called directly on a Store commit on their own; WithTx groups
// several calls into one transaction that is rolled back if fn fails.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// NodeChanges lists the node columns an update writes. Nil fields are left
// untouched.
type NodeChanges struct {
	Name *string
	IP   *string
	Role *string
}

func (ch NodeChanges) columns() map[string]any {
	out := make(map[string]any, 3)
	if ch.Name != nil {
		out["name"] = *ch.Name
	}
	if ch.IP != nil {
		out["ip"] = *ch.IP
	}
	if ch.Role != nil {
		out["role"] = *ch.Role
	}
	return out
}

// Tx is the set of record operations available inside and outside a
// transaction. Lookups of missing records return the matching
// model.Err*NotFound; unique-key collisions return model.ErrConflict.
type Tx interface {
	CreateRelease(ctx context.Context, r *model.Release) error
	GetRelease(ctx context.Context, id uint) (model.Release, error)
	ListReleases(ctx context.Context) ([]model.Release, error)

	CreateCluster(ctx context.Context, c *model.Cluster) error
	// GetCluster loads the cluster with its release, nodes (by id) and networks.
	GetCluster(ctx context.Context, id uint) (model.Cluster, error)
	ListClusters(ctx context.Context) ([]model.Cluster, error)
	// UpdateCluster writes name, type, mode and redundancy.
	UpdateCluster(ctx context.Context, c *model.Cluster) error
	// DeleteCluster removes the cluster with its networks, their vlans and
	// addresses, and its tasks. Nodes are detached, not deleted.
	DeleteCluster(ctx context.Context, id uint) error

	CreateNode(ctx context.Context, n *model.Node) error
	GetNode(ctx context.Context, id uint) (model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)
	NodesByIDs(ctx context.Context, ids []uint) ([]model.Node, error)
	ClusterNodes(ctx context.Context, clusterID uint) ([]model.Node, error)
	// UpdateNode writes only the non-nil fields of ch. Status is not among
	// them; it moves through CompareAndSetNodeStatus.
	UpdateNode(ctx context.Context, id uint, ch NodeChanges) error
	// SetClusterNodes makes nodeIDs the exact node set of the cluster.
	SetClusterNodes(ctx context.Context, clusterID uint, nodeIDs []uint) error
	// CompareAndSetNodeStatus moves the node to `to` only if its current
	// status is one of `from`. It reports whether the write happened.
	CompareAndSetNodeStatus(ctx context.Context, id uint, from []model.NodeStatus, to model.NodeStatus) (bool, error)

	GetNetwork(ctx context.Context, id uint) (model.Network, error)
	ListNetworks(ctx context.Context) ([]model.Network, error)
	ClusterNetworks(ctx context.Context, clusterID uint) ([]model.Network, error)
	CreateNetwork(ctx context.Context, n *model.Network) error
	ListVlans(ctx context.Context) ([]model.Vlan, error)
	CreateVlan(ctx context.Context, v *model.Vlan) error

	ListIPAddrs(ctx context.Context, networkID uint) ([]model.IPAddr, error)
	NodeIPAddrs(ctx context.Context, nodeID uint) ([]model.IPAddr, error)
	CreateIPAddr(ctx context.Context, a *model.IPAddr) error

	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, uuid string) (model.Task, error)
	// ListTasks returns tasks oldest first; clusterID 0 lists all.
	ListTasks(ctx context.Context, clusterID uint, limit int) ([]model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error
}
