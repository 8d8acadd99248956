package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"provisiond/pkg/model"
)

// MemoryStore is an in-memory Store, intended for dev/demo and tests.
// A transaction holds the write lock for its whole duration and restores
// a snapshot if it fails.
type MemoryStore struct {
	mu   *sync.RWMutex
	data *memData
	inTx bool
}

type memData struct {
	seq      uint
	releases map[uint]model.Release
	clusters map[uint]model.Cluster
	nodes    map[uint]model.Node
	networks map[uint]model.Network
	vlans    map[int]model.Vlan
	ipaddrs  map[uint]model.IPAddr
	tasks    map[uint]model.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.RWMutex{},
		data: &memData{
			releases: make(map[uint]model.Release),
			clusters: make(map[uint]model.Cluster),
			nodes:    make(map[uint]model.Node),
			networks: make(map[uint]model.Network),
			vlans:    make(map[int]model.Vlan),
			ipaddrs:  make(map[uint]model.IPAddr),
			tasks:    make(map[uint]model.Task),
		},
	}
}

func (d *memData) clone() *memData {
	return &memData{
		seq:      d.seq,
		releases: cloneMap(d.releases),
		clusters: cloneMap(d.clusters),
		nodes:    cloneMap(d.nodes),
		networks: cloneMap(d.networks),
		vlans:    cloneMap(d.vlans),
		ipaddrs:  cloneMap(d.ipaddrs),
		tasks:    cloneMap(d.tasks),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (d *memData) nextID() uint {
	d.seq++
	return d.seq
}

func (m *MemoryStore) read() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

func (m *MemoryStore) write() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.data.clone()
	tx := &MemoryStore{mu: m.mu, data: m.data, inTx: true}
	if err := fn(tx); err != nil {
		*m.data = *snap
		return err
	}
	return nil
}

// Ping reports readiness for health endpoints.
func (m *MemoryStore) Ping() error { return nil }

func sortedValues[V any](in map[uint]V, keep func(V) bool) []V {
	keys := make([]uint, 0, len(in))
	for k, v := range in {
		if keep == nil || keep(v) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, in[k])
	}
	return out
}

func (m *MemoryStore) CreateRelease(_ context.Context, r *model.Release) error {
	defer m.write()()
	for _, existing := range m.data.releases {
		if existing.Name == r.Name && existing.Version == r.Version {
			return fmt.Errorf("release %s %s: %w", r.Name, r.Version, model.ErrConflict)
		}
	}
	r.ID = m.data.nextID()
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	m.data.releases[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRelease(_ context.Context, id uint) (model.Release, error) {
	defer m.read()()
	r, ok := m.data.releases[id]
	if !ok {
		return model.Release{}, model.ErrReleaseNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListReleases(_ context.Context) ([]model.Release, error) {
	defer m.read()()
	return sortedValues(m.data.releases, nil), nil
}

func (m *MemoryStore) CreateCluster(_ context.Context, c *model.Cluster) error {
	defer m.write()()
	for _, existing := range m.data.clusters {
		if existing.Name == c.Name {
			return fmt.Errorf("cluster %q: %w", c.Name, model.ErrConflict)
		}
	}
	if _, ok := m.data.releases[c.ReleaseID]; !ok {
		return model.ErrReleaseNotFound
	}
	c.ID = m.data.nextID()
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	stored := *c
	stored.Release, stored.Nodes, stored.Networks = nil, nil, nil
	m.data.clusters[c.ID] = stored
	return nil
}

func (m *MemoryStore) GetCluster(_ context.Context, id uint) (model.Cluster, error) {
	defer m.read()()
	c, ok := m.data.clusters[id]
	if !ok {
		return model.Cluster{}, model.ErrClusterNotFound
	}
	return m.data.expand(c), nil
}

func (d *memData) expand(c model.Cluster) model.Cluster {
	if r, ok := d.releases[c.ReleaseID]; ok {
		c.Release = &r
	}
	c.Nodes = sortedValues(d.nodes, func(n model.Node) bool {
		return n.ClusterID != nil && *n.ClusterID == c.ID
	})
	c.Networks = sortedValues(d.networks, func(n model.Network) bool { return n.ClusterID == c.ID })
	return c
}

func (m *MemoryStore) ListClusters(_ context.Context) ([]model.Cluster, error) {
	defer m.read()()
	return lo.Map(sortedValues(m.data.clusters, nil), func(c model.Cluster, _ int) model.Cluster {
		return m.data.expand(c)
	}), nil
}

func (m *MemoryStore) UpdateCluster(_ context.Context, c *model.Cluster) error {
	defer m.write()()
	stored, ok := m.data.clusters[c.ID]
	if !ok {
		return model.ErrClusterNotFound
	}
	for id, existing := range m.data.clusters {
		if id != c.ID && existing.Name == c.Name {
			return fmt.Errorf("cluster %q: %w", c.Name, model.ErrConflict)
		}
	}
	stored.Name, stored.Type, stored.Mode, stored.Redundancy = c.Name, c.Type, c.Mode, c.Redundancy
	stored.UpdatedAt = time.Now()
	m.data.clusters[c.ID] = stored
	return nil
}

func (m *MemoryStore) DeleteCluster(_ context.Context, id uint) error {
	defer m.write()()
	if _, ok := m.data.clusters[id]; !ok {
		return model.ErrClusterNotFound
	}
	for netID, n := range m.data.networks {
		if n.ClusterID != id {
			continue
		}
		for addrID, a := range m.data.ipaddrs {
			if a.NetworkID == netID {
				delete(m.data.ipaddrs, addrID)
			}
		}
		delete(m.data.vlans, n.VlanID)
		delete(m.data.networks, netID)
	}
	for taskID, t := range m.data.tasks {
		if t.ClusterID == id {
			delete(m.data.tasks, taskID)
		}
	}
	for nodeID, n := range m.data.nodes {
		if n.ClusterID != nil && *n.ClusterID == id {
			n.ClusterID = nil
			m.data.nodes[nodeID] = n
		}
	}
	delete(m.data.clusters, id)
	return nil
}

func (m *MemoryStore) CreateNode(_ context.Context, n *model.Node) error {
	defer m.write()()
	for _, existing := range m.data.nodes {
		if existing.MAC == n.MAC {
			return fmt.Errorf("node mac %s: %w", n.MAC, model.ErrConflict)
		}
	}
	if n.Status == "" {
		n.Status = model.NodeDiscover
	}
	n.ID = m.data.nextID()
	now := time.Now()
	n.CreatedAt, n.UpdatedAt = now, now
	m.data.nodes[n.ID] = *n
	return nil
}

func (m *MemoryStore) GetNode(_ context.Context, id uint) (model.Node, error) {
	defer m.read()()
	n, ok := m.data.nodes[id]
	if !ok {
		return model.Node{}, model.ErrNodeNotFound
	}
	return n, nil
}

func (m *MemoryStore) ListNodes(_ context.Context) ([]model.Node, error) {
	defer m.read()()
	return sortedValues(m.data.nodes, nil), nil
}

func (m *MemoryStore) NodesByIDs(_ context.Context, ids []uint) ([]model.Node, error) {
	defer m.read()()
	want := lo.SliceToMap(ids, func(id uint) (uint, struct{}) { return id, struct{}{} })
	return sortedValues(m.data.nodes, func(n model.Node) bool {
		_, ok := want[n.ID]
		return ok
	}), nil
}

func (m *MemoryStore) ClusterNodes(_ context.Context, clusterID uint) ([]model.Node, error) {
	defer m.read()()
	return sortedValues(m.data.nodes, func(n model.Node) bool {
		return n.ClusterID != nil && *n.ClusterID == clusterID
	}), nil
}

func (m *MemoryStore) UpdateNode(_ context.Context, id uint, ch NodeChanges) error {
	defer m.write()()
	n, ok := m.data.nodes[id]
	if !ok {
		return model.ErrNodeNotFound
	}
	if ch.Name != nil {
		n.Name = *ch.Name
	}
	if ch.IP != nil {
		n.IP = *ch.IP
	}
	if ch.Role != nil {
		n.Role = *ch.Role
	}
	n.UpdatedAt = time.Now()
	m.data.nodes[id] = n
	return nil
}

func (m *MemoryStore) SetClusterNodes(_ context.Context, clusterID uint, nodeIDs []uint) error {
	defer m.write()()
	if _, ok := m.data.clusters[clusterID]; !ok {
		return model.ErrClusterNotFound
	}
	for _, id := range nodeIDs {
		if _, ok := m.data.nodes[id]; !ok {
			return fmt.Errorf("node %d: %w", id, model.ErrNodeNotFound)
		}
	}
	want := lo.SliceToMap(nodeIDs, func(id uint) (uint, struct{}) { return id, struct{}{} })
	for id, n := range m.data.nodes {
		_, member := want[id]
		switch {
		case member:
			cid := clusterID
			n.ClusterID = &cid
		case n.ClusterID != nil && *n.ClusterID == clusterID:
			n.ClusterID = nil
		default:
			continue
		}
		m.data.nodes[id] = n
	}
	return nil
}

func (m *MemoryStore) CompareAndSetNodeStatus(_ context.Context, id uint, from []model.NodeStatus, to model.NodeStatus) (bool, error) {
	defer m.write()()
	n, ok := m.data.nodes[id]
	if !ok {
		return false, model.ErrNodeNotFound
	}
	if !lo.Contains(from, n.Status) {
		return false, nil
	}
	n.Status = to
	n.UpdatedAt = time.Now()
	m.data.nodes[id] = n
	return true, nil
}

func (m *MemoryStore) GetNetwork(_ context.Context, id uint) (model.Network, error) {
	defer m.read()()
	n, ok := m.data.networks[id]
	if !ok {
		return model.Network{}, fmt.Errorf("network %d: %w", id, model.ErrNotFound)
	}
	return n, nil
}

func (m *MemoryStore) ListNetworks(_ context.Context) ([]model.Network, error) {
	defer m.read()()
	return sortedValues(m.data.networks, nil), nil
}

func (m *MemoryStore) ClusterNetworks(_ context.Context, clusterID uint) ([]model.Network, error) {
	defer m.read()()
	return sortedValues(m.data.networks, func(n model.Network) bool { return n.ClusterID == clusterID }), nil
}

func (m *MemoryStore) CreateNetwork(_ context.Context, n *model.Network) error {
	defer m.write()()
	for _, existing := range m.data.networks {
		if existing.CIDR == n.CIDR {
			return fmt.Errorf("network %s: %w", n.CIDR, model.ErrConflict)
		}
	}
	n.ID = m.data.nextID()
	m.data.networks[n.ID] = *n
	return nil
}

func (m *MemoryStore) ListVlans(_ context.Context) ([]model.Vlan, error) {
	defer m.read()()
	out := lo.Values(m.data.vlans)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateVlan(_ context.Context, v *model.Vlan) error {
	defer m.write()()
	if _, ok := m.data.vlans[v.ID]; ok {
		return fmt.Errorf("vlan %d: %w", v.ID, model.ErrConflict)
	}
	m.data.vlans[v.ID] = *v
	return nil
}

func (m *MemoryStore) ListIPAddrs(_ context.Context, networkID uint) ([]model.IPAddr, error) {
	defer m.read()()
	return sortedValues(m.data.ipaddrs, func(a model.IPAddr) bool { return a.NetworkID == networkID }), nil
}

func (m *MemoryStore) NodeIPAddrs(_ context.Context, nodeID uint) ([]model.IPAddr, error) {
	defer m.read()()
	return sortedValues(m.data.ipaddrs, func(a model.IPAddr) bool { return a.NodeID == nodeID }), nil
}

func (m *MemoryStore) CreateIPAddr(_ context.Context, a *model.IPAddr) error {
	defer m.write()()
	for _, existing := range m.data.ipaddrs {
		if existing.NetworkID == a.NetworkID && existing.Address == a.Address {
			return fmt.Errorf("address %s: %w", a.Address, model.ErrConflict)
		}
	}
	a.ID = m.data.nextID()
	m.data.ipaddrs[a.ID] = *a
	return nil
}

func (m *MemoryStore) CreateTask(_ context.Context, t *model.Task) error {
	defer m.write()()
	for _, existing := range m.data.tasks {
		if existing.UUID == t.UUID {
			return fmt.Errorf("task %s: %w", t.UUID, model.ErrConflict)
		}
	}
	t.ID = m.data.nextID()
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	m.data.tasks[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, uuid string) (model.Task, error) {
	defer m.read()()
	for _, t := range m.data.tasks {
		if t.UUID == uuid {
			return t, nil
		}
	}
	return model.Task{}, model.ErrTaskNotFound
}

func (m *MemoryStore) ListTasks(_ context.Context, clusterID uint, limit int) ([]model.Task, error) {
	defer m.read()()
	out := sortedValues(m.data.tasks, func(t model.Task) bool {
		return clusterID == 0 || t.ClusterID == clusterID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, t *model.Task) error {
	defer m.write()()
	for id, existing := range m.data.tasks {
		if existing.UUID != t.UUID {
			continue
		}
		existing.Name = t.Name
		existing.Status = t.Status
		existing.Progress = t.Progress
		existing.Message = t.Message
		existing.UpdatedAt = time.Now()
		m.data.tasks[id] = existing
		*t = existing
		return nil
	}
	return model.ErrTaskNotFound
}
