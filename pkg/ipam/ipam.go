// Package ipam allocates one VLAN tag and one IPv4 subnet per cluster network
// from the configured pools. Every call re-derives free space from the
// persisted Vlan and Network records, so allocation is global across
// clusters and controller replicas.
package ipam

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"go.uber.org/zap"
	"go4.org/netipx"

	"provisiond/pkg/config"
	"provisiond/pkg/logging"
	"provisiond/pkg/metrics"
	"provisiond/pkg/model"
	"provisiond/pkg/store"
)

const (
	// SubnetBits is the size of every carved subnet.
	SubnetBits = 24
	// MaxAttempts bounds the rescans after a stale snapshot.
	MaxAttempts = 5
	// LockName is the claim lock held for the whole allocation.
	LockName = "ipam"
)

// ErrStale marks an allocation whose free-space snapshot was invalidated by a
// concurrent claim. It always wraps model.ErrConflict.
var ErrStale = errors.New("allocation snapshot is stale")

// AllocationStore is the part of store.Tx the allocator reads and claims
// through.
type AllocationStore interface {
	ListVlans(ctx context.Context) ([]model.Vlan, error)
	ListNetworks(ctx context.Context) ([]model.Network, error)
	CreateVlan(ctx context.Context, v *model.Vlan) error
	CreateNetwork(ctx context.Context, n *model.Network) error
}

type Allocator struct {
	pools  config.Pools
	locker store.Locker
	log    *zap.Logger
}

func New(pools config.Pools, locker store.Locker, log *zap.Logger) *Allocator {
	if locker == nil {
		locker = store.NewLocalLocker()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{pools: pools, locker: locker, log: log.Named("ipam")}
}

// InTx runs fn in one transaction of st while holding the allocation lock.
// If fn fails with ErrStale the transaction is rolled back and fn runs
// again, at most MaxAttempts times.
func (a *Allocator) InTx(ctx context.Context, st store.Store, fn func(tx store.Tx) error) error {
	unlock, err := a.locker.Lock(ctx, LockName)
	if err != nil {
		return fmt.Errorf("failed to acquire allocation lock: %w", err)
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		err = st.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrStale) || attempt >= MaxAttempts {
			return err
		}
		metrics.IPAMRetries.Inc()
		a.log.Warn("allocation conflicted, rescanning", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// AllocateNetworks reserves a VLAN and a /24 for every requirement, in
// order, and persists them as Networks of cluster c. The returned slice
// mirrors reqs.
func (a *Allocator) AllocateNetworks(ctx context.Context, st AllocationStore, c model.Cluster, reqs []model.NetworkRequirement) ([]model.Network, error) {
	vlans, err := st.ListVlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list vlans: %w", err)
	}
	existing, err := st.ListNetworks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}

	usedVlans := make(map[int]struct{}, len(vlans))
	for _, v := range vlans {
		usedVlans[v.ID] = struct{}{}
	}
	usedNets := make([]netip.Prefix, 0, len(existing)+len(reqs))
	for _, n := range existing {
		p, err := netip.ParsePrefix(n.CIDR)
		if err != nil {
			return nil, fmt.Errorf("network %d has invalid cidr %q: %w", n.ID, n.CIDR, err)
		}
		usedNets = append(usedNets, p)
	}

	vlanPool := a.pools.VlanIDs()
	out := make([]model.Network, 0, len(reqs))
	for _, req := range reqs {
		pool, ok := a.pools.Networks[req.Access]
		if !ok {
			return nil, fmt.Errorf("network %q access %q: %w", req.Name, req.Access, model.ErrUnknownAccess)
		}

		tag, ok := NextVlan(vlanPool, usedVlans)
		if !ok {
			metrics.IPAMAllocations.WithLabelValues("vlan", "exhausted").Inc()
			return nil, fmt.Errorf("no free vlan for network %q: %w", req.Name, model.ErrPoolExhausted)
		}
		if err := st.CreateVlan(ctx, &model.Vlan{ID: tag}); err != nil {
			metrics.IPAMAllocations.WithLabelValues("vlan", "error").Inc()
			return nil, claimError("vlan", tag, err)
		}
		usedVlans[tag] = struct{}{}
		metrics.IPAMAllocations.WithLabelValues("vlan", "ok").Inc()

		subnet, err := NextSubnet(pool, a.pools.Exclude, usedNets, SubnetBits)
		if err != nil {
			metrics.IPAMAllocations.WithLabelValues("subnet", "exhausted").Inc()
			return nil, fmt.Errorf("network %q access %q: %w", req.Name, req.Access, err)
		}
		n := model.Network{
			ReleaseID: c.ReleaseID,
			ClusterID: c.ID,
			Name:      req.Name,
			Access:    req.Access,
			CIDR:      subnet.String(),
			Gateway:   subnet.Addr().Next().String(),
			VlanID:    tag,
		}
		if err := st.CreateNetwork(ctx, &n); err != nil {
			metrics.IPAMAllocations.WithLabelValues("subnet", "error").Inc()
			return nil, claimError("subnet", subnet, err)
		}
		usedNets = append(usedNets, subnet)
		metrics.IPAMAllocations.WithLabelValues("subnet", "ok").Inc()

		a.log.Debug("allocated network",
			zap.Uint(logging.FieldClusterID, c.ID),
			zap.String("name", n.Name),
			zap.String("cidr", n.CIDR),
			zap.Int("vlan", tag))
		out = append(out, n)
	}
	return out, nil
}

func claimError(resource string, value any, err error) error {
	if errors.Is(err, model.ErrConflict) {
		return fmt.Errorf("%w: %s %v already claimed: %w", ErrStale, resource, value, err)
	}
	return fmt.Errorf("failed to persist %s %v: %w", resource, value, err)
}

// NextVlan returns the lowest tag of pool absent from used. pool must be
// sorted ascending.
func NextVlan(pool []int, used map[int]struct{}) (int, bool) {
	for _, id := range pool {
		if _, taken := used[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

// NextSubnet returns the numerically first prefix of the given size that
// lies inside pool and overlaps neither exclude nor used. The free space is
// split into aligned blocks and the first block large enough is carved
// from its start.
func NextSubnet(pool, exclude, used []netip.Prefix, bits int) (netip.Prefix, error) {
	var b netipx.IPSetBuilder
	for _, p := range pool {
		b.AddPrefix(p.Masked())
	}
	for _, p := range exclude {
		b.RemovePrefix(p.Masked())
	}
	for _, p := range used {
		b.RemovePrefix(p.Masked())
	}
	free, err := b.IPSet()
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("failed to build free set: %w", err)
	}

	blocks := free.Prefixes()
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Addr().Less(blocks[j].Addr()) })
	for _, block := range blocks {
		if block.Bits() <= bits {
			return netip.PrefixFrom(block.Addr(), bits), nil
		}
	}
	return netip.Prefix{}, model.ErrPoolExhausted
}
