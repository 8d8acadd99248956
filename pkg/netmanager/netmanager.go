// Package netmanager binds host addresses of cluster networks to nodes and
// renders the per-node network data handed to workers.
package netmanager

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"
	"go4.org/netipx"

	"provisiond/pkg/logging"
	"provisiond/pkg/model"
)

// ErrNetworkMissing is returned when the cluster has no network of the
// requested name.
var ErrNetworkMissing = fmt.Errorf("network %w", model.ErrNotFound)

// DefaultDevice is the interface name reported for every address.
const DefaultDevice = "eth0"

type Store interface {
	ClusterNodes(ctx context.Context, clusterID uint) ([]model.Node, error)
	ClusterNetworks(ctx context.Context, clusterID uint) ([]model.Network, error)
	GetNetwork(ctx context.Context, id uint) (model.Network, error)
	ListIPAddrs(ctx context.Context, networkID uint) ([]model.IPAddr, error)
	NodeIPAddrs(ctx context.Context, nodeID uint) ([]model.IPAddr, error)
	CreateIPAddr(ctx context.Context, a *model.IPAddr) error
}

// NetworkData describes one configured address of a node.
type NetworkData struct {
	Name    string `json:"name"`
	Vlan    int    `json:"vlan"`
	IP      string `json:"ip"`
	Netmask string `json:"netmask"`
	Brd     string `json:"brd"`
	Gateway string `json:"gateway"`
	Dev     string `json:"dev"`
}

type Manager struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log.Named("netmanager")}
}

// AssignIPs gives every node of the cluster that has no address in the named
// network the lowest free host address of it. The network address, the
// gateway and the broadcast address are never handed out.
func (m *Manager) AssignIPs(ctx context.Context, st Store, clusterID uint, networkName string) error {
	nets, err := st.ClusterNetworks(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	var nw *model.Network
	for i := range nets {
		if nets[i].Name == networkName {
			nw = &nets[i]
			break
		}
	}
	if nw == nil {
		return fmt.Errorf("cluster %d %q: %w", clusterID, networkName, ErrNetworkMissing)
	}
	prefix, err := netip.ParsePrefix(nw.CIDR)
	if err != nil {
		return fmt.Errorf("network %d has invalid cidr %q: %w", nw.ID, nw.CIDR, err)
	}
	prefix = prefix.Masked()

	taken := map[netip.Addr]struct{}{
		prefix.Addr():                {},
		netipx.PrefixLastIP(prefix): {},
	}
	if gw, err := netip.ParseAddr(nw.Gateway); err == nil {
		taken[gw] = struct{}{}
	}
	addrs, err := st.ListIPAddrs(ctx, nw.ID)
	if err != nil {
		return fmt.Errorf("failed to list addresses: %w", err)
	}
	bound := make(map[uint]struct{}, len(addrs))
	for _, a := range addrs {
		bound[a.NodeID] = struct{}{}
		if ip, err := netip.ParseAddr(a.Address); err == nil {
			taken[ip] = struct{}{}
		}
	}

	nodes, err := st.ClusterNodes(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}
	next := prefix.Addr()
	for _, n := range nodes {
		if _, ok := bound[n.ID]; ok {
			continue
		}
		for {
			next = next.Next()
			if !next.IsValid() || !prefix.Contains(next) {
				return fmt.Errorf("network %s: %w", nw.CIDR, model.ErrPoolExhausted)
			}
			if _, used := taken[next]; !used {
				break
			}
		}
		a := model.IPAddr{NetworkID: nw.ID, NodeID: n.ID, Address: next.String()}
		if err := st.CreateIPAddr(ctx, &a); err != nil {
			return fmt.Errorf("failed to bind %s to node %d: %w", a.Address, n.ID, err)
		}
		taken[next] = struct{}{}
		m.log.Debug("address assigned", zap.Uint(logging.FieldNodeID, n.ID), zap.String("network", networkName), zap.String("ip", a.Address))
	}
	return nil
}

// NodeNetworks lists the addresses bound to the node with their network
// parameters.
func (m *Manager) NodeNetworks(ctx context.Context, st Store, nodeID uint) ([]NetworkData, error) {
	addrs, err := st.NodeIPAddrs(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	out := make([]NetworkData, 0, len(addrs))
	for _, a := range addrs {
		nw, err := st.GetNetwork(ctx, a.NetworkID)
		if err != nil {
			return nil, err
		}
		prefix, err := netip.ParsePrefix(nw.CIDR)
		if err != nil {
			return nil, fmt.Errorf("network %d has invalid cidr %q: %w", nw.ID, nw.CIDR, err)
		}
		prefix = prefix.Masked()
		out = append(out, NetworkData{
			Name:    nw.Name,
			Vlan:    nw.VlanID,
			IP:      fmt.Sprintf("%s/%d", a.Address, prefix.Bits()),
			Netmask: netmask(prefix),
			Brd:     netipx.PrefixLastIP(prefix).String(),
			Gateway: nw.Gateway,
			Dev:     DefaultDevice,
		})
	}
	return out, nil
}

func netmask(p netip.Prefix) string {
	return net.IP(net.CIDRMask(p.Bits(), p.Addr().BitLen())).String()
}
