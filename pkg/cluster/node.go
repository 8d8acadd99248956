package cluster

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"provisiond/pkg/model"
	"provisiond/pkg/store"
)

// NodeRequest registers a node, typically sent by the discovery image.
type NodeRequest struct {
	Name   string           `json:"name"`
	MAC    string           `json:"mac"`
	IP     string           `json:"ip"`
	Role   string           `json:"role"`
	Status model.NodeStatus `json:"status"`
}

// NodeUpdate changes the given fields of a node.
type NodeUpdate struct {
	Name   *string           `json:"name"`
	IP     *string           `json:"ip"`
	Role   *string           `json:"role"`
	Status *model.NodeStatus `json:"status"`
}

type NodeService struct {
	st store.Store
}

func NewNodeService(st store.Store) *NodeService {
	return &NodeService{st: st}
}

func normalizeMAC(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: mac %q: %v", model.ErrInvalidRequest, s, err)
	}
	return hw.String(), nil
}

func validateIP(s string) error {
	if s == "" {
		return nil
	}
	if _, err := netip.ParseAddr(s); err != nil {
		return fmt.Errorf("%w: ip %q: %v", model.ErrInvalidRequest, s, err)
	}
	return nil
}

func (s *NodeService) Create(ctx context.Context, req NodeRequest) (model.Node, error) {
	mac, err := normalizeMAC(req.MAC)
	if err != nil {
		return model.Node{}, err
	}
	if err := validateIP(req.IP); err != nil {
		return model.Node{}, err
	}
	if req.Status == "" {
		req.Status = model.NodeDiscover
	}
	if !req.Status.Valid() {
		return model.Node{}, fmt.Errorf("%w: status %q", model.ErrInvalidRequest, req.Status)
	}
	n := model.Node{Name: req.Name, MAC: mac, IP: req.IP, Role: req.Role, Status: req.Status}
	if err := s.st.CreateNode(ctx, &n); err != nil {
		return model.Node{}, fmt.Errorf("failed to create node: %w", err)
	}
	return n, nil
}

func (s *NodeService) Get(ctx context.Context, id uint) (model.Node, error) {
	return s.st.GetNode(ctx, id)
}

func (s *NodeService) List(ctx context.Context) ([]model.Node, error) {
	return s.st.ListNodes(ctx)
}

func (s *NodeService) Update(ctx context.Context, id uint, req NodeUpdate) (model.Node, error) {
	if req.IP != nil {
		if err := validateIP(*req.IP); err != nil {
			return model.Node{}, err
		}
	}
	if req.Status != nil && !req.Status.Valid() {
		return model.Node{}, fmt.Errorf("%w: status %q", model.ErrInvalidRequest, *req.Status)
	}
	var out model.Node
	err := s.st.WithTx(ctx, func(tx store.Tx) error {
		n, err := tx.GetNode(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != nil && *req.Status != n.Status {
			ok, err := tx.CompareAndSetNodeStatus(ctx, id, []model.NodeStatus{n.Status}, *req.Status)
			if err != nil {
				return fmt.Errorf("failed to update node status: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w: node %d left status %s during the update", model.ErrConflict, id, n.Status)
			}
		}
		ch := store.NodeChanges{Name: req.Name, IP: req.IP, Role: req.Role}
		if err := tx.UpdateNode(ctx, id, ch); err != nil {
			return fmt.Errorf("failed to update node: %w", err)
		}
		out, err = tx.GetNode(ctx, id)
		return err
	})
	return out, err
}
