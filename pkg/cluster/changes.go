package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"provisiond/pkg/logging"
	"provisiond/pkg/model"
	"provisiond/pkg/netmanager"
	"provisiond/pkg/provision"
	"provisiond/pkg/store"
	"provisiond/pkg/task"
)

// ValidateEligibility checks every node before any is touched and reports
// the first one that may not enter provisioning.
func ValidateEligibility(nodes []model.Node) error {
	for _, n := range nodes {
		if !n.Status.CanProvision() {
			return model.NotEligible(n)
		}
	}
	return nil
}

// NodeFailure records a node that could not be provisioned.
type NodeFailure struct {
	NodeID uint   `json:"node_id"`
	Error  string `json:"error"`
}

// ChangesResult is the outcome of ApplyChanges.
type ChangesResult struct {
	Cluster    model.Cluster `json:"cluster"`
	Task       model.Task    `json:"task"`
	Dispatched []uint        `json:"dispatched"`
	Failed     []NodeFailure `json:"failed,omitempty"`
}

// NodeManifest is one entry of the deploy message.
type NodeManifest struct {
	ID          uint                     `json:"id"`
	Status      model.NodeStatus         `json:"status"`
	IP          string                   `json:"ip"`
	MAC         string                   `json:"mac"`
	Role        string                   `json:"role"`
	NetworkData []netmanager.NetworkData `json:"network_data"`
}

// ApplyChanges provisions every node of the cluster and casts a deploy
// message for the workers.
//
// A node whose status changed since validation is skipped. Backend failures
// do not stop the remaining nodes; they are returned joined, together with
// the result, after the deploy message was cast.
func (s *Service) ApplyChanges(ctx context.Context, clusterID uint) (*ChangesResult, error) {
	c, err := s.st.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	t, err := s.tasks.OpenTask(ctx, task.MethodDeploy, fmt.Sprintf("Provisioning cluster %d", clusterID), clusterID)
	if err != nil {
		return nil, err
	}
	driver, err := s.newDriver(s.backend)
	if err != nil {
		return nil, err
	}
	if closer, ok := driver.(io.Closer); ok {
		defer closer.Close()
	}
	if err := ValidateEligibility(c.Nodes); err != nil {
		return nil, err
	}

	errs := s.provisionNodes(ctx, c.Nodes, driver)
	result := &ChangesResult{Task: t}
	var failures []error
	for i, n := range c.Nodes {
		if errs[i] != nil {
			result.Failed = append(result.Failed, NodeFailure{NodeID: n.ID, Error: errs[i].Error()})
			failures = append(failures, fmt.Errorf("node %d: %w", n.ID, errs[i]))
			continue
		}
		result.Dispatched = append(result.Dispatched, n.ID)
	}

	err = s.st.WithTx(ctx, func(tx store.Tx) error {
		return s.net.AssignIPs(ctx, tx, clusterID, ManagementNetwork)
	})
	switch {
	case errors.Is(err, netmanager.ErrNetworkMissing):
		s.log.Warn("cluster has no management network, skipping address assignment", zap.Uint(logging.FieldClusterID, clusterID))
	case err != nil:
		return nil, fmt.Errorf("failed to assign management addresses: %w", err)
	}

	manifest, err := s.manifest(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.Dispatch(ctx, task.MethodDeploy, task.MethodDeployResp, t.UUID, map[string]any{"nodes": manifest}); err != nil {
		return nil, err
	}

	if result.Cluster, err = s.st.GetCluster(ctx, clusterID); err != nil {
		return nil, err
	}
	s.log.Info("cluster changes applied",
		zap.Uint(logging.FieldClusterID, clusterID),
		zap.String(logging.FieldTaskUUID, t.UUID),
		zap.Int("dispatched", len(result.Dispatched)),
		zap.Int("failed", len(result.Failed)))
	return result, errors.Join(failures...)
}

// provisionNodes claims and dispatches each node; the returned slice is
// indexed like nodes.
func (s *Service) provisionNodes(ctx context.Context, nodes []model.Node, driver provision.Driver) []error {
	errs := make([]error, len(nodes))
	if s.concurrency <= 1 {
		for i, n := range nodes {
			errs[i] = s.provisionNode(ctx, n, driver)
		}
		return errs
	}
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, n := range nodes {
		g.Go(func() error {
			errs[i] = s.provisionNode(ctx, n, driver)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// provisionNode commits the move to provisioning before calling the
// backend, so a concurrent request cannot claim the same node.
func (s *Service) provisionNode(ctx context.Context, n model.Node, driver provision.Driver) error {
	ok, err := s.st.CompareAndSetNodeStatus(ctx, n.ID, model.ProvisionableStatuses, model.NodeProvisioning)
	if err != nil {
		return fmt.Errorf("failed to claim node: %w", err)
	}
	if !ok {
		current, err := s.st.GetNode(ctx, n.ID)
		if err != nil {
			return err
		}
		s.log.Warn("node claimed by another request, skipping", zap.Uint(logging.FieldNodeID, n.ID), zap.String("status", string(current.Status)))
		return model.NotEligible(current)
	}
	return s.dispatcher.Dispatch(ctx, n, driver, s.profile)
}

func (s *Service) manifest(ctx context.Context, clusterID uint) ([]NodeManifest, error) {
	nodes, err := s.st.ClusterNodes(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	out := make([]NodeManifest, 0, len(nodes))
	for _, n := range nodes {
		data, err := s.net.NodeNetworks(ctx, s.st, n.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to render networks of node %d: %w", n.ID, err)
		}
		out = append(out, NodeManifest{
			ID:          n.ID,
			Status:      n.Status,
			IP:          n.IP,
			MAC:         n.MAC,
			Role:        n.Role,
			NetworkData: data,
		})
	}
	return out, nil
}

// VerifyNetworks asks the workers to check the cluster's network
// connectivity.
func (s *Service) VerifyNetworks(ctx context.Context, clusterID uint) (model.Task, error) {
	if _, err := s.st.GetCluster(ctx, clusterID); err != nil {
		return model.Task{}, err
	}
	t, err := s.tasks.OpenTask(ctx, task.MethodVerifyNetworks, fmt.Sprintf("Verify networks for cluster %d", clusterID), clusterID)
	if err != nil {
		return model.Task{}, err
	}
	if err := s.tasks.Dispatch(ctx, task.MethodVerifyNetworks, task.MethodVerifyNetworksResp, t.UUID, nil); err != nil {
		return model.Task{}, err
	}
	return t, nil
}
