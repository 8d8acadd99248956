// Package cluster orchestrates cluster lifecycle: creation with network
// allocation, provisioning of member nodes and network verification.
package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"provisiond/pkg/ipam"
	"provisiond/pkg/logging"
	"provisiond/pkg/model"
	"provisiond/pkg/netmanager"
	"provisiond/pkg/provision"
	"provisiond/pkg/store"
	"provisiond/pkg/task"
)

// ManagementNetwork is the network whose addresses are bound before deploy.
const ManagementNetwork = "management"

// DriverFactory builds a provisioning backend session per request.
type DriverFactory func(cfg provision.Config) (provision.Driver, error)

type Options struct {
	Store      store.Store
	Allocator  *ipam.Allocator
	Correlator *task.Correlator
	Dispatcher *provision.Dispatcher
	NetManager *netmanager.Manager
	Backend    provision.Config
	Profile    string
	// DispatchConcurrency > 1 provisions that many nodes at once.
	DispatchConcurrency int
	NewDriver           DriverFactory
	Logger              *zap.Logger
}

type Service struct {
	st          store.Store
	alloc       *ipam.Allocator
	tasks       *task.Correlator
	dispatcher  *provision.Dispatcher
	net         *netmanager.Manager
	backend     provision.Config
	profile     provision.Profile
	concurrency int
	newDriver   DriverFactory
	log         *zap.Logger
}

func NewService(o Options) *Service {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	newDriver := o.NewDriver
	if newDriver == nil {
		newDriver = provision.New
	}
	concurrency := o.DispatchConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	nm := o.NetManager
	if nm == nil {
		nm = netmanager.New(log)
	}
	return &Service{
		st:          o.Store,
		alloc:       o.Allocator,
		tasks:       o.Correlator,
		dispatcher:  o.Dispatcher,
		net:         nm,
		backend:     o.Backend,
		profile:     provision.Profile{Name: o.Profile},
		concurrency: concurrency,
		newDriver:   newDriver,
		log:         log.Named("cluster"),
	}
}

// CreateRequest is the body of a cluster creation.
type CreateRequest struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Mode       string `json:"mode"`
	Redundancy int    `json:"redundancy"`
	Release    uint   `json:"release"`
	Nodes      []uint `json:"nodes"`
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", model.ErrInvalidRequest)
	}
	if r.Release == 0 {
		return fmt.Errorf("%w: release is required", model.ErrInvalidRequest)
	}
	return nil
}

// CreateCluster inserts the cluster and allocates one network per network
// requirement of its release. The insert and every allocation commit
// together or not at all.
func (s *Service) CreateCluster(ctx context.Context, req CreateRequest) (model.Cluster, error) {
	if err := req.validate(); err != nil {
		return model.Cluster{}, err
	}
	var c model.Cluster
	err := s.alloc.InTx(ctx, s.st, func(tx store.Tx) error {
		rel, err := tx.GetRelease(ctx, req.Release)
		if err != nil {
			return err
		}
		c = model.Cluster{
			Name:       req.Name,
			Type:       req.Type,
			Mode:       req.Mode,
			Redundancy: req.Redundancy,
			ReleaseID:  rel.ID,
		}
		if err := tx.CreateCluster(ctx, &c); err != nil {
			return fmt.Errorf("failed to create cluster: %w", err)
		}
		if len(req.Nodes) > 0 {
			if err := tx.SetClusterNodes(ctx, c.ID, lo.Uniq(req.Nodes)); err != nil {
				return fmt.Errorf("failed to attach nodes: %w", err)
			}
		}
		if _, err := s.alloc.AllocateNetworks(ctx, tx, c, rel.Networks); err != nil {
			return fmt.Errorf("failed to allocate networks: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Cluster{}, err
	}
	s.log.Info("cluster created", zap.Uint(logging.FieldClusterID, c.ID), zap.String("name", c.Name))
	return s.st.GetCluster(ctx, c.ID)
}

func (s *Service) GetCluster(ctx context.Context, id uint) (model.Cluster, error) {
	return s.st.GetCluster(ctx, id)
}

func (s *Service) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	return s.st.ListClusters(ctx)
}

// UpdateRequest carries the fields to change; nil fields are kept. Nodes
// replaces the node set.
type UpdateRequest struct {
	Name       *string `json:"name"`
	Type       *string `json:"type"`
	Mode       *string `json:"mode"`
	Redundancy *int    `json:"redundancy"`
	Nodes      *[]uint `json:"nodes"`
}

func (s *Service) UpdateCluster(ctx context.Context, id uint, req UpdateRequest) (model.Cluster, error) {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return model.Cluster{}, fmt.Errorf("%w: name must not be empty", model.ErrInvalidRequest)
	}
	err := s.st.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetCluster(ctx, id)
		if err != nil {
			return err
		}
		if req.Name != nil {
			c.Name = *req.Name
		}
		if req.Type != nil {
			c.Type = *req.Type
		}
		if req.Mode != nil {
			c.Mode = *req.Mode
		}
		if req.Redundancy != nil {
			c.Redundancy = *req.Redundancy
		}
		if err := tx.UpdateCluster(ctx, &c); err != nil {
			return fmt.Errorf("failed to update cluster: %w", err)
		}
		if req.Nodes != nil {
			if err := tx.SetClusterNodes(ctx, id, lo.Uniq(*req.Nodes)); err != nil {
				return fmt.Errorf("failed to set nodes: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Cluster{}, err
	}
	return s.st.GetCluster(ctx, id)
}

// DeleteCluster removes the cluster, its networks (releasing their VLANs and
// addresses) and its tasks. Member nodes are detached.
func (s *Service) DeleteCluster(ctx context.Context, id uint) error {
	if err := s.st.DeleteCluster(ctx, id); err != nil {
		return err
	}
	s.log.Info("cluster deleted", zap.Uint(logging.FieldClusterID, id))
	return nil
}

func (s *Service) ListNetworks(ctx context.Context) ([]model.Network, error) {
	return s.st.ListNetworks(ctx)
}

func (s *Service) GetTask(ctx context.Context, uuid string) (model.Task, error) {
	return s.st.GetTask(ctx, uuid)
}

func (s *Service) ListTasks(ctx context.Context, clusterID uint, limit int) ([]model.Task, error) {
	return s.st.ListTasks(ctx, clusterID, limit)
}
