package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"provisiond/pkg/model"
)

// GormStore persists records through gorm (MySQL or SQLite).
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// Ping reports database reachability for health endpoints.
func (s *GormStore) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// translate maps driver errors onto the model sentinels.
func translate(err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return notFound
	case errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err):
		return fmt.Errorf("%w: %v", model.ErrConflict, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate entry")
}

func (s *GormStore) CreateRelease(ctx context.Context, r *model.Release) error {
	return translate(s.conn(ctx).Create(r).Error, model.ErrReleaseNotFound)
}

func (s *GormStore) GetRelease(ctx context.Context, id uint) (model.Release, error) {
	var r model.Release
	err := s.conn(ctx).First(&r, id).Error
	return r, translate(err, model.ErrReleaseNotFound)
}

func (s *GormStore) ListReleases(ctx context.Context) ([]model.Release, error) {
	var out []model.Release
	err := s.conn(ctx).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) CreateCluster(ctx context.Context, c *model.Cluster) error {
	if err := s.conn(ctx).Select("id").First(&model.Release{}, c.ReleaseID).Error; err != nil {
		return translate(err, model.ErrReleaseNotFound)
	}
	return translate(s.conn(ctx).Omit(clause.Associations).Create(c).Error, model.ErrClusterNotFound)
}

func (s *GormStore) preloadCluster(ctx context.Context) *gorm.DB {
	return s.conn(ctx).
		Preload("Release").
		Preload("Nodes", func(db *gorm.DB) *gorm.DB { return db.Order("nodes.id") }).
		Preload("Networks", func(db *gorm.DB) *gorm.DB { return db.Order("networks.id") })
}

func (s *GormStore) GetCluster(ctx context.Context, id uint) (model.Cluster, error) {
	var c model.Cluster
	err := s.preloadCluster(ctx).First(&c, id).Error
	return c, translate(err, model.ErrClusterNotFound)
}

func (s *GormStore) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	var out []model.Cluster
	err := s.preloadCluster(ctx).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) UpdateCluster(ctx context.Context, c *model.Cluster) error {
	var count int64
	if err := s.conn(ctx).Model(&model.Cluster{}).Where("id = ?", c.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return model.ErrClusterNotFound
	}
	err := s.conn(ctx).Model(&model.Cluster{ID: c.ID}).
		Select("name", "type", "mode", "redundancy").
		Updates(c).Error
	return translate(err, model.ErrClusterNotFound)
}

func (s *GormStore) DeleteCluster(ctx context.Context, id uint) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&model.Cluster{}, id).Error; err != nil {
			return translate(err, model.ErrClusterNotFound)
		}
		var nets []model.Network
		if err := tx.Where("cluster_id = ?", id).Find(&nets).Error; err != nil {
			return err
		}
		if len(nets) > 0 {
			netIDs := make([]uint, 0, len(nets))
			vlanIDs := make([]int, 0, len(nets))
			for _, n := range nets {
				netIDs = append(netIDs, n.ID)
				vlanIDs = append(vlanIDs, n.VlanID)
			}
			if err := tx.Where("network_id IN ?", netIDs).Delete(&model.IPAddr{}).Error; err != nil {
				return fmt.Errorf("failed to delete addresses: %w", err)
			}
			if err := tx.Where("id IN ?", netIDs).Delete(&model.Network{}).Error; err != nil {
				return fmt.Errorf("failed to delete networks: %w", err)
			}
			if err := tx.Where("id IN ?", vlanIDs).Delete(&model.Vlan{}).Error; err != nil {
				return fmt.Errorf("failed to release vlans: %w", err)
			}
		}
		if err := tx.Where("cluster_id = ?", id).Delete(&model.Task{}).Error; err != nil {
			return fmt.Errorf("failed to delete tasks: %w", err)
		}
		if err := tx.Model(&model.Node{}).Where("cluster_id = ?", id).Update("cluster_id", nil).Error; err != nil {
			return fmt.Errorf("failed to detach nodes: %w", err)
		}
		return tx.Delete(&model.Cluster{}, id).Error
	})
}

func (s *GormStore) CreateNode(ctx context.Context, n *model.Node) error {
	if n.Status == "" {
		n.Status = model.NodeDiscover
	}
	return translate(s.conn(ctx).Create(n).Error, model.ErrNodeNotFound)
}

func (s *GormStore) GetNode(ctx context.Context, id uint) (model.Node, error) {
	var n model.Node
	err := s.conn(ctx).First(&n, id).Error
	return n, translate(err, model.ErrNodeNotFound)
}

func (s *GormStore) ListNodes(ctx context.Context) ([]model.Node, error) {
	var out []model.Node
	err := s.conn(ctx).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) NodesByIDs(ctx context.Context, ids []uint) ([]model.Node, error) {
	var out []model.Node
	if len(ids) == 0 {
		return out, nil
	}
	err := s.conn(ctx).Where("id IN ?", ids).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) ClusterNodes(ctx context.Context, clusterID uint) ([]model.Node, error) {
	var out []model.Node
	err := s.conn(ctx).Where("cluster_id = ?", clusterID).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) UpdateNode(ctx context.Context, id uint, ch NodeChanges) error {
	cols := ch.columns()
	if len(cols) == 0 {
		_, err := s.GetNode(ctx, id)
		return err
	}
	res := s.conn(ctx).Model(&model.Node{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return translate(res.Error, model.ErrNodeNotFound)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetNode(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) SetClusterNodes(ctx context.Context, clusterID uint, nodeIDs []uint) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&model.Cluster{}, clusterID).Error; err != nil {
			return translate(err, model.ErrClusterNotFound)
		}
		if len(nodeIDs) > 0 {
			var count int64
			if err := tx.Model(&model.Node{}).Where("id IN ?", nodeIDs).Count(&count).Error; err != nil {
				return err
			}
			if int(count) != len(uniq(nodeIDs)) {
				return model.ErrNodeNotFound
			}
		}
		if err := tx.Model(&model.Node{}).Where("cluster_id = ?", clusterID).Update("cluster_id", nil).Error; err != nil {
			return err
		}
		if len(nodeIDs) == 0 {
			return nil
		}
		return tx.Model(&model.Node{}).Where("id IN ?", nodeIDs).Update("cluster_id", clusterID).Error
	})
}

func uniq(ids []uint) map[uint]struct{} {
	out := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func (s *GormStore) CompareAndSetNodeStatus(ctx context.Context, id uint, from []model.NodeStatus, to model.NodeStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	res := s.conn(ctx).Model(&model.Node{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.GetNode(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *GormStore) GetNetwork(ctx context.Context, id uint) (model.Network, error) {
	var n model.Network
	err := s.conn(ctx).First(&n, id).Error
	return n, translate(err, fmt.Errorf("network %d: %w", id, model.ErrNotFound))
}

func (s *GormStore) ListNetworks(ctx context.Context) ([]model.Network, error) {
	var out []model.Network
	err := s.conn(ctx).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) ClusterNetworks(ctx context.Context, clusterID uint) ([]model.Network, error) {
	var out []model.Network
	err := s.conn(ctx).Where("cluster_id = ?", clusterID).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) CreateNetwork(ctx context.Context, n *model.Network) error {
	return translate(s.conn(ctx).Create(n).Error, model.ErrNotFound)
}

func (s *GormStore) ListVlans(ctx context.Context) ([]model.Vlan, error) {
	var out []model.Vlan
	err := s.conn(ctx).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) CreateVlan(ctx context.Context, v *model.Vlan) error {
	return translate(s.conn(ctx).Create(v).Error, model.ErrNotFound)
}

func (s *GormStore) ListIPAddrs(ctx context.Context, networkID uint) ([]model.IPAddr, error) {
	var out []model.IPAddr
	err := s.conn(ctx).Where("network_id = ?", networkID).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) NodeIPAddrs(ctx context.Context, nodeID uint) ([]model.IPAddr, error) {
	var out []model.IPAddr
	err := s.conn(ctx).Where("node_id = ?", nodeID).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) CreateIPAddr(ctx context.Context, a *model.IPAddr) error {
	return translate(s.conn(ctx).Create(a).Error, model.ErrNotFound)
}

func (s *GormStore) CreateTask(ctx context.Context, t *model.Task) error {
	return translate(s.conn(ctx).Create(t).Error, model.ErrTaskNotFound)
}

func (s *GormStore) GetTask(ctx context.Context, uuid string) (model.Task, error) {
	var t model.Task
	err := s.conn(ctx).Where("uuid = ?", uuid).First(&t).Error
	return t, translate(err, model.ErrTaskNotFound)
}

func (s *GormStore) ListTasks(ctx context.Context, clusterID uint, limit int) ([]model.Task, error) {
	q := s.conn(ctx).Model(&model.Task{})
	if clusterID != 0 {
		q = q.Where("cluster_id = ?", clusterID)
	}
	var out []model.Task
	if limit > 0 {
		if err := q.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
			return nil, err
		}
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, nil
	}
	err := q.Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) UpdateTask(ctx context.Context, t *model.Task) error {
	res := s.conn(ctx).Model(&model.Task{}).Where("uuid = ?", t.UUID).
		Select("name", "status", "progress", "message").
		Updates(t)
	if res.Error != nil {
		return res.Error
	}
	updated, err := s.GetTask(ctx, t.UUID)
	if err != nil {
		return err
	}
	*t = updated
	return nil
}
