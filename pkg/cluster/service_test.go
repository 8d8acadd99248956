package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"provisiond/pkg/config"
	"provisiond/pkg/db"
	"provisiond/pkg/ipam"
	"provisiond/pkg/model"
	"provisiond/pkg/provision"
	"provisiond/pkg/rpc"
	"provisiond/pkg/store"
	"provisiond/pkg/task"
)

type recordingCaster struct {
	mu   sync.Mutex
	sent []rpc.Envelope
}

func (r *recordingCaster) Cast(_ context.Context, _ string, msg rpc.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingCaster) last(t *testing.T) rpc.Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.sent)
	return r.sent[len(r.sent)-1]
}

// backends returns a fresh in-memory store and a gorm store on a temporary
// SQLite file.
func backends(t *testing.T) map[string]func(t *testing.T) store.Store {
	t.Helper()
	return map[string]func(t *testing.T) store.Store{
		"memory": func(*testing.T) store.Store { return store.NewMemoryStore() },
		"gorm": func(t *testing.T) store.Store {
			gdb, err := db.Init(config.DatabaseConfig{
				Driver: "sqlite",
				DSN:    "file:" + filepath.Join(t.TempDir(), "cluster.db"),
			})
			require.NoError(t, err)
			return store.NewGormStore(gdb)
		},
	}
}

type fixture struct {
	st      store.Store
	svc     *Service
	fake    *provision.Fake
	bus     *recordingCaster
	release model.Release
}

func testPools() config.Pools {
	return config.Pools{
		Vlans: []config.VlanRange{{From: 100, To: 101}},
		Networks: map[string][]netip.Prefix{
			"external": {netip.MustParsePrefix("172.18.0.0/16")},
			"internal": {netip.MustParsePrefix("10.1.0.0/16")},
		},
		Exclude: []netip.Prefix{netip.MustParsePrefix("10.20.0.0/24")},
	}
}

func newFixture(t *testing.T, st store.Store, pools config.Pools, concurrency int) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	bus := &recordingCaster{}
	fake := provision.NewFake()
	svc := NewService(Options{
		Store:               st,
		Allocator:           ipam.New(pools, store.NewLocalLocker(), log),
		Correlator:          task.NewCorrelator(st, bus, "naily", log),
		Dispatcher:          provision.NewDispatcher("/keys/bootstrap.rsa", "/keys/id_rsa", log),
		Backend:             provision.Config{ClassName: "fake"},
		Profile:             "centos-6.3-x86_64",
		DispatchConcurrency: concurrency,
		NewDriver:           func(provision.Config) (provision.Driver, error) { return fake, nil },
		Logger:              log,
	})
	rel, err := NewReleaseService(st, []string{"external", "internal"}).Create(context.Background(), ReleaseRequest{
		Name:    "essex",
		Version: "2012.1",
		Networks: []model.NetworkRequirement{
			{Name: "public", Access: "external"},
			{Name: ManagementNetwork, Access: "internal"},
		},
	})
	require.NoError(t, err)
	return &fixture{st: st, svc: svc, fake: fake, bus: bus, release: rel}
}

func (f *fixture) nodes(t *testing.T, statuses ...model.NodeStatus) []uint {
	t.Helper()
	ns := NewNodeService(f.st)
	var ids []uint
	for i, s := range statuses {
		n, err := ns.Create(context.Background(), NodeRequest{
			MAC:    []string{"52:54:00:00:00:01", "52:54:00:00:00:02", "52:54:00:00:00:03", "52:54:00:00:00:04", "52:54:00:00:00:05"}[i],
			IP:     []string{"10.20.0.11", "10.20.0.12", "10.20.0.13", "10.20.0.14", "10.20.0.15"}[i],
			Status: s,
		})
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}
	return ids
}

func TestCreateClusterAllocatesNetworks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), testPools(), 1)
	ids := f.nodes(t, model.NodeDiscover)

	c, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "prod", Mode: "multinode", Release: f.release.ID, Nodes: ids})
	require.NoError(t, err)

	require.Len(t, c.Networks, 2)
	assert.Equal(t, "public", c.Networks[0].Name)
	assert.Equal(t, 100, c.Networks[0].VlanID)
	assert.Equal(t, "172.18.0.0/24", c.Networks[0].CIDR)
	assert.Equal(t, "management", c.Networks[1].Name)
	assert.Equal(t, 101, c.Networks[1].VlanID)
	assert.Equal(t, "10.1.0.0/24", c.Networks[1].CIDR)
	assert.Equal(t, "10.1.0.1", c.Networks[1].Gateway)
	require.Len(t, c.Nodes, 1)
	assert.Equal(t, ids[0], c.Nodes[0].ID)
}

func TestCreateClusterIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	for backend, open := range backends(t) {
		t.Run(backend, func(t *testing.T) {
			f := newFixture(t, open(t), testPools(), 1)

			_, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "first", Release: f.release.ID})
			require.NoError(t, err)

			_, err = f.svc.CreateCluster(ctx, CreateRequest{Name: "second", Release: f.release.ID})
			assert.ErrorIs(t, err, model.ErrPoolExhausted)

			clusters, err := f.svc.ListClusters(ctx)
			require.NoError(t, err)
			assert.Len(t, clusters, 1)
			vlans, _ := f.st.ListVlans(ctx)
			assert.Len(t, vlans, 2)
		})
	}
}

func TestCreateClusterValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), testPools(), 1)

	_, err := f.svc.CreateCluster(ctx, CreateRequest{Release: f.release.ID})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
	_, err = f.svc.CreateCluster(ctx, CreateRequest{Name: "x", Release: 999})
	assert.ErrorIs(t, err, model.ErrReleaseNotFound)
	_, err = f.svc.CreateCluster(ctx, CreateRequest{Name: "x", Release: f.release.ID, Nodes: []uint{999}})
	assert.ErrorIs(t, err, model.ErrNodeNotFound)
}

func TestApplyChangesTwoNodes(t *testing.T) {
	ctx := context.Background()
	for backend, open := range backends(t) {
		t.Run(backend, func(t *testing.T) {
			f := newFixture(t, open(t), testPools(), 1)
			ids := f.nodes(t, model.NodeDiscover, model.NodeReady)
			c, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "prod", Release: f.release.ID, Nodes: ids})
			require.NoError(t, err)

			res, err := f.svc.ApplyChanges(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, ids, res.Dispatched)
			assert.Empty(t, res.Failed)
			assert.Equal(t, model.TaskRunning, res.Task.Status)
			assert.NotEmpty(t, res.Task.UUID)

			for _, n := range res.Cluster.Nodes {
				assert.Equal(t, model.NodeProvisioning, n.Status)
			}

			saved := f.fake.SavedNodes()
			require.Len(t, saved, 2)
			assert.Equal(t, "rsa:/keys/bootstrap.rsa", saved[0].Power.Pass)
			assert.Equal(t, "rsa:/keys/id_rsa", saved[1].Power.Pass)
			assert.Equal(t, "centos-6.3-x86_64", saved[0].Profile.Name)
			assert.Len(t, f.fake.RebootedNodes(), 2)

			msg := f.bus.last(t)
			assert.Equal(t, task.MethodDeploy, msg.Method)
			assert.Equal(t, task.MethodDeployResp, msg.RespondTo)
			assert.Equal(t, res.Task.UUID, msg.TaskUUID())

			raw, err := json.Marshal(msg.Args["nodes"])
			require.NoError(t, err)
			var manifest []NodeManifest
			require.NoError(t, json.Unmarshal(raw, &manifest))
			require.Len(t, manifest, 2)
			assert.Equal(t, model.NodeProvisioning, manifest[0].Status)
			require.Len(t, manifest[0].NetworkData, 1)
			assert.Equal(t, "10.1.0.2/24", manifest[0].NetworkData[0].IP)
			assert.Equal(t, "10.1.0.3/24", manifest[1].NetworkData[0].IP)
			assert.Equal(t, 101, manifest[1].NetworkData[0].Vlan)
		})
	}
}

func TestApplyChangesRejectsIneligibleBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), testPools(), 1)
	ids := f.nodes(t, model.NodeReady, model.NodeDeploying)
	c, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "prod", Release: f.release.ID, Nodes: ids})
	require.NoError(t, err)

	_, err = f.svc.ApplyChanges(ctx, c.ID)
	var notEligible *model.NodeNotEligibleError
	require.ErrorAs(t, err, &notEligible)
	assert.Equal(t, ids[1], notEligible.NodeID)
	assert.Equal(t, "node 52:54:00:00:00:02 (10.20.0.12) status:deploying not in [discover ready]", err.Error())

	n, _ := f.st.GetNode(ctx, ids[0])
	assert.Equal(t, model.NodeReady, n.Status, "no node may change when the batch is rejected")
	assert.Empty(t, f.fake.SavedNodes())
	assert.Empty(t, f.bus.sent)

	tasks, _ := f.st.ListTasks(ctx, c.ID, 0)
	assert.Len(t, tasks, 1, "the task is opened before validation")
}

func TestApplyChangesIsNotRepeatable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), testPools(), 1)
	ids := f.nodes(t, model.NodeDiscover)
	c, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "prod", Release: f.release.ID, Nodes: ids})
	require.NoError(t, err)

	_, err = f.svc.ApplyChanges(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.svc.ApplyChanges(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrNodeNotEligible)
	assert.Len(t, f.fake.SavedNodes(), 1)
}

func TestApplyChangesContinuesAfterBackendFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), testPools(), 1)
	ids := f.nodes(t, model.NodeDiscover, model.NodeDiscover)
	c, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "prod", Release: f.release.ID, Nodes: ids})
	require.NoError(t, err)
	first, _ := f.st.GetNode(ctx, ids[0])
	f.fake.SaveErr[f.svc.dispatcher.Descriptor(first, provision.Profile{}).Name] = errors.New("cobbler down")

	res, err := f.svc.ApplyChanges(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, []uint{ids[1]}, res.Dispatched)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, ids[0], res.Failed[0].NodeID)

	n, _ := f.st.GetNode(ctx, ids[0])
	assert.Equal(t, model.NodeProvisioning, n.Status, "the claim stays committed after a backend failure")
	assert.Equal(t, task.MethodDeploy, f.bus.last(t).Method)
}

func TestApplyChangesBackendConfigError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), testPools(), 1)
	ids := f.nodes(t, model.NodeDiscover)
	c, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "prod", Release: f.release.ID, Nodes: ids})
	require.NoError(t, err)
	f.svc.newDriver = provision.New
	f.svc.backend = provision.Config{ClassName: "cobbler", URL: "not a url"}

	_, err = f.svc.ApplyChanges(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrBackendConfig)
	n, _ := f.st.GetNode(ctx, ids[0])
	assert.Equal(t, model.NodeDiscover, n.Status)
}

func TestApplyChangesConcurrentDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), testPools(), 3)
	ids := f.nodes(t, model.NodeDiscover, model.NodeReady, model.NodeDiscover, model.NodeReady, model.NodeDiscover)
	c, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "prod", Release: f.release.ID, Nodes: ids})
	require.NoError(t, err)

	res, err := f.svc.ApplyChanges(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ids, res.Dispatched, "results keep node order")
	assert.Len(t, f.fake.SavedNodes(), 5)
}

// racingStore loses the status claim for one node, as if another request
// had taken it between validation and transition.
type racingStore struct {
	store.Store
	stolen uint
}

func (r *racingStore) CompareAndSetNodeStatus(ctx context.Context, id uint, from []model.NodeStatus, to model.NodeStatus) (bool, error) {
	if id == r.stolen {
		if _, err := r.Store.CompareAndSetNodeStatus(ctx, id, from, model.NodeProvisioning); err != nil {
			return false, err
		}
		return false, nil
	}
	return r.Store.CompareAndSetNodeStatus(ctx, id, from, to)
}

func TestApplyChangesSkipsNodeLostToRace(t *testing.T) {
	ctx := context.Background()
	rs := &racingStore{Store: store.NewMemoryStore()}
	f := newFixture(t, rs, testPools(), 1)
	ids := f.nodes(t, model.NodeDiscover, model.NodeReady)
	rs.stolen = ids[0]
	c, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "prod", Release: f.release.ID, Nodes: ids})
	require.NoError(t, err)

	res, err := f.svc.ApplyChanges(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrNodeNotEligible)
	require.NotNil(t, res)
	assert.Equal(t, []uint{ids[1]}, res.Dispatched)
	require.Len(t, f.fake.SavedNodes(), 1)
	assert.Equal(t, "52:54:00:00:00:02", f.fake.SavedNodes()[0].MAC)
}

func TestVerifyNetworks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), testPools(), 1)
	c, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "prod", Release: f.release.ID})
	require.NoError(t, err)

	tk, err := f.svc.VerifyNetworks(ctx, c.ID)
	require.NoError(t, err)
	msg := f.bus.last(t)
	assert.Equal(t, rpc.Envelope{
		Method:    task.MethodVerifyNetworks,
		RespondTo: task.MethodVerifyNetworksResp,
		Args:      map[string]any{"task_uuid": tk.UUID},
	}, msg)

	_, err = f.svc.VerifyNetworks(ctx, 999)
	assert.ErrorIs(t, err, model.ErrClusterNotFound)
}

func TestUpdateAndDeleteCluster(t *testing.T) {
	ctx := context.Background()
	for backend, open := range backends(t) {
		t.Run(backend, func(t *testing.T) {
			f := newFixture(t, open(t), testPools(), 1)
			ids := f.nodes(t, model.NodeDiscover, model.NodeReady)
			c, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "prod", Release: f.release.ID, Nodes: ids[:1]})
			require.NoError(t, err)

			name, nodes := "staging", []uint{ids[1]}
			c, err = f.svc.UpdateCluster(ctx, c.ID, UpdateRequest{Name: &name, Nodes: &nodes})
			require.NoError(t, err)
			assert.Equal(t, "staging", c.Name)
			require.Len(t, c.Nodes, 1)
			assert.Equal(t, ids[1], c.Nodes[0].ID)

			require.NoError(t, f.svc.DeleteCluster(ctx, c.ID))
			_, err = f.svc.GetCluster(ctx, c.ID)
			assert.ErrorIs(t, err, model.ErrClusterNotFound)

			// Released resources are reusable.
			again, err := f.svc.CreateCluster(ctx, CreateRequest{Name: "prod", Release: f.release.ID})
			require.NoError(t, err)
			assert.Equal(t, 100, again.Networks[0].VlanID)
			assert.Equal(t, "172.18.0.0/24", again.Networks[0].CIDR)
		})
	}
}

func TestValidateEligibility(t *testing.T) {
	assert.NoError(t, ValidateEligibility(nil))
	assert.NoError(t, ValidateEligibility([]model.Node{{Status: model.NodeDiscover}, {Status: model.NodeReady}}))
	err := ValidateEligibility([]model.Node{{ID: 1, Status: model.NodeReady}, {ID: 2, Status: model.NodeOffline}, {ID: 3, Status: model.NodeError}})
	var ne *model.NodeNotEligibleError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, uint(2), ne.NodeID)
}
