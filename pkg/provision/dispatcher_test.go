package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"provisiond/pkg/model"
)

func TestPowerPassSelection(t *testing.T) {
	d := NewDispatcher("/keys/bootstrap.rsa", "/keys/id_rsa", nil)
	tests := []struct {
		status model.NodeStatus
		want   string
	}{
		{model.NodeDiscover, "rsa:/keys/bootstrap.rsa"},
		{model.NodeReady, "rsa:/keys/id_rsa"},
		{model.NodeProvisioning, "rsa:/keys/id_rsa"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, d.PowerPass(tt.status))
		})
	}
}

func TestDescriptor(t *testing.T) {
	d := NewDispatcher("/keys/bootstrap.rsa", "/keys/id_rsa", nil)
	n := model.Node{ID: 7, MAC: "52:54:00:12:34:56", IP: "10.20.0.7", Status: model.NodeDiscover}

	got := d.Descriptor(n, Profile{Name: "centos-6.3-x86_64"})
	assert.Equal(t, Node{
		Name:    "7_52:54:00:12:34:56",
		MAC:     "52:54:00:12:34:56",
		Profile: Profile{Name: "centos-6.3-x86_64"},
		PXE:     true,
		Power: Power{
			Type:    "ssh",
			User:    "root",
			Pass:    "rsa:/keys/bootstrap.rsa",
			Address: "10.20.0.7",
		},
	}, got)
}

func TestDispatchSavesThenReboots(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	d := NewDispatcher("/keys/bootstrap.rsa", "/keys/id_rsa", zap.New(core))
	fake := NewFake()

	nodes := []model.Node{
		{ID: 1, MAC: "52:54:00:00:00:01", IP: "10.20.0.11", Status: model.NodeDiscover},
		{ID: 2, MAC: "52:54:00:00:00:02", IP: "10.20.0.12", Status: model.NodeReady},
	}
	for _, n := range nodes {
		require.NoError(t, d.Dispatch(context.Background(), n, fake, Profile{Name: "p"}))
	}

	saved := fake.SavedNodes()
	require.Len(t, saved, 2)
	assert.Equal(t, "rsa:/keys/bootstrap.rsa", saved[0].Power.Pass)
	assert.Equal(t, "rsa:/keys/id_rsa", saved[1].Power.Pass)
	assert.Equal(t, []string{"1_52:54:00:00:00:01", "2_52:54:00:00:00:02"}, fake.RebootedNodes())

	assert.Equal(t, 1, logs.FilterMessage("node seems booted with bootstrap image").Len())
	assert.Equal(t, 1, logs.FilterMessage("node seems booted with real system").Len())
}

func TestDispatchFailures(t *testing.T) {
	n := model.Node{ID: 3, MAC: "52:54:00:00:00:03", Status: model.NodeReady}
	name := "3_52:54:00:00:00:03"
	boom := errors.New("connection refused")

	t.Run("save", func(t *testing.T) {
		fake := NewFake()
		fake.SaveErr[name] = boom
		err := NewDispatcher("b", "p", nil).Dispatch(context.Background(), n, fake, Profile{})
		assert.ErrorIs(t, err, model.ErrBackendUnavailable)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Empty(t, fake.RebootedNodes(), "no reboot after a failed save")
	})

	t.Run("reboot", func(t *testing.T) {
		fake := NewFake()
		fake.RebootErr[name] = boom
		err := NewDispatcher("b", "p", nil).Dispatch(context.Background(), n, fake, Profile{})
		assert.ErrorIs(t, err, model.ErrBackendUnavailable)
		assert.Len(t, fake.SavedNodes(), 1)
	})
}

func TestNewDriver(t *testing.T) {
	d, err := New(Config{ClassName: "fake"})
	require.NoError(t, err)
	assert.Equal(t, "fake", d.Name())

	_, err = New(Config{ClassName: "razor"})
	assert.ErrorIs(t, err, model.ErrBackendConfig)

	_, err = New(Config{ClassName: "cobbler", URL: "ftp://cobbler"})
	assert.ErrorIs(t, err, model.ErrBackendConfig)
	assert.Contains(t, err.Error(), "scheme")

	assert.Contains(t, Drivers(), "cobbler")
}
