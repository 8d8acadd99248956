package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provisiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPools(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
pools:
  vlans: ["100-101", 300]
  networks:
    external: ["172.18.0.0/16"]
    internal: ["10.1.0.0/16", "10.2.0.0/16"]
  exclude: ["10.1.0.0/24"]
provision:
  driver: fake
  profile: ubuntu-x86_64
  dispatch_concurrency: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, []int{100, 101, 300}, cfg.Pools.VlanIDs())
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("172.18.0.0/16")}, cfg.Pools.Networks["external"])
	assert.Len(t, cfg.Pools.Networks["internal"], 2)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.1.0.0/24")}, cfg.Pools.Exclude)
	assert.Equal(t, "fake", cfg.Provision.Driver)
	assert.Equal(t, "ubuntu-x86_64", cfg.Provision.Profile)
	assert.Equal(t, 4, cfg.Provision.DispatchConcurrency)

	// untouched sections fall back to defaults
	assert.Equal(t, "naily", cfg.Bus.Exchange)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/root/.ssh/bootstrap.rsa", cfg.Provision.BootstrapKey)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "listen: \":9000\"\n")
	t.Setenv("PROVISIOND_BUS_EXCHANGE", "orchestrator")
	t.Setenv("PROVISIOND_PROVISION_URL", "http://10.20.0.2/cobbler_api")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "orchestrator", cfg.Bus.Exchange)
	assert.Equal(t, "http://10.20.0.2/cobbler_api", cfg.Provision.URL)
	assert.Equal(t, DefaultPools().VlanIDs(), cfg.Pools.VlanIDs())
}

func TestLoadRejectsBadPools(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{
			name: "descending vlan range",
			body: "pools:\n  vlans: [\"200-100\"]\n",
		},
		{
			name: "vlan tag out of range",
			body: "pools:\n  vlans: [5000]\n",
		},
		{
			name: "ipv6 pool",
			body: "pools:\n  networks:\n    public: [\"fd00::/64\"]\n",
		},
		{
			name: "garbage prefix",
			body: "pools:\n  networks:\n    public: [\"not-a-cidr\"]\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestParseVlanRange(t *testing.T) {
	r, err := ParseVlanRange(" 100 - 102 ")
	require.NoError(t, err)
	assert.Equal(t, VlanRange{From: 100, To: 102}, r)
	assert.Equal(t, "100-102", r.String())

	r, err = ParseVlanRange("7")
	require.NoError(t, err)
	assert.Equal(t, "7", r.String())

	_, err = ParseVlanRange("x-1")
	assert.Error(t, err)
}

func TestVlanIDsDeduplicates(t *testing.T) {
	p := Pools{Vlans: []VlanRange{{From: 105, To: 106}, {From: 100, To: 105}}}
	assert.Equal(t, []int{100, 101, 102, 103, 104, 105, 106}, p.VlanIDs())
}

func TestTLSMustBePaired(t *testing.T) {
	_, err := Load(writeConfig(t, "tls:\n  cert: /etc/provisiond/server.crt\n"))
	assert.ErrorContains(t, err, "tls.cert and tls.key")

	cfg, err := Load(writeConfig(t, "tls:\n  cert: a.crt\n  key: a.key\n"))
	require.NoError(t, err)
	assert.True(t, cfg.TLS.Enabled())
}

func TestAccessClasses(t *testing.T) {
	assert.Equal(t, []string{"private", "public"}, DefaultPools().AccessClasses())
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("PROVISIOND_BUS_EXCHANGE=dotenv\nMYSQL_DB=provisiond_dotenv\n"), 0o600))
	t.Chdir(dir)
	t.Cleanup(func() {
		os.Unsetenv("PROVISIOND_BUS_EXCHANGE")
		os.Unsetenv("MYSQL_DB")
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv", cfg.Bus.Exchange)
	// The database layer reads MYSQL_* from the environment Load populated.
	assert.Equal(t, "provisiond_dotenv", os.Getenv("MYSQL_DB"))
}
