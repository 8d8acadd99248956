// Package config loads controller settings: resource pools, provisioning
// backend parameters, storage and bus options.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "PROVISIOND"

type Config struct {
	Listen    string          `mapstructure:"listen"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Consul    ConsulConfig    `mapstructure:"consul"`
	Bus       BusConfig       `mapstructure:"bus"`
	Pools     Pools           `mapstructure:"pools"`
	Provision ProvisionConfig `mapstructure:"provision"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// TLSConfig enables HTTPS when both Cert and Key are set. ClientCA turns on
// client certificate verification.
type TLSConfig struct {
	Cert     string `mapstructure:"cert"`
	Key      string `mapstructure:"key"`
	ClientCA string `mapstructure:"client_ca"`
}

// Enabled reports whether the server should listen with TLS.
func (t TLSConfig) Enabled() bool { return t.Cert != "" && t.Key != "" }

// AuthConfig protects /api/v1. Both empty disables auth.
type AuthConfig struct {
	Token     string `mapstructure:"token"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or mysql
	DSN    string `mapstructure:"dsn"`
}

// ConsulConfig enables the cross-replica allocation lock when Address is set.
type ConsulConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	LockPrefix string `mapstructure:"lock_prefix"`
}

type BusConfig struct {
	Exchange   string `mapstructure:"exchange"`
	MaxPending int    `mapstructure:"max_pending"`
}

// ProvisionConfig describes the provisioning backend and the SSH keys used to
// power-cycle nodes.
type ProvisionConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Profile  string `mapstructure:"profile"`
	// BootstrapKey is used for nodes still running the discovery image.
	BootstrapKey string `mapstructure:"bootstrap_key"`
	// ProductionKey is used for nodes that already run a deployed system.
	ProductionKey       string `mapstructure:"production_key"`
	DispatchConcurrency int    `mapstructure:"dispatch_concurrency"`
}

// Load reads the YAML file at path (optional) and PROVISIOND_* environment
// overrides. A .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Validate checks settings that would otherwise fail later at request time.
func (c *Config) Validate() error {
	if err := c.Pools.Validate(); err != nil {
		return fmt.Errorf("invalid pools: %w", err)
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return errors.New("tls.cert and tls.key must be set together")
	}
	if c.Provision.Driver == "" {
		return errors.New("provision.driver is required")
	}
	if c.Provision.DispatchConcurrency < 1 {
		return fmt.Errorf("provision.dispatch_concurrency must be >= 1, got %d", c.Provision.DispatchConcurrency)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8000"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "file:provisiond.db"
	}
	if c.Consul.LockPrefix == "" {
		c.Consul.LockPrefix = "provisiond/locks"
	}
	if c.Bus.Exchange == "" {
		c.Bus.Exchange = "naily"
	}
	if c.Bus.MaxPending == 0 {
		c.Bus.MaxPending = 1000
	}

	defaults := DefaultPools()
	if len(c.Pools.Vlans) == 0 {
		c.Pools.Vlans = defaults.Vlans
	}
	if len(c.Pools.Networks) == 0 {
		c.Pools.Networks = defaults.Networks
	}
	if c.Pools.Exclude == nil {
		c.Pools.Exclude = defaults.Exclude
	}

	if c.Provision.Driver == "" {
		c.Provision.Driver = "cobbler"
	}
	if c.Provision.URL == "" {
		c.Provision.URL = "http://localhost/cobbler_api"
	}
	if c.Provision.User == "" {
		c.Provision.User = "cobbler"
	}
	if c.Provision.Password == "" {
		c.Provision.Password = "cobbler"
	}
	if c.Provision.Profile == "" {
		c.Provision.Profile = "centos-6.3-x86_64"
	}
	if c.Provision.BootstrapKey == "" {
		c.Provision.BootstrapKey = "/root/.ssh/bootstrap.rsa"
	}
	if c.Provision.ProductionKey == "" {
		c.Provision.ProductionKey = "/root/.ssh/id_rsa"
	}
	if c.Provision.DispatchConcurrency == 0 {
		c.Provision.DispatchConcurrency = 1
	}
}

// bindEnv registers the scalar keys so AutomaticEnv picks them up during
// Unmarshal even when the config file does not mention them.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"listen", "log.level", "log.format",
		"tls.cert", "tls.key", "tls.client_ca",
		"auth.token", "auth.jwt_secret",
		"database.driver", "database.dsn",
		"consul.address", "consul.token", "consul.lock_prefix",
		"bus.exchange", "bus.max_pending",
		"provision.driver", "provision.url", "provision.user", "provision.password",
		"provision.profile", "provision.bootstrap_key", "provision.production_key",
		"provision.dispatch_concurrency",
	} {
		_ = v.BindEnv(key)
	}
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		vlanRangeHook(),
		prefixHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func prefixHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(netip.Prefix{}) {
			return data, nil
		}
		return netip.ParsePrefix(strings.TrimSpace(data.(string)))
	}
}

func vlanRangeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(VlanRange{}) {
			return data, nil
		}
		switch f.Kind() {
		case reflect.String:
			return ParseVlanRange(data.(string))
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return ParseVlanRange(strconv.FormatInt(reflect.ValueOf(data).Int(), 10))
		case reflect.Float32, reflect.Float64:
			return ParseVlanRange(strconv.Itoa(int(reflect.ValueOf(data).Float())))
		}
		return data, nil
	}
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
