package provision

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/kolo/xmlrpc"
)

func init() {
	Register("cobbler", func(cfg Config) (Driver, error) { return NewCobbler(cfg) })
}

// Cobbler talks to the Cobbler XML-RPC API. The session token is obtained
// at construction and refreshed once if the server rejects it.
type Cobbler struct {
	cfg Config

	mu     sync.Mutex
	client *xmlrpc.Client
	token  string
}

func NewCobbler(cfg Config) (*Cobbler, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", cfg.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid url %q: scheme must be http or https", cfg.URL)
	}
	client, err := xmlrpc.NewClient(cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	c := &Cobbler{cfg: cfg, client: client}
	if err := c.login(); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cobbler) Name() string { return "cobbler" }

func (c *Cobbler) login() error {
	var token string
	if err := c.client.Call("login", []interface{}{c.cfg.User, c.cfg.Password}, &token); err != nil {
		return fmt.Errorf("login as %s: %w", c.cfg.User, err)
	}
	c.token = token
	return nil
}

// call appends the session token to args. A fault on the first attempt
// triggers a single re-login.
func (c *Cobbler) call(method string, reply interface{}, args ...interface{}) error {
	err := c.client.Call(method, append(args, c.token), reply)
	if err == nil || !isFault(err) || method == "get_system_handle" {
		return err
	}
	if lerr := c.login(); lerr != nil {
		return err
	}
	return c.client.Call(method, append(args, c.token), reply)
}

// isFault reports whether err is an XML-RPC fault answered by the server,
// as opposed to a transport or decoding failure.
func isFault(err error) bool {
	var fault xmlrpc.FaultError
	var faultPtr *xmlrpc.FaultError
	return errors.As(err, &fault) || errors.As(err, &faultPtr)
}

// handle returns the handle of the named system. Only a fault from
// get_system_handle means the system is unknown and a new one is created.
func (c *Cobbler) handle(name string) (string, error) {
	var handle string
	err := c.call("get_system_handle", &handle, name)
	if err == nil {
		return handle, nil
	}
	if !isFault(err) {
		return "", fmt.Errorf("get_system_handle %s: %w", name, err)
	}
	if err := c.call("new_system", &handle); err != nil {
		return "", fmt.Errorf("new_system: %w", err)
	}
	return handle, nil
}

func (c *Cobbler) Save(ctx context.Context, n Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	handle, err := c.handle(n.Name)
	if err != nil {
		return err
	}
	fields := []struct {
		key   string
		value interface{}
	}{
		{"name", n.Name},
		{"profile", n.Profile.Name},
		{"modify_interface", map[string]interface{}{"macaddress-eth0": n.MAC}},
		{"netboot_enabled", n.PXE},
		{"kernel_options", n.KernelOptions},
		{"power_type", n.Power.Type},
		{"power_user", n.Power.User},
		{"power_pass", n.Power.Pass},
		{"power_address", n.Power.Address},
	}
	for _, f := range fields {
		var ok bool
		if err := c.call("modify_system", &ok, handle, f.key, f.value); err != nil {
			return fmt.Errorf("modify_system %s %s: %w", n.Name, f.key, err)
		}
	}
	var ok bool
	if err := c.call("save_system", &ok, handle); err != nil {
		return fmt.Errorf("save_system %s: %w", n.Name, err)
	}
	return nil
}

func (c *Cobbler) PowerReboot(ctx context.Context, n Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var taskID string
	opts := map[string]interface{}{
		"systems": []interface{}{n.Name},
		"power":   "reboot",
	}
	if err := c.call("background_power_system", &taskID, opts); err != nil {
		return fmt.Errorf("power reboot %s: %w", n.Name, err)
	}
	return nil
}

func (c *Cobbler) Close() error {
	return c.client.Close()
}
