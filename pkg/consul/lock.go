package consul

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// Locker is a distributed lock backed by Consul sessions. Every controller
// replica pointed at the same agent and key prefix serialises on it.
type Locker struct {
	cli    *consulapi.Client
	prefix string
	ttl    time.Duration
}

func NewLocker(addr, token, prefix string) (*Locker, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Locker{cli: cli, prefix: prefix, ttl: 15 * time.Second}, nil
}

func (l *Locker) key(name string) string {
	if l.prefix == "" {
		return name
	}
	return l.prefix + "/" + name
}

// Lock blocks until the key is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, name string) (func(), error) {
	lock, err := l.cli.LockOpts(&consulapi.LockOptions{
		Key:          l.key(name),
		SessionName:  "provisiond-" + name,
		SessionTTL:   l.ttl.String(),
		LockWaitTime: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("consul lock %s: %w", name, err)
	}
	stop := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(stop)
		case <-acquired:
		}
	}()
	lost, err := lock.Lock(stop)
	close(acquired)
	if err != nil {
		return nil, fmt.Errorf("consul lock %s: %w", name, err)
	}
	if lost == nil {
		return nil, ctx.Err()
	}
	return func() { _ = lock.Unlock() }, nil
}

// Ping checks that the agent answers.
func (l *Locker) Ping() error {
	_, err := l.cli.Agent().Self()
	return err
}
