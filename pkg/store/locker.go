package store

import "provisiond/pkg/consul"

// NewLocker returns a Consul-backed locker when addr is set, otherwise an
// in-process one.
func NewLocker(addr, token, prefix string) (Locker, error) {
	if addr == "" {
		return NewLocalLocker(), nil
	}
	l, err := consul.NewLocker(addr, token, prefix)
	if err != nil {
		return nil, err
	}
	return l, nil
}
