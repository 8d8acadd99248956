package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrClusterNotFound = fmt.Errorf("cluster %w", ErrNotFound)
	ErrNodeNotFound    = fmt.Errorf("node %w", ErrNotFound)
	ErrReleaseNotFound = fmt.Errorf("release %w", ErrNotFound)
	ErrTaskNotFound    = fmt.Errorf("task %w", ErrNotFound)

	// ErrConflict is returned by stores when a unique claim (VLAN tag, CIDR,
	// MAC, address) was already taken.
	ErrConflict = errors.New("resource already exists")

	ErrInvalidRequest = errors.New("invalid request")

	// ErrPoolExhausted means no VLAN id or address block is left.
	ErrPoolExhausted = errors.New("resource pool exhausted")

	// ErrUnknownAccess means no subnet pool is configured for an access class.
	ErrUnknownAccess = errors.New("no pool configured for access class")

	ErrNodeNotEligible = errors.New("node is not eligible for provisioning")

	// ErrBackendConfig means the provisioning driver could not be built.
	ErrBackendConfig = errors.New("provisioning backend configuration rejected")

	// ErrBackendUnavailable means a save or reboot call to the backend failed.
	ErrBackendUnavailable = errors.New("provisioning backend unavailable")
)

// NodeNotEligibleError identifies the node that blocked a batch.
type NodeNotEligibleError struct {
	NodeID uint
	MAC    string
	IP     string
	Status NodeStatus
}

func (e *NodeNotEligibleError) Error() string {
	return fmt.Sprintf("node %s (%s) status:%s not in %v", e.MAC, e.IP, e.Status, ProvisionableStatuses)
}

func (e *NodeNotEligibleError) Unwrap() error { return ErrNodeNotEligible }

// NotEligible builds the error for n.
func NotEligible(n Node) *NodeNotEligibleError {
	return &NodeNotEligibleError{NodeID: n.ID, MAC: n.MAC, IP: n.IP, Status: n.Status}
}
