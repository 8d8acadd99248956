package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeStatusCanProvision(t *testing.T) {
	testCases := []struct {
		status   NodeStatus
		expected bool
	}{
		{NodeDiscover, true},
		{NodeReady, true},
		{NodeProvisioning, false},
		{NodeProvisioned, false},
		{NodeDeploying, false},
		{NodeError, false},
		{NodeOffline, false},
		{NodeStatus("bogus"), false},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, tc.status.CanProvision(), string(tc.status))
	}
}

func TestNodeNotEligibleError(t *testing.T) {
	err := error(NotEligible(Node{ID: 3, MAC: "52:54:00:aa:bb:03", IP: "10.20.0.3", Status: NodeError}))

	assert.True(t, errors.Is(err, ErrNodeNotEligible))
	assert.Contains(t, err.Error(), "52:54:00:aa:bb:03")
	assert.Contains(t, err.Error(), "10.20.0.3")
	assert.Contains(t, err.Error(), "status:error")

	var target *NodeNotEligibleError
	if assert.True(t, errors.As(err, &target)) {
		assert.Equal(t, uint(3), target.NodeID)
	}
}

func TestNotFoundFamily(t *testing.T) {
	for _, err := range []error{ErrClusterNotFound, ErrNodeNotFound, ErrReleaseNotFound, ErrTaskNotFound} {
		assert.ErrorIs(t, err, ErrNotFound)
	}
}
