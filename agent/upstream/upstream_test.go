// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package upstream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/keel/sdk/testutil"
)

func TestHostHealthPrecedence(t *testing.T) {
	host := NewHost(NewClusterInfo("web"), "10.0.0.1:80")
	require.Equal(t, Healthy, host.Health())

	host.HealthFlagSet(DegradedEDSHealth)
	require.Equal(t, Degraded, host.Health())

	// An unhealthy flag wins over a degraded one.
	host.HealthFlagSet(FailedActiveHealthCheck)
	require.Equal(t, Unhealthy, host.Health())

	host.HealthFlagClear(FailedActiveHealthCheck)
	require.Equal(t, Degraded, host.Health())

	host.HealthFlagClear(DegradedEDSHealth)
	require.Equal(t, Healthy, host.Health())
}

func TestHostHealthFlagGet(t *testing.T) {
	host := NewHost(NewClusterInfo("web"), "10.0.0.1:80")
	require.False(t, host.HealthFlagGet(FailedOutlierCheck))
	host.HealthFlagSet(FailedOutlierCheck)
	require.True(t, host.HealthFlagGet(FailedOutlierCheck))
	require.Equal(t, Unhealthy, host.Health())
}

func TestResourceLimit(t *testing.T) {
	limit := NewResourceLimit("connections", 2)
	require.True(t, limit.CanCreate())
	limit.Inc()
	limit.Inc()
	require.False(t, limit.CanCreate())
	require.Equal(t, uint64(2), limit.Count())

	limit.Dec()
	require.True(t, limit.CanCreate())

	// Underflow is a bug signal, not a panic or a wrap-around.
	limit.Dec()
	limit.Dec()
	require.Zero(t, limit.Count())
}

func TestHostCanCreateConnection(t *testing.T) {
	cluster := NewClusterInfo("web")
	cluster.ResourceManager = NewResourceManager(1, 1024, 1024)
	host := NewHost(cluster, "10.0.0.1:80")

	require.True(t, host.CanCreateConnection())
	cluster.ResourceManager.Connections.Inc()
	require.False(t, host.CanCreateConnection())
}

func TestClusterStatsCounters(t *testing.T) {
	stats := NewClusterStats("web")
	require.Zero(t, stats.CxMaxDurationReached())
	stats.IncCxMaxDurationReached()
	stats.IncCxMaxDurationReached()
	require.Equal(t, uint64(2), stats.CxMaxDurationReached())

	stats.IncCxConnectFail()
	stats.IncCxDestroyWithActiveStreams()
	require.Equal(t, uint64(1), stats.CxConnectFail())
	require.Equal(t, uint64(1), stats.CxDestroyWithActiveStreams())
}

func TestConnectivityStateUnderflowIsClamped(t *testing.T) {
	state := NewClusterConnectivityState(testutil.Logger(t))

	state.IncrPendingStreams(1)
	state.DecrPendingStreams(2)
	require.Zero(t, state.PendingStreams())

	state.IncrActiveStreams(3)
	state.DecrActiveStreams(1)
	require.Equal(t, uint64(2), state.ActiveStreams())

	state.IncrConnectingAndConnectedStreamCapacity(2)
	state.DecrConnectingAndConnectedStreamCapacity(5)
	require.Zero(t, state.ConnectingAndConnectedStreamCapacity())
}
