// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package upstream holds the per-upstream collaborators shared by the
// connection pools: host health, cluster limits and stats, and the
// cluster-wide connectivity counters.
package upstream

import (
	"time"
)

// HealthFlag is a single reason a host is not fully healthy. Flags
// accumulate from independent sources (active health checking, outlier
// detection, EDS) and are cleared independently.
type HealthFlag uint32

const (
	FailedActiveHealthCheck HealthFlag = 1 << iota
	FailedOutlierCheck
	FailedEDSHealth
	DegradedActiveHealthCheck
	DegradedEDSHealth
	PendingDynamicRemoval
)

const unhealthyFlags = FailedActiveHealthCheck | FailedOutlierCheck | FailedEDSHealth | PendingDynamicRemoval

const degradedFlags = DegradedActiveHealthCheck | DegradedEDSHealth

// Health is the coarse health derived from the flag set.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	}
	return "unknown"
}

// Host describes one upstream endpoint. Pools hold a Host for the
// lifetime of their connections; health flags may change underneath them.
type Host struct {
	address string
	cluster *ClusterInfo
	flags   HealthFlag
}

func NewHost(cluster *ClusterInfo, address string) *Host {
	return &Host{address: address, cluster: cluster}
}

func (h *Host) Address() string { return h.address }

func (h *Host) Cluster() *ClusterInfo { return h.cluster }

func (h *Host) HealthFlagSet(f HealthFlag) { h.flags |= f }

func (h *Host) HealthFlagClear(f HealthFlag) { h.flags &^= f }

func (h *Host) HealthFlagGet(f HealthFlag) bool { return h.flags&f != 0 }

// Health derives coarse health. Any unhealthy flag wins over degraded.
func (h *Host) Health() Health {
	if h.flags&unhealthyFlags != 0 {
		return Unhealthy
	}
	if h.flags&degradedFlags != 0 {
		return Degraded
	}
	return Healthy
}

// CanCreateConnection reports whether the cluster's connection circuit
// breaker permits another connection.
func (h *Host) CanCreateConnection() bool {
	return h.cluster.ResourceManager.Connections.CanCreate()
}

// ClusterInfo carries the cluster-level knobs the pools consult. A zero
// MaxConnectionDuration means connections have no maximum lifetime.
type ClusterInfo struct {
	Name                       string
	ConnectTimeout             time.Duration
	MaxConnectionDuration      time.Duration
	PerUpstreamPreconnectRatio float64
	ResourceManager            *ResourceManager
	Stats                      *ClusterStats
}

// NewClusterInfo builds a cluster with generous default limits; tests and
// callers override fields afterwards.
func NewClusterInfo(name string) *ClusterInfo {
	return &ClusterInfo{
		Name:                       name,
		ConnectTimeout:             10 * time.Second,
		PerUpstreamPreconnectRatio: 1.0,
		ResourceManager:            NewResourceManager(1024, 1024, 1024),
		Stats:                      NewClusterStats(name),
	}
}
