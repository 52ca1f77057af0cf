// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package upstream

import (
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/keel/lib"
)

// ClusterConnectivityState aggregates stream and capacity counters across
// every pool for one cluster. The counters are mutated only from the
// worker event loop that owns the pool doing the mutation, so no locking
// is needed. At every quiescent point they must agree with the union of
// the pools' internal state.
type ClusterConnectivityState struct {
	logger hclog.Logger

	pendingStreams uint64
	activeStreams  uint64

	// connectingAndConnectedStreamCapacity is the number of additional
	// streams the cluster's connecting and connected clients could carry,
	// including preconnect reservations.
	connectingAndConnectedStreamCapacity int64
}

func NewClusterConnectivityState(logger hclog.Logger) *ClusterConnectivityState {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ClusterConnectivityState{logger: logger}
}

func (s *ClusterConnectivityState) PendingStreams() uint64 { return s.pendingStreams }

func (s *ClusterConnectivityState) ActiveStreams() uint64 { return s.activeStreams }

func (s *ClusterConnectivityState) ConnectingAndConnectedStreamCapacity() int64 {
	return s.connectingAndConnectedStreamCapacity
}

func (s *ClusterConnectivityState) IncrPendingStreams(delta uint64) {
	s.pendingStreams += delta
}

func (s *ClusterConnectivityState) DecrPendingStreams(delta uint64) {
	if delta > s.pendingStreams {
		lib.Bug(s.logger, "pending stream count underflow", "count", s.pendingStreams, "delta", delta)
		s.pendingStreams = 0
		return
	}
	s.pendingStreams -= delta
}

func (s *ClusterConnectivityState) IncrActiveStreams(delta uint64) {
	s.activeStreams += delta
}

func (s *ClusterConnectivityState) DecrActiveStreams(delta uint64) {
	if delta > s.activeStreams {
		lib.Bug(s.logger, "active stream count underflow", "count", s.activeStreams, "delta", delta)
		s.activeStreams = 0
		return
	}
	s.activeStreams -= delta
}

func (s *ClusterConnectivityState) IncrConnectingAndConnectedStreamCapacity(delta int64) {
	s.connectingAndConnectedStreamCapacity += delta
}

func (s *ClusterConnectivityState) DecrConnectingAndConnectedStreamCapacity(delta int64) {
	s.connectingAndConnectedStreamCapacity -= delta
	if s.connectingAndConnectedStreamCapacity < 0 {
		lib.Bug(s.logger, "connecting and connected stream capacity underflow",
			"capacity", s.connectingAndConnectedStreamCapacity, "delta", delta)
		s.connectingAndConnectedStreamCapacity = 0
	}
}
