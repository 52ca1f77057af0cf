// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package upstream

import (
	"github.com/armon/go-metrics"
)

// ClusterStats counts notable upstream connection events. The counters are
// kept locally so callers (and tests) can read them back, and every
// increment is mirrored to go-metrics with the cluster as a label.
type ClusterStats struct {
	labels []metrics.Label

	cxMaxDurationReached       uint64
	cxConnectFail              uint64
	cxConnectTimeout           uint64
	cxDestroyWithActiveStreams uint64
	cxOverflow                 uint64
	streamOverflow             uint64
}

func NewClusterStats(clusterName string) *ClusterStats {
	return &ClusterStats{
		labels: []metrics.Label{{Name: "cluster", Value: clusterName}},
	}
}

func (s *ClusterStats) incr(counter *uint64, name string) {
	*counter++
	metrics.IncrCounterWithLabels([]string{"keel", "upstream", name}, 1, s.labels)
}

func (s *ClusterStats) IncCxMaxDurationReached() {
	s.incr(&s.cxMaxDurationReached, "cx_max_duration_reached")
}

func (s *ClusterStats) IncCxConnectFail() {
	s.incr(&s.cxConnectFail, "cx_connect_fail")
}

func (s *ClusterStats) IncCxConnectTimeout() {
	s.incr(&s.cxConnectTimeout, "cx_connect_timeout")
}

func (s *ClusterStats) IncCxDestroyWithActiveStreams() {
	s.incr(&s.cxDestroyWithActiveStreams, "cx_destroy_with_active_streams")
}

func (s *ClusterStats) IncCxOverflow() {
	s.incr(&s.cxOverflow, "cx_overflow")
}

func (s *ClusterStats) IncStreamOverflow() {
	s.incr(&s.streamOverflow, "stream_overflow")
}

func (s *ClusterStats) CxMaxDurationReached() uint64 { return s.cxMaxDurationReached }

func (s *ClusterStats) CxConnectFail() uint64 { return s.cxConnectFail }

func (s *ClusterStats) CxConnectTimeout() uint64 { return s.cxConnectTimeout }

func (s *ClusterStats) CxDestroyWithActiveStreams() uint64 { return s.cxDestroyWithActiveStreams }

func (s *ClusterStats) CxOverflow() uint64 { return s.cxOverflow }

func (s *ClusterStats) StreamOverflow() uint64 { return s.streamOverflow }
