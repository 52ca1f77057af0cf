// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package upstream

import (
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/keel/lib"
)

// ResourceLimit is one circuit-breaker bucket: a live count against a
// fixed maximum.
type ResourceLimit struct {
	name  string
	max   uint64
	count uint64
}

func NewResourceLimit(name string, max uint64) *ResourceLimit {
	return &ResourceLimit{name: name, max: max}
}

func (r *ResourceLimit) CanCreate() bool { return r.count < r.max }

func (r *ResourceLimit) Inc() { r.count++ }

func (r *ResourceLimit) Dec() {
	if r.count == 0 {
		lib.Bug(hclog.Default(), "resource count underflow", "resource", r.name)
		return
	}
	r.count--
}

func (r *ResourceLimit) Count() uint64 { return r.count }

func (r *ResourceLimit) Max() uint64 { return r.max }

// ResourceManager groups the per-cluster circuit breakers the pools care
// about.
type ResourceManager struct {
	Connections    *ResourceLimit
	PendingStreams *ResourceLimit
	Streams        *ResourceLimit
}

func NewResourceManager(maxConnections, maxPendingStreams, maxStreams uint64) *ResourceManager {
	return &ResourceManager{
		Connections:    NewResourceLimit("connections", maxConnections),
		PendingStreams: NewResourceLimit("pending_streams", maxPendingStreams),
		Streams:        NewResourceLimit("streams", maxStreams),
	}
}
