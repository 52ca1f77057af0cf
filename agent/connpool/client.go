// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connpool

import (
	"container/list"

	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/keel/agent/event"
)

// ClientState tracks where a client is in its life cycle. A client is in
// exactly one state bucket at a time.
type ClientState int

const (
	// Connecting means the transport handshake is still in progress.
	Connecting ClientState = iota
	// Ready means the client is connected and can accept more streams.
	Ready
	// Busy means the client is connected but at stream capacity.
	Busy
	// Draining means the client accepts no new streams and closes once its
	// existing streams complete.
	Draining
	// Closed means the connection is gone; the client is awaiting deferred
	// deletion.
	Closed
)

func (s ClientState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ConnectionEvent is a transport-level connection transition.
type ConnectionEvent int

const (
	EventConnected ConnectionEvent = iota
	EventLocalClose
	EventRemoteClose
)

// Client is one physical upstream connection. Concrete pool flavors embed
// BaseClient and implement the stream accounting; the pool drives all
// state transitions.
type Client interface {
	// NumActiveStreams reports the streams currently open on the
	// connection.
	NumActiveStreams() uint32
	// ClosingWithIncompleteStream reports whether a close would abandon a
	// stream mid-flight.
	ClosingWithIncompleteStream() bool
	// Close initiates a local close of the underlying connection. The
	// implementation must deliver EventLocalClose back to the pool.
	Close()
	// Base exposes the embedded pool-managed state.
	Base() *BaseClient
}

// BaseClient is the pool-managed portion of a client: its state, stream
// budget, and timers. Embed it in concrete clients.
type BaseClient struct {
	pool *Pool
	self Client
	id   string

	state ClientState

	// remainingStreams is the lifetime stream budget; when it reaches zero
	// the client drains.
	remainingStreams uint32
	// concurrentStreamLimit bounds simultaneously open streams.
	concurrentStreamLimit uint32

	connectTimer            *event.Timer
	connectionDurationTimer *event.Timer
	connectTimedOut         bool

	elem *list.Element
}

// NewBaseClient seeds the pool-managed state for a concrete client. The
// pool finishes registration when the client is instantiated.
func NewBaseClient(p *Pool, lifetimeStreamLimit, concurrentStreamLimit uint32) BaseClient {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = "unknown"
	}
	return BaseClient{
		pool:                  p,
		id:                    id,
		state:                 Connecting,
		remainingStreams:      lifetimeStreamLimit,
		concurrentStreamLimit: concurrentStreamLimit,
	}
}

func (b *BaseClient) ID() string { return b.id }

func (b *BaseClient) State() ClientState { return b.state }

// ConnectionDurationTimer is non-nil only after the connection
// established, and only when the cluster declares a maximum connection
// duration.
func (b *BaseClient) ConnectionDurationTimer() *event.Timer { return b.connectionDurationTimer }

// OnConnectionDurationTimeout is the connection-duration timer callback.
// Exposed so tests can exercise the invalid-state bug paths.
func (b *BaseClient) OnConnectionDurationTimeout() {
	b.pool.onConnectionDurationTimeout(b.self)
}

// OnDeferredDelete satisfies event.Deletable; a closed client holds no
// resources beyond what the pool already released.
func (b *BaseClient) OnDeferredDelete() {}

// currentUnusedCapacity is the number of additional streams this client
// could accept right now: the lower of its remaining lifetime budget and
// its open concurrency headroom.
func (b *BaseClient) currentUnusedCapacity() int64 {
	capacity := int64(b.concurrentStreamLimit) - int64(b.self.NumActiveStreams())
	if capacity < 0 {
		capacity = 0
	}
	if int64(b.remainingStreams) < capacity {
		return int64(b.remainingStreams)
	}
	return capacity
}
