// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package connpool implements the generic per-upstream connection pool
// base: a bounded, state-tracked population of physical connections that
// logical streams multiplex onto, with preconnecting, draining, idle
// detection and per-connection lifetime limits.
//
// Everything here runs on one event loop; nothing is safe for concurrent
// use from other goroutines.
package connpool

import (
	"container/list"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/keel/agent/event"
	"github.com/hashicorp/keel/agent/upstream"
	"github.com/hashicorp/keel/lib"
	"github.com/hashicorp/keel/logging"
)

// FailureReason classifies a failed stream request.
type FailureReason int

const (
	FailureOverflow FailureReason = iota
	FailureLocalConnectionFailure
	FailureRemoteConnectionFailure
	FailureTimeout
)

func (r FailureReason) String() string {
	switch r {
	case FailureOverflow:
		return "overflow"
	case FailureLocalConnectionFailure:
		return "local connection failure"
	case FailureRemoteConnectionFailure:
		return "remote connection failure"
	case FailureTimeout:
		return "timeout"
	}
	return "unknown"
}

// DrainBehavior selects how DrainConnections treats the pool afterwards.
type DrainBehavior int

const (
	// DrainExistingConnections drains current connections but leaves the
	// pool usable for new streams.
	DrainExistingConnections DrainBehavior = iota
	// DrainAndDelete additionally marks the pool as going away: no new
	// connections are created, and draining an already idle pool still
	// fires the idle callbacks.
	DrainAndDelete
)

type connectionResult int

const (
	createdNewConnection connectionResult = iota
	shouldNotConnect
	noConnectionRateLimited
	failedToCreateConnection
)

// Driver supplies the pool-flavor specific behavior: how to build a
// client and how to hand streams back to callers. OnPoolFailure may call
// NewStream reentrantly; the pool tolerates that.
type Driver interface {
	InstantiateClient() Client
	OnPoolReady(c Client, ctx AttachContext)
	OnPoolFailure(host *upstream.Host, details string, reason FailureReason, ctx AttachContext)
}

// Pool is the connection pool base state machine.
type Pool struct {
	driver     Driver
	host       *upstream.Host
	dispatcher *event.Dispatcher
	state      *upstream.ClusterConnectivityState
	logger     hclog.Logger

	connectingClients list.List
	readyClients      list.List
	busyClients       list.List
	drainingClients   list.List

	pendingStreams list.List

	// connectingStreamCapacity is the stream capacity of CONNECTING
	// clients only; the cluster state tracks connecting plus connected.
	connectingStreamCapacity int64

	numActiveStreams uint64

	idleCallbacks         []func()
	isDrainingForDeletion bool
}

func NewPool(driver Driver, host *upstream.Host, dispatcher *event.Dispatcher, state *upstream.ClusterConnectivityState, logger hclog.Logger) *Pool {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Pool{
		driver:     driver,
		host:       host,
		dispatcher: dispatcher,
		state:      state,
		logger:     logger.Named(logging.ConnPool).With("cluster", host.Cluster().Name, "host", host.Address()),
	}
}

func (p *Pool) Host() *upstream.Host { return p.host }

func (p *Pool) Dispatcher() *event.Dispatcher { return p.dispatcher }

// NumActiveStreams reports streams currently attached through this pool.
func (p *Pool) NumActiveStreams() uint64 { return p.numActiveStreams }

// NumPendingStreams reports queued stream requests.
func (p *Pool) NumPendingStreams() int { return p.pendingStreams.Len() }

// ConnectingStreamCapacity reports the capacity of connecting clients.
func (p *Pool) ConnectingStreamCapacity() int64 { return p.connectingStreamCapacity }

// NewStream requests a stream. If a ready client exists the stream
// attaches immediately and nil is returned; otherwise the request queues
// and the returned handle cancels it. Queuing may instantiate one or more
// clients to honor the preconnect ratio.
func (p *Pool) NewStream(ctx AttachContext) Cancellable {
	if p.readyClients.Len() > 0 {
		c := p.readyClients.Front().Value.(Client)
		p.attachStreamToClient(c, ctx)
		p.tryCreateNewConnections()
		return nil
	}

	rm := p.host.Cluster().ResourceManager
	if !rm.PendingStreams.CanCreate() {
		p.host.Cluster().Stats.IncStreamOverflow()
		p.driver.OnPoolFailure(p.host, "pending stream overflow", FailureOverflow, ctx)
		return nil
	}
	rm.PendingStreams.Inc()

	ps := newPendingStream(p, ctx)
	ps.elem = p.pendingStreams.PushBack(ps)
	p.state.IncrPendingStreams(1)

	p.tryCreateNewConnections()
	return ps
}

// MaybePreconnect makes at most one connection beyond current demand,
// against the given global preconnect ratio. It reports whether a client
// was created; callers loop while it returns true. Ratios at or below one
// never preconnect, and only Healthy hosts are eligible.
func (p *Pool) MaybePreconnect(ratio float64) bool {
	return p.tryCreateNewConnection(ratio) == createdNewConnection
}

// shouldConnect is the preconnect capacity target. The streams to be
// provisioned for are the pending, active and anticipated ones times the
// preconnect ratio; the streams provisioned for are the connecting and
// connected capacity plus the active streams it already carries. With a
// ratio of one this reduces to connecting only for queued demand.
func shouldConnect(pendingStreams int, activeStreams uint64, capacity int64, ratio float64, anticipate bool) bool {
	anticipated := 0.0
	if anticipate {
		anticipated = 1.0
	}
	return (float64(pendingStreams)+float64(activeStreams)+anticipated)*ratio >
		float64(capacity)+float64(activeStreams)
}

func (p *Pool) shouldCreateNewConnection(globalRatio float64) bool {
	// Only connect as needed for queued demand when the host is not fully
	// healthy; preconnecting to an unhealthy or degraded host wastes
	// connections it may not be able to serve.
	if p.host.Health() != upstream.Healthy {
		return int64(p.pendingStreams.Len()) > p.connectingStreamCapacity
	}
	// Explicit preconnecting anticipates a stream beyond current demand.
	if globalRatio > 1.0 && shouldConnect(p.pendingStreams.Len(), p.numActiveStreams,
		p.state.ConnectingAndConnectedStreamCapacity(), globalRatio, true) {
		return true
	}
	return shouldConnect(p.pendingStreams.Len(), p.numActiveStreams,
		p.state.ConnectingAndConnectedStreamCapacity(), p.host.Cluster().PerUpstreamPreconnectRatio, false)
}

// tryCreateNewConnections creates clients until the preconnect target is
// met, bounded per call so a pathological target cannot spin the loop.
func (p *Pool) tryCreateNewConnections() {
	const maxNewConnectionsPerCall = 3
	for i := 0; i < maxNewConnectionsPerCall; i++ {
		if p.tryCreateNewConnection(0) != createdNewConnection {
			break
		}
	}
}

func (p *Pool) tryCreateNewConnection(globalRatio float64) connectionResult {
	if !p.shouldCreateNewConnection(globalRatio) {
		return shouldNotConnect
	}
	if p.isDrainingForDeletion {
		return shouldNotConnect
	}
	if !p.host.CanCreateConnection() {
		p.host.Cluster().Stats.IncCxOverflow()
		return noConnectionRateLimited
	}

	c := p.driver.InstantiateClient()
	if c == nil {
		return failedToCreateConnection
	}
	b := c.Base()
	b.self = c
	b.state = Connecting
	p.host.Cluster().ResourceManager.Connections.Inc()

	capacity := b.currentUnusedCapacity()
	p.connectingStreamCapacity += capacity
	p.state.IncrConnectingAndConnectedStreamCapacity(capacity)
	b.elem = p.connectingClients.PushBack(c)

	if timeout := p.host.Cluster().ConnectTimeout; timeout > 0 {
		b.connectTimer = p.dispatcher.NewTimer(func() { p.onConnectTimeout(c) })
		b.connectTimer.Enable(timeout)
	}
	p.logger.Debug("creating a new connection", "client_id", b.id)
	return createdNewConnection
}

func (p *Pool) onConnectTimeout(c Client) {
	p.logger.Debug("connect timeout", "client_id", c.Base().id)
	p.host.Cluster().Stats.IncCxConnectTimeout()
	c.Base().connectTimedOut = true
	c.Close()
}

// OnConnectionEvent is the client's report of a transport transition. It
// drives the whole state machine: Connected moves a client into service
// and attaches queued streams; a close releases the client and may fail
// pending streams or render the pool idle.
func (p *Pool) OnConnectionEvent(c Client, details string, ev ConnectionEvent) {
	b := c.Base()
	switch ev {
	case EventConnected:
		if b.state != Connecting {
			lib.Bug(p.logger, "connected event on a client that was not connecting", "state", b.state.String())
			return
		}
		if b.connectTimer != nil {
			b.connectTimer.Disable()
			b.connectTimer = nil
		}
		p.transitionClient(c, Ready)
		// The connection duration clock starts at connection establishment,
		// never at instantiation.
		if maxDuration := p.host.Cluster().MaxConnectionDuration; maxDuration > 0 {
			b.connectionDurationTimer = p.dispatcher.NewTimer(func() { p.onConnectionDurationTimeout(c) })
			b.connectionDurationTimer.Enable(maxDuration)
		}
		p.onUpstreamReady()

	case EventLocalClose, EventRemoteClose:
		if b.state == Closed {
			return
		}
		if b.connectTimer != nil {
			b.connectTimer.Disable()
			b.connectTimer = nil
		}
		if b.connectionDurationTimer != nil {
			b.connectionDurationTimer.Disable()
		}
		if b.state == Connecting {
			p.host.Cluster().Stats.IncCxConnectFail()
			reason := FailureRemoteConnectionFailure
			if b.connectTimedOut {
				reason = FailureTimeout
			} else if ev == EventLocalClose {
				reason = FailureLocalConnectionFailure
			}
			p.removeClient(c)
			// The connection cannot be established; nothing else in flight
			// can satisfy the queued streams right now either, so fail them
			// all. The failure callbacks may request new streams, which
			// re-enter NewStream and create fresh clients.
			p.purgePendingStreams(details, reason)
		} else {
			if c.ClosingWithIncompleteStream() {
				p.host.Cluster().Stats.IncCxDestroyWithActiveStreams()
			}
			if n := c.NumActiveStreams(); n > 0 {
				p.state.DecrActiveStreams(uint64(n))
				if uint64(n) > p.numActiveStreams {
					lib.Bug(p.logger, "pool active stream underflow on close", "streams", n)
					p.numActiveStreams = 0
				} else {
					p.numActiveStreams -= uint64(n)
				}
				for i := uint32(0); i < n; i++ {
					p.host.Cluster().ResourceManager.Streams.Dec()
				}
			}
			p.removeClient(c)
		}
		p.checkForIdleAndCloseIdleConnsIfDraining()
	}
}

// removeClient pulls a client out of its state bucket, returns its unused
// capacity, releases its connection slot and queues it for deferred
// deletion.
func (p *Pool) removeClient(c Client) {
	b := c.Base()
	capacity := b.currentUnusedCapacity()
	switch b.state {
	case Connecting:
		p.connectingStreamCapacity -= capacity
		p.state.DecrConnectingAndConnectedStreamCapacity(capacity)
	case Ready, Busy:
		p.state.DecrConnectingAndConnectedStreamCapacity(capacity)
	case Draining:
		// Capacity was already released when the client began draining.
	}
	p.bucketFor(b.state).Remove(b.elem)
	b.elem = nil
	b.state = Closed
	p.host.Cluster().ResourceManager.Connections.Dec()
	p.logger.Debug("client disconnected", "client_id", b.id)
	p.dispatcher.DeferredDelete(b)
}

func (p *Pool) bucketFor(state ClientState) *list.List {
	switch state {
	case Connecting:
		return &p.connectingClients
	case Ready:
		return &p.readyClients
	case Busy:
		return &p.busyClients
	case Draining:
		return &p.drainingClients
	}
	return nil
}

// transitionClient moves a client between state buckets, keeping the
// capacity counters coherent: capacity leaves the connecting tally when
// the handshake finishes, and leaves the cluster tally entirely when a
// client stops accepting new streams.
func (p *Pool) transitionClient(c Client, newState ClientState) {
	b := c.Base()
	if b.state == newState {
		return
	}
	if b.state == Closed || newState == Closed {
		lib.Bug(p.logger, "invalid client state transition", "from", b.state.String(), "to", newState.String())
		return
	}
	capacity := b.currentUnusedCapacity()
	if b.state == Connecting {
		p.connectingStreamCapacity -= capacity
	}
	if newState == Draining && b.state != Draining {
		p.state.DecrConnectingAndConnectedStreamCapacity(capacity)
	}
	p.bucketFor(b.state).Remove(b.elem)
	b.state = newState
	b.elem = p.bucketFor(newState).PushBack(c)
}

// attachStreamToClient binds one stream to a ready client and settles the
// client's post-attach state: Busy at concurrency capacity, Draining when
// the lifetime stream budget is spent.
func (p *Pool) attachStreamToClient(c Client, ctx AttachContext) {
	b := c.Base()
	rm := p.host.Cluster().ResourceManager
	if !rm.Streams.CanCreate() {
		p.host.Cluster().Stats.IncStreamOverflow()
		p.driver.OnPoolFailure(p.host, "stream overflow", FailureOverflow, ctx)
		return
	}
	rm.Streams.Inc()

	p.state.IncrActiveStreams(1)
	p.state.DecrConnectingAndConnectedStreamCapacity(1)
	p.numActiveStreams++
	if b.remainingStreams == 0 {
		lib.Bug(p.logger, "attaching a stream to a client with no stream budget", "client_id", b.id)
	} else {
		b.remainingStreams--
	}

	p.driver.OnPoolReady(c, ctx)

	if b.currentUnusedCapacity() <= 0 {
		if b.remainingStreams == 0 {
			p.transitionClient(c, Draining)
		} else {
			p.transitionClient(c, Busy)
		}
	}
}

// onUpstreamReady attaches queued streams, oldest first, to ready
// clients.
func (p *Pool) onUpstreamReady() {
	for p.pendingStreams.Len() > 0 && p.readyClients.Len() > 0 {
		c := p.readyClients.Front().Value.(Client)
		ps := p.pendingStreams.Front().Value.(*PendingStream)
		p.removePendingStream(ps)
		p.attachStreamToClient(c, ps.ctx)
	}
}

func (p *Pool) removePendingStream(ps *PendingStream) {
	p.pendingStreams.Remove(ps.elem)
	ps.elem = nil
	p.state.DecrPendingStreams(1)
	p.host.Cluster().ResourceManager.PendingStreams.Dec()
}

// OnStreamClosed records a completed stream. A busy client with reopened
// capacity returns to ready (and, unless delayAttaching, immediately
// serves queued streams); a draining client with no streams left closes.
func (p *Pool) OnStreamClosed(c Client, delayAttaching bool) {
	b := c.Base()
	if p.numActiveStreams == 0 {
		lib.Bug(p.logger, "stream closed with no active streams", "client_id", b.id)
	} else {
		p.numActiveStreams--
	}
	p.state.DecrActiveStreams(1)
	p.host.Cluster().ResourceManager.Streams.Dec()

	switch b.state {
	case Ready, Busy:
		// The slot this stream held is usable again.
		p.state.IncrConnectingAndConnectedStreamCapacity(1)
		if b.state == Busy && b.currentUnusedCapacity() > 0 {
			p.transitionClient(c, Ready)
			if !delayAttaching {
				p.onUpstreamReady()
			}
		}
	case Draining:
		if c.NumActiveStreams() == 0 {
			c.Close()
		}
	case Connecting, Closed:
		lib.Bug(p.logger, "stream closed on a client in an invalid state", "state", b.state.String())
	}
}

// onConnectionDurationTimeout enforces the cluster's maximum connection
// lifetime: a busy client drains, a ready client closes outright. The
// timer is armed only after Connected, so firing while connecting or
// closed is a programming error.
func (p *Pool) onConnectionDurationTimeout(c Client) {
	b := c.Base()
	switch b.state {
	case Connecting:
		lib.Bug(p.logger, "max connection duration reached while connecting", "client_id", b.id)
	case Closed:
		lib.Bug(p.logger, "max connection duration reached while closed", "client_id", b.id)
	case Draining:
		// Already on the way out.
	case Busy:
		p.logger.Debug("max connection duration reached, draining", "client_id", b.id)
		p.host.Cluster().Stats.IncCxMaxDurationReached()
		p.transitionClient(c, Draining)
	case Ready:
		p.logger.Debug("max connection duration reached, closing", "client_id", b.id)
		p.host.Cluster().Stats.IncCxMaxDurationReached()
		c.Close()
	}
}

func (p *Pool) onPendingStreamCancel(ps *PendingStream, policy CancelPolicy) {
	if ps.elem == nil {
		return
	}
	p.logger.Debug("cancelling pending stream")
	p.removePendingStream(ps)
	if policy == CloseExcess && p.connectingClients.Len() > 0 &&
		p.connectingStreamCapacity > int64(p.pendingStreams.Len()) {
		// Give back one unit of preconnect overshoot. The most recent
		// connecting client is the one speculatively created for this
		// stream.
		c := p.connectingClients.Back().Value.(Client)
		c.Close()
	}
	p.checkForIdleAndNotify()
}

// purgePendingStreams fails every queued stream. The queue is detached
// first so failure callbacks can enqueue new streams without corrupting
// the iteration.
func (p *Pool) purgePendingStreams(details string, reason FailureReason) {
	var purge []*PendingStream
	for p.pendingStreams.Len() > 0 {
		ps := p.pendingStreams.Front().Value.(*PendingStream)
		p.removePendingStream(ps)
		purge = append(purge, ps)
	}
	for _, ps := range purge {
		p.driver.OnPoolFailure(p.host, details, reason, ps.ctx)
	}
}

// IsIdle reports whether the pool holds no pending streams and no
// non-closed clients.
func (p *Pool) IsIdle() bool {
	return p.pendingStreams.Len() == 0 &&
		p.connectingClients.Len() == 0 &&
		p.readyClients.Len() == 0 &&
		p.busyClients.Len() == 0 &&
		p.drainingClients.Len() == 0
}

// AddIdleCallback registers a callback invoked on every transition into
// the idle state. Registering on an already idle pool does not fire; only
// a transition does.
func (p *Pool) AddIdleCallback(cb func()) {
	p.idleCallbacks = append(p.idleCallbacks, cb)
}

func (p *Pool) checkForIdleAndNotify() {
	if !p.IsIdle() {
		return
	}
	p.logger.Debug("pool is idle")
	for _, cb := range p.idleCallbacks {
		cb()
	}
}

func (p *Pool) checkForIdleAndCloseIdleConnsIfDraining() {
	if p.isDrainingForDeletion {
		p.closeIdleConnectionsForDrainingPool()
	}
	p.checkForIdleAndNotify()
}

// closeIdleConnectionsForDrainingPool closes connections carrying no
// streams. Closing mutates the buckets, so targets are snapshotted first.
func (p *Pool) closeIdleConnectionsForDrainingPool() {
	var toClose []Client
	for e := p.readyClients.Front(); e != nil; e = e.Next() {
		c := e.Value.(Client)
		if c.NumActiveStreams() == 0 {
			toClose = append(toClose, c)
		}
	}
	for e := p.drainingClients.Front(); e != nil; e = e.Next() {
		c := e.Value.(Client)
		if c.NumActiveStreams() == 0 {
			toClose = append(toClose, c)
		}
	}
	for _, c := range toClose {
		c.Close()
	}
}

// DrainConnections stops the pool's connections from accepting new
// streams. Under either behavior, connections carrying no streams close
// now and the rest drain. With DrainAndDelete the pool additionally
// refuses new connections, and an already idle pool still fires its idle
// callbacks.
func (p *Pool) DrainConnections(behavior DrainBehavior) {
	if behavior == DrainAndDelete {
		p.isDrainingForDeletion = true
	}
	wasIdle := p.IsIdle()
	p.closeIdleConnectionsForDrainingPool()

	for p.readyClients.Len() > 0 {
		p.transitionClient(p.readyClients.Front().Value.(Client), Draining)
	}
	for p.busyClients.Len() > 0 {
		p.transitionClient(p.busyClients.Front().Value.(Client), Draining)
	}
	// If draining emptied the pool, the close events above already fired
	// the idle callbacks. Draining an already idle pool for deletion still
	// notifies, so owners waiting on idleness always hear back.
	if wasIdle && behavior == DrainAndDelete {
		p.checkForIdleAndNotify()
	}
}

// DestructAllConnections tears the pool down: every client closes, every
// queued stream fails, and the deferred deletion list flushes so no
// half-dead client remains observable.
func (p *Pool) DestructAllConnections() {
	for _, bucket := range []*list.List{&p.connectingClients, &p.readyClients, &p.busyClients, &p.drainingClients} {
		var clients []Client
		for e := bucket.Front(); e != nil; e = e.Next() {
			clients = append(clients, e.Value.(Client))
		}
		for _, c := range clients {
			c.Close()
		}
	}
	p.purgePendingStreams("pool destructing", FailureLocalConnectionFailure)
	p.dispatcher.ClearDeferredDeleteList()
}

// DumpState renders a one-line summary for debug endpoints. Any counter
// added to the pool should surface here.
func (p *Pool) DumpState() string {
	return fmt.Sprintf(
		"ready_clients: %d, busy_clients: %d, connecting_clients: %d, draining_clients: %d, connecting_stream_capacity: %d, num_active_streams: %d",
		p.readyClients.Len(), p.busyClients.Len(), p.connectingClients.Len(),
		p.drainingClients.Len(), p.connectingStreamCapacity, p.numActiveStreams)
}
