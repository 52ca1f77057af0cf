// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package initmgr tracks the readiness of a listener's initialization
// targets. A listener becomes live only once every target registered with
// its manager has signaled ready.
package initmgr

import (
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/keel/logging"
)

// Target is a one-shot readiness token. The manager invokes initFn when
// initialization begins; the owner calls Ready exactly when its warm-up
// work has reached a terminal outcome. Ready is idempotent and may be
// called before the target was ever added to a manager.
type Target struct {
	name   string
	initFn func()
	ready  bool
	// notify holds one entry per manager registration; a shared target may
	// be registered with more than one manager.
	notify []func()
}

func NewTarget(name string, initFn func()) *Target {
	return &Target{name: name, initFn: initFn}
}

func (t *Target) Name() string { return t.name }

func (t *Target) IsReady() bool { return t.ready }

// Ready signals the target. The first call releases the manager watcher,
// if any; later calls are no-ops.
func (t *Target) Ready() {
	if t.ready {
		return
	}
	t.ready = true
	notify := t.notify
	t.notify = nil
	for _, fn := range notify {
		fn()
	}
}

// State is the manager lifecycle.
type State int

const (
	Uninitialized State = iota
	Initializing
	Initialized
)

// Manager collects init targets for one listener. Targets may be added
// until initialization completes; a target added while initializing is
// initialized immediately.
type Manager struct {
	name    string
	logger  hclog.Logger
	state   State
	targets []*Target
	pending int
	watch   func()
}

func NewManager(name string, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		name:   name,
		logger: logger.Named(logging.InitManager),
	}
}

func (m *Manager) Name() string { return m.name }

func (m *Manager) State() State { return m.state }

func (m *Manager) Add(t *Target) {
	if m.state == Initialized {
		// Late registration: the listener is already live, so the target
		// only gets its init hook.
		m.initializeTarget(t)
		return
	}
	m.targets = append(m.targets, t)
	if m.state == Initializing {
		m.initializeTarget(t)
	}
}

// Initialize starts every added target and arranges for watch to run once
// when all of them are ready. With no unready targets it runs watch
// immediately.
func (m *Manager) Initialize(watch func()) {
	m.state = Initializing
	m.watch = watch
	// Register every unready target before running any init hook so that a
	// hook which readies its target synchronously cannot complete the
	// manager while later targets are still uncounted.
	var start []*Target
	for _, t := range m.targets {
		if t.ready {
			continue
		}
		m.pending++
		t.notify = append(t.notify, m.targetReady)
		start = append(start, t)
	}
	for _, t := range start {
		m.logger.Trace("initializing target", "target", t.name)
		if t.initFn != nil {
			t.initFn()
		}
	}
	m.maybeReady()
}

func (m *Manager) initializeTarget(t *Target) {
	if t.ready {
		return
	}
	m.pending++
	t.notify = append(t.notify, m.targetReady)
	m.logger.Trace("initializing target", "target", t.name)
	if t.initFn != nil {
		t.initFn()
	}
}

func (m *Manager) targetReady() {
	m.pending--
	m.maybeReady()
}

func (m *Manager) maybeReady() {
	if m.state != Initializing || m.pending > 0 {
		return
	}
	m.state = Initialized
	m.logger.Debug("all init targets ready", "manager", m.name)
	if m.watch != nil {
		watch := m.watch
		m.watch = nil
		watch()
	}
}
