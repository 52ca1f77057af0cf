// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package extconfig

import (
	"fmt"

	"github.com/armon/go-metrics"
	mapset "github.com/deckarep/golang-set/v2"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/protobuf/proto"

	"github.com/hashicorp/keel/agent/initmgr"
	"github.com/hashicorp/keel/lib"
	"github.com/hashicorp/keel/logging"
)

// subscriptionStats are the per-resource discovery counters. They are
// readable locally and mirrored to go-metrics under
// "keel.extension_config_discovery.<counter>" with the resource name as a
// label; the flat scope string form is
// "<stat_prefix>extension_config_discovery.<name>.".
type subscriptionStats struct {
	labels []metrics.Label

	configReload   uint64
	configFail     uint64
	configConflict uint64
}

func newSubscriptionStats(statPrefix, name string) *subscriptionStats {
	return &subscriptionStats{
		labels: []metrics.Label{
			{Name: "resource", Value: name},
			{Name: "scope", Value: statPrefix},
		},
	}
}

func (s *subscriptionStats) incr(counter *uint64, name string) {
	*counter++
	metrics.IncrCounterWithLabels([]string{"keel", "extension_config_discovery", name}, 1, s.labels)
}

func (s *subscriptionStats) incReload() { s.incr(&s.configReload, "config_reload") }

func (s *subscriptionStats) incFail() { s.incr(&s.configFail, "config_fail") }

func (s *subscriptionStats) incConflict() { s.incr(&s.configConflict, "config_conflict") }

// Subscription is the deduplicated consumer of one named extension config
// from one config source. It owns the last-known-good configuration and
// broadcasts updates and removals to its attached providers. Subscriptions
// are created only by the ProviderManager and live for as long as at least
// one provider references them.
type Subscription struct {
	name   string
	ctx    *FactoryContext
	logger hclog.Logger

	remote  RemoteSubscription
	started bool

	initTarget *initmgr.Target

	// providers are non-owning back references; providers register here on
	// construction and unregister when they close.
	providers mapset.Set[*DynamicProvider]

	lastConfigHash       uint64
	lastConfig           proto.Message
	lastTypeURL          string
	lastVersionInfo      string
	lastFilterName       string
	lastFilterIsTerminal bool

	stats *subscriptionStats

	manager *ProviderManager
	key     subscriptionKey
	refs    int
	closed  bool
}

var _ Watcher = (*Subscription)(nil)

func newSubscription(configSource *corev3.ConfigSource, name string, ctx *FactoryContext, statPrefix string, manager *ProviderManager, key subscriptionKey) (*Subscription, error) {
	s := &Subscription{
		name:      name,
		ctx:       ctx,
		logger:    namedLogger(ctx.Logger, logging.ExtensionConfig).With("resource", name),
		providers: mapset.NewThreadUnsafeSet[*DynamicProvider](),
		stats:     newSubscriptionStats(statPrefix, name),
		manager:   manager,
		key:       key,
	}
	s.initTarget = initmgr.NewTarget(fmt.Sprintf("extension config subscription init %s", name), s.Start)
	remote, err := ctx.NewSubscription(configSource, TypedExtensionConfigTypeURL, s)
	if err != nil {
		return nil, fmt.Errorf("failed to create extension config subscription for %q: %w", name, err)
	}
	s.remote = remote
	return s, nil
}

func (s *Subscription) Name() string { return s.name }

// InitTarget is the warming token registered with a listener init manager.
// It becomes ready on the first of: successful update, failed update, or
// subscription teardown.
func (s *Subscription) InitTarget() *initmgr.Target { return s.initTarget }

// Start arms the underlying subscription for this resource. Idempotent.
func (s *Subscription) Start() {
	if s.started {
		return
	}
	s.started = true
	s.remote.Start([]string{s.name})
}

func (s *Subscription) LastConfig() proto.Message { return s.lastConfig }

func (s *Subscription) LastTypeURL() string { return s.lastTypeURL }

func (s *Subscription) LastVersionInfo() string { return s.lastVersionInfo }

func (s *Subscription) LastFilterName() string { return s.lastFilterName }

func (s *Subscription) IsLastFilterTerminal() bool { return s.lastFilterIsTerminal }

// IncrementConflictCounter records a last-known-good config that was
// rejected by a newly created provider's constraints.
func (s *Subscription) IncrementConflictCounter() { s.stats.incConflict() }

// ConfigReloads reports the number of applied reloads.
func (s *Subscription) ConfigReloads() uint64 { return s.stats.configReload }

// ConfigFails reports the number of failed updates.
func (s *Subscription) ConfigFails() uint64 { return s.stats.configFail }

// ConfigConflicts reports the number of listener-constraint conflicts.
func (s *Subscription) ConfigConflicts() uint64 { return s.stats.configConflict }

// OnConfigUpdate applies a full-state update. Validation happens against
// every attached provider before any provider is touched, so a rejection
// leaves all providers and the last-known-good state unchanged.
func (s *Subscription) OnConfigUpdate(resources []*corev3.TypedExtensionConfig, version string) error {
	// Make sure to make progress in case the control plane is temporarily
	// inconsistent.
	s.initTarget.Ready()

	if len(resources) != 1 {
		return fmt.Errorf("unexpected number of resources in extension config discovery response: %d", len(resources))
	}
	filterConfig := resources[0]
	if filterConfig.Name != s.name {
		return fmt.Errorf("unexpected resource name in extension config discovery response: %q", filterConfig.Name)
	}
	if filterConfig.TypedConfig == nil {
		return fmt.Errorf("missing typed config in extension config discovery response for %q", s.name)
	}
	// Skip the update if the hash matches.
	newHash, err := hashAny(filterConfig.TypedConfig)
	if err != nil {
		return err
	}
	if newHash == s.lastConfigHash {
		return nil
	}

	typeURL := typeURLToDescriptorFullName(filterConfig.TypedConfig.TypeUrl)
	factory := s.ctx.Registry.GetFactoryByType(typeURL)
	if factory == nil {
		return fmt.Errorf("didn't find a registered filter factory implementation for config type %q", typeURL)
	}

	// The providers may have distinct type URL constraints; validate every
	// one before updating any to prevent a partial application.
	var errs *multierror.Error
	for _, p := range s.providers.ToSlice() {
		errs = multierror.Append(errs, p.ValidateTypeURL(typeURL))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	msg, err := translateAnyToFactoryConfig(filterConfig.TypedConfig, s.ctx.Validator, factory)
	if err != nil {
		return err
	}

	isTerminal := factory.IsTerminalFilterByProto(msg, s.ctx.FactoryContext)
	for _, p := range s.providers.ToSlice() {
		errs = multierror.Append(errs, p.ValidateTerminalFilter(s.name, factory.Name(), isTerminal))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	s.logger.Debug("updating filter config", "version", version)
	lib.ApplyToAllWithCleanup(s.providers.ToSlice(),
		func(p *DynamicProvider, done func()) {
			p.OnConfigUpdate(msg, version, done)
		},
		s.stats.incReload,
	)

	s.lastConfigHash = newHash
	s.lastConfig = msg
	s.lastTypeURL = typeURL
	s.lastVersionInfo = version
	s.lastFilterName = factory.Name()
	s.lastFilterIsTerminal = isTerminal
	return nil
}

// OnConfigDelta applies a delta update. A removal clears the installed
// config; additions re-enter the full-state path at the added resource's
// version.
func (s *Subscription) OnConfigDelta(added []DecodedResource, removed []string, version string) error {
	if len(removed) > 0 {
		if len(removed) != 1 {
			lib.Bug(s.logger, "unexpected removed resource count in extension config delta", "count", len(removed))
		}
		s.logger.Debug("removing filter config")
		lib.ApplyToAllWithCleanup(s.providers.ToSlice(),
			func(p *DynamicProvider, done func()) {
				p.OnConfigRemoved(done)
			},
			s.stats.incReload,
		)
		s.lastConfigHash = 0
		s.lastConfig = nil
		s.lastTypeURL = ""
		s.lastVersionInfo = ""
		s.lastFilterName = ""
		s.lastFilterIsTerminal = false
		return nil
	}
	if len(added) > 0 {
		resources := make([]*corev3.TypedExtensionConfig, 0, len(added))
		for _, r := range added {
			resources = append(resources, r.Resource)
		}
		return s.OnConfigUpdate(resources, added[0].Version)
	}
	return nil
}

// OnConfigUpdateFailed records a transport or validation failure. The
// last-known-good configuration is retained.
func (s *Subscription) OnConfigUpdateFailed(reason FailureReason, err error) {
	s.logger.Debug("updating filter config failed", "reason", reason, "error", err)
	s.stats.incFail()
	// Make sure to make progress in case the control plane is temporarily
	// failing.
	s.initTarget.Ready()
}

func (s *Subscription) ref() { s.refs++ }

func (s *Subscription) release() {
	s.refs--
	if s.refs <= 0 {
		s.close()
	}
}

// close tears the subscription down: a teardown mid-warm-up must still
// unblock the listener, and the manager's interning table entry goes away
// with the last reference.
func (s *Subscription) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.initTarget.Ready()
	s.manager.removeSubscription(s.key)
}
