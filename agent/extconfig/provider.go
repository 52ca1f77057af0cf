// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package extconfig

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/protobuf/proto"

	"github.com/hashicorp/keel/agent/filters"
	"github.com/hashicorp/keel/agent/initmgr"
	"github.com/hashicorp/keel/logging"
)

// DynamicProvider is the per-listener-slot sink of one subscription. It
// enforces the slot's type URL whitelist and terminal placement rule, and
// publishes the currently installed filter factory to the filter chain.
// Providers must be closed when their slot goes away; closing the last
// provider of a subscription tears the subscription down.
type DynamicProvider struct {
	subscription    *Subscription
	requireTypeURLs mapset.Set[string]

	lastFilterInFilterChain bool
	filterChainType         string

	initTarget *initmgr.Target

	defaultConfig proto.Message
	instantiate   func(proto.Message) (filters.FilterFactoryCb, error)

	current       filters.FilterFactoryCb
	currentConfig proto.Message

	logger hclog.Logger
	closed bool
}

func newDynamicProvider(
	subscription *Subscription,
	requireTypeURLs mapset.Set[string],
	defaultConfig proto.Message,
	lastFilterInFilterChain bool,
	filterChainType string,
	instantiate func(proto.Message) (filters.FilterFactoryCb, error),
	logger hclog.Logger,
) *DynamicProvider {
	p := &DynamicProvider{
		subscription:            subscription,
		requireTypeURLs:         requireTypeURLs,
		lastFilterInFilterChain: lastFilterInFilterChain,
		filterChainType:         filterChainType,
		defaultConfig:           defaultConfig,
		instantiate:             instantiate,
		logger:                  namedLogger(logger, logging.ExtensionConfig).With("resource", subscription.Name()),
	}
	// The provider's own init target activates the subscription but does
	// not wait for a response. The manager registers it when the source
	// applies its default config without warming.
	p.initTarget = initmgr.NewTarget(fmt.Sprintf("dynamic filter config provider %s", subscription.Name()), func() {
		subscription.Start()
		p.initTarget.Ready()
	})
	subscription.providers.Add(p)
	subscription.ref()
	return p
}

// Close detaches the provider from its subscription and releases the
// interned subscription reference.
func (p *DynamicProvider) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.subscription.providers.Remove(p)
	p.subscription.release()
}

func (p *DynamicProvider) Name() string { return p.subscription.Name() }

// InitTarget is the non-warming readiness token: registered with the
// listener init manager only when the source sets
// apply_default_config_without_warming, so the listener comes up without
// waiting for the first update.
func (p *DynamicProvider) InitTarget() *initmgr.Target { return p.initTarget }

// Config returns the currently installed filter factory, or nil when no
// configuration has been applied.
func (p *DynamicProvider) Config() filters.FilterFactoryCb { return p.current }

// CurrentConfig returns the message backing the installed factory, mostly
// for introspection and tests.
func (p *DynamicProvider) CurrentConfig() proto.Message { return p.currentConfig }

// ValidateTypeURL rejects configurations outside the slot's whitelist. An
// empty whitelist admits everything.
func (p *DynamicProvider) ValidateTypeURL(typeURL string) error {
	if p.requireTypeURLs.Cardinality() == 0 || p.requireTypeURLs.Contains(typeURL) {
		return nil
	}
	expected := p.requireTypeURLs.ToSlice()
	sort.Strings(expected)
	return fmt.Errorf("filter config has type URL %s but expect %s", typeURL, strings.Join(expected, ", "))
}

// ValidateTerminalFilter rejects terminal filters that would not occupy
// the last position of this slot's chain, and vice versa.
func (p *DynamicProvider) ValidateTerminalFilter(name, filterType string, isTerminal bool) error {
	return filters.ValidateTerminalFilters(name, filterType, p.filterChainType, isTerminal, p.lastFilterInFilterChain)
}

// OnConfigUpdate installs a new configuration. done, when non-nil, runs
// once it is safe to release resources pinned by the previous
// configuration; with no traffic concerns in a single-threaded slot that
// is immediately after the swap.
func (p *DynamicProvider) OnConfigUpdate(msg proto.Message, version string, done func()) {
	if done != nil {
		defer done()
	}
	if p.closed {
		return
	}
	cb, err := p.instantiate(msg)
	if err != nil {
		// Validation already passed; an instantiation failure is a factory
		// defect. Keep serving the previous configuration.
		p.logger.Error("failed to instantiate filter factory, keeping previous config",
			"version", version, "error", err)
		return
	}
	p.current = cb
	p.currentConfig = msg
}

// OnConfigRemoved clears the installed configuration, falling back to the
// default when one is configured.
func (p *DynamicProvider) OnConfigRemoved(done func()) {
	if done != nil {
		defer done()
	}
	if p.closed {
		return
	}
	if p.defaultConfig != nil {
		p.applyConfig(p.defaultConfig, "")
		return
	}
	p.current = nil
	p.currentConfig = nil
}

// ApplyDefaultConfiguration installs the pre-validated default config, if
// any.
func (p *DynamicProvider) ApplyDefaultConfiguration() {
	if p.defaultConfig == nil {
		return
	}
	p.applyConfig(p.defaultConfig, "")
}

func (p *DynamicProvider) applyConfig(msg proto.Message, version string) {
	p.OnConfigUpdate(msg, version, nil)
}
