// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package extconfig

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/hashicorp/keel/agent/filters"
	"github.com/hashicorp/keel/logging"
)

// subscriptionKey identifies a subscription by its config source and
// resource name. The source is keyed by its serialized form rather than a
// hash of it, so distinct sources can never alias.
type subscriptionKey struct {
	source string
	name   string
}

// ProviderManager interns subscriptions per (config source, filter name)
// and builds providers for listener slots. An entry lives in the table for
// exactly as long as at least one provider references it.
type ProviderManager struct {
	logger        hclog.Logger
	subscriptions map[subscriptionKey]*Subscription
}

func NewProviderManager(logger hclog.Logger) *ProviderManager {
	return &ProviderManager{
		logger:        namedLogger(logger, logging.ExtensionConfig),
		subscriptions: make(map[subscriptionKey]*Subscription),
	}
}

func (m *ProviderManager) getSubscription(configSource *corev3.ConfigSource, name string, ctx *FactoryContext, statPrefix string) (*Subscription, error) {
	sourceBytes, err := proto.MarshalOptions{Deterministic: true}.Marshal(configSource)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config source for %q: %w", name, err)
	}
	key := subscriptionKey{source: string(sourceBytes), name: name}
	if existing, ok := m.subscriptions[key]; ok {
		return existing, nil
	}
	subscription, err := newSubscription(configSource, name, ctx, statPrefix, m, key)
	if err != nil {
		return nil, err
	}
	m.subscriptions[key] = subscription
	return subscription, nil
}

func (m *ProviderManager) removeSubscription(key subscriptionKey) {
	delete(m.subscriptions, key)
}

// CreateDynamicProvider builds a provider for one listener slot and wires
// its warming discipline:
//
//   - Warming path (no apply_default_config_without_warming): the
//     subscription's init target joins the listener init manager, so the
//     listener waits for the first update, failure, or teardown.
//   - Non-warming path: the default config is applied immediately and only
//     the provider's own target joins, which starts the subscription
//     without blocking listener readiness.
func (m *ProviderManager) CreateDynamicProvider(
	source *corev3.ExtensionConfigSource,
	name string,
	ctx *FactoryContext,
	statPrefix string,
	lastFilterInFilterChain bool,
	filterChainType string,
) (*DynamicProvider, error) {
	subscription, err := m.getSubscription(source.ConfigSource, name, ctx, statPrefix)
	if err != nil {
		return nil, err
	}
	// For warming, wait until the subscription receives the first response
	// to indicate readiness.
	if !source.ApplyDefaultConfigWithoutWarming {
		ctx.InitManager.Add(subscription.InitTarget())
	}

	requireTypeURLs := mapset.NewThreadUnsafeSet[string]()
	for _, typeURL := range source.TypeUrls {
		requireTypeURLs.Add(typeURLToDescriptorFullName(typeURL))
	}

	var defaultConfig proto.Message
	if source.DefaultConfig != nil {
		defaultConfig, err = m.getDefaultConfig(source.DefaultConfig, name, ctx, lastFilterInFilterChain, filterChainType, requireTypeURLs)
		if err != nil {
			m.dropUnreferenced(subscription)
			return nil, err
		}
	}

	instantiate := func(msg proto.Message) (filters.FilterFactoryCb, error) {
		factory := ctx.Registry.GetFactoryByType(string(proto.MessageName(msg)))
		if factory == nil {
			return nil, fmt.Errorf("didn't find a registered filter factory implementation for config type %q", proto.MessageName(msg))
		}
		return factory.CreateFilterFactoryFromProto(msg, statPrefix, ctx.FactoryContext)
	}

	provider := newDynamicProvider(subscription, requireTypeURLs, defaultConfig, lastFilterInFilterChain, filterChainType, instantiate, ctx.Logger)

	// Ensure the subscription starts during listener initialization even
	// when the listener does not wait for it.
	if source.ApplyDefaultConfigWithoutWarming {
		ctx.InitManager.Add(provider.InitTarget())
	}
	m.applyLastOrDefaultConfig(subscription, provider, name)
	return provider, nil
}

// getDefaultConfig resolves, validates and translates the declared
// default. Any failure here fails the listener configuration.
func (m *ProviderManager) getDefaultConfig(
	defaultConfig *anypb.Any,
	name string,
	ctx *FactoryContext,
	lastFilterInFilterChain bool,
	filterChainType string,
	requireTypeURLs mapset.Set[string],
) (proto.Message, error) {
	typeURL := typeURLToDescriptorFullName(defaultConfig.TypeUrl)
	factory := ctx.Registry.GetFactoryByType(typeURL)
	if factory == nil {
		return nil, fmt.Errorf("cannot find filter factory %q for default filter configuration with type URL %s", name, defaultConfig.TypeUrl)
	}
	if requireTypeURLs.Cardinality() > 0 && !requireTypeURLs.Contains(typeURL) {
		return nil, fmt.Errorf("default filter config for %q has type URL %s outside the allowed set", name, typeURL)
	}
	msg, err := translateAnyToFactoryConfig(defaultConfig, ctx.Validator, factory)
	if err != nil {
		return nil, err
	}
	isTerminal := factory.IsTerminalFilterByProto(msg, ctx.FactoryContext)
	if err := filters.ValidateTerminalFilters(name, factory.Name(), filterChainType, isTerminal, lastFilterInFilterChain); err != nil {
		return nil, err
	}
	return msg, nil
}

// applyLastOrDefaultConfig seeds a new provider. A subscription may
// already hold a config that violates this slot's constraints when the
// listener and extension updates race; installing it must not occur, so
// the slot starts on the default and converges once a compatible update
// arrives.
func (m *ProviderManager) applyLastOrDefaultConfig(subscription *Subscription, provider *DynamicProvider, name string) {
	lastConfigValid := false
	if subscription.LastConfig() != nil {
		err := provider.ValidateTypeURL(subscription.LastTypeURL())
		if err == nil {
			err = provider.ValidateTerminalFilter(name, subscription.LastFilterName(), subscription.IsLastFilterTerminal())
		}
		if err != nil {
			m.logger.Debug("subscription is invalid in a listener context",
				"resource", name, "error", err)
			subscription.IncrementConflictCounter()
		} else {
			lastConfigValid = true
			provider.OnConfigUpdate(subscription.LastConfig(), subscription.LastVersionInfo(), nil)
		}
	}
	if !lastConfigValid {
		provider.ApplyDefaultConfiguration()
	}
}

// dropUnreferenced disposes of a subscription that never gained a
// provider, so a failed provider creation does not leak a table entry.
func (m *ProviderManager) dropUnreferenced(subscription *Subscription) {
	if subscription.refs == 0 {
		subscription.close()
	}
}

// NumSubscriptions reports the interning table size, for introspection.
func (m *ProviderManager) NumSubscriptions() int { return len(m.subscriptions) }
