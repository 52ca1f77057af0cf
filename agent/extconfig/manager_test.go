// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package extconfig

import (
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	commonfaultv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/common/fault/v3"
	faultv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/fault/v3"
	routerv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestProviderManagerInternsSubscriptions(t *testing.T) {
	h := newTestHarness(t)

	p1, err := h.manager.CreateDynamicProvider(
		extensionSource(), "foo", h.ctx, "listener.http.", true, "http")
	require.NoError(t, err)
	p2, err := h.manager.CreateDynamicProvider(
		extensionSource(), "foo", h.ctx, "listener.http.", true, "http")
	require.NoError(t, err)

	// Same config source and name: one subscription, one transport.
	require.Same(t, p1.subscription, p2.subscription)
	require.Len(t, h.transport.remotes, 1)
	require.Equal(t, 1, h.manager.NumSubscriptions())

	// A different resource name gets its own subscription.
	p3, err := h.manager.CreateDynamicProvider(
		extensionSource(), "bar", h.ctx, "listener.http.", true, "http")
	require.NoError(t, err)
	require.NotSame(t, p1.subscription, p3.subscription)
	require.Len(t, h.transport.remotes, 2)
	require.Equal(t, 2, h.manager.NumSubscriptions())

	// The interning entry lives exactly as long as its last provider.
	p1.Close()
	require.Equal(t, 2, h.manager.NumSubscriptions())
	p2.Close()
	require.Equal(t, 1, h.manager.NumSubscriptions())
	p3.Close()
	require.Zero(t, h.manager.NumSubscriptions())
}

func TestProviderManagerDistinctConfigSources(t *testing.T) {
	h := newTestHarness(t)

	p1, err := h.manager.CreateDynamicProvider(
		extensionSource(), "foo", h.ctx, "listener.http.", true, "http")
	require.NoError(t, err)

	// Same name, different config source: the serialized source keys the
	// table, so no aliasing occurs.
	pathSource := extensionSource()
	pathSource.ConfigSource = &corev3.ConfigSource{
		ConfigSourceSpecifier: &corev3.ConfigSource_Path{Path: "/etc/keel/ecds.yaml"},
	}
	p2, err := h.manager.CreateDynamicProvider(
		pathSource, "foo", h.ctx, "listener.http.", true, "http")
	require.NoError(t, err)

	require.NotSame(t, p1.subscription, p2.subscription)
	require.Equal(t, 2, h.manager.NumSubscriptions())
	p1.Close()
	p2.Close()
}

func TestProviderManagerDefaultConfigUnknownFactory(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.manager.CreateDynamicProvider(
		extensionSource(withDefaultConfig(makeAny(t, &corev3.Pipe{Path: "/tmp/sock"}))),
		"foo", h.ctx, "listener.http.", true, "http")
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot find filter factory")
	// The failed creation must not leak an interned subscription.
	require.Zero(t, h.manager.NumSubscriptions())
}

func TestProviderManagerDefaultConfigOutsideWhitelist(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.manager.CreateDynamicProvider(
		extensionSource(
			withTypeURLs(routerTypeName),
			withDefaultConfig(makeAny(t, &faultv3.HTTPFault{})),
		),
		"foo", h.ctx, "listener.http.", true, "http")
	require.Error(t, err)
	require.Contains(t, err.Error(), "outside the allowed set")
	require.Zero(t, h.manager.NumSubscriptions())
}

func TestProviderManagerDefaultConfigTerminalMisplaced(t *testing.T) {
	h := newTestHarness(t)

	// A terminal default in a non-last slot fails listener configuration.
	_, err := h.manager.CreateDynamicProvider(
		extensionSource(withDefaultConfig(makeAny(t, &routerv3.Router{}))),
		"foo", h.ctx, "listener.http.", false, "http")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must be the last filter")
	require.Zero(t, h.manager.NumSubscriptions())
}

func TestProviderManagerDefaultConfigInvalidPayload(t *testing.T) {
	h := newTestHarness(t)

	// A fault delay of zero violates the proto constraints and must fail
	// listener configuration.
	bad := &faultv3.HTTPFault{
		Delay: &commonfaultv3.FaultDelay{
			FaultDelaySecifier: &commonfaultv3.FaultDelay_FixedDelay{
				FixedDelay: durationpb.New(0),
			},
		},
	}
	_, err := h.manager.CreateDynamicProvider(
		extensionSource(withDefaultConfig(makeAny(t, bad))),
		"foo", h.ctx, "listener.http.", false, "http")
	require.Error(t, err)
	require.Zero(t, h.manager.NumSubscriptions())
}

func TestProviderManagerApplyDefaultWithoutWarming(t *testing.T) {
	h := newTestHarness(t)

	defaultFault := &faultv3.HTTPFault{}
	provider, err := h.manager.CreateDynamicProvider(
		extensionSource(withDefaultConfig(makeAny(t, defaultFault)), withoutWarming()),
		"foo", h.ctx, "listener.http.", false, "http")
	require.NoError(t, err)

	// The default is live before any update arrives.
	require.Empty(t, cmp.Diff(defaultFault, installedConfig(t, provider), protocmp.Transform()))

	// Initialization does not wait for the control plane, but still starts
	// the subscription.
	initialized := false
	h.initMgr.Initialize(func() { initialized = true })
	require.True(t, initialized)
	require.True(t, h.transport.remotes[0].started)
	provider.Close()
}

func TestProviderManagerApplyLastConfigToNewProvider(t *testing.T) {
	h := newTestHarness(t)

	p1, err := h.manager.CreateDynamicProvider(
		extensionSource(), "foo", h.ctx, "listener.http.", false, "http")
	require.NoError(t, err)

	fault := &faultv3.HTTPFault{DownstreamNodes: []string{"canary"}}
	require.NoError(t, h.transport.lastWatcher().OnConfigUpdate(
		[]*corev3.TypedExtensionConfig{makeResource(t, "foo", fault)}, "v1"))

	// A compatible provider created later starts from the last-known-good
	// config without waiting for a broadcast.
	p2, err := h.manager.CreateDynamicProvider(
		extensionSource(), "foo", h.ctx, "listener.http.", false, "http")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(fault, installedConfig(t, p2), protocmp.Transform()))
	require.Zero(t, p2.subscription.ConfigConflicts())
	p1.Close()
	p2.Close()
}

// A listener update can race the extension update: the subscription may
// hold a config the new slot's constraints reject. The slot must start on
// its default and converge when a compatible update arrives.
func TestProviderManagerListenerUpdateRace(t *testing.T) {
	h := newTestHarness(t)

	p1, err := h.manager.CreateDynamicProvider(
		extensionSource(withTypeURLs(routerTypeName, faultTypeName)), "foo", h.ctx, "listener.http.", true, "http")
	require.NoError(t, err)

	router := &routerv3.Router{}
	require.NoError(t, h.transport.lastWatcher().OnConfigUpdate(
		[]*corev3.TypedExtensionConfig{makeResource(t, "foo", router)}, "v1"))

	// The new slot only admits the fault type; the subscription's router
	// config conflicts with it.
	defaultFault := &faultv3.HTTPFault{}
	p2, err := h.manager.CreateDynamicProvider(
		extensionSource(withTypeURLs(faultTypeName), withDefaultConfig(makeAny(t, defaultFault))),
		"foo", h.ctx, "listener.http.", false, "http")
	require.NoError(t, err)

	require.Equal(t, uint64(1), p2.subscription.ConfigConflicts())
	require.Empty(t, cmp.Diff(defaultFault, installedConfig(t, p2), protocmp.Transform()))
	// The racing slot is unaffected.
	require.Empty(t, cmp.Diff(router, installedConfig(t, p1), protocmp.Transform()))

	// Once the old slot goes away, a matching update converges the new
	// one.
	p1.Close()
	update := &faultv3.HTTPFault{DownstreamNodes: []string{"canary"}}
	require.NoError(t, h.transport.lastWatcher().OnConfigUpdate(
		[]*corev3.TypedExtensionConfig{makeResource(t, "foo", update)}, "v2"))
	require.Empty(t, cmp.Diff(update, installedConfig(t, p2), protocmp.Transform()))
	p2.Close()
}
