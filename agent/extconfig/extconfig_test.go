// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package extconfig

import (
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	faultv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/fault/v3"
	routerv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/hashicorp/keel/agent/event"
	"github.com/hashicorp/keel/agent/filters"
	"github.com/hashicorp/keel/agent/initmgr"
	"github.com/hashicorp/keel/sdk/testutil"
)

const (
	routerTypeName = "envoy.extensions.filters.http.router.v3.Router"
	faultTypeName  = "envoy.extensions.filters.http.fault.v3.HTTPFault"
)

type fakeRemote struct {
	started bool
	names   []string
}

func (r *fakeRemote) Start(names []string) {
	r.started = true
	r.names = names
}

type fakeTransport struct {
	remotes  []*fakeRemote
	watchers []Watcher
}

func (f *fakeTransport) newSubscription(cfg *corev3.ConfigSource, resourceTypeURL string, w Watcher) (RemoteSubscription, error) {
	r := &fakeRemote{}
	f.remotes = append(f.remotes, r)
	f.watchers = append(f.watchers, w)
	return r, nil
}

func (f *fakeTransport) lastWatcher() Watcher {
	return f.watchers[len(f.watchers)-1]
}

type testFilterFactory struct {
	name      string
	prototype proto.Message
	terminal  bool

	created  int
	onCreate func()
}

func (f *testFilterFactory) Name() string { return f.name }

func (f *testFilterFactory) ConfigType() proto.Message { return f.prototype }

func (f *testFilterFactory) CreateFilterFactoryFromProto(cfg proto.Message, statPrefix string, ctx filters.FactoryContext) (filters.FilterFactoryCb, error) {
	f.created++
	if f.onCreate != nil {
		f.onCreate()
	}
	return func() filters.Filter { return cfg }, nil
}

func (f *testFilterFactory) IsTerminalFilterByProto(cfg proto.Message, ctx filters.FactoryContext) bool {
	return f.terminal
}

type testHarness struct {
	t         *testing.T
	ctx       *FactoryContext
	initMgr   *initmgr.Manager
	transport *fakeTransport
	registry  *filters.Registry
	manager   *ProviderManager

	routerFactory *testFilterFactory
	faultFactory  *testFilterFactory
}

func newTestHarness(t *testing.T) *testHarness {
	logger := testutil.Logger(t)
	registry := filters.NewRegistry()
	routerFactory := &testFilterFactory{
		name:      "envoy.filters.http.router",
		prototype: &routerv3.Router{},
		terminal:  true,
	}
	faultFactory := &testFilterFactory{
		name:      "envoy.filters.http.fault",
		prototype: &faultv3.HTTPFault{},
	}
	registry.Register(routerFactory)
	registry.Register(faultFactory)

	initMgr := initmgr.NewManager("test-listener", logger)
	transport := &fakeTransport{}
	ctx := &FactoryContext{
		FactoryContext: filters.FactoryContext{
			Logger:     logger,
			Dispatcher: event.NewDispatcher("test", logger, nil),
		},
		InitManager:     initMgr,
		Registry:        registry,
		Validator:       DynamicValidation,
		NewSubscription: transport.newSubscription,
	}
	return &testHarness{
		t:             t,
		ctx:           ctx,
		initMgr:       initMgr,
		transport:     transport,
		registry:      registry,
		manager:       NewProviderManager(logger),
		routerFactory: routerFactory,
		faultFactory:  faultFactory,
	}
}

func makeAny(t *testing.T, msg proto.Message) *anypb.Any {
	t.Helper()
	a, err := anypb.New(msg)
	require.NoError(t, err)
	return a
}

func makeResource(t *testing.T, name string, msg proto.Message) *corev3.TypedExtensionConfig {
	t.Helper()
	return &corev3.TypedExtensionConfig{
		Name:        name,
		TypedConfig: makeAny(t, msg),
	}
}

func adsConfigSource() *corev3.ConfigSource {
	return &corev3.ConfigSource{
		ConfigSourceSpecifier: &corev3.ConfigSource_Ads{
			Ads: &corev3.AggregatedConfigSource{},
		},
	}
}

type sourceOption func(*corev3.ExtensionConfigSource)

func withTypeURLs(urls ...string) sourceOption {
	return func(s *corev3.ExtensionConfigSource) { s.TypeUrls = urls }
}

func withDefaultConfig(a *anypb.Any) sourceOption {
	return func(s *corev3.ExtensionConfigSource) { s.DefaultConfig = a }
}

func withoutWarming() sourceOption {
	return func(s *corev3.ExtensionConfigSource) { s.ApplyDefaultConfigWithoutWarming = true }
}

func extensionSource(opts ...sourceOption) *corev3.ExtensionConfigSource {
	s := &corev3.ExtensionConfigSource{ConfigSource: adsConfigSource()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// installedConfig unwraps the provider's published factory callback.
func installedConfig(t *testing.T, p *DynamicProvider) proto.Message {
	t.Helper()
	cb := p.Config()
	require.NotNil(t, cb)
	msg, ok := cb().(proto.Message)
	require.True(t, ok)
	return msg
}
