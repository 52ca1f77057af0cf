// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package extconfig delivers dynamic extension configurations from a
// remote config source to the listener slots that consume them. One
// Subscription exists per (config source, resource name) pair and fans
// updates out to any number of DynamicProviders, each of which enforces
// its own slot constraints before publishing a filter factory to its
// chain.
package extconfig

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/hashicorp/keel/agent/filters"
	"github.com/hashicorp/keel/agent/initmgr"
)

// TypedExtensionConfigTypeURL is the resource type every subscription
// watches.
const TypedExtensionConfigTypeURL = "type.googleapis.com/envoy.config.core.v3.TypedExtensionConfig"

// FailureReason classifies a failed config update delivery.
type FailureReason int

const (
	// ConnectionFailure indicates the transport lost its control plane
	// connection.
	ConnectionFailure FailureReason = iota
	// FetchTimedOut indicates the initial fetch deadline elapsed.
	FetchTimedOut
	// UpdateRejected indicates a received update failed validation.
	UpdateRejected
)

func (r FailureReason) String() string {
	switch r {
	case ConnectionFailure:
		return "connection failure"
	case FetchTimedOut:
		return "fetch timed out"
	case UpdateRejected:
		return "update rejected"
	}
	return "unknown"
}

// DecodedResource is one resource of a delta update, paired with its
// per-resource version.
type DecodedResource struct {
	Resource *corev3.TypedExtensionConfig
	Version  string
}

// Watcher receives decoded resource updates from the transport. The
// transport treats a non-nil error from an update callback as a rejected
// update (NACK); reconnects and backoff are its own concern.
type Watcher interface {
	OnConfigUpdate(resources []*corev3.TypedExtensionConfig, version string) error
	OnConfigDelta(added []DecodedResource, removed []string, version string) error
	OnConfigUpdateFailed(reason FailureReason, err error)
}

// RemoteSubscription is the transport-side handle for one watched
// resource set. Start is idempotent from the core's point of view; the
// core calls it at most once.
type RemoteSubscription interface {
	Start(resourceNames []string)
}

// SubscriptionFactory builds the transport for one config source.
type SubscriptionFactory func(cfg *corev3.ConfigSource, resourceTypeURL string, w Watcher) (RemoteSubscription, error)

// Validator checks a translated configuration message. The dynamic
// validation visitor applies to control-plane supplied payloads; static
// defaults use the same interface.
type Validator interface {
	Validate(msg proto.Message) error
}

// pgvValidator applies the message's own protoc-gen-validate constraints
// when the generated type carries them.
type pgvValidator struct{}

func (pgvValidator) Validate(msg proto.Message) error {
	if v, ok := msg.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

// DynamicValidation validates control-plane supplied messages.
var DynamicValidation Validator = pgvValidator{}

// FactoryContext bundles everything the extension config machinery needs
// from the surrounding server.
type FactoryContext struct {
	filters.FactoryContext

	InitManager     *initmgr.Manager
	Registry        *filters.Registry
	Validator       Validator
	NewSubscription SubscriptionFactory
}

// typeURLToDescriptorFullName maps an any-style type URL
// ("type.googleapis.com/foo.v3.Bar") to the descriptor full name
// ("foo.v3.Bar"). A bare full name passes through unchanged.
func typeURLToDescriptorFullName(typeURL string) string {
	if i := strings.LastIndexByte(typeURL, '/'); i >= 0 {
		return typeURL[i+1:]
	}
	return typeURL
}

// hashAny hashes the packed payload. Identical hashes short-circuit
// redundant re-broadcasts of the same configuration.
func hashAny(a *anypb.Any) (uint64, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("failed to hash extension config payload: %w", err)
	}
	return xxhash.Sum64(b), nil
}

// translateAnyToFactoryConfig unpacks the payload into a fresh instance of
// the factory's configuration type and validates it.
func translateAnyToFactoryConfig(a *anypb.Any, validator Validator, factory filters.Factory) (proto.Message, error) {
	msg := factory.ConfigType().ProtoReflect().New().Interface()
	if err := a.UnmarshalTo(msg); err != nil {
		return nil, fmt.Errorf("failed to unpack extension config for factory %q: %w", factory.Name(), err)
	}
	if validator != nil {
		if err := validator.Validate(msg); err != nil {
			return nil, fmt.Errorf("invalid extension config for factory %q: %w", factory.Name(), err)
		}
	}
	return msg, nil
}

func namedLogger(logger hclog.Logger, sub string) hclog.Logger {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return logger.Named(sub)
}
