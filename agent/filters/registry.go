// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package filters holds the extension factory registry and the filter
// chain placement rules shared by static and dynamic filter configuration.
package filters

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/protobuf/proto"

	"github.com/hashicorp/keel/agent/event"
)

// Filter is an instantiated filter. Its behavior is owned by the
// extension; the configuration machinery only moves it around.
type Filter interface{}

// FilterFactoryCb creates a filter for one new stream or connection. A
// provider publishes exactly one of these at a time.
type FilterFactoryCb func() Filter

// FactoryContext carries the server-level collaborators a factory may need
// while building configuration.
type FactoryContext struct {
	Logger     hclog.Logger
	Dispatcher *event.Dispatcher
}

// Factory builds filters of one configuration type. ConfigType returns a
// prototype of the factory's configuration message; the message's full
// name identifies the factory in the registry.
type Factory interface {
	Name() string
	ConfigType() proto.Message
	CreateFilterFactoryFromProto(cfg proto.Message, statPrefix string, ctx FactoryContext) (FilterFactoryCb, error)
	IsTerminalFilterByProto(cfg proto.Message, ctx FactoryContext) bool
}

// Registry maps configuration message full names to factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering two factories for the same
// configuration type is a programming error and panics, matching factory
// registration at process start.
func (r *Registry) Register(f Factory) {
	typeName := string(proto.MessageName(f.ConfigType()))
	if typeName == "" {
		panic(fmt.Sprintf("filter factory %q has no config type", f.Name()))
	}
	if _, ok := r.factories[typeName]; ok {
		panic(fmt.Sprintf("duplicate filter factory registered for config type %q", typeName))
	}
	r.factories[typeName] = f
}

// GetFactoryByType returns the factory for the given configuration message
// full name, or nil when unknown.
func (r *Registry) GetFactoryByType(typeName string) Factory {
	return r.factories[typeName]
}

// MustGetFactoryByType is GetFactoryByType for callers that have already
// validated the type.
func (r *Registry) MustGetFactoryByType(typeName string) Factory {
	f := r.factories[typeName]
	if f == nil {
		panic(fmt.Sprintf("no filter factory registered for config type %q", typeName))
	}
	return f
}

// ValidateTerminalFilters enforces chain placement: a terminal filter must
// occupy the last position of its chain, and the last position must hold a
// terminal filter.
func ValidateTerminalFilters(name, filterType, chainType string, isTerminal, isLast bool) error {
	if isTerminal && !isLast {
		return fmt.Errorf("terminal filter %q of type %s must be the last filter in a %s filter chain", name, filterType, chainType)
	}
	if !isTerminal && isLast {
		return fmt.Errorf("non-terminal filter %q of type %s is the last filter in a %s filter chain", name, filterType, chainType)
	}
	return nil
}
