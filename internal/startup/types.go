// Package startup coordinates startup ordering between independently loaded
// modules.
//
// Components declare the capabilities they need. The coordinator counts
// expected and arrived capability instances per component and, from a
// periodic sweep, invokes each component's RequiredCapabilityListener exactly
// once when nothing is outstanding any more.
package startup

import (
	"github.com/anvil-platform/startorder/internal/manifest"
)

// Listener is implemented by components waiting on their required capabilities.
type Listener interface {
	OnAllRequiredCapabilitiesAvailable()
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func()

func (f ListenerFunc) OnAllRequiredCapabilitiesAvailable() { f() }

// Provider is implemented by dynamic capability sources. Count is the number
// of capability instances the provider will register.
type Provider interface {
	Count() int
}

// ProviderCount is a fixed-count Provider.
type ProviderCount int

func (p ProviderCount) Count() int { return int(p) }

type CapabilityState int

const (
	CapabilityExpected CapabilityState = iota
	CapabilityAvailable
)

type CapabilityKind int

const (
	KindSimple CapabilityKind = iota
	KindListener
	KindProvider
)

func (k CapabilityKind) String() string {
	switch k {
	case KindListener:
		return "listener"
	case KindProvider:
		return "provider"
	default:
		return "simple"
	}
}

// Capability is a named thing a component can require. Identity is Name.
type Capability struct {
	Name  string
	State CapabilityState
	Owner manifest.ModuleRef
	Kind  CapabilityKind
}

// ComponentDescriptor is the declared shape of a startup component.
type ComponentDescriptor struct {
	Name                 string
	Module               manifest.ModuleRef
	RequiredCapabilities []string
}

// Component is a point-in-time view of a registered component.
type Component struct {
	Name                 string
	Module               manifest.ModuleRef
	RequiredCapabilities []string
	ListenerBound        bool
	Satisfied            bool
	// Pending is the number of required capability instances still outstanding.
	// It can be negative while arrivals run ahead of their expectations.
	Pending int64
	// WaitingOnProviders lists required capabilities with undelivered providers.
	WaitingOnProviders []string
}

// Predicate selects components in Registry.Query.
type Predicate int

const (
	// All matches every registered component.
	All Predicate = iota
	// Pending matches components that are neither satisfied nor satisfiable.
	Pending
	// Satisfiable matches components whose listener can be invoked on the next sweep.
	Satisfiable
	// Satisfied matches components whose listener has been invoked.
	Satisfied
)

func (p Predicate) String() string {
	switch p {
	case Pending:
		return "pending"
	case Satisfiable:
		return "satisfiable"
	case Satisfied:
		return "satisfied"
	default:
		return "all"
	}
}

// Observer is told about component lifecycle transitions.
type Observer interface {
	ComponentRegistered(name string)
	ComponentSatisfied(name string)
	Idle()
}
