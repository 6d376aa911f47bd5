// Package graph builds the capability dependency graph from module headers.
//
// The builder reads the Startup-Component header of every loaded module,
// classifies each clause and feeds the result into a Sink (the component
// registry). Expected capability instances are applied only after every
// module has been scanned, so the outcome does not depend on module order.
package graph

import (
	"context"

	"github.com/anvil-platform/startorder/internal/manifest"
)

const (
	// Header is the manifest header carrying startup declarations.
	Header = "Startup-Component"

	// NamespaceComponent declares a startup component and its required capabilities.
	NamespaceComponent = "startup.component"
	// NamespaceCapability declares a capability instance (plain, listener or provider).
	NamespaceCapability = "capability"

	AttrComponentKey          = "componentKey"
	AttrRequiredCapability    = "requiredCapability"
	AttrName                  = "name"
	AttrCount                 = "count"
	AttrDependentComponentKey = "dependentComponentKey"
	AttrCapabilityName        = "capabilityName"

	// ListenerCapability is the meta-capability registered by components that
	// want to be told once their requirements are available.
	ListenerCapability = "required-capability-listener"
	// ProviderCapability is the meta-capability registered by dynamic sources
	// that promise a number of further capability instances.
	ProviderCapability = "capability-provider"
)

// Source enumerates modules and their declared headers.
type Source interface {
	Modules(ctx context.Context) ([]manifest.ModuleRef, error)
	Declarations(ctx context.Context, module manifest.ModuleRef, header string) ([]manifest.Element, error)
}

// Component is a parsed component declaration.
type Component struct {
	Name                 string
	Module               manifest.ModuleRef
	RequiredCapabilities []string
}

// Sink receives the graph as it is built.
type Sink interface {
	RegisterComponent(c Component) error
	AddRequiredCapability(componentKey, capabilityName string) error
	AddDependency(capabilityName, componentKey string)
	ExpectListener(componentKey string, module manifest.ModuleRef)
	ExpectProvider(capabilityName, dependentComponentKey string, module manifest.ModuleRef)
	ApplyCapabilityExpectation(capabilityName string, module manifest.ModuleRef)
}

// Result summarizes a build.
type Result struct {
	Modules           int
	Components        int
	ListenersExpected int
	ProvidersExpected int
	// ExpectedInstances counts plain capability instances declared statically.
	ExpectedInstances int
	// DeclarationErrors counts clauses rejected by the builder.
	DeclarationErrors int
}

// Kind classifies a declaration.
type Kind int

const (
	KindUnknown Kind = iota
	KindComponent
	KindListener
	KindProvider
	KindCapability
)

func (k Kind) String() string {
	switch k {
	case KindComponent:
		return "component"
	case KindListener:
		return "listener"
	case KindProvider:
		return "provider"
	case KindCapability:
		return "capability"
	default:
		return "unknown"
	}
}

// Classify returns the declaration kind of an element.
func Classify(e manifest.Element) Kind {
	switch e.Value {
	case NamespaceComponent:
		return KindComponent
	case NamespaceCapability:
		switch e.Attribute(AttrName) {
		case ListenerCapability:
			return KindListener
		case ProviderCapability:
			return KindProvider
		default:
			return KindCapability
		}
	default:
		return KindUnknown
	}
}
