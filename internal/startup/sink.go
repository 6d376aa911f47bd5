package startup

import (
	"github.com/anvil-platform/startorder/internal/graph"
	"github.com/anvil-platform/startorder/internal/manifest"
)

// graphSink feeds a graph build into the registry and tells observers about
// every accepted component.
type graphSink struct {
	registry  *Registry
	observers []Observer
}

var _ graph.Sink = (*graphSink)(nil)

func (s *graphSink) RegisterComponent(c graph.Component) error {
	err := s.registry.RegisterComponent(ComponentDescriptor{
		Name:                 c.Name,
		Module:               c.Module,
		RequiredCapabilities: c.RequiredCapabilities,
	})
	if err != nil {
		return err
	}
	for _, o := range s.observers {
		o.ComponentRegistered(c.Name)
	}
	return nil
}

func (s *graphSink) AddRequiredCapability(componentKey, capabilityName string) error {
	return s.registry.AddRequiredCapability(componentKey, capabilityName)
}

func (s *graphSink) AddDependency(capabilityName, componentKey string) {
	s.registry.AddDependency(capabilityName, componentKey)
}

func (s *graphSink) ExpectListener(componentKey string, module manifest.ModuleRef) {
	s.registry.ExpectListener(componentKey, module)
}

func (s *graphSink) ExpectProvider(capabilityName, dependentComponentKey string, module manifest.ModuleRef) {
	s.registry.ExpectProvider(capabilityName, dependentComponentKey, module)
}

func (s *graphSink) ApplyCapabilityExpectation(capabilityName string, module manifest.ModuleRef) {
	s.registry.ApplyCapabilityExpectation(Capability{
		Name:  capabilityName,
		State: CapabilityExpected,
		Owner: module,
		Kind:  KindSimple,
	})
}
