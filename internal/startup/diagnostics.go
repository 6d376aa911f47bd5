package startup

import (
	"sort"

	"github.com/anvil-platform/startorder/internal/manifest"
)

// PendingReport explains why a component has not been notified yet.
type PendingReport struct {
	Component Component
	// MissingListener is set while no listener has bound for the component.
	MissingListener bool
	// ListenerModule is the module declaring the listener, if any.
	ListenerModule manifest.ModuleRef
	// Outstanding lists the required capabilities with instances still to arrive.
	Outstanding []OutstandingCapability
	// Providers maps each required capability with outstanding providers to
	// the modules declaring them.
	Providers map[string][]manifest.ModuleRef
}

// OutstandingCapability is a required capability a component still waits on.
type OutstandingCapability struct {
	Name      string
	Instances int64
	// Modules declare the expected instances.
	Modules []manifest.ModuleRef
}

// ProviderReport is a declared capability provider that has not arrived.
type ProviderReport struct {
	Capability  string
	Outstanding int64
	Modules     []manifest.ModuleRef
}

// Diagnose reports every pending component. It never changes state.
func (r *Registry) Diagnose() []PendingReport {
	pending := r.Query(Pending)

	r.mu.RLock()
	defer r.mu.RUnlock()

	reports := make([]PendingReport, 0, len(pending))
	for _, c := range pending {
		rep := PendingReport{Component: c, MissingListener: !c.ListenerBound}
		if m, ok := r.listenerModules[c.Name]; ok {
			rep.ListenerModule = m
		}
		for _, capName := range c.RequiredCapabilities {
			n := r.outstanding.Get(edge{capability: capName, component: c.Name})
			if n <= 0 {
				continue
			}
			rep.Outstanding = append(rep.Outstanding, OutstandingCapability{
				Name:      capName,
				Instances: n,
				Modules:   append([]manifest.ModuleRef(nil), r.capabilityModules[capName]...),
			})
		}
		if len(c.WaitingOnProviders) > 0 {
			rep.Providers = make(map[string][]manifest.ModuleRef, len(c.WaitingOnProviders))
			for _, capName := range c.WaitingOnProviders {
				rep.Providers[capName] = append([]manifest.ModuleRef(nil), r.providerModules[capName]...)
			}
		}
		reports = append(reports, rep)
	}
	return reports
}

// PendingProviders reports every declared provider that has not arrived,
// whether or not a pending component depends on it.
func (r *Registry) PendingProviders() []ProviderReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ProviderReport
	for _, capName := range r.providers.Keys() {
		n := r.providers.Get(capName)
		if n <= 0 {
			continue
		}
		out = append(out, ProviderReport{
			Capability:  capName,
			Outstanding: n,
			Modules:     append([]manifest.ModuleRef(nil), r.providerModules[capName]...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out
}
