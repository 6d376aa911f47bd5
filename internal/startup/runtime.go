package startup

import (
	"context"
	"sort"
	"strings"

	"github.com/anvil-platform/startorder/internal/graph"
	"github.com/anvil-platform/startorder/internal/manifest"
)

// Instance is a capability instance published by the host runtime.
type Instance struct {
	// ID identifies the instance within the runtime.
	ID     string
	Name   string
	Module manifest.ModuleRef
	// Properties carries the registration attributes, e.g. componentKey.
	Properties map[string]string
	// Object is the registered value: a Listener for listener instances and
	// optionally a Provider for provider instances.
	Object any
}

// EventHandler receives capability instance events. The runtime serializes
// calls to a single handler.
type EventHandler interface {
	CapabilityArrived(Instance)
	CapabilityDeparted(Instance)
}

// Subscription is a live watch on capability instances.
type Subscription interface {
	Unsubscribe() error
}

// Runtime is the host module runtime.
//
// Subscribe must replay instances that are already registered as arrivals
// before delivering new ones.
type Runtime interface {
	graph.Source
	Subscribe(ctx context.Context, filter Filter, handler EventHandler) (Subscription, error)
}

// Filter is an OR filter over capability names.
type Filter struct {
	names []string
}

// NewFilter builds a filter matching any of names.
func NewFilter(names ...string) Filter {
	set := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := set[n]; ok {
			continue
		}
		set[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return Filter{names: out}
}

// Names returns the sorted capability names of the filter.
func (f Filter) Names() []string {
	return append([]string(nil), f.names...)
}

// Matches reports whether name is selected by the filter.
func (f Filter) Matches(name string) bool {
	i := sort.SearchStrings(f.names, name)
	return i < len(f.names) && f.names[i] == name
}

// String renders the filter as an LDAP-style expression, e.g. (|(name=a)(name=b)).
func (f Filter) String() string {
	var b strings.Builder
	b.WriteString("(|")
	for _, n := range f.names {
		b.WriteString("(name=")
		b.WriteString(n)
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String()
}
