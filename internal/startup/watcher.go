package startup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/anvil-platform/startorder/internal/graph"
)

// event is a capability instance decoded once on arrival.
type event struct {
	kind     CapabilityKind
	instance Instance

	// listener events
	componentKey string
	listener     Listener

	// provider events
	capabilityName string
	count          int
}

// decode classifies an instance. Listener and provider registrations that
// lack their mandatory properties are rejected with ErrMalformedEvent.
func decode(in Instance) (event, error) {
	ev := event{instance: in}
	switch in.Name {
	case graph.ListenerCapability:
		ev.kind = KindListener
		ev.componentKey = strings.TrimSpace(in.Properties[graph.AttrComponentKey])
		if ev.componentKey == "" {
			return ev, fmt.Errorf("%w: %s instance %q has no %s property",
				ErrMalformedEvent, in.Name, in.ID, graph.AttrComponentKey)
		}
		l, ok := in.Object.(Listener)
		if !ok {
			return ev, fmt.Errorf("%w: %s instance %q is a %T, not a listener",
				ErrMalformedEvent, in.Name, in.ID, in.Object)
		}
		ev.listener = l
	case graph.ProviderCapability:
		ev.kind = KindProvider
		ev.capabilityName = strings.TrimSpace(in.Properties[graph.AttrCapabilityName])
		if ev.capabilityName == "" {
			return ev, fmt.Errorf("%w: %s instance %q has no %s property",
				ErrMalformedEvent, in.Name, in.ID, graph.AttrCapabilityName)
		}
		count, err := providerCount(in)
		if err != nil {
			return ev, err
		}
		ev.count = count
	default:
		ev.kind = KindSimple
	}
	return ev, nil
}

func providerCount(in Instance) (int, error) {
	if p, ok := in.Object.(Provider); ok {
		if n := p.Count(); n >= 0 {
			return n, nil
		}
		return 0, fmt.Errorf("%w: provider %q reports a negative count", ErrMalformedEvent, in.ID)
	}
	raw := strings.TrimSpace(in.Properties[graph.AttrCount])
	if raw == "" {
		return 0, fmt.Errorf("%w: provider %q has neither a provider object nor a %s property",
			ErrMalformedEvent, in.ID, graph.AttrCount)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: provider %q has invalid %s %q", ErrMalformedEvent, in.ID, graph.AttrCount, raw)
	}
	return n, nil
}

// watcher applies capability events from the runtime to the registry.
type watcher struct {
	registry *Registry
	log      logr.Logger
	handlers map[CapabilityKind]func(event)
}

func newWatcher(registry *Registry, log logr.Logger) *watcher {
	w := &watcher{registry: registry, log: log}
	w.handlers = map[CapabilityKind]func(event){
		KindListener: w.listenerArrived,
		KindProvider: w.providerArrived,
		KindSimple:   w.capabilityArrived,
	}
	return w
}

var _ EventHandler = (*watcher)(nil)

// filter selects every capability name a registered component depends on and
// the two meta-capabilities.
func (w *watcher) filter() Filter {
	names := append(w.registry.CapabilityNames(), graph.ListenerCapability, graph.ProviderCapability)
	return NewFilter(names...)
}

func (w *watcher) CapabilityArrived(in Instance) {
	defer func() {
		if r := recover(); r != nil {
			eventsDroppedTotal.Inc()
			w.log.Error(fmt.Errorf("panic: %v", r), "capability event handler panicked",
				"capability", in.Name, "instance", in.ID)
		}
	}()

	ev, err := decode(in)
	if err != nil {
		eventsDroppedTotal.Inc()
		w.log.Error(err, "dropping capability event", "capability", in.Name, "module", in.Module.String())
		return
	}
	eventsTotal.WithLabelValues(ev.kind.String()).Inc()
	w.handlers[ev.kind](ev)
}

func (w *watcher) CapabilityDeparted(in Instance) {
	w.log.V(1).Info("capability instance departed; withdrawal does not affect startup state",
		"capability", in.Name, "instance", in.ID, "module", in.Module.String())
}

func (w *watcher) listenerArrived(ev event) {
	// Rejections are logged by the registry.
	_ = w.registry.BindListener(ev.componentKey, ev.listener, ev.instance.Module)
}

func (w *watcher) providerArrived(ev event) {
	w.registry.ApplyProviderArrival(ev.capabilityName, ev.count, ev.instance.Module)
}

func (w *watcher) capabilityArrived(ev event) {
	w.registry.ApplyCapabilityArrival(Capability{
		Name:  ev.instance.Name,
		State: CapabilityAvailable,
		Owner: ev.instance.Module,
		Kind:  KindSimple,
	})
}
