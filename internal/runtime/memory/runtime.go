// Package memory is an in-process module runtime.
//
// Modules are added with their manifest headers; capability instances are
// registered and unregistered at any time and delivered synchronously to
// matching subscriptions.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/anvil-platform/startorder/internal/graph"
	"github.com/anvil-platform/startorder/internal/manifest"
	"github.com/anvil-platform/startorder/internal/startup"
)

var (
	// ErrDuplicateModule is returned when a module name and version is added twice.
	ErrDuplicateModule = errors.New("module already added")
	// ErrUnknownModule is returned for headers of modules that were never added.
	ErrUnknownModule = errors.New("unknown module")
	// ErrUnknownInstance is returned when unregistering an instance twice.
	ErrUnknownInstance = errors.New("unknown capability instance")
)

// Runtime is a thread-safe in-memory module registry.
type Runtime struct {
	mu        sync.Mutex
	modules   map[manifest.ModuleRef]map[string]string
	instances map[string]startup.Instance
	order     []string
	subs      map[*subscription]struct{}
	nextID    int
}

var _ startup.Runtime = (*Runtime)(nil)

// New returns an empty Runtime.
func New() *Runtime {
	return &Runtime{
		modules:   make(map[manifest.ModuleRef]map[string]string),
		instances: make(map[string]startup.Instance),
		subs:      make(map[*subscription]struct{}),
	}
}

// AddModule makes a module and its manifest headers visible to Modules.
func (r *Runtime) AddModule(m manifest.ModuleRef, headers map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, m)
	}
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	r.modules[m] = copied
	return nil
}

func (r *Runtime) Modules(_ context.Context) ([]manifest.ModuleRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]manifest.ModuleRef, 0, len(r.modules))
	for m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r *Runtime) Declarations(_ context.Context, m manifest.ModuleRef, header string) ([]manifest.Element, error) {
	r.mu.Lock()
	headers, ok := r.modules[m]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, m)
	}
	value, ok := headers[header]
	if !ok {
		return nil, nil
	}
	return manifest.Parse(header, value, m)
}

// Register publishes a capability instance and returns its id.
func (r *Runtime) Register(m manifest.ModuleRef, name string, properties map[string]string, object any) string {
	r.mu.Lock()
	r.nextID++
	in := startup.Instance{
		ID:         strconv.Itoa(r.nextID),
		Name:       name,
		Module:     m,
		Properties: copyProps(properties),
		Object:     object,
	}
	r.instances[in.ID] = in
	r.order = append(r.order, in.ID)
	subs := r.subscribersLocked()
	r.mu.Unlock()

	for _, s := range subs {
		s.deliver(in, true)
	}
	return in.ID
}

// RegisterListener publishes a required-capability-listener instance for componentKey.
func (r *Runtime) RegisterListener(m manifest.ModuleRef, componentKey string, l startup.Listener) string {
	return r.Register(m, graph.ListenerCapability, map[string]string{graph.AttrComponentKey: componentKey}, l)
}

// RegisterProvider publishes a capability-provider instance for capabilityName.
func (r *Runtime) RegisterProvider(m manifest.ModuleRef, capabilityName string, p startup.Provider) string {
	return r.Register(m, graph.ProviderCapability, map[string]string{graph.AttrCapabilityName: capabilityName}, p)
}

// Unregister withdraws an instance.
func (r *Runtime) Unregister(id string) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	delete(r.instances, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	subs := r.subscribersLocked()
	r.mu.Unlock()

	for _, s := range subs {
		s.deliver(in, false)
	}
	return nil
}

// Subscribe replays every matching instance as an arrival, then delivers
// later events until the subscription is closed or ctx is done.
func (r *Runtime) Subscribe(ctx context.Context, filter startup.Filter, handler startup.EventHandler) (startup.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &subscription{runtime: r, filter: filter, handler: handler}

	r.mu.Lock()
	r.subs[s] = struct{}{}
	s.stop = context.AfterFunc(ctx, func() { _ = s.Unsubscribe() })
	existing := make([]startup.Instance, 0, len(r.order))
	for _, id := range r.order {
		existing = append(existing, r.instances[id])
	}
	// Later events queue behind the replay.
	s.mu.Lock()
	r.mu.Unlock()

	for _, in := range existing {
		s.deliverLocked(in, true)
	}
	s.mu.Unlock()
	return s, nil
}

// Subscribers returns the number of open subscriptions.
func (r *Runtime) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Runtime) subscribersLocked() []*subscription {
	out := make([]*subscription, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, s)
	}
	return out
}

type subscription struct {
	runtime *Runtime
	filter  startup.Filter
	handler startup.EventHandler
	stop    func() bool

	mu     sync.Mutex
	closed atomic.Bool
}

func (s *subscription) deliver(in startup.Instance, arrived bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(in, arrived)
}

func (s *subscription) deliverLocked(in startup.Instance, arrived bool) {
	if s.closed.Load() || !s.filter.Matches(in.Name) {
		return
	}
	if arrived {
		s.handler.CapabilityArrived(in)
	} else {
		s.handler.CapabilityDeparted(in)
	}
}

func (s *subscription) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.runtime.mu.Lock()
	defer s.runtime.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
	delete(s.runtime.subs, s)
	return nil
}

func copyProps(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
