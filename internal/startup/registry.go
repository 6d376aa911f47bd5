package startup

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/anvil-platform/startorder/internal/manifest"
	"github.com/anvil-platform/startorder/internal/multicounter"
)

type component struct {
	desc      ComponentDescriptor
	required  map[string]struct{}
	satisfied bool
}

// edge is one requirement of a component on a capability.
type edge struct {
	capability string
	component  string
}

// claim is a component whose listener is due, taken out of the registry.
type claim struct {
	name     string
	module   manifest.ModuleRef
	listener Listener
}

// Registry holds one descriptor per declared component together with the
// counters that decide when a component is satisfiable.
//
// Registry never invokes listeners; the sweeper does.
type Registry struct {
	log logr.Logger

	mu         sync.RWMutex
	components map[string]*component
	// dependents maps a capability name to the component keys requiring it.
	dependents map[string][]string
	listeners  map[string]Listener
	// listenerModules remembers where expected listeners are declared.
	listenerModules map[string]manifest.ModuleRef
	// providerModules remembers where expected providers are declared.
	providerModules map[string][]manifest.ModuleRef
	// capabilityModules remembers where expected instances are declared.
	capabilityModules map[string][]manifest.ModuleRef

	pending   *multicounter.Counter[string]
	providers *multicounter.Counter[string]
	// reservations are pending slots held for a component until a declared
	// provider arrives and resolves into its real instance count.
	reservations *multicounter.Counter[edge]
	// outstanding splits each pending counter by capability.
	outstanding *multicounter.Counter[edge]

	unboundListeners atomic.Int64
}

// NewRegistry returns an empty Registry.
func NewRegistry(log logr.Logger) *Registry {
	return &Registry{
		log:               log,
		components:        make(map[string]*component),
		dependents:        make(map[string][]string),
		listeners:         make(map[string]Listener),
		listenerModules:   make(map[string]manifest.ModuleRef),
		providerModules:   make(map[string][]manifest.ModuleRef),
		capabilityModules: make(map[string][]manifest.ModuleRef),
		pending:           multicounter.New[string](),
		providers:         multicounter.New[string](),
		reservations:      multicounter.New[edge](),
		outstanding:       multicounter.New[edge](),
	}
}

// RegisterComponent inserts a component descriptor. A duplicate name is
// rejected and the first descriptor is kept.
func (r *Registry) RegisterComponent(desc ComponentDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.components[desc.Name]; ok {
		r.log.Info("duplicate startup component declaration ignored",
			"component", desc.Name,
			"existingModule", existing.desc.Module.String(),
			"duplicateModule", desc.Module.String(),
		)
		return fmt.Errorf("%w: %s", ErrDuplicateComponent, desc.Name)
	}

	c := &component{
		desc:     ComponentDescriptor{Name: desc.Name, Module: desc.Module},
		required: make(map[string]struct{}, len(desc.RequiredCapabilities)),
	}
	r.components[desc.Name] = c
	for _, capName := range desc.RequiredCapabilities {
		r.addRequirementLocked(c, capName)
	}
	r.log.V(1).Info("registered startup component",
		"component", desc.Name,
		"module", desc.Module.String(),
		"requiredCapabilities", c.desc.RequiredCapabilities,
	)
	return nil
}

// AddRequiredCapability appends capabilityName to a component's requirements.
func (r *Registry) AddRequiredCapability(componentKey, capabilityName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.components[componentKey]
	if !ok {
		r.log.Info("required capability added to unknown startup component",
			"component", componentKey, "capability", capabilityName)
		return fmt.Errorf("%w: %s", ErrUnknownComponent, componentKey)
	}
	if c.satisfied {
		r.log.Info("required capability added to already satisfied startup component; ignoring",
			"component", componentKey, "capability", capabilityName)
		return fmt.Errorf("%w: %s", ErrComponentSatisfied, componentKey)
	}
	r.addRequirementLocked(c, capabilityName)
	return nil
}

// AddDependency records a capability→component edge without touching the
// component's descriptor. Duplicate edges are ignored.
func (r *Registry) AddDependency(capabilityName, componentKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addEdgeLocked(capabilityName, componentKey)
}

func (r *Registry) addRequirementLocked(c *component, capabilityName string) {
	if _, ok := c.required[capabilityName]; ok {
		return
	}
	c.required[capabilityName] = struct{}{}
	c.desc.RequiredCapabilities = append(c.desc.RequiredCapabilities, capabilityName)
	r.addEdgeLocked(capabilityName, c.desc.Name)
}

func (r *Registry) addEdgeLocked(capabilityName, componentKey string) {
	for _, k := range r.dependents[capabilityName] {
		if k == componentKey {
			return
		}
	}
	r.dependents[capabilityName] = append(r.dependents[capabilityName], componentKey)
}

// ExpectListener records that a listener for componentKey is declared.
// Repeated declarations for one component count once.
func (r *Registry) ExpectListener(componentKey string, module manifest.ModuleRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listenerModules[componentKey]; ok {
		return
	}
	r.listenerModules[componentKey] = module
	r.unboundListeners.Add(1)
}

// BindListener attaches the listener of a component. The first binder wins.
func (r *Registry) BindListener(componentKey string, l Listener, module manifest.ModuleRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.components[componentKey]
	if !ok {
		r.log.Info("required capability listener for unknown startup component ignored",
			"component", componentKey, "module", module.String())
		return fmt.Errorf("%w: %s", ErrUnknownComponent, componentKey)
	}
	if _, bound := r.listeners[componentKey]; bound || c.satisfied {
		r.log.Info("duplicate required capability listener ignored",
			"component", componentKey, "module", module.String())
		return fmt.Errorf("%w: %s", ErrDuplicateListener, componentKey)
	}
	r.listeners[componentKey] = l
	if _, declared := r.listenerModules[componentKey]; declared {
		r.unboundListeners.Add(-1)
	}
	r.log.V(1).Info("bound required capability listener", "component", componentKey, "module", module.String())
	return nil
}

// UnboundListeners returns the number of declared listeners not yet bound.
func (r *Registry) UnboundListeners() int64 {
	return r.unboundListeners.Load()
}

// ApplyCapabilityArrival consumes one pending slot of every dependent of the capability.
func (r *Registry) ApplyCapabilityArrival(c Capability) {
	for _, key := range r.dependentsOf(c.Name) {
		r.outstanding.DecrementAndGet(edge{capability: c.Name, component: key})
		n := r.pending.DecrementAndGet(key)
		r.log.V(1).Info("capability available", "capability", c.Name, "module", c.Owner.String(),
			"component", key, "pending", n)
	}
}

// ApplyCapabilityExpectation reserves one pending slot on every dependent of the capability.
func (r *Registry) ApplyCapabilityExpectation(c Capability) {
	r.mu.Lock()
	if !containsModule(r.capabilityModules[c.Name], c.Owner) {
		r.capabilityModules[c.Name] = append(r.capabilityModules[c.Name], c.Owner)
	}
	r.mu.Unlock()

	for _, key := range r.dependentsOf(c.Name) {
		// The split counter moves first so it never shows less than the
		// component counter it explains.
		r.outstanding.IncrementAndGet(edge{capability: c.Name, component: key})
		n := r.pending.IncrementAndGet(key)
		r.log.V(1).Info("capability expected", "capability", c.Name, "module", c.Owner.String(),
			"component", key, "pending", n)
	}
}

// ExpectProvider records a declared provider of capabilityName. A provider
// declared for a specific dependent also holds one pending slot on it until
// the provider arrives.
func (r *Registry) ExpectProvider(capabilityName, dependentKey string, module manifest.ModuleRef) {
	r.mu.Lock()
	r.providerModules[capabilityName] = append(r.providerModules[capabilityName], module)
	r.mu.Unlock()

	r.providers.IncrementAndGet(capabilityName)
	if dependentKey != "" {
		e := edge{capability: capabilityName, component: dependentKey}
		r.reservations.IncrementAndGet(e)
		r.outstanding.IncrementAndGet(e)
		r.pending.IncrementAndGet(dependentKey)
	}
}

// ApplyProviderArrival resolves one provider of capabilityName into count
// expected instances for every dependent.
func (r *Registry) ApplyProviderArrival(capabilityName string, count int, module manifest.ModuleRef) {
	// Serialized against other provider arrivals so the outstanding check and
	// the decrement below act as one step.
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range r.dependents[capabilityName] {
		// Reserve the promised slots before the provider stops counting as
		// outstanding, so the component never looks satisfiable in between.
		e := edge{capability: capabilityName, component: key}
		r.outstanding.AddAndGet(e, int64(count))
		n := r.pending.AddAndGet(key, int64(count))
		if r.reservations.Get(e) > 0 {
			r.reservations.DecrementAndGet(e)
			r.outstanding.DecrementAndGet(e)
			n = r.pending.DecrementAndGet(key)
		}
		r.log.V(1).Info("capability provider resolved", "capability", capabilityName, "count", count,
			"module", module.String(), "component", key, "pending", n)
	}

	if r.providers.Get(capabilityName) <= 0 {
		r.log.V(1).Info("capability provider arrived without a declaration",
			"capability", capabilityName, "module", module.String())
		return
	}
	r.providers.DecrementAndGet(capabilityName)
	if mods := r.providerModules[capabilityName]; len(mods) > 0 {
		r.providerModules[capabilityName] = removeModule(mods, module)
	}
}

func containsModule(mods []manifest.ModuleRef, m manifest.ModuleRef) bool {
	for _, x := range mods {
		if x == m {
			return true
		}
	}
	return false
}

func removeModule(mods []manifest.ModuleRef, m manifest.ModuleRef) []manifest.ModuleRef {
	for i := range mods {
		if mods[i] == m {
			return append(mods[:i:i], mods[i+1:]...)
		}
	}
	// Unknown origin: retire the oldest declaration.
	return mods[1:]
}

func (r *Registry) dependentsOf(capabilityName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.dependents[capabilityName]...)
}

// CapabilityNames returns every capability name with at least one dependent.
func (r *Registry) CapabilityNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.dependents))
	for n := range r.dependents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dependents returns the component keys depending on capabilityName.
func (r *Registry) Dependents(capabilityName string) []string {
	return r.dependentsOf(capabilityName)
}

// PendingCount returns the pending counter of a component key.
func (r *Registry) PendingCount(componentKey string) int64 {
	return r.pending.Get(componentKey)
}

// OutstandingProviders returns the number of undelivered providers of capabilityName.
func (r *Registry) OutstandingProviders(capabilityName string) int64 {
	return r.providers.Get(capabilityName)
}

// Query returns the components matching p, sorted by name.
func (r *Registry) Query(p Predicate) []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Component, 0)
	for _, c := range r.components {
		view := r.viewLocked(c)
		if matches(p, view) {
			out = append(out, view)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the view of a single component.
func (r *Registry) Get(componentKey string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[componentKey]
	if !ok {
		return Component{}, false
	}
	return r.viewLocked(c), true
}

func matches(p Predicate, c Component) bool {
	switch p {
	case Pending:
		return !c.Satisfied && !satisfiable(c)
	case Satisfiable:
		return satisfiable(c)
	case Satisfied:
		return c.Satisfied
	default:
		return true
	}
}

func satisfiable(c Component) bool {
	return !c.Satisfied && c.ListenerBound && c.Pending == 0 && len(c.WaitingOnProviders) == 0
}

func (r *Registry) viewLocked(c *component) Component {
	_, bound := r.listeners[c.desc.Name]
	view := Component{
		Name:                 c.desc.Name,
		Module:               c.desc.Module,
		RequiredCapabilities: append([]string(nil), c.desc.RequiredCapabilities...),
		ListenerBound:        bound,
		Satisfied:            c.satisfied,
		Pending:              r.pending.Get(c.desc.Name),
	}
	for _, capName := range c.desc.RequiredCapabilities {
		if r.providers.Get(capName) > 0 {
			view.WaitingOnProviders = append(view.WaitingOnProviders, capName)
		}
	}
	return view
}

// claimSatisfiable marks every satisfiable component satisfied and detaches
// its listener. The caller invokes the listeners after the lock is released.
func (r *Registry) claimSatisfiable() []claim {
	r.mu.Lock()
	defer r.mu.Unlock()

	var claims []claim
	for name, c := range r.components {
		if !satisfiable(r.viewLocked(c)) {
			continue
		}
		c.satisfied = true
		claims = append(claims, claim{name: name, module: c.desc.Module, listener: r.listeners[name]})
		delete(r.listeners, name)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].name < claims[j].name })
	return claims
}
