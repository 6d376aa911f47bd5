// Package kube is a host runtime backed by Kubernetes objects.
//
// Modules are ModuleManifest objects whose spec.headers carry the manifest
// headers. Capability instances are CapabilityRegistration objects, watched
// through the manager's informer cache. A required-capability-listener
// registration is bound to a listener that marks the owning ModuleManifest
// with the CapabilitiesAvailable condition.
package kube

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"
	toolscache "k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"

	startupv1alpha1 "github.com/anvil-platform/startorder/api/v1alpha1"
	"github.com/anvil-platform/startorder/internal/graph"
	"github.com/anvil-platform/startorder/internal/manifest"
	"github.com/anvil-platform/startorder/internal/startup"
)

// InformerSource is the part of the manager cache the runtime needs.
type InformerSource interface {
	GetInformer(ctx context.Context, obj client.Object, opts ...cache.InformerGetOption) (cache.Informer, error)
}

// Runtime reads modules and capability registrations from Namespace, or from
// every namespace when Namespace is empty.
//
// RBAC:
// +kubebuilder:rbac:groups=startup.platform,resources=modulemanifests,verbs=get;list;watch
// +kubebuilder:rbac:groups=startup.platform,resources=modulemanifests/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=startup.platform,resources=capabilityregistrations,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch;update
type Runtime struct {
	Client    client.Client
	Informers InformerSource
	Recorder  record.EventRecorder
	Namespace string
	Log       logr.Logger

	mu sync.Mutex
	// objects maps a module reference to its ModuleManifest object.
	objects map[manifest.ModuleRef]types.NamespacedName
}

var _ startup.Runtime = (*Runtime)(nil)

func (r *Runtime) Modules(ctx context.Context) ([]manifest.ModuleRef, error) {
	var list startupv1alpha1.ModuleManifestList
	if err := r.Client.List(ctx, &list, client.InNamespace(r.Namespace)); err != nil {
		return nil, fmt.Errorf("list modulemanifests: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = make(map[manifest.ModuleRef]types.NamespacedName, len(list.Items))
	out := make([]manifest.ModuleRef, 0, len(list.Items))
	for i := range list.Items {
		item := &list.Items[i]
		ref := moduleRef(item)
		key := types.NamespacedName{Namespace: item.Namespace, Name: item.Name}
		if existing, ok := r.objects[ref]; ok {
			r.Log.Info("module declared by more than one ModuleManifest; using the first",
				"module", ref.String(), "moduleManifest", existing.String(), "duplicate", key.String())
			continue
		}
		r.objects[ref] = key
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r *Runtime) Declarations(ctx context.Context, m manifest.ModuleRef, header string) ([]manifest.Element, error) {
	r.mu.Lock()
	key, ok := r.objects[m]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("module %s was not listed", m)
	}

	var mm startupv1alpha1.ModuleManifest
	if err := r.Client.Get(ctx, key, &mm); err != nil {
		return nil, fmt.Errorf("get modulemanifest %s: %w", key, err)
	}
	value, ok := mm.Spec.Headers[header]
	if !ok {
		return nil, nil
	}
	return manifest.Parse(header, value, m)
}

// Subscribe registers an event handler on the CapabilityRegistration
// informer. The informer replays existing registrations as additions.
func (r *Runtime) Subscribe(ctx context.Context, filter startup.Filter, handler startup.EventHandler) (startup.Subscription, error) {
	informer, err := r.Informers.GetInformer(ctx, &startupv1alpha1.CapabilityRegistration{})
	if err != nil {
		return nil, fmt.Errorf("get capabilityregistration informer: %w", err)
	}
	h := &eventHandler{runtime: r, filter: filter, handler: handler}
	reg, err := informer.AddEventHandler(h)
	if err != nil {
		return nil, fmt.Errorf("add capabilityregistration handler: %w", err)
	}
	return &subscription{informer: informer, registration: reg}, nil
}

type subscription struct {
	informer     cache.Informer
	registration toolscache.ResourceEventHandlerRegistration

	once sync.Once
	err  error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() { s.err = s.informer.RemoveEventHandler(s.registration) })
	return s.err
}

// eventHandler turns CapabilityRegistration notifications into capability
// events. client-go delivers notifications to one handler sequentially.
type eventHandler struct {
	runtime *Runtime
	filter  startup.Filter
	handler startup.EventHandler
}

var _ toolscache.ResourceEventHandler = (*eventHandler)(nil)

func (h *eventHandler) OnAdd(obj interface{}, _ bool) {
	reg, ok := obj.(*startupv1alpha1.CapabilityRegistration)
	if !ok || !h.selects(reg) {
		return
	}
	h.handler.CapabilityArrived(h.runtime.instance(reg))
}

// OnUpdate ignores changes: an instance is counted once, when it is added.
func (h *eventHandler) OnUpdate(_, _ interface{}) {}

func (h *eventHandler) OnDelete(obj interface{}) {
	if tombstone, ok := obj.(toolscache.DeletedFinalStateUnknown); ok {
		obj = tombstone.Obj
	}
	reg, ok := obj.(*startupv1alpha1.CapabilityRegistration)
	if !ok || !h.selects(reg) {
		return
	}
	h.handler.CapabilityDeparted(h.runtime.instance(reg))
}

// selects drops registrations outside the runtime namespace; the manager
// cache may watch more than one.
func (h *eventHandler) selects(reg *startupv1alpha1.CapabilityRegistration) bool {
	if ns := h.runtime.Namespace; ns != "" && reg.Namespace != ns {
		return false
	}
	return h.filter.Matches(reg.Spec.CapabilityName)
}

func (r *Runtime) instance(reg *startupv1alpha1.CapabilityRegistration) startup.Instance {
	props := make(map[string]string, len(reg.Spec.Properties)+1)
	for k, v := range reg.Spec.Properties {
		props[k] = v
	}
	if reg.Spec.Count != nil {
		props[graph.AttrCount] = strconv.Itoa(int(*reg.Spec.Count))
	}

	in := startup.Instance{
		ID:         reg.Namespace + "/" + reg.Name,
		Name:       reg.Spec.CapabilityName,
		Module:     r.moduleOf(types.NamespacedName{Namespace: reg.Namespace, Name: reg.Spec.ModuleManifestName}),
		Properties: props,
	}
	if reg.Spec.CapabilityName == graph.ListenerCapability {
		in.Object = &StatusListener{
			Client:       r.Client,
			Recorder:     r.Recorder,
			Log:          r.Log,
			Manifest:     types.NamespacedName{Namespace: reg.Namespace, Name: reg.Spec.ModuleManifestName},
			ComponentKey: props[graph.AttrComponentKey],
		}
	}
	return in
}

// moduleOf resolves the ModuleManifest a registration names, which lives in
// the registration's namespace.
func (r *Runtime) moduleOf(key types.NamespacedName) manifest.ModuleRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ref, k := range r.objects {
		if k == key {
			return ref
		}
	}
	return manifest.ModuleRef{Name: key.Name}
}

func moduleRef(mm *startupv1alpha1.ModuleManifest) manifest.ModuleRef {
	id := mm.Spec.Module.ID
	if id == "" {
		id = mm.Name
	}
	return manifest.ModuleRef{Name: id, Version: mm.Spec.Module.Version}
}
