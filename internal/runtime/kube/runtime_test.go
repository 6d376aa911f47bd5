package kube

import (
	"context"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	toolscache "k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	startupv1alpha1 "github.com/anvil-platform/startorder/api/v1alpha1"
	"github.com/anvil-platform/startorder/internal/graph"
	"github.com/anvil-platform/startorder/internal/manifest"
	"github.com/anvil-platform/startorder/internal/startup"
)

const ns = "startorder-demo"

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := startupv1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	return scheme
}

func mm(name, id, version, header string) *startupv1alpha1.ModuleManifest {
	return mmIn(ns, name, id, version, header)
}

func mmIn(namespace, name, id, version, header string) *startupv1alpha1.ModuleManifest {
	return &startupv1alpha1.ModuleManifest{
		TypeMeta:   metav1.TypeMeta{APIVersion: "startup.platform/v1alpha1", Kind: "ModuleManifest"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Generation: 3},
		Spec: startupv1alpha1.ModuleManifestSpec{
			Module:  startupv1alpha1.ModuleIdentity{ID: id, Version: version},
			Headers: map[string]string{startupv1alpha1.HeaderStartupComponent: header},
		},
	}
}

func registration(name, capability, manifestName string, props map[string]string) *startupv1alpha1.CapabilityRegistration {
	return registrationIn(ns, name, capability, manifestName, props)
}

func registrationIn(namespace, name, capability, manifestName string, props map[string]string) *startupv1alpha1.CapabilityRegistration {
	return &startupv1alpha1.CapabilityRegistration{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: startupv1alpha1.CapabilityRegistrationSpec{
			CapabilityName:     capability,
			ModuleManifestName: manifestName,
			Properties:         props,
		},
	}
}

func newRuntime(t *testing.T, objs ...client.Object) (*Runtime, client.Client) {
	t.Helper()
	c := fake.NewClientBuilder().
		WithScheme(newScheme(t)).
		WithObjects(objs...).
		WithStatusSubresource(&startupv1alpha1.ModuleManifest{}).
		Build()
	return &Runtime{Client: c, Namespace: ns, Log: logr.Discard()}, c
}

type recorder struct {
	arrived  []startup.Instance
	departed []startup.Instance
}

func (r *recorder) CapabilityArrived(in startup.Instance)  { r.arrived = append(r.arrived, in) }
func (r *recorder) CapabilityDeparted(in startup.Instance) { r.departed = append(r.departed, in) }

func TestRuntime_ModulesAndDeclarations(t *testing.T) {
	rt, _ := newRuntime(t,
		mm("transport", "org.example.transport", "1.0.0", `startup.component;componentKey="transport";requiredCapability="svc.a"`),
		mm("transport-copy", "org.example.transport", "1.0.0", `startup.component;componentKey="other"`),
		mm("services", "org.example.services", "2.1.0", `capability;name="svc.a"`),
	)
	ctx := context.Background()

	mods, err := rt.Modules(ctx)
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	if len(mods) != 2 {
		t.Fatalf("expected 2 modules after dropping the duplicate, got %v", mods)
	}

	elems, err := rt.Declarations(ctx, manifest.ModuleRef{Name: "org.example.transport", Version: "1.0.0"}, graph.Header)
	if err != nil {
		t.Fatalf("Declarations: %v", err)
	}
	if len(elems) != 1 || elems[0].Attribute(graph.AttrComponentKey) != "transport" {
		t.Fatalf("unexpected declarations: %v", elems)
	}

	if _, err := rt.Declarations(ctx, manifest.ModuleRef{Name: "missing"}, graph.Header); err == nil {
		t.Fatalf("expected error for unlisted module")
	}
}

func TestRuntime_AllNamespaces(t *testing.T) {
	rt, _ := newRuntime(t,
		mmIn("team-a", "transport", "org.example.a.transport", "1.0.0", `startup.component;componentKey="a-transport"`),
		mmIn("team-b", "transport", "org.example.b.transport", "1.0.0", `startup.component;componentKey="b-transport"`),
	)
	rt.Namespace = ""
	ctx := context.Background()

	mods, err := rt.Modules(ctx)
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	if len(mods) != 2 {
		t.Fatalf("expected a module per namespace, got %v", mods)
	}
	for _, tc := range []struct {
		module manifest.ModuleRef
		key    string
	}{
		{manifest.ModuleRef{Name: "org.example.a.transport", Version: "1.0.0"}, "a-transport"},
		{manifest.ModuleRef{Name: "org.example.b.transport", Version: "1.0.0"}, "b-transport"},
	} {
		elems, err := rt.Declarations(ctx, tc.module, graph.Header)
		if err != nil {
			t.Fatalf("Declarations(%s): %v", tc.module, err)
		}
		if len(elems) != 1 || elems[0].Attribute(graph.AttrComponentKey) != tc.key {
			t.Fatalf("unexpected declarations for %s: %v", tc.module, elems)
		}
	}

	rec := &recorder{}
	h := &eventHandler{runtime: rt, filter: startup.NewFilter("svc.a"), handler: rec}
	h.OnAdd(registrationIn("team-b", "svc-a-1", "svc.a", "transport", nil), true)
	if len(rec.arrived) != 1 {
		t.Fatalf("expected one arrival, got %d", len(rec.arrived))
	}
	if got := rec.arrived[0].Module; got != (manifest.ModuleRef{Name: "org.example.b.transport", Version: "1.0.0"}) {
		t.Fatalf("registration resolved to the wrong namespace's manifest: %v", got)
	}
}

func TestEventHandler_IgnoresOtherNamespaces(t *testing.T) {
	rt, _ := newRuntime(t, mm("services", "org.example.services", "2.1.0", ""))
	rec := &recorder{}
	h := &eventHandler{runtime: rt, filter: startup.NewFilter("svc.a"), handler: rec}

	h.OnAdd(registrationIn("elsewhere", "svc-a-1", "svc.a", "services", nil), true)
	h.OnDelete(registrationIn("elsewhere", "svc-a-1", "svc.a", "services", nil))
	if len(rec.arrived) != 0 || len(rec.departed) != 0 {
		t.Fatalf("expected registrations outside %s to be ignored", ns)
	}
}

func TestEventHandler_TranslatesRegistrations(t *testing.T) {
	rt, _ := newRuntime(t, mm("services", "org.example.services", "2.1.0", ""))
	if _, err := rt.Modules(context.Background()); err != nil {
		t.Fatalf("Modules: %v", err)
	}

	rec := &recorder{}
	h := &eventHandler{
		runtime: rt,
		filter:  startup.NewFilter("svc.a", graph.ListenerCapability, graph.ProviderCapability),
		handler: rec,
	}

	count := int32(3)
	provider := registration("provider", graph.ProviderCapability, "services", map[string]string{graph.AttrCapabilityName: "svc.a"})
	provider.Spec.Count = &count

	h.OnAdd(registration("svc-a-1", "svc.a", "services", nil), true)
	h.OnAdd(registration("ignored", "svc.other", "services", nil), false)
	h.OnAdd(provider, false)
	h.OnAdd(registration("listener", graph.ListenerCapability, "services", map[string]string{graph.AttrComponentKey: "transport"}), false)
	h.OnUpdate(provider, provider)

	if len(rec.arrived) != 3 {
		t.Fatalf("expected 3 arrivals, got %d", len(rec.arrived))
	}
	first := rec.arrived[0]
	if first.ID != ns+"/svc-a-1" || first.Module != (manifest.ModuleRef{Name: "org.example.services", Version: "2.1.0"}) {
		t.Fatalf("unexpected instance: %+v", first)
	}
	if got := rec.arrived[1].Properties[graph.AttrCount]; got != "3" {
		t.Fatalf("expected provider count property 3, got %q", got)
	}
	l, ok := rec.arrived[2].Object.(*StatusListener)
	if !ok {
		t.Fatalf("expected listener object, got %T", rec.arrived[2].Object)
	}
	if l.ComponentKey != "transport" || l.Manifest != (types.NamespacedName{Namespace: ns, Name: "services"}) {
		t.Fatalf("unexpected listener binding: %+v", l)
	}

	h.OnDelete(toolscache.DeletedFinalStateUnknown{Key: ns + "/svc-a-1", Obj: registration("svc-a-1", "svc.a", "services", nil)})
	if len(rec.departed) != 1 || rec.departed[0].Name != "svc.a" {
		t.Fatalf("expected one departure, got %+v", rec.departed)
	}
}

func TestStatusListener_SetsConditionAndRecordsEvent(t *testing.T) {
	rt, c := newRuntime(t, mm("transport", "org.example.transport", "1.0.0", ""))
	events := record.NewFakeRecorder(4)

	l := &StatusListener{
		Client:       rt.Client,
		Recorder:     events,
		Log:          logr.Discard(),
		Manifest:     types.NamespacedName{Namespace: ns, Name: "transport"},
		ComponentKey: "transport",
	}
	l.OnAllRequiredCapabilitiesAvailable()

	var got startupv1alpha1.ModuleManifest
	if err := c.Get(context.Background(), l.Manifest, &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	cond := meta.FindStatusCondition(got.Status.Conditions, startupv1alpha1.ConditionCapabilitiesAvailable)
	if cond == nil || cond.Status != metav1.ConditionTrue {
		t.Fatalf("unexpected condition: %+v", cond)
	}
	if got.Status.Phase != startupv1alpha1.PhaseReady {
		t.Fatalf("expected phase %s, got %s", startupv1alpha1.PhaseReady, got.Status.Phase)
	}

	select {
	case ev := <-events.Events:
		if !strings.HasPrefix(ev, "Normal "+reasonCapabilitiesAvailable) {
			t.Fatalf("unexpected event %q", ev)
		}
	default:
		t.Fatalf("expected an event")
	}
}

func TestStatusListener_MissingManifestIsLogged(t *testing.T) {
	rt, _ := newRuntime(t)
	events := record.NewFakeRecorder(4)
	l := &StatusListener{Client: rt.Client, Recorder: events, Log: logr.Discard(),
		Manifest: types.NamespacedName{Namespace: ns, Name: "gone"}, ComponentKey: "transport"}

	l.OnAllRequiredCapabilitiesAvailable()
	if len(events.Events) != 0 {
		t.Fatalf("expected no event for a missing manifest")
	}
}

type fakeRegistration struct{}

func (fakeRegistration) HasSynced() bool { return true }

type fakeInformer struct {
	cache.Informer
	handlers []toolscache.ResourceEventHandler
	removed  int
}

func (f *fakeInformer) AddEventHandler(h toolscache.ResourceEventHandler) (toolscache.ResourceEventHandlerRegistration, error) {
	f.handlers = append(f.handlers, h)
	return fakeRegistration{}, nil
}

func (f *fakeInformer) RemoveEventHandler(toolscache.ResourceEventHandlerRegistration) error {
	f.removed++
	return nil
}

type fakeInformers struct{ informer *fakeInformer }

func (f fakeInformers) GetInformer(context.Context, client.Object, ...cache.InformerGetOption) (cache.Informer, error) {
	return f.informer, nil
}

func TestRuntime_SubscribeRegistersAndRemovesHandler(t *testing.T) {
	rt, _ := newRuntime(t)
	inf := &fakeInformer{}
	rt.Informers = fakeInformers{informer: inf}

	rec := &recorder{}
	sub, err := rt.Subscribe(context.Background(), startup.NewFilter("svc.a"), rec)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(inf.handlers) != 1 {
		t.Fatalf("expected one handler, got %d", len(inf.handlers))
	}
	inf.handlers[0].OnAdd(registration("svc-a-1", "svc.a", "services", nil), true)
	if len(rec.arrived) != 1 {
		t.Fatalf("expected arrival through the informer handler")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe again: %v", err)
	}
	if inf.removed != 1 {
		t.Fatalf("expected handler removed once, got %d", inf.removed)
	}
}
