package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-platform/startorder/internal/graph"
	"github.com/anvil-platform/startorder/internal/manifest"
	"github.com/anvil-platform/startorder/internal/startup"
)

type recorder struct {
	arrived  []string
	departed []string
}

func (r *recorder) CapabilityArrived(in startup.Instance)  { r.arrived = append(r.arrived, in.Name) }
func (r *recorder) CapabilityDeparted(in startup.Instance) { r.departed = append(r.departed, in.Name) }

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

var mod = manifest.ModuleRef{Name: "org.example.transport", Version: "1.0.0"}

func TestDeclarationsParsesHeader(t *testing.T) {
	rt := New()
	require.NoError(t, rt.AddModule(mod, map[string]string{
		graph.Header: `startup.component;componentKey="transport";requiredCapability="svc.a"`,
	}))

	mods, err := rt.Modules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []manifest.ModuleRef{mod}, mods)

	elems, err := rt.Declarations(context.Background(), mod, graph.Header)
	require.NoError(t, err)
	require.Len(t, elems, 1)
	assert.Equal(t, "transport", elems[0].Attribute(graph.AttrComponentKey))

	elems, err = rt.Declarations(context.Background(), mod, "Other-Header")
	require.NoError(t, err)
	assert.Empty(t, elems)

	_, err = rt.Declarations(context.Background(), manifest.ModuleRef{Name: "missing"}, graph.Header)
	assert.ErrorIs(t, err, ErrUnknownModule)

	assert.ErrorIs(t, rt.AddModule(mod, nil), ErrDuplicateModule)
}

func TestSubscribeReplaysExistingThenDeliversNew(t *testing.T) {
	rt := New()
	rt.Register(mod, "svc.a", nil, nil)
	rt.Register(mod, "svc.ignored", nil, nil)

	rec := &recorder{}
	sub, err := rt.Subscribe(context.Background(), startup.NewFilter("svc.a", "svc.b"), rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc.a"}, rec.arrived)

	id := rt.Register(mod, "svc.b", nil, nil)
	assert.Equal(t, []string{"svc.a", "svc.b"}, rec.arrived)

	require.NoError(t, rt.Unregister(id))
	assert.Equal(t, []string{"svc.b"}, rec.departed)
	assert.ErrorIs(t, rt.Unregister(id), ErrUnknownInstance)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	rt.Register(mod, "svc.a", nil, nil)
	assert.Len(t, rec.arrived, 2)
	assert.Equal(t, 0, rt.Subscribers())
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	rt := New()
	ctx, cancel := context.WithCancel(context.Background())
	_, err := rt.Subscribe(ctx, startup.NewFilter("svc.a"), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, 1, rt.Subscribers())

	cancel()
	assert.Eventually(t, func() bool { return rt.Subscribers() == 0 }, timeout, tick)

	_, err = rt.Subscribe(ctx, startup.NewFilter("svc.a"), &recorder{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegisterListenerAndProvider(t *testing.T) {
	rt := New()
	var got []startup.Instance
	h := handlerFunc(func(in startup.Instance) { got = append(got, in) })
	_, err := rt.Subscribe(context.Background(),
		startup.NewFilter(graph.ListenerCapability, graph.ProviderCapability), h)
	require.NoError(t, err)

	rt.RegisterListener(mod, "transport", startup.ListenerFunc(func() {}))
	rt.RegisterProvider(mod, "svc.a", startup.ProviderCount(3))

	require.Len(t, got, 2)
	assert.Equal(t, "transport", got[0].Properties[graph.AttrComponentKey])
	assert.Implements(t, (*startup.Listener)(nil), got[0].Object)
	assert.Equal(t, "svc.a", got[1].Properties[graph.AttrCapabilityName])
	assert.Equal(t, 3, got[1].Object.(startup.Provider).Count())
}

type handlerFunc func(startup.Instance)

func (f handlerFunc) CapabilityArrived(in startup.Instance) { f(in) }
func (f handlerFunc) CapabilityDeparted(startup.Instance)   {}
