package natskv

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/anvil-platform/startorder/internal/graph"
	"github.com/anvil-platform/startorder/internal/manifest"
	"github.com/anvil-platform/startorder/internal/startup"
)

const (
	timeout = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeEntry struct {
	jetstream.KeyValueEntry
	key   string
	value []byte
	op    jetstream.KeyValueOp
}

func (e fakeEntry) Key() string                    { return e.key }
func (e fakeEntry) Value() []byte                  { return e.value }
func (e fakeEntry) Operation() jetstream.KeyValueOp { return e.op }

type fakeWatcher struct {
	jetstream.KeyWatcher
	updates chan jetstream.KeyValueEntry
	mu      sync.Mutex
	stopped bool
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.updates }

func (w *fakeWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	return nil
}

func (w *fakeWatcher) send(e jetstream.KeyValueEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.updates <- e
	}
}

// fakeBucket is an in-memory Bucket whose watchers see every later write.
type fakeBucket struct {
	mu       sync.Mutex
	data     map[string][]byte
	order    []string
	watchers []*fakeWatcher
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{data: make(map[string][]byte)}
}

func (b *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{key: key, value: v, op: jetstream.KeyValuePut}, nil
}

func (b *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	if _, ok := b.data[key]; !ok {
		b.order = append(b.order, key)
	}
	b.data[key] = value
	watchers := append([]*fakeWatcher(nil), b.watchers...)
	b.mu.Unlock()
	for _, w := range watchers {
		w.send(fakeEntry{key: key, value: value, op: jetstream.KeyValuePut})
	}
	return 1, nil
}

func (b *fakeBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	b.mu.Lock()
	delete(b.data, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	watchers := append([]*fakeWatcher(nil), b.watchers...)
	b.mu.Unlock()
	for _, w := range watchers {
		w.send(fakeEntry{key: key, op: jetstream.KeyValueDelete})
	}
	return nil
}

func (b *fakeBucket) WatchAll(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := &fakeWatcher{updates: make(chan jetstream.KeyValueEntry, 64)}
	for _, k := range b.order {
		w.updates <- fakeEntry{key: k, value: b.data[k], op: jetstream.KeyValuePut}
	}
	w.updates <- nil
	b.watchers = append(b.watchers, w)
	return w, nil
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	args := m.Called(subject, data)
	return args.Error(0)
}

type recorder struct {
	mu       sync.Mutex
	arrived  []startup.Instance
	departed []startup.Instance
}

func (r *recorder) CapabilityArrived(in startup.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arrived = append(r.arrived, in)
}

func (r *recorder) CapabilityDeparted(in startup.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.departed = append(r.departed, in)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.arrived), len(r.departed)
}

func newRuntime(pub Publisher) (*Runtime, *fakeBucket, *fakeBucket) {
	modules, caps := newFakeBucket(), newFakeBucket()
	return &Runtime{
		ModuleBucket:     modules,
		CapabilityBucket: caps,
		Conn:             pub,
		ReadyPrefix:      "startup.ready",
		Log:              logr.Discard(),
	}, modules, caps
}

func TestRuntime_ModulesAndDeclarations(t *testing.T) {
	rt, modules, _ := newRuntime(nil)
	ctx := context.Background()
	require.NoError(t, PutModule(ctx, modules, ModuleRecord{
		Name:    "org.example.transport",
		Version: "1.0.0",
		Headers: map[string]string{graph.Header: `startup.component;componentKey="transport"`},
	}))
	_, err := modules.Put(ctx, "broken", []byte("{not json"))
	require.NoError(t, err)

	mods, err := rt.Modules(ctx)
	require.NoError(t, err)
	require.Equal(t, []manifest.ModuleRef{{Name: "org.example.transport", Version: "1.0.0"}}, mods)

	elems, err := rt.Declarations(ctx, mods[0], graph.Header)
	require.NoError(t, err)
	require.Len(t, elems, 1)
	assert.Equal(t, "transport", elems[0].Attribute(graph.AttrComponentKey))

	_, err = rt.Declarations(ctx, manifest.ModuleRef{Name: "missing"}, graph.Header)
	assert.Error(t, err)
	assert.Error(t, PutModule(ctx, modules, ModuleRecord{}))
}

func TestRuntime_SubscribeReplaysAndFollows(t *testing.T) {
	rt, _, caps := newRuntime(nil)
	ctx := context.Background()
	require.NoError(t, PutCapability(ctx, caps, "a-1", CapabilityRecord{Capability: "svc.a", Module: "org.example.services", Version: "2.1.0"}))
	require.NoError(t, PutCapability(ctx, caps, "other-1", CapabilityRecord{Capability: "svc.other", Module: "org.example.services"}))

	rec := &recorder{}
	sub, err := rt.Subscribe(ctx, startup.NewFilter("svc.a", graph.ProviderCapability), rec)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { a, _ := rec.counts(); return a == 1 }, timeout, tick)

	count := 2
	require.NoError(t, PutCapability(ctx, caps, "provider-1", CapabilityRecord{
		Capability: graph.ProviderCapability,
		Module:     "org.example.services",
		Properties: map[string]string{graph.AttrCapabilityName: "svc.a"},
		Count:      &count,
	}))
	// Rewriting a key is not a new arrival.
	require.NoError(t, PutCapability(ctx, caps, "a-1", CapabilityRecord{Capability: "svc.a", Module: "org.example.services"}))
	_, err = caps.Put(ctx, "garbage", []byte("nope"))
	require.NoError(t, err)
	require.NoError(t, DeleteCapability(ctx, caps, "a-1"))

	assert.Eventually(t, func() bool { a, d := rec.counts(); return a == 2 && d == 1 }, timeout, tick)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, manifest.ModuleRef{Name: "org.example.services", Version: "2.1.0"}, rec.arrived[0].Module)
	assert.Equal(t, "2", rec.arrived[1].Properties[graph.AttrCount])
	assert.Equal(t, "svc.a", rec.departed[0].Name)
}

func TestReadyPublisher_Publishes(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", "startup.ready.transport", mock.MatchedBy(func(data []byte) bool {
		var msg ReadyMessage
		return json.Unmarshal(data, &msg) == nil && msg.ComponentKey == "transport" && msg.Module == "org.example.transport:1.0.0"
	})).Return(nil).Once()

	p := &ReadyPublisher{
		Conn:         pub,
		Subject:      "startup.ready.transport",
		ComponentKey: "transport",
		Module:       manifest.ModuleRef{Name: "org.example.transport", Version: "1.0.0"},
		Log:          logr.Discard(),
	}
	p.OnAllRequiredCapabilitiesAvailable()
	pub.AssertExpectations(t)
}

func TestCoordinatorOverBuckets(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", "startup.ready.transport", mock.Anything).Return(nil).Once()

	rt, modules, caps := newRuntime(pub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, PutModule(ctx, modules, ModuleRecord{
		Name:    "org.example.transport",
		Version: "1.0.0",
		Headers: map[string]string{graph.Header: `startup.component;componentKey="transport";requiredCapability="svc.a",` +
			`capability;name="required-capability-listener";componentKey="transport"`},
	}))
	require.NoError(t, PutModule(ctx, modules, ModuleRecord{
		Name:    "org.example.services",
		Version: "2.1.0",
		Headers: map[string]string{graph.Header: `capability;name="svc.a";count="2"`},
	}))

	c := startup.New(rt,
		startup.WithLogger(logr.Discard()),
		startup.WithTimers(startup.Timers{
			NotifierDelay:     time.Millisecond,
			NotifierPeriod:    time.Millisecond,
			DiagnosticsDelay:  time.Hour,
			DiagnosticsPeriod: time.Hour,
		}),
	)
	require.NoError(t, c.Run(ctx))

	require.NoError(t, PutCapability(ctx, caps, "listener-transport", CapabilityRecord{
		Capability: graph.ListenerCapability,
		Module:     "org.example.transport",
		Version:    "1.0.0",
		Properties: map[string]string{graph.AttrComponentKey: "transport"},
	}))
	require.NoError(t, PutCapability(ctx, caps, "svc-a-1", CapabilityRecord{Capability: "svc.a", Module: "org.example.services"}))

	select {
	case <-c.Idle():
		t.Fatal("idle with one svc.a instance outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, PutCapability(ctx, caps, "svc-a-2", CapabilityRecord{Capability: "svc.a", Module: "org.example.services"}))
	select {
	case <-c.Idle():
	case <-time.After(timeout):
		t.Fatal("coordinator did not become idle")
	}
	pub.AssertExpectations(t)
}
