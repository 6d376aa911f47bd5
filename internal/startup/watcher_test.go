package startup

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/anvil-platform/startorder/internal/graph"
)

func TestDecode(t *testing.T) {
	listener := ListenerFunc(func() {})
	tests := []struct {
		name      string
		in        Instance
		wantKind  CapabilityKind
		wantCount int
		wantErr   bool
	}{
		{
			name:     "plain capability",
			in:       Instance{Name: "svc.a"},
			wantKind: KindSimple,
		},
		{
			name:     "listener",
			in:       Instance{Name: graph.ListenerCapability, Properties: map[string]string{graph.AttrComponentKey: "transport"}, Object: listener},
			wantKind: KindListener,
		},
		{
			name:    "listener without component key",
			in:      Instance{Name: graph.ListenerCapability, Object: listener},
			wantErr: true,
		},
		{
			name:    "listener with wrong object",
			in:      Instance{Name: graph.ListenerCapability, Properties: map[string]string{graph.AttrComponentKey: "transport"}, Object: "nope"},
			wantErr: true,
		},
		{
			name:      "provider object",
			in:        Instance{Name: graph.ProviderCapability, Properties: map[string]string{graph.AttrCapabilityName: "svc.dyn"}, Object: ProviderCount(4)},
			wantKind:  KindProvider,
			wantCount: 4,
		},
		{
			name:      "provider count property",
			in:        Instance{Name: graph.ProviderCapability, Properties: map[string]string{graph.AttrCapabilityName: "svc.dyn", graph.AttrCount: "2"}},
			wantKind:  KindProvider,
			wantCount: 2,
		},
		{
			name:    "provider without capability name",
			in:      Instance{Name: graph.ProviderCapability, Object: ProviderCount(1)},
			wantErr: true,
		},
		{
			name:    "provider without count",
			in:      Instance{Name: graph.ProviderCapability, Properties: map[string]string{graph.AttrCapabilityName: "svc.dyn"}},
			wantErr: true,
		},
		{
			name:    "provider with negative count",
			in:      Instance{Name: graph.ProviderCapability, Properties: map[string]string{graph.AttrCapabilityName: "svc.dyn"}, Object: ProviderCount(-1)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decode(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedEvent) {
					t.Fatalf("expected ErrMalformedEvent, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.kind != tt.wantKind {
				t.Fatalf("expected kind %s, got %s", tt.wantKind, ev.kind)
			}
			if ev.count != tt.wantCount {
				t.Fatalf("expected count %d, got %d", tt.wantCount, ev.count)
			}
		})
	}
}

func TestWatcher_DropsMalformedEvents(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, "transport")
	w := newWatcher(r, logr.Discard())

	before := testutil.ToFloat64(eventsDroppedTotal)
	w.CapabilityArrived(Instance{Name: graph.ListenerCapability, Object: ListenerFunc(func() {})})
	if got := testutil.ToFloat64(eventsDroppedTotal) - before; got != 1 {
		t.Fatalf("expected one dropped event, got %v", got)
	}
	if c, _ := r.Get("transport"); c.ListenerBound {
		t.Fatalf("malformed listener event must not bind")
	}
}

func TestWatcher_AppliesEvents(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, "transport", "svc.a")
	r.ApplyCapabilityExpectation(simple("svc.a"))
	w := newWatcher(r, logr.Discard())

	before := testutil.ToFloat64(eventsTotal.WithLabelValues("simple"))
	w.CapabilityArrived(Instance{Name: "svc.a", Module: testModule})
	w.CapabilityArrived(Instance{
		Name:       graph.ListenerCapability,
		Module:     testModule,
		Properties: map[string]string{graph.AttrComponentKey: "transport"},
		Object:     ListenerFunc(func() {}),
	})
	if got := testutil.ToFloat64(eventsTotal.WithLabelValues("simple")) - before; got != 1 {
		t.Fatalf("expected one simple event, got %v", got)
	}

	// Withdrawal leaves the counters alone.
	w.CapabilityDeparted(Instance{Name: "svc.a", Module: testModule})

	if got := names(r.Query(Satisfiable)); len(got) != 1 || got[0] != "transport" {
		t.Fatalf("expected transport satisfiable, got %v", got)
	}
}

func TestWatcher_Filter(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, "transport", "svc.b", "svc.a")

	f := newWatcher(r, logr.Discard()).filter()
	want := "(|(name=capability-provider)(name=required-capability-listener)(name=svc.a)(name=svc.b))"
	if got := f.String(); got != want {
		t.Fatalf("expected filter %s, got %s", want, got)
	}
	if f.Matches("svc.c") {
		t.Fatalf("filter must not match unrelated capabilities")
	}
}
