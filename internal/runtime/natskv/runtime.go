// Package natskv is a host runtime backed by NATS JetStream key-value buckets.
//
// The modules bucket maps a module name to a JSON ModuleRecord. The
// capabilities bucket maps an instance id to a JSON CapabilityRecord; putting
// a key registers the instance and deleting it withdraws the instance. A
// required-capability-listener instance is bound to a listener that
// publishes "<prefix>.<componentKey>" once the component is satisfied.
package natskv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/anvil-platform/startorder/internal/graph"
	"github.com/anvil-platform/startorder/internal/manifest"
	"github.com/anvil-platform/startorder/internal/startup"
)

// Publisher sends core NATS messages. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Runtime reads modules and capability instances from two buckets.
type Runtime struct {
	ModuleBucket     Bucket
	CapabilityBucket Bucket
	Conn             Publisher
	ReadyPrefix      string
	Log              logr.Logger

	mu      sync.Mutex
	records map[manifest.ModuleRef]ModuleRecord
}

var _ startup.Runtime = (*Runtime)(nil)

// Modules reads the current contents of the modules bucket.
func (r *Runtime) Modules(ctx context.Context) ([]manifest.ModuleRef, error) {
	w, err := r.ModuleBucket.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("watch modules: %w", err)
	}
	defer func() { _ = w.Stop() }()

	records := make(map[manifest.ModuleRef]ModuleRecord)
	for done := false; !done; {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				// nil marks the end of the initial values.
				done = true
				continue
			}
			var rec ModuleRecord
			if err := json.Unmarshal(entry.Value(), &rec); err != nil {
				r.Log.Error(err, "skipping malformed module record", "key", entry.Key())
				continue
			}
			if rec.Name == "" {
				rec.Name = entry.Key()
			}
			records[rec.Ref()] = rec
		}
	}

	r.mu.Lock()
	r.records = records
	r.mu.Unlock()

	out := make([]manifest.ModuleRef, 0, len(records))
	for ref := range records {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r *Runtime) Declarations(_ context.Context, m manifest.ModuleRef, header string) ([]manifest.Element, error) {
	r.mu.Lock()
	rec, ok := r.records[m]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("module %s was not listed", m)
	}
	value, ok := rec.Headers[header]
	if !ok {
		return nil, nil
	}
	return manifest.Parse(header, value, m)
}

// Subscribe watches the capabilities bucket. Existing keys are delivered as
// arrivals before later updates.
func (r *Runtime) Subscribe(ctx context.Context, filter startup.Filter, handler startup.EventHandler) (startup.Subscription, error) {
	w, err := r.CapabilityBucket.WatchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("watch capabilities: %w", err)
	}
	s := &subscription{
		runtime: r,
		watcher: w,
		filter:  filter,
		handler: handler,
		live:    make(map[string]startup.Instance),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

type subscription struct {
	runtime *Runtime
	watcher jetstream.KeyWatcher
	filter  startup.Filter
	handler startup.EventHandler
	// live holds delivered instances so deletions can be reported.
	live map[string]startup.Instance

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	log := s.runtime.Log
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case entry, ok := <-s.watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				log.V(1).Info("capability replay complete", "instances", len(s.live))
				continue
			}
			s.apply(entry)
		}
	}
}

func (s *subscription) apply(entry jetstream.KeyValueEntry) {
	key := entry.Key()
	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		in, ok := s.live[key]
		if !ok {
			return
		}
		delete(s.live, key)
		s.handler.CapabilityDeparted(in)
	default:
		if _, seen := s.live[key]; seen {
			// An instance is counted once; rewrites are not new arrivals.
			return
		}
		var rec CapabilityRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			s.runtime.Log.Error(err, "skipping malformed capability record", "key", key)
			return
		}
		if !s.filter.Matches(rec.Capability) {
			return
		}
		in := s.runtime.instance(key, rec)
		s.live[key] = in
		s.handler.CapabilityArrived(in)
	}
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.watcher.Stop()
		<-s.done
	})
	if err != nil {
		return fmt.Errorf("stop capability watcher: %w", err)
	}
	return nil
}

func (r *Runtime) instance(key string, rec CapabilityRecord) startup.Instance {
	props := make(map[string]string, len(rec.Properties)+1)
	for k, v := range rec.Properties {
		props[k] = v
	}
	if rec.Count != nil {
		props[graph.AttrCount] = strconv.Itoa(*rec.Count)
	}
	in := startup.Instance{
		ID:         key,
		Name:       rec.Capability,
		Module:     manifest.ModuleRef{Name: rec.Module, Version: rec.Version},
		Properties: props,
	}
	if rec.Capability == graph.ListenerCapability {
		in.Object = &ReadyPublisher{
			Conn:         r.Conn,
			Subject:      r.ReadyPrefix + "." + props[graph.AttrComponentKey],
			ComponentKey: props[graph.AttrComponentKey],
			Module:       in.Module,
			Log:          r.Log,
		}
	}
	return in
}
