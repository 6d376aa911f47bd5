package startup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/anvil-platform/startorder/internal/graph"
)

// Timers controls the notifier and diagnostics schedules.
type Timers struct {
	NotifierDelay     time.Duration
	NotifierPeriod    time.Duration
	DiagnosticsDelay  time.Duration
	DiagnosticsPeriod time.Duration
}

// DefaultTimers notifies within tens of milliseconds and reports pending
// components twice a minute after the first minute.
var DefaultTimers = Timers{
	NotifierDelay:     20 * time.Millisecond,
	NotifierPeriod:    20 * time.Millisecond,
	DiagnosticsDelay:  60 * time.Second,
	DiagnosticsPeriod: 30 * time.Second,
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. By default the logger is taken from the
// context passed to Run.
func WithLogger(l logr.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
		c.logSet = true
	}
}

// WithScheduler replaces the clock scheduler.
func WithScheduler(s Scheduler) Option {
	return func(c *Coordinator) { c.scheduler = s }
}

// WithTimers sets the notifier and diagnostics schedules.
func WithTimers(t Timers) Option {
	return func(c *Coordinator) { c.timers = t }
}

// WithObserver adds an Observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

// WithClock sets the clock used for scheduling and startup timing.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// Coordinator builds the startup graph from a runtime, watches capability
// instances and notifies components once their requirements are available.
type Coordinator struct {
	runtime   Runtime
	log       logr.Logger
	logSet    bool
	scheduler Scheduler
	timers    Timers
	observers []Observer
	clock     clock.Clock

	registry *Registry
	sweeper  *sweeper
	started  time.Time

	mu           sync.Mutex
	running      bool
	subscription Subscription
	// failure is why coordination could not be set up.
	failure error

	idleOnce sync.Once
	idle     chan struct{}
}

var (
	_ manager.Runnable               = (*Coordinator)(nil)
	_ manager.LeaderElectionRunnable = (*Coordinator)(nil)
)

// New returns a Coordinator for runtime.
func New(runtime Runtime, opts ...Option) *Coordinator {
	c := &Coordinator{
		runtime: runtime,
		log:     logr.Discard(),
		timers:  DefaultTimers,
		clock:   clock.RealClock{},
		idle:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.scheduler == nil {
		c.scheduler = NewClockScheduler(c.clock)
	}
	return c
}

// Registry returns the component registry. It is nil before Run.
func (c *Coordinator) Registry() *Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

// Run builds the dependency graph, subscribes to capability events and
// schedules the sweeps. It returns once the coordinator is set up.
//
// Declarations rejected by the graph builder are logged and skipped. Only a
// failure to enumerate modules or to subscribe is returned.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("startup coordinator already running")
	}
	c.running = true

	if !c.logSet {
		c.log = log.FromContext(ctx).WithName("startup-coordinator")
	}
	c.started = c.clock.Now()
	c.registry = NewRegistry(c.log.WithName("registry"))

	sink := &graphSink{registry: c.registry, observers: c.observers}
	res, err := graph.NewBuilder(c.runtime, sink, c.log.WithName("graph")).Build(ctx)
	if err != nil {
		if errors.Is(err, graph.ErrListModules) {
			c.failure = err
			return err
		}
		c.log.Error(err, "some startup declarations were rejected", "rejected", res.DeclarationErrors)
	}

	if c.registry.UnboundListeners() == 0 || res.Components == 0 {
		c.log.Info("no startup components to coordinate",
			"components", res.Components, "listenersExpected", c.registry.UnboundListeners())
		c.markIdle()
		for _, o := range c.observers {
			o.Idle()
		}
		return nil
	}

	w := newWatcher(c.registry, c.log.WithName("watcher"))
	filter := w.filter()
	c.log.Info("watching capabilities", "filter", filter.String(), "components", res.Components)
	sub, err := c.runtime.Subscribe(ctx, filter, w)
	if err != nil {
		c.failure = fmt.Errorf("subscribe to capability events: %w", err)
		return c.failure
	}
	c.subscription = sub

	c.sweeper = &sweeper{
		registry:  c.registry,
		log:       c.log,
		observers: c.observers,
		onIdle:    c.finish,
	}
	c.sweeper.mu.Lock()
	c.sweeper.notifier = c.scheduler.Every(ctx, c.timers.NotifierDelay, c.timers.NotifierPeriod,
		func() { c.sweeper.notifyOnce() })
	c.sweeper.diagnostics = c.scheduler.Every(ctx, c.timers.DiagnosticsDelay, c.timers.DiagnosticsPeriod,
		func() { c.sweeper.reportOnce() })
	c.sweeper.mu.Unlock()
	return nil
}

// finish runs once the last component has been notified.
func (c *Coordinator) finish() {
	elapsed := c.clock.Since(c.started)
	startupDurationSeconds.Set(elapsed.Seconds())
	c.log.Info("all startup components notified", "startupTime", elapsed.String())
	c.unsubscribe()
	c.markIdle()
}

func (c *Coordinator) unsubscribe() {
	if c.subscription == nil {
		return
	}
	if err := c.subscription.Unsubscribe(); err != nil {
		c.log.Error(err, "unable to close capability subscription")
	}
	c.subscription = nil
}

func (c *Coordinator) markIdle() {
	c.idleOnce.Do(func() { close(c.idle) })
}

// Start runs the coordinator until ctx is done. Setup failures are logged and
// reported by ReadyzCheck; they never stop the host process.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Run(ctx); err != nil {
		c.log.Error(err, "startup coordination disabled")
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

// Stop cancels the sweeps and closes the subscription.
func (c *Coordinator) Stop() {
	if c.sweeper != nil {
		c.sweeper.mu.Lock()
		if c.sweeper.notifier != nil {
			c.sweeper.notifier.Cancel()
		}
		if c.sweeper.diagnostics != nil {
			c.sweeper.diagnostics.Cancel()
		}
		c.unsubscribe()
		c.sweeper.mu.Unlock()
		return
	}
	c.unsubscribe()
}

// NeedLeaderElection is false: every replica coordinates its own modules.
func (c *Coordinator) NeedLeaderElection() bool { return false }

// Idle is closed once every component has been notified, or when there is
// nothing to coordinate.
func (c *Coordinator) Idle() <-chan struct{} { return c.idle }

// ReadyzCheck fails until the coordinator is idle, and keeps failing with the
// cause when coordination could not be set up.
func (c *Coordinator) ReadyzCheck(_ *http.Request) error {
	select {
	case <-c.idle:
		return nil
	default:
	}
	c.mu.Lock()
	failure := c.failure
	c.mu.Unlock()
	if failure != nil {
		return fmt.Errorf("startup coordination failed: %w", failure)
	}
	if r := c.Registry(); r != nil {
		return fmt.Errorf("%d startup components pending", len(r.Query(Pending))+len(r.Query(Satisfiable)))
	}
	return errors.New("startup coordinator not started")
}

// NotifyOnce runs one notifier sweep and reports whether the coordinator is idle.
func (c *Coordinator) NotifyOnce() bool {
	if c.sweeper == nil {
		return isClosed(c.idle)
	}
	return c.sweeper.notifyOnce()
}

// ReportOnce runs one diagnostics sweep and reports whether anything is pending.
func (c *Coordinator) ReportOnce() bool {
	if c.sweeper == nil {
		return false
	}
	return c.sweeper.reportOnce()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
