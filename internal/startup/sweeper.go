package startup

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/anvil-platform/startorder/internal/manifest"
)

// sweeper notifies satisfiable components and reports pending ones.
//
// Listeners run with no lock held, so a listener may call back into the
// coordinator.
type sweeper struct {
	registry  *Registry
	log       logr.Logger
	observers []Observer

	mu          sync.Mutex
	notifier    Task
	diagnostics Task
	idle        bool
	// inflight counts sweeps whose claimed listeners are still running.
	inflight int
	// onIdle runs once, under mu, when nothing is left to notify.
	onIdle func()
}

// notifyOnce invokes the listener of every satisfiable component. It reports
// whether the sweeper is idle afterwards.
func (s *sweeper) notifyOnce() bool {
	s.mu.Lock()
	if s.idle {
		s.mu.Unlock()
		return true
	}
	claims := s.registry.claimSatisfiable()
	if len(claims) > 0 {
		s.inflight++
	}
	s.mu.Unlock()

	if len(claims) > 0 {
		for _, c := range claims {
			s.invoke(c)
		}
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle {
		return true
	}
	pending := len(s.registry.Query(Pending))
	componentsPending.Set(float64(pending))
	if pending > 0 || s.inflight > 0 || len(s.registry.Query(Satisfiable)) > 0 {
		return false
	}

	s.idle = true
	if s.notifier != nil {
		s.notifier.Cancel()
	}
	if s.diagnostics != nil {
		s.diagnostics.Cancel()
	}
	if s.onIdle != nil {
		s.onIdle()
	}
	for _, o := range s.observers {
		o.Idle()
	}
	return true
}

func (s *sweeper) invoke(c claim) {
	log := s.log.WithValues("component", c.name, "module", c.module.String())
	log.V(1).Info("notifying required capability listener")
	componentsSatisfiedTotal.Inc()
	if !callListener(log, c.listener) {
		return
	}
	for _, o := range s.observers {
		o.ComponentSatisfied(c.name)
	}
}

// callListener reports whether the listener returned without panicking.
func callListener(log logr.Logger, l Listener) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			listenerPanicsTotal.Inc()
			log.Error(fmt.Errorf("panic: %v", r), "required capability listener panicked")
			ok = false
		}
	}()
	l.OnAllRequiredCapabilitiesAvailable()
	return true
}

// reportOnce logs every pending component with what it is waiting on, and
// every declared provider that has not arrived. It reports whether any
// component was pending.
func (s *sweeper) reportOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.registry.PendingProviders() {
		s.log.Info("capability provider has not arrived",
			"capability", p.Capability,
			"outstandingProviders", p.Outstanding,
			"providerModules", moduleStrings(p.Modules),
		)
	}

	reports := s.registry.Diagnose()
	if len(reports) == 0 {
		if s.diagnostics != nil {
			s.diagnostics.Cancel()
		}
		return false
	}

	if n := s.registry.UnboundListeners(); n > 0 {
		s.log.Info("required capability listeners declared but not registered", "unboundListeners", n)
	}
	for _, rep := range reports {
		c := rep.Component
		log := s.log.WithValues("component", c.Name, "module", c.Module.String())
		for _, o := range rep.Outstanding {
			log.Info("startup component pending until capability is available",
				"capability", o.Name,
				"instances", o.Instances,
				"declaredBy", moduleStrings(o.Modules),
			)
		}
		if c.Pending < 0 {
			log.Info("startup component received capability instances ahead of their declarations",
				"surplusInstances", -c.Pending,
				"requiredCapabilities", c.RequiredCapabilities,
			)
		}
		if rep.MissingListener {
			if rep.ListenerModule.Name != "" {
				log.Info("startup component waiting on its required capability listener",
					"listenerModule", rep.ListenerModule.String())
			} else {
				log.Info("startup component has no required capability listener declared")
			}
		}
		for _, capName := range c.WaitingOnProviders {
			log.Info("startup component waiting on capability providers",
				"capability", capName,
				"outstandingProviders", s.registry.OutstandingProviders(capName),
				"providerModules", moduleStrings(rep.Providers[capName]),
			)
		}
	}
	return true
}

func moduleStrings(mods []manifest.ModuleRef) []string {
	out := make([]string, 0, len(mods))
	for _, m := range mods {
		out = append(out, m.String())
	}
	return out
}
