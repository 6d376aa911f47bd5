package natskv

import (
	"encoding/json"

	"github.com/go-logr/logr"

	"github.com/anvil-platform/startorder/internal/manifest"
	"github.com/anvil-platform/startorder/internal/startup"
)

// ReadyMessage is published when a component's requirements are available.
type ReadyMessage struct {
	ComponentKey string `json:"componentKey"`
	Module       string `json:"module"`
}

// ReadyPublisher is the listener bound to a required-capability-listener
// record. It announces the component on Subject.
type ReadyPublisher struct {
	Conn         Publisher
	Subject      string
	ComponentKey string
	Module       manifest.ModuleRef
	Log          logr.Logger
}

var _ startup.Listener = (*ReadyPublisher)(nil)

func (p *ReadyPublisher) OnAllRequiredCapabilitiesAvailable() {
	data, err := json.Marshal(ReadyMessage{ComponentKey: p.ComponentKey, Module: p.Module.String()})
	if err != nil {
		p.Log.Error(err, "failed to encode ready message", "component", p.ComponentKey)
		return
	}
	if p.Conn == nil {
		p.Log.Info("no NATS connection; ready message not published", "subject", p.Subject)
		return
	}
	if err := p.Conn.Publish(p.Subject, data); err != nil {
		p.Log.Error(err, "failed to publish ready message", "subject", p.Subject, "component", p.ComponentKey)
		return
	}
	p.Log.V(1).Info("published ready message", "subject", p.Subject, "component", p.ComponentKey)
}
