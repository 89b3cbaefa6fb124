package mqtt

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"gmshoot-go/internal/orchestrator"
)

// Publisher mirrors orchestrator events onto MQTT topics under the
// configured base topic:
//
//	<base>/device/<id>/status     retained device status
//	<base>/session/<id>/status    retained session status
//	<base>/session/<id>/shot      scored shots
//	<base>/session/<id>/frame     frame metadata
type Publisher struct {
	client *Client
	base   string
}

// NewPublisher creates a publisher on an existing client.
func NewPublisher(client *Client, baseTopic string) *Publisher {
	if baseTopic == "" {
		baseTopic = "gmshoot"
	}
	return &Publisher{client: client, base: baseTopic}
}

// AttachTo subscribes the publisher to the orchestrator event channels it
// mirrors.
func (p *Publisher) AttachTo(o *orchestrator.Orchestrator) {
	o.AddEventListener(orchestrator.EventDeviceConnected, p.publishDevice)
	o.AddEventListener(orchestrator.EventDeviceDisconnected, p.publishDevice)
	o.AddEventListener(orchestrator.EventSessionStarted, p.publishSession)
	o.AddEventListener(orchestrator.EventSessionEnded, p.publishSession)
	o.AddEventListener(orchestrator.EventSessionStatusChanged, p.publishSession)
	o.AddEventListener(orchestrator.EventShotDetected, p.publishShot)
	o.AddEventListener(orchestrator.EventFrameUpdated, p.publishFrame)
}

func (p *Publisher) publishDevice(e orchestrator.Event) {
	if e.Device == nil {
		return
	}
	topic := fmt.Sprintf("%s/device/%s/status", p.base, e.Device.ID)
	if err := p.client.PublishRetain(topic, e.Device); err != nil {
		log.WithError(err).Debug("MQTT device status publish failed")
	}
}

func (p *Publisher) publishSession(e orchestrator.Event) {
	if e.Session == nil {
		return
	}
	topic := fmt.Sprintf("%s/session/%s/status", p.base, e.Session.ID)
	if err := p.client.PublishRetain(topic, e.Session); err != nil {
		log.WithError(err).Debug("MQTT session status publish failed")
	}
}

func (p *Publisher) publishShot(e orchestrator.Event) {
	if e.Shot == nil {
		return
	}
	topic := fmt.Sprintf("%s/session/%s/shot", p.base, e.Shot.SessionID)
	if err := p.client.Publish(topic, e.Shot); err != nil {
		log.WithError(err).Debug("MQTT shot publish failed")
	}
}

func (p *Publisher) publishFrame(e orchestrator.Event) {
	if e.Frame == nil {
		return
	}
	topic := fmt.Sprintf("%s/session/%s/frame", p.base, e.Frame.SessionID)
	if err := p.client.Publish(topic, e.Frame); err != nil {
		log.WithError(err).Debug("MQTT frame publish failed")
	}
}
