package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/ranaroussi/muxi-sub001/internal/buildinfo"
	"github.com/ranaroussi/muxi-sub001/internal/config"
	"github.com/ranaroussi/muxi-sub001/internal/events"
)

// connectWait bounds how long Start blocks for the first broker
// connection before handing retries to autopaho's background loop.
const connectWait = 30 * time.Second

// Publisher maintains the broker connection and mirrors bus events to
// MQTT topics. Availability is retained so consumers see presence
// without waiting for a state change; the will message flips it to
// "offline" on unexpected disconnects.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and the event mirror loop. The bus must be
// non-nil.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and mirrors bus events until ctx
// is cancelled. On every (re-)connect it publishes the retained
// availability and status messages.
func (p *Publisher) Start(ctx context.Context) error {
	pahoCfg, err := p.brokerConfig(ctx)
	if err != nil {
		return err
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt: start connection manager: %w", err)
	}
	p.cm = cm

	waitCtx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		// Not fatal, autopaho keeps dialing behind the scenes.
		p.logger.Warn("broker not reachable yet, retrying in background", "error", err)
	}

	p.mirrorEvents(ctx)
	return nil
}

// brokerConfig assembles the autopaho client config: credentials, the
// offline will, and the on-connect hook that refreshes retained state.
func (p *Publisher) brokerConfig(ctx context.Context) (autopaho.ClientConfig, error) {
	broker, err := url.Parse(p.cfg.URL)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("mqtt: parse broker url %q: %w", p.cfg.URL, err)
	}

	cc := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{broker},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("broker connection up", "broker", p.cfg.URL)
			p.publishAvailability(ctx, cm, "online")
			p.publishStatus(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("broker connect attempt failed", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "muxi-" + p.instanceID,
		},
	}

	switch broker.Scheme {
	case "mqtts", "ssl":
		cc.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cc, nil
}

// Stop announces "offline" and then tears the broker connection down.
// ctx bounds both the final publish and the disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. The mqtt health probe calls this with a short deadline.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt: publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.cfg.TopicPrefix + "/event/" + kind
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		p.logger.Warn("availability publish failed", "state", state, "error", err)
		return
	}
	p.logger.Info("availability published", "state", state)
}

// publishStatus publishes a retained identity payload: build info plus
// the instance id.
func (p *Publisher) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager) {
	info := buildinfo.Info()
	info["instance_id"] = p.instanceID

	payload, err := json.Marshal(info)
	if err != nil {
		p.logger.Error("status payload marshal failed", "error", err)
		return
	}
	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		p.logger.Warn("status publish failed", "error", err)
	}
}

// mirrorEvents forwards every bus event to its kind topic until ctx is
// cancelled. Events are telemetry: QoS 0 and not retained. While the
// broker is unreachable the subscription buffer fills and older events
// are dropped.
func (p *Publisher) mirrorEvents(ctx context.Context) {
	sub := p.bus.Subscribe(256)
	defer p.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			p.publishEvent(ctx, evt)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, evt events.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("event marshal failed", "kind", evt.Kind, "error", err)
		return
	}
	_, err = p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(evt.Kind),
		Payload: payload,
	})
	if err != nil {
		p.logger.Debug("event publish failed", "kind", evt.Kind, "error", err)
	}
}
