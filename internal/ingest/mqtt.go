package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"

	"github.com/iliyamo/transit-seat-reservation/internal/queue"
)

// MQTTConfig configures the telemetry subscriber.
type MQTTConfig struct {
	BrokerURL string
	Topic     string // e.g. fleet/+/position
	ClientID  string
	Username  string
	Password  string
	QoS       byte
}

// MQTTSubscriber ingests device telemetry published on topics shaped like
// fleet/<vehicle id>/position.  The payload is a JSON PositionMessage; a
// payload without vehicle_id takes it from the topic.
type MQTTSubscriber struct {
	cfg      MQTTConfig
	ingestor *Ingestor
	log      *zap.Logger
}

// NewMQTTSubscriber returns a subscriber.  Run starts it.
func NewMQTTSubscriber(cfg MQTTConfig, ingestor *Ingestor, log *zap.Logger) *MQTTSubscriber {
	if cfg.Topic == "" {
		cfg.Topic = "fleet/+/position"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "transit-ingest"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MQTTSubscriber{cfg: cfg, ingestor: ingestor, log: log.Named("mqtt")}
}

// Run connects, subscribes on every (re)connection and blocks until ctx is
// cancelled.
func (s *MQTTSubscriber) Run(ctx context.Context) error {
	u, err := url.Parse(s.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqtt broker url: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectUsername:               s.cfg.Username,
		ConnectPassword:               []byte(s.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.log.Info("mqtt connected", zap.String("broker", s.cfg.BrokerURL))
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: s.cfg.Topic, QoS: s.cfg.QoS}},
			}); err != nil {
				s.log.Error("mqtt subscribe failed", zap.String("topic", s.cfg.Topic), zap.Error(err))
			}
		},
		OnConnectError: func(err error) {
			s.log.Warn("mqtt connect failed, retrying", zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.Handle(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				s.log.Warn("mqtt client error", zap.Error(err))
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return err
	}
	<-ctx.Done()
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = cm.Disconnect(shutdown)
	return nil
}

// Handle applies one telemetry message.  Bad messages are logged and
// dropped; telemetry is not redelivered.
func (s *MQTTSubscriber) Handle(ctx context.Context, topic string, payload []byte) {
	var msg queue.PositionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.Debug("mqtt payload rejected", zap.String("topic", topic), zap.Error(err))
		return
	}
	if msg.VehicleID == "" {
		msg.VehicleID = VehicleFromTopic(topic)
	}
	if err := s.ingestor.Apply(ctx, SourceMQTT, msg); err != nil {
		s.log.Debug("mqtt position dropped", zap.String("topic", topic), zap.Error(err))
	}
}

// VehicleFromTopic returns the second level of a fleet/<id>/position
// topic, or "".
func VehicleFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[2] != "position" {
		return ""
	}
	return parts[1]
}
