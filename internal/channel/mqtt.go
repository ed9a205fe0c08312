package channel

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/Bldg-7/stationd/internal/protocol"
)

// QoS 1 gives the at-least-once delivery the protocol assumes.
const mqttQoS = 1

const (
	mqttConnectTimeout = 10 * time.Second
	mqttTokenTimeout   = 10 * time.Second
	mqttDisconnectMs   = 250
)

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// MQTTChannel implements Channel over an MQTT broker.
type MQTTChannel struct {
	client mqtt.Client
	logger *zap.Logger
}

// NewMQTTChannel connects to the broker and returns a ready channel.
// Reconnection after a drop is handled by the paho client; subscriptions
// are re-established through the resume-subs session state.
func NewMQTTChannel(cfg MQTTConfig, logger *zap.Logger) (*MQTTChannel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("mqtt client id is required")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetResumeSubs(true).
		SetConnectTimeout(mqttConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.BrokerURL))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", cfg.BrokerURL)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.BrokerURL, token.Error())
	}

	return &MQTTChannel{client: client, logger: logger}, nil
}

func (c *MQTTChannel) Publish(ctx context.Context, topic string, env *protocol.Envelope) error {
	data, err := protocol.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	token := c.client.Publish(topic, mqttQoS, false, data)
	if !token.WaitTimeout(mqttTokenTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("publish %s: %w", topic, token.Error())
	}
	return nil
}

func (c *MQTTChannel) Subscribe(ctx context.Context, filter string, h Handler) error {
	token := c.client.Subscribe(filter, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		env, err := protocol.UnmarshalEnvelope(msg.Payload())
		if err != nil {
			c.logger.Warn("discarding malformed message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
			return
		}
		h(msg.Topic(), env)
	})
	if !token.WaitTimeout(mqttTokenTimeout) {
		return fmt.Errorf("subscribe %s: timeout", filter)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", filter, token.Error())
	}

	c.logger.Info("mqtt subscribed", zap.String("filter", filter))
	return nil
}

// Connected reports whether the broker connection is currently up.
func (c *MQTTChannel) Connected() bool {
	return c.client.IsConnectionOpen()
}

func (c *MQTTChannel) Close() error {
	c.client.Disconnect(mqttDisconnectMs)
	return nil
}
