// Package hass exposes cached appliance state to Home Assistant over MQTT
// discovery and turns command topic messages into coordinator commands.
package hass

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// BrokerConfig connects to the Home Assistant MQTT broker.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	// WillTopic receives "offline" retained if the bridge drops off the
	// broker unexpectedly.
	WillTopic string `yaml:"-"`
}

// Connect dials the broker with the bridge's last-will topic configured so
// Home Assistant marks everything offline if the process dies.
func Connect(cfg Config) (Broker, error) {
	cfg.applyDefaults()
	broker := cfg.Broker
	broker.WillTopic = topics{prefix: cfg.TopicPrefix}.bridgeAvailability()
	return newMQTTConn(broker)
}

// mqttConn wraps a paho client with per-topic callback multiplexing so
// several bridge components can share one broker session. Subscriptions
// survive reconnects.
type mqttConn struct {
	client mqtt.Client
	mu     sync.Mutex
	subs   map[string]map[int]func([]byte)
	nextID int
}

func newMQTTConn(cfg BrokerConfig) (*mqttConn, error) {
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{})
	}
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	if cfg.ClientID == "" {
		cfg.ClientID = "frostbridge-" + randomSuffix()
	}
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, payloadOffline, 1, true)
	}

	conn := &mqttConn{subs: make(map[string]map[int]func([]byte))}
	opts.SetDefaultPublishHandler(conn.dispatch)
	opts.OnConnect = func(_ mqtt.Client) {
		conn.resubscribeAll()
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, _ error) {
		mqttConnected.Set(0)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	conn.client = client
	return conn, nil
}

func (c *mqttConn) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, 1, retained, payload)
	if token.Wait() && token.Error() != nil {
		mqttPublishes.WithLabelValues("error").Inc()
		return token.Error()
	}
	mqttPublishes.WithLabelValues("ok").Inc()
	return nil
}

// Subscribe registers cb for topic and returns its remove func. The broker
// subscription is shared; it is dropped when the last callback leaves.
func (c *mqttConn) Subscribe(topic string, cb func([]byte)) (func(), error) {
	c.mu.Lock()
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]func([]byte))
	}
	id := c.nextID
	c.nextID++
	c.subs[topic][id] = cb
	first := len(c.subs[topic]) == 1
	c.mu.Unlock()

	if first {
		if token := c.client.Subscribe(topic, 1, nil); token.Wait() && token.Error() != nil {
			return nil, token.Error()
		}
	}

	return func() {
		c.mu.Lock()
		callbacks := c.subs[topic]
		if callbacks == nil {
			c.mu.Unlock()
			return
		}
		delete(callbacks, id)
		last := len(callbacks) == 0
		if last {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		if last {
			_ = c.client.Unsubscribe(topic).Wait()
		}
	}, nil
}

func (c *mqttConn) Close() {
	c.client.Disconnect(250)
}

func (c *mqttConn) dispatch(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	callbacks := c.subs[msg.Topic()]
	list := make([]func([]byte), 0, len(callbacks))
	for _, cb := range callbacks {
		list = append(list, cb)
	}
	c.mu.Unlock()
	for _, cb := range list {
		cb(msg.Payload())
	}
}

func (c *mqttConn) resubscribeAll() {
	mqttConnected.Set(1)
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	for _, topic := range topics {
		_ = c.client.Subscribe(topic, 1, nil).Wait()
	}
}

func randomSuffix() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
