package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/splitflap_panel/internal/config"
	"github.com/relabs-tech/splitflap_panel/internal/panel"
)

// publishFunc sends one MQTT message. It matches the shape of
// mqtt.Client.Publish minus the token.
type publishFunc func(topic string, retained bool, payload []byte) error

// mqttBridge mirrors the panel onto MQTT: snapshots go to the state topic
// (retained), controller log lines to the log topic, and anything published
// on the text topic is shown on the display.
type mqttBridge struct {
	p          *panel.Panel
	publish    publishFunc
	stateTopic string
	logTopic   string

	lastSnap []byte
	lastLog  uint64
}

func newMQTTBridge(p *panel.Panel, publish publishFunc, cfg *config.Config) *mqttBridge {
	return &mqttBridge{
		p:          p,
		publish:    publish,
		stateTopic: cfg.TopicState,
		logTopic:   cfg.TopicLog,
	}
}

// connectMQTT connects a client and returns it with a publish function
// bound to it.
func connectMQTT(broker, clientID string) (mqtt.Client, publishFunc, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, fmt.Errorf("mqtt connect to %s: %w", broker, token.Error())
	}
	log.Printf("mqtt: connected to broker at %s as %s", broker, clientID)

	publish := func(topic string, retained bool, payload []byte) error {
		token := client.Publish(topic, 0, retained, payload)
		token.Wait()
		return token.Error()
	}
	return client, publish, nil
}

// subscribeText routes the text topic into the panel.
func (b *mqttBridge) subscribeText(client mqtt.Client, topic string) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		b.handleText(msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("mqtt: subscribed to %s", topic)
	return nil
}

// handleText accepts either a bare string or {"text": "..."}.
func (b *mqttBridge) handleText(payload []byte) {
	text := strings.TrimRight(string(payload), "\r\n")
	var req textRequest
	if json.Unmarshal(payload, &req) == nil {
		text = req.Text
	}
	if err := b.p.SetText(text); err != nil {
		log.Printf("mqtt: text %q rejected: %v", text, err)
	}
}

// flush publishes the snapshot if it changed and every new log line.
func (b *mqttBridge) flush() {
	snap, err := json.Marshal(b.p.Snapshot())
	if err != nil {
		log.Printf("mqtt: snapshot marshal error: %v", err)
		return
	}
	if string(snap) != string(b.lastSnap) {
		if err := b.publish(b.stateTopic, true, snap); err != nil {
			log.Printf("mqtt: publish %s: %v", b.stateTopic, err)
		} else {
			b.lastSnap = snap
		}
	}

	for _, line := range b.p.LogsSince(b.lastLog) {
		payload, err := json.Marshal(line)
		if err != nil {
			log.Printf("mqtt: log marshal error: %v", err)
			continue
		}
		if err := b.publish(b.logTopic, false, payload); err != nil {
			log.Printf("mqtt: publish %s: %v", b.logTopic, err)
			return
		}
		b.lastLog = line.Seq
	}
}

// run publishes on every panel change, at most once per minInterval, until
// ctx is done or the panel closes.
func (b *mqttBridge) run(ctx context.Context, minInterval time.Duration) {
	sub := b.p.Subscribe()
	defer sub.Cancel()

	b.flush()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C():
			if !ok {
				return
			}
			b.flush()
			if minInterval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(minInterval):
				}
			}
		}
	}
}
