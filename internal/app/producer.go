package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/relabs-tech/splitflap_panel/internal/config"
)

// RunTextProducer publishes the demo words to the text topic until ctx is
// done. It stands in for whatever would normally drive the display.
func RunTextProducer(ctx context.Context, interval time.Duration) error {
	cfg := config.Get()

	client, publish, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDProducer)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	return produceText(ctx, publish, cfg.TopicText, demoWords, interval)
}

func produceText(ctx context.Context, publish publishFunc, topic string, words []string, interval time.Duration) error {
	if len(words) == 0 {
		return errors.New("producer: no words to publish")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ctx.Err() == nil; i++ {
		payload, err := json.Marshal(textRequest{Text: words[i%len(words)]})
		if err != nil {
			return err
		}
		if err := publish(topic, false, payload); err != nil {
			log.Printf("producer: publish error: %v", err)
		} else {
			log.Printf("producer: published %s", payload)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
