// Package mqtt publishes the latest controller status to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	// Interval is the shortest time between two publishes. Updates in
	// between are coalesced and only the last one is sent.
	Interval time.Duration
}

// Publisher holds the most recent status and publishes it, retained, at
// most once per Interval.
type Publisher struct {
	cfg    Config
	client mqtt.Client

	mu      sync.Mutex
	payload []byte
	dirty   bool
}

// NewPublisher creates a Publisher for an existing client. Use Connect to
// build one from a broker address.
func NewPublisher(client mqtt.Client, cfg Config) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Publisher{cfg: cfg, client: client}
}

// Connect dials the broker and returns a Publisher using the connection.
func Connect(cfg Config) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("rotator-bridge-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("mqtt: connection to %s lost: %v", cfg.Broker, err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	log.Printf("mqtt: connected to %s", cfg.Broker)
	return NewPublisher(client, cfg), nil
}

// Update stores v as the status to publish next.
func (p *Publisher) Update(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("mqtt: encoding status: %v", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payload = data
	p.dirty = true
}

// Run publishes pending updates until ctx is done, then disconnects.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.client.Disconnect(250)
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if err := p.Flush(); err != nil {
			log.Print(err)
		}
	}
}

// Flush publishes the pending update, if any.
func (p *Publisher) Flush() error {
	p.mu.Lock()
	data, dirty := p.payload, p.dirty
	p.dirty = false
	p.mu.Unlock()
	if !dirty {
		return nil
	}
	token := p.client.Publish(p.cfg.Topic, 0, true, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish MQTT message: %w", token.Error())
	}
	return nil
}
