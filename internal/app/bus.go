// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Bus is the message transport between the simulator and its clients.
// Payloads are JSON encoded.
type Bus interface {
	Publish(topic string, v any) error
	Subscribe(topic string, handler func(payload []byte)) error
	Close()
}

// MQTTBus carries messages over an MQTT broker.
type MQTTBus struct {
	client mqtt.Client
	broker string
}

// NewMQTTBus connects to broker as clientID.
func NewMQTTBus(broker, clientID string) (*MQTTBus, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", broker, token.Error())
	}
	log.Printf("bus: connected to MQTT broker at %s as %s", broker, clientID)
	return &MQTTBus{client: client, broker: broker}, nil
}

// Publish sends v to topic at QoS 0 without retain.
func (b *MQTTBus) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	if token := b.client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish %s: %w", topic, token.Error())
	}
	return nil
}

// Subscribe delivers every payload on topic to handler on paho's goroutine.
func (b *MQTTBus) Subscribe(topic string, handler func(payload []byte)) error {
	token := b.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	log.Printf("bus: subscribed to %s", topic)
	return nil
}

// Close disconnects, allowing in-flight work 250 ms to finish.
func (b *MQTTBus) Close() {
	b.client.Disconnect(250)
}

// MemoryBus delivers messages synchronously inside the process. It backs the
// headless console and tests.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]func([]byte)
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]func([]byte))}
}

func (b *MemoryBus) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	b.mu.RLock()
	hs := b.handlers[topic]
	b.mu.RUnlock()
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

func (b *MemoryBus) Close() {}
