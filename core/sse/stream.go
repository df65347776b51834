package sse

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Stream numbers events within a namespace and publishes them through a
// broker
type Stream struct {
	broker    *Broker
	eventID   atomic.Uint64
	namespace string
}

func NewStream(namespace string) *Stream {
	return &Stream{
		broker:    NewBroker(10000, 30*time.Second),
		namespace: namespace,
	}
}

func (s *Stream) WithBroker(broker *Broker) *Stream {
	s.broker = broker
	return s
}

func (s *Stream) Broker() *Broker { return s.broker }

func (s *Stream) Subscribe(clientID string, bufferSize int) (*Client, error) {
	client := NewClient(clientID, bufferSize)
	if err := s.broker.Register(client); err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Stream) Unsubscribe(client *Client) {
	s.broker.Unregister(client)
}

func (s *Stream) next(eventType, data string) *Event {
	return &Event{
		ID:    fmt.Sprintf("%s-%d", s.namespace, s.eventID.Add(1)),
		Event: eventType,
		Data:  data,
	}
}

func (s *Stream) Send(eventType, data string) {
	s.broker.Publish(s.next(eventType, data))
}

// SendTo delivers an event to one client. An unknown client costs no
// event id; a full channel drops the event, leaving a gap the client can
// see.
func (s *Stream) SendTo(clientID, eventType, data string) error {
	client, ok := s.broker.GetClient(clientID)
	if !ok {
		return fmt.Errorf("sse: client %q not found", clientID)
	}
	if !client.Send(s.next(eventType, data)) {
		return fmt.Errorf("sse: client %q channel full or closed", clientID)
	}
	return nil
}

func (s *Stream) Broadcast(message string) {
	s.Send("message", message)
}

func (s *Stream) ClientCount() int {
	return s.broker.ClientCount()
}

func (s *Stream) Close() {
	s.broker.Close()
}

// StreamStats adds the stream's identity to the broker counters
type StreamStats struct {
	BrokerStats
	Namespace string `json:"namespace"`
	EventID   uint64 `json:"event_id"`
}

func (s *Stream) Stats() StreamStats {
	return StreamStats{
		BrokerStats: s.broker.Stats(),
		Namespace:   s.namespace,
		EventID:     s.eventID.Load(),
	}
}
