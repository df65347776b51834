package sse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBrokerFull is returned by Register once maxClients are connected
var ErrBrokerFull = errors.New("sse: max clients reached")

// ErrBrokerClosed is returned by Register after Close
var ErrBrokerClosed = errors.New("sse: broker closed")

// Event represents a Server-Sent Event
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds
}

// Client is one subscriber. Events are delivered on Channel, which is
// closed when the client is unregistered.
type Client struct {
	ID      string
	Channel chan *Event

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a new SSE client
func NewClient(id string, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = 100
	}

	return &Client{
		ID:      id,
		Channel: make(chan *Event, bufferSize),
	}
}

// Close closes the client's channel. It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Channel)
	}
}

// IsClosed returns whether the client is closed
func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Send queues event without blocking. It reports false when the client is
// closed or its buffer is full.
func (c *Client) Send(event *Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.Channel <- event:
		return true
	default:
		return false
	}
}

// Broker fans published events out to registered clients
type Broker struct {
	mu      sync.Mutex
	clients map[string]*Client

	messages chan *Event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	totalClients  atomic.Int64
	messagesCount atomic.Int64
	droppedCount  atomic.Int64

	keepaliveInterval time.Duration
	maxClients        int
}

// NewBroker creates a new SSE broker
func NewBroker(maxClients int, keepaliveInterval time.Duration) *Broker {
	if maxClients <= 0 {
		maxClients = 10000
	}
	if keepaliveInterval <= 0 {
		keepaliveInterval = 30 * time.Second
	}

	broker := &Broker{
		clients:           make(map[string]*Client),
		messages:          make(chan *Event, 1000),
		done:              make(chan struct{}),
		keepaliveInterval: keepaliveInterval,
		maxClients:        maxClients,
	}

	broker.wg.Add(2)
	go broker.run()
	go broker.keepalive()

	return broker
}

func (b *Broker) run() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.messages:
			b.messagesCount.Add(1)
			b.broadcast(event)
		case <-b.done:
			return
		}
	}
}

func (b *Broker) keepalive() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.broadcast(&Event{
				Event: "keepalive",
				Data:  "timestamp:" + strconv.FormatInt(time.Now().Unix(), 10),
			})
		case <-b.done:
			return
		}
	}
}

func (b *Broker) snapshot() []*Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	return clients
}

func (b *Broker) broadcast(event *Event) {
	for _, client := range b.snapshot() {
		if !client.Send(event) {
			b.droppedCount.Add(1)
		}
	}
}

// Register adds client. A client registered under an existing id
// replaces and closes the old one.
func (b *Broker) Register(client *Client) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return ErrBrokerClosed
	default:
	}

	old, exists := b.clients[client.ID]
	if !exists && len(b.clients) >= b.maxClients {
		return fmt.Errorf("%w (%d)", ErrBrokerFull, b.maxClients)
	}
	if exists {
		old.Close()
	}
	b.clients[client.ID] = client
	b.totalClients.Add(1)
	return nil
}

// Unregister removes and closes client
func (b *Broker) Unregister(client *Client) {
	b.mu.Lock()
	if cur, ok := b.clients[client.ID]; ok && cur == client {
		delete(b.clients, client.ID)
	}
	b.mu.Unlock()
	client.Close()
}

// Publish queues event for every client. It blocks while the queue is
// full and drops the event once the broker is closed.
func (b *Broker) Publish(event *Event) {
	select {
	case b.messages <- event:
	case <-b.done:
	}
}

func (b *Broker) GetClient(clientID string) (*Client, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[clientID]
	return c, ok
}

func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close stops the broker and closes every client, which ends their
// streams.
func (b *Broker) Close() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		close(b.done)
		clients := b.clients
		b.clients = make(map[string]*Client)
		b.mu.Unlock()

		for _, c := range clients {
			c.Close()
		}
		b.wg.Wait()
	})
}

// BrokerStats is a snapshot of broker counters
type BrokerStats struct {
	TotalClients    int64 `json:"total_clients"`
	CurrentClients  int   `json:"current_clients"`
	MessagesSent    int64 `json:"messages_sent"`
	MessagesDropped int64 `json:"messages_dropped"`
}

func (b *Broker) Stats() BrokerStats {
	return BrokerStats{
		TotalClients:    b.totalClients.Load(),
		CurrentClients:  b.ClientCount(),
		MessagesSent:    b.messagesCount.Load(),
		MessagesDropped: b.droppedCount.Load(),
	}
}

// FormatEvent renders event in the text/event-stream wire format.
// Multi-line data becomes one data field per line.
func FormatEvent(event *Event) []byte {
	var buf strings.Builder

	if event.ID != "" {
		buf.WriteString("id: " + event.ID + "\n")
	}

	if event.Event != "" {
		buf.WriteString("event: " + event.Event + "\n")
	}

	if event.Retry > 0 {
		buf.WriteString("retry: " + strconv.Itoa(event.Retry) + "\n")
	}

	if event.Data != "" {
		for _, line := range strings.Split(event.Data, "\n") {
			buf.WriteString("data: " + line + "\n")
		}
	}

	buf.WriteByte('\n')
	return []byte(buf.String())
}
