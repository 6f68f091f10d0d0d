// Package sse relays pairing progress from the event bus to HTTP streams.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-provisioner/internal/eventbus"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBuffer      = 32
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	// Terminal marks the last event a session will produce.
	Terminal bool `json:"-"`
}

type Client struct {
	SessionID string
	Events    chan Event
	Done      chan struct{}

	unsubscribe func()
	closeOnce   sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.unsubscribe()
		close(c.Done)
	})
}

type Broker struct {
	bus     *eventbus.Bus
	clients map[string]map[*Client]bool // sessionID -> set of clients
	mu      sync.RWMutex
}

func NewBroker(bus *eventbus.Bus) *Broker {
	return &Broker{
		bus:     bus,
		clients: make(map[string]map[*Client]bool),
	}
}

// Subscribe registers a client for sessionID and returns it together with
// the replay of the session's snapshot. Events emitted while subscribing may
// appear in both.
func (b *Broker) Subscribe(sessionID string) (*Client, []Event) {
	client := &Client{
		SessionID: sessionID,
		Events:    make(chan Event, clientBuffer),
		Done:      make(chan struct{}),
	}
	client.unsubscribe = b.bus.Subscribe(sessionID, func(ev eventbus.Event, _ eventbus.Snapshot) {
		out, err := Encode(ev)
		if err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to encode event")
			return
		}
		select {
		case client.Events <- out:
		default:
			log.Warn().
				Str("sessionId", sessionID).
				Msg("client event buffer full, dropping event")
		}
	})

	snap, _ := b.bus.Snapshot(sessionID)

	b.mu.Lock()
	if b.clients[sessionID] == nil {
		b.clients[sessionID] = make(map[*Client]bool)
	}
	b.clients[sessionID][client] = true
	clientCount := len(b.clients[sessionID])
	b.mu.Unlock()

	log.Debug().
		Str("sessionId", sessionID).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client, Replay(snap)
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.SessionID]; ok && clients[client] {
		delete(clients, client)
		client.close()

		if len(clients) == 0 {
			delete(b.clients, client.SessionID)
		}

		log.Debug().
			Str("sessionId", client.SessionID).
			Int("clientCount", len(clients)).
			Msg("sse client unsubscribed")
	}
}

// Close disconnects every client.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			client.close()
		}
	}
	b.clients = make(map[string]map[*Client]bool)
}

func (b *Broker) ClientCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[sessionID])
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}

// Encode converts a bus event into its wire form.
func Encode(ev eventbus.Event) (Event, error) {
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		return Event{}, err
	}
	terminal := ev.Type == eventbus.EventError ||
		(ev.Type == eventbus.EventStatus && ev.Status.State.IsTerminal())
	return Event{Type: string(ev.Type), Data: data, Terminal: terminal}, nil
}

// Replay returns the frames that bring a new observer up to date: the last
// qr, then the last status, then the last error.
func Replay(snap eventbus.Snapshot) []Event {
	var out []Event
	add := func(ev eventbus.Event) {
		if e, err := Encode(ev); err == nil {
			out = append(out, e)
		}
	}

	if snap.QR != nil {
		add(eventbus.Event{Type: eventbus.EventQR, QR: snap.QR})
	}
	if snap.Status != nil {
		add(eventbus.Event{Type: eventbus.EventStatus, Status: snap.Status})
	}
	if snap.Error != nil {
		add(eventbus.Event{Type: eventbus.EventError, Error: snap.Error})
	}
	return out
}

// Write frames one event.
func Write(w io.Writer, event Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", event.Data)
	return err
}

// WriteHeartbeat writes a comment line that keeps proxies from idling out.
func WriteHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": ping\n\n")
	return err
}
