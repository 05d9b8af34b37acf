package realtime

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// sendBuffer bounds the per-connection outbound queue. When a subscriber
// falls this far behind, further messages are dropped rather than blocking
// the sender.
const sendBuffer = 64

// VendorGroup names the subscription group for a vendor's order updates
func VendorGroup(vendorID string) string {
	return fmt.Sprintf("vendor_%s_orders", vendorID)
}

// CustomerGroup names the subscription group for a customer's order updates
func CustomerGroup(customerID string) string {
	return fmt.Sprintf("customer_%s_orders", customerID)
}

// Layer is the group-messaging abstraction connections register with and
// broadcasts are published through. Delivery is at-most-once, best-effort:
// sends to unknown groups or slow subscribers are dropped silently and no
// ordering is guaranteed across independent sends.
type Layer interface {
	GroupAdd(group string, client *Client)
	GroupDiscard(group string, client *Client)
	GroupSend(group string, message []byte)
}

// Client is one WebSocket connection registered in exactly one group.
// All writes to the socket go through the buffered send channel.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// trySend queues a message without blocking, dropping it when the client
// is too far behind
func (c *Client) trySend(message []byte) {
	select {
	case c.send <- message:
	default:
	}
}

// MemoryLayer is an in-process Layer: a mutex-guarded map of named groups
// to subscribed clients. It carries ephemeral notifications only and is
// never the source of truth.
type MemoryLayer struct {
	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}
}

func NewMemoryLayer() *MemoryLayer {
	return &MemoryLayer{
		groups: make(map[string]map[*Client]struct{}),
	}
}

func (l *MemoryLayer) GroupAdd(group string, client *Client) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.groups[group] == nil {
		l.groups[group] = make(map[*Client]struct{})
	}
	l.groups[group][client] = struct{}{}
}

func (l *MemoryLayer) GroupDiscard(group string, client *Client) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if members, ok := l.groups[group]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(l.groups, group)
		}
	}
}

func (l *MemoryLayer) GroupSend(group string, message []byte) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for client := range l.groups[group] {
		client.trySend(message)
	}
}

// GroupSize reports the number of subscribers in a group
func (l *MemoryLayer) GroupSize(group string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.groups[group])
}
