package ws

import "sync"

// Subscriber abstracts a streaming viewer session.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans location payloads out to every connected viewer session.
// Delivery is at-most-once: a session whose Send fails is evicted and must
// rebuild its view from a fresh snapshot after reconnecting.
type Hub struct {
	clients   map[Subscriber]struct{}
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
	done      chan struct{}
	once      sync.Once
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[Subscriber]struct{}),
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

// run owns the client set; all mutation happens on this goroutine.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
		case client := <-h.unreg:
			delete(h.clients, client)
		case payload := <-h.broadcast:
			for c := range h.clients {
				if err := c.Send(payload); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
		case <-h.done:
			return
		}
	}
}

// Register adds a viewer session to the live channel.
func (h *Hub) Register(client Subscriber) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a viewer session.
func (h *Hub) Unregister(client Subscriber) {
	select {
	case h.unreg <- client:
	case <-h.done:
	}
}

// Broadcast sends payload to all connected sessions.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// Close stops the hub loop.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}
