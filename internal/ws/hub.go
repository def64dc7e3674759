package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by site ID. The clients map is owned by
// the run goroutine; all access goes through the channels.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with site identifier.
type message struct {
	siteID  string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	siteID string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.siteID]; !ok {
				h.clients[sub.siteID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.siteID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.siteID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.siteID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.siteID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.siteID)
				}
			}
		}
	}
}

// Register adds a client to a site stream.
func (h *Hub) Register(siteID string, client Subscriber) {
	h.register <- subscription{siteID: siteID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(siteID string, client Subscriber) {
	h.unreg <- subscription{siteID: siteID, client: client}
}

// Broadcast sends payload to all site clients.
func (h *Hub) Broadcast(siteID string, payload []byte) {
	h.broadcast <- message{siteID: siteID, payload: payload}
}
