// Package hub owns the registry of live clients and rendezvous rooms
// and routes signaling frames between them. Payloads are never
// inspected; the hub only reads the envelope.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"

	"github.com/Ruddxxy/warp-p2p/model"
)

const (
	roomTTL       = 10 * time.Minute
	sweepInterval = time.Minute

	routeQueueSize = 256

	// CounterDrops counts frames discarded because a recipient's
	// outbox was full.
	CounterDrops = "hub.outbox.drops"
)

type Hub struct {
	logger zerolog.Logger

	// mx guards rooms and clients. Per-room locks are always taken
	// after mx.
	mx      sync.RWMutex
	rooms   map[string]*Room
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	route      chan *model.Message
}

type Config struct {
	Logger *zerolog.Logger
}

func New(cfg Config) *Hub {
	return &Hub{
		logger:     cfg.Logger.With().Str("component", "hub").Logger(),
		rooms:      make(map[string]*Room),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		route:      make(chan *model.Message, routeQueueSize),
	}
}

// Register hands a freshly upgraded client to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client. Safe to signal more than once; only the
// first has any effect.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// Run consumes registration and routing events until ctx is canceled,
// then closes every outbox, which unwinds the client pumps.
func (h *Hub) Run(ctx context.Context) {
	go h.sweepExpiredRooms(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("hub shutting down")
			h.mx.Lock()
			for _, c := range h.clients {
				close(c.Send)
			}
			h.clients = make(map[string]*Client)
			h.rooms = make(map[string]*Room)
			h.mx.Unlock()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.route:
			h.forward(msg)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mx.Lock()
	h.clients[c.ID] = c
	h.mx.Unlock()

	// First frame on every connection: the server-assigned id.
	data, _ := json.Marshal(&model.Message{
		Type:     model.TypeConnected,
		ClientID: c.ID,
	})
	c.Send <- data

	h.logger.Debug().Str("clientID", c.ID).Msg("client registered")
}

func (h *Hub) remove(c *Client) {
	h.mx.Lock()
	defer h.mx.Unlock()

	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	close(c.Send)
	h.leaveRoomLocked(c)

	h.logger.Debug().Str("clientID", c.ID).Msg("client unregistered")
}

// leaveRoomLocked detaches c from its current room, notifies the
// remaining members and deletes the room if it emptied. Caller must
// hold h.mx.
func (h *Hub) leaveRoomLocked(c *Client) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	c.setRoomID("")

	room, ok := h.rooms[roomID]
	if !ok {
		return
	}

	room.mx.Lock()
	delete(room.Clients, c.ID)
	empty := len(room.Clients) == 0
	if !empty {
		note, _ := json.Marshal(&model.Message{
			Type:     model.TypePeerLeft,
			From:     c.ID,
			RoomID:   roomID,
			ClientID: c.ID,
		})
		for _, peer := range room.Clients {
			h.enqueue(peer, note)
		}
	}
	room.mx.Unlock()

	if empty {
		delete(h.rooms, roomID)
		h.logger.Debug().Str("roomID", roomID).Msg("room deleted, no members left")
	}
}

// JoinRoom places c into the room named roomID, creating it on first
// use. Joining a room the client already occupies is a no-op. Joining
// a different room leaves the old one first, with the same departure
// notification as a disconnect.
func (h *Hub) JoinRoom(c *Client, roomID string) {
	h.mx.Lock()
	defer h.mx.Unlock()

	if c.RoomID() == roomID {
		return
	}
	h.leaveRoomLocked(c)

	room, ok := h.rooms[roomID]
	if !ok {
		room = newRoom(roomID)
		h.rooms[roomID] = room
		h.logger.Debug().Str("roomID", roomID).Msg("room created")
	}

	room.mx.Lock()
	note, _ := json.Marshal(&model.Message{
		Type:     model.TypePeerJoined,
		From:     c.ID,
		RoomID:   roomID,
		ClientID: c.ID,
	})
	for _, peer := range room.Clients {
		h.enqueue(peer, note)
	}
	room.Clients[c.ID] = c
	c.setRoomID(roomID)
	memberCount := len(room.Clients)
	room.mx.Unlock()

	h.logger.Debug().
		Str("clientID", c.ID).
		Str("roomID", roomID).
		Int("members", memberCount).
		Msg("client joined room")
}

// forward delivers one peer frame. Direct addressing wins over room
// broadcast; broadcasts skip the sender.
func (h *Hub) forward(msg *model.Message) {
	h.mx.RLock()
	defer h.mx.RUnlock()

	if msg.To != "" {
		target, ok := h.clients[msg.To]
		if !ok {
			h.logger.Debug().Str("dst", msg.To).Msg("cannot forward, dst not connected")
			return
		}
		data, _ := json.Marshal(msg)
		h.enqueue(target, data)
		return
	}

	if msg.RoomID == "" {
		return
	}
	room, ok := h.rooms[msg.RoomID]
	if !ok {
		h.logger.Debug().Str("roomID", msg.RoomID).Msg("cannot forward, room not found")
		return
	}

	room.mx.RLock()
	data, _ := json.Marshal(msg)
	for id, peer := range room.Clients {
		if id == msg.From {
			continue
		}
		h.enqueue(peer, data)
	}
	room.mx.RUnlock()
}

// enqueue performs a non-blocking send so a slow peer cannot stall
// routing for anyone else. The frame is dropped for that recipient
// only.
func (h *Hub) enqueue(c *Client, data []byte) {
	select {
	case c.Send <- data:
	default:
		gometrics.GetOrRegisterCounter(CounterDrops, nil).Inc(1)
		h.logger.Warn().Str("clientID", c.ID).Msg("outbox full, frame dropped")
	}
}

func (h *Hub) sweepExpiredRooms(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.expireRooms(time.Now())
		}
	}
}

// expireRooms removes every room older than roomTTL. Lifetime is
// anchored to creation, not activity: the code is the secret, and the
// secret expires. Members stay connected and may rendezvous on a new
// code.
func (h *Hub) expireRooms(now time.Time) {
	h.mx.Lock()
	defer h.mx.Unlock()

	for id, room := range h.rooms {
		age := now.Sub(room.CreatedAt)
		if age <= roomTTL {
			continue
		}
		room.mx.Lock()
		note, _ := json.Marshal(&model.Message{
			Type:   model.TypeRoomExpired,
			RoomID: id,
		})
		for _, peer := range room.Clients {
			h.enqueue(peer, note)
			peer.setRoomID("")
		}
		room.mx.Unlock()

		delete(h.rooms, id)
		h.logger.Info().Str("roomID", id).Dur("age", age).Msg("room expired")
	}
}

// Counts snapshots the registry size for health reporting.
func (h *Hub) Counts() (rooms, clients int) {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.rooms), len(h.clients)
}
