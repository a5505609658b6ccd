package hub

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Ruddxxy/warp-p2p/model"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Signaling frames are small; anything
	// larger is not a signaling frame.
	maxFrameSize = 64 * 1024

	outboxSize = 256
)

// Client is one live peer session. The read pump is the sole reader of
// the connection and the write pump the sole writer, including control
// frames.
type Client struct {
	ID   string
	Conn *websocket.Conn

	// Send is the client's outbox. The hub closes it exactly once,
	// during unregistration or shutdown, which makes the write pump
	// flush a close frame and exit.
	Send chan []byte

	hub    *Hub
	logger zerolog.Logger

	mx     sync.RWMutex
	roomID string
}

// NewClient wraps an upgraded connection with a server-assigned id.
// The id, not anything the peer sends, is the client's identity.
func NewClient(conn *websocket.Conn, h *Hub) *Client {
	id := uuid.New().String()[:8]
	return &Client{
		ID:     id,
		Conn:   conn,
		Send:   make(chan []byte, outboxSize),
		hub:    h,
		logger: h.logger.With().Str("clientID", id).Logger(),
	}
}

// RoomID returns the room the client currently occupies, or "".
func (c *Client) RoomID() string {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.roomID
}

func (c *Client) setRoomID(id string) {
	c.mx.Lock()
	c.roomID = id
	c.mx.Unlock()
}

// ReadPump pumps frames from the connection into the hub. It must run
// in its own goroutine; all reads happen here.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxFrameSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}

		var msg model.Message
		if err = json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("malformed frame")
			c.sendError("invalid message format")
			continue
		}

		// The socket session is the only trusted sender identity.
		msg.From = c.ID

		switch {
		case msg.Type == model.TypeHandshakeInit:
			if msg.RoomID == "" {
				c.sendError("room id required")
				continue
			}
			c.hub.JoinRoom(c, msg.RoomID)

		case msg.Type.IsRelay():
			if msg.To == "" && msg.RoomID == "" {
				msg.RoomID = c.RoomID()
			}
			c.hub.route <- &msg

		default:
			c.sendError("unknown message type")
		}
	}
}

// WritePump drains the outbox to the connection and keeps it alive
// with pings. It must run in its own goroutine; all writes happen here.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError reports a protocol violation back to the peer. The
// connection stays up.
func (c *Client) sendError(reason string) {
	data, err := json.Marshal(&model.Message{
		Type:    model.TypeError,
		To:      c.ID,
		Payload: json.RawMessage(strconv.Quote(reason)),
	})
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}
