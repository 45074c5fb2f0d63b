package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
)

// Config holds WebSocket timing and limits.
type Config struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// Client is one WebSocket connection, which is one mounted overlay.
type Client struct {
	ID      string
	TopicID int64
	UserID  int64
	Hub     *Hub
	Conn    *websocket.Conn
	Send    chan []byte
	config  Config

	closeMu sync.RWMutex
	closed  bool
}

func NewClient(id string, topicID, userID int64, hub *Hub, conn *websocket.Conn, cfg Config) *Client {
	buf := cfg.SendBuffer
	if buf <= 0 {
		buf = 256
	}
	return &Client{
		ID:      id,
		TopicID: topicID,
		UserID:  userID,
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, buf),
		config:  cfg,
	}
}

// ReadPump reads frames until the connection fails, then unregisters the client
// and runs onClose.
func (c *Client) ReadPump(handler func(*Client, []byte), onClose func()) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
		if onClose != nil {
			onClose()
		}
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldClientID, c.ID).Msg("websocket read error")
			}
			break
		}

		handler(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues message without blocking. It is dropped when the buffer is
// full or the client is closed.
func (c *Client) SendMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return nil
	}

	select {
	case c.Send <- data:
	default:
		l := log.L()
		l.Warn().Str(log.FieldClientID, c.ID).Msg("client send buffer full, dropping message")
	}
	return nil
}

// close closes the send channel once. Called by the hub only.
func (c *Client) close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}
