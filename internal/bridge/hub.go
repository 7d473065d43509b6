package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proctord/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

var errSlowClient = errors.New("bridge: shell not reading")

// hub tracks the connected shell. One attempt has one shell; a new
// connection replaces the previous one.
type hub struct {
	mu      sync.RWMutex
	current *client
	onCount func(int)
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	old := h.current
	h.current = c
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
	h.count()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if h.current == c {
		h.current = nil
	}
	h.mu.Unlock()
	h.count()
}

func (h *hub) count() {
	if h.onCount != nil {
		h.onCount(h.clients())
	}
}

func (h *hub) clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return 0
	}
	return 1
}

// send queues msg for the current shell.
func (h *hub) send(msg Outbound) error {
	h.mu.RLock()
	c := h.current
	h.mu.RUnlock()
	if c == nil {
		return errNoShell
	}
	return c.send(msg)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	c := h.current
	h.current = nil
	h.mu.Unlock()
	if c != nil {
		c.close()
	}
	h.count()
}

type client struct {
	id     string
	addr   string
	conn   *websocket.Conn
	out    chan []byte
	logger *logging.Logger

	once sync.Once
	done chan struct{}
}

func newClient(id, addr string, conn *websocket.Conn, logger *logging.Logger) *client {
	return &client{
		id:     id,
		addr:   addr,
		conn:   conn,
		out:    make(chan []byte, sendBuffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// send never blocks; a shell that stops reading is disconnected.
func (c *client) send(msg Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errNoShell
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return errNoShell
	default:
		c.logger.Warn("shell send buffer full, disconnecting")
		c.close()
		return errSlowClient
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
}

// readPump delivers inbound messages to handle until the connection fails.
func (c *client) readPump(handle func(Inbound)) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg Inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("shell connection lost", "error", err)
			}
			var syntax *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typeErr) {
				c.send(Outbound{Type: MsgError, Error: &ErrorBody{Code: CodeBadRequest, Message: "malformed message"}})
				continue
			}
			return
		}
		handle(msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
