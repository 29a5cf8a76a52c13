package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canopyhq/canopy/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// routeFunc dispatches one parsed action for the connection's audience.
type routeFunc func(*Conn, Action)

// wsClient binds a registered Conn to its WebSocket and runs the pumps.
// Inbound frames are processed in arrival order; the read pump is the only
// goroutine handling them.
type wsClient struct {
	conn  *Conn
	ws    *websocket.Conn
	route routeFunc
	log   *logger.Logger

	// teardown runs exactly once across close, read error and write error.
	teardownOnce sync.Once
	onClose      func()
}

func newWSClient(conn *Conn, ws *websocket.Conn, route routeFunc, onClose func(), log *logger.Logger) *wsClient {
	return &wsClient{conn: conn, ws: ws, route: route, onClose: onClose, log: log}
}

// start launches the read and write pumps.
func (c *wsClient) start() {
	go c.writePump()
	go c.readPump()
}

// teardown closes the connection and runs the lifecycle hook exactly once,
// even under concurrent close and error conditions.
func (c *wsClient) teardown() {
	c.teardownOnce.Do(func() {
		c.conn.Close()
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// readPump pumps frames from the WebSocket into the action router.
func (c *wsClient) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket read error on %s: %v", c.conn.ID, err)
			}
			return
		}

		act, err := ParseAction(data)
		if err != nil {
			// Protocol failure: log and drop, the connection stays open.
			c.log.Warn("Dropping frame from %s: %v", c.conn.ID, err)
			continue
		}

		c.route(c.conn, act)
	}
}

// writePump pumps events from the connection's queue to the WebSocket.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case ev := <-c.conn.Events():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.log.Debug("Write failed on %s: %v", c.conn.ID, err)
				return
			}

		case <-c.conn.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
