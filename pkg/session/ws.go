package session

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/hodei-pipelines/hodei/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Workers authenticate through registration, not origin checks.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket connection to the Conn contract. Gorilla allows
// one concurrent reader and one concurrent writer, which matches the
// session's single read loop and single write loop.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteFrame(frame []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// ServeWS upgrades the request and hands the connection to the hub. Intended
// to be mounted at the worker connect route.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	if err := h.Serve(&wsConn{conn: conn}); err != nil {
		log.Logger.Debug().Err(err).Msg("Worker session ended with error")
	}
}
