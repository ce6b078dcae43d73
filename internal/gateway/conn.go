package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn оборачивает сокет устройства для реестра. Дедлайн на каждую запись, Close один раз.
// Записи сериализует registry.Entry.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(messageType, data)
}

// ping безопасен параллельно с WriteMessage (WriteControl).
func (c *wsConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.deadline()))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) deadline() time.Duration {
	if c.writeTimeout > 0 {
		return c.writeTimeout
	}
	return 10 * time.Second
}
