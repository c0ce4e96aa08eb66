package transport

import (
	"net"
	"sync"

	"duplex-rpc/protocol"

	"github.com/gorilla/websocket"
)

// WSConn carries frames as WebSocket text messages of the form
// "<type>,<compression>/<payload>". Control frames are handled by gorilla.
type WSConn struct {
	ws   *websocket.Conn
	opts Options
	wmu  sync.Mutex
}

func NewWSConn(ws *websocket.Conn, opts Options) *WSConn {
	ws.SetReadLimit(int64(opts.maxReceive()) + 32)
	return &WSConn{ws: ws, opts: opts}
}

func (c *WSConn) ReadFrame() (*protocol.Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeText(data, c.opts.maxReceive())
}

func (c *WSConn) WriteFrame(f *protocol.Frame) error {
	if err := CheckSize(len(f.Payload), c.opts.MaxSend); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, protocol.EncodeText(f))
}

func (c *WSConn) Close() error {
	c.wmu.Lock()
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *WSConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WSConn) Variant() Variant { return WebSocket }
