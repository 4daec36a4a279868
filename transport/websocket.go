// Package transport adapts a message-oriented gorilla/websocket
// connection into the io.Reader/io.Writer/Close stream the session
// controller's Conn interface expects, following the framing idiom
// clientrpc/jsonrpc/wspeer.go uses (NextReader/NextWriter per logical
// message) without any of that package's JSON-RPC framing on top —
// the session core's own framer package already provides the wire
// framing carried inside each websocket message.
package transport

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn wraps a *websocket.Conn so it satisfies io.Reader, io.Writer,
// and io.Closer: every Write is one binary websocket message, and Read
// transparently advances across message boundaries so a caller can
// treat the connection as an ordinary byte stream.
type Conn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

// NewConn wraps an already-established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	w, err := c.ws.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(p)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// Dial opens a client-side websocket connection to url, the "direct"
// transport mode's concrete transport.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Upgrade accepts an inbound HTTP request as a websocket connection,
// for the demo CLI's listener side of "direct" transport mode.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}
