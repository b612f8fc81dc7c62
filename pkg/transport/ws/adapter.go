// Package ws adapts nhooyr.io/websocket to the transport.Transport
// interface. Apart from the HTTP upgrade in cmd/server and the transport
// tests, it is the only code in the module that imports the websocket
// library directly.
package ws

import (
	"context"
	"errors"

	"nhooyr.io/websocket"
)

// Adapter wraps a *websocket.Conn as a transport.Transport.
type Adapter struct {
	conn     *websocket.Conn
	incoming chan []byte
	readCtx  context.Context
	cancel   context.CancelFunc
}

// New wraps conn and starts its read pump. maxFrameBytes enforces the
// inbound frame size ceiling from SPEC_FULL §6; a frame over that limit
// makes the websocket library close the connection with status 1009
// (message too big).
func New(parent context.Context, conn *websocket.Conn, maxFrameBytes int64) *Adapter {
	if maxFrameBytes > 0 {
		conn.SetReadLimit(maxFrameBytes)
	}
	ctx, cancel := context.WithCancel(parent)
	a := &Adapter{
		conn:     conn,
		incoming: make(chan []byte, 32),
		readCtx:  ctx,
		cancel:   cancel,
	}
	go a.readLoop()
	return a
}

func (a *Adapter) readLoop() {
	defer close(a.incoming)
	for {
		_, data, err := a.conn.Read(a.readCtx)
		if err != nil {
			return
		}
		select {
		case a.incoming <- data:
		case <-a.readCtx.Done():
			return
		}
	}
}

// Send implements transport.Transport.
func (a *Adapter) Send(ctx context.Context, frame []byte) error {
	return a.conn.Write(ctx, websocket.MessageText, frame)
}

// Incoming implements transport.Transport.
func (a *Adapter) Incoming() <-chan []byte {
	return a.incoming
}

// Close implements transport.Transport.
func (a *Adapter) Close(code int, reason string) error {
	a.cancel()
	err := a.conn.Close(websocket.StatusCode(code), reason)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
