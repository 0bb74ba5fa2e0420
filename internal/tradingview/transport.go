package tradingview

import (
	"context"
	"fmt"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// transport is the minimal send/receive surface the session depends on, so
// the state machine can be tested against a fake instead of a real socket.
type transport interface {
	send(m message) error
	recv() <-chan message
	closed() <-chan struct{}
	close() error
}

// wsTransport dials the upstream websocket. gobwas/ws is reused here rather
// than adding a second websocket client dependency alongside the one
// already pulled in for the downstream gateway (C10).
type wsTransport struct {
	conn net.Conn
	in   chan message
	done chan struct{}
}

func dialTransport(ctx context.Context, url string) (transport, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial provider B at %s: %w", url, err)
	}

	t := &wsTransport{
		conn: conn,
		in:   make(chan message, 256),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *wsTransport) readLoop() {
	defer close(t.done)
	defer close(t.in)

	for {
		data, _, err := wsutil.ReadServerData(t.conn)
		if err != nil {
			return
		}
		m, decodeErr := decode(data)
		if decodeErr != nil {
			continue // malformed frame from upstream: drop, don't crash the session
		}
		t.in <- m
	}
}

func (t *wsTransport) send(m message) error {
	raw, err := encode(m)
	if err != nil {
		return err
	}
	return wsutil.WriteClientText(t.conn, raw)
}

func (t *wsTransport) recv() <-chan message     { return t.in }
func (t *wsTransport) closed() <-chan struct{}  { return t.done }
func (t *wsTransport) close() error             { return t.conn.Close() }
