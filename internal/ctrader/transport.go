package ctrader

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/feedgate/gateway/internal/codec"
)

// transport is the minimal send/receive surface the session depends on;
// dialTransport's real implementation is the only thing that touches
// net.Conn, so the session's state machine can be tested against a fake.
type transport interface {
	send(t payloadType, clientMsgID string, body any) error
	recv() <-chan envelope
	closed() <-chan struct{}
	close() error
}

type tcpTransport struct {
	conn    net.Conn
	decoder *codec.FrameDecoder
	in      chan envelope
	done    chan struct{}
}

// dialTransport opens a TLS connection to host:port and starts the
// deframing read loop. This is the one piece of provider-A connectivity
// spec.md asks to be specified precisely (§4.1); everything above the
// frame boundary is the envelope scheme documented in protocol.go.
func dialTransport(ctx context.Context, host string, port int) (transport, error) {
	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 10 * time.Second}}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("dial provider A at %s:%d: %w", host, port, err)
	}

	t := &tcpTransport{
		conn:    conn,
		decoder: codec.NewFrameDecoder(),
		in:      make(chan envelope, 256),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *tcpTransport) readLoop() {
	defer close(t.done)
	defer close(t.in)

	buf := make([]byte, 64*1024)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			for _, payload := range t.decoder.Push(buf[:n]) {
				e, decodeErr := decodeEnvelope(payload)
				if decodeErr != nil {
					continue // malformed frame from upstream: drop, don't crash the session
				}
				t.in <- e
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *tcpTransport) send(typ payloadType, clientMsgID string, body any) error {
	frame, err := encodeEnvelope(typ, clientMsgID, body)
	if err != nil {
		return err
	}
	_, err = t.conn.Write(codec.Encode(frame))
	return err
}

func (t *tcpTransport) recv() <-chan envelope   { return t.in }
func (t *tcpTransport) closed() <-chan struct{} { return t.done }
func (t *tcpTransport) close() error            { return t.conn.Close() }
