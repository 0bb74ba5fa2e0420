package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feedgate/gateway/internal/metrics"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxSendAttempts = 3 // slow-client strikes before disconnect (adapted from teacher's connection.go)
)

// client is one downstream websocket connection. Adapted from the
// teacher's Client (src/connection.go): a bounded send channel plus
// consecutive-failed-attempt tracking, minus the object-pool and replay
// buffer machinery the spec doesn't call for.
type client struct {
	id   int64
	conn net.Conn

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	sendAttempts int32
}

func newClient(id int64, conn net.Conn, queueSize int) *client {
	return &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
}

// Send implements router.Sender. It never blocks: a full queue counts as a
// failed attempt, and three consecutive failures close the connection
// (teacher's "3 strikes" slow-client policy).
func (c *client) Send(payload []byte) {
	select {
	case c.send <- payload:
		atomic.StoreInt32(&c.sendAttempts, 0)
	default:
		attempts := atomic.AddInt32(&c.sendAttempts, 1)
		if attempts >= maxSendAttempts {
			metrics.SlowClientsDisconnected.Inc()
			c.close()
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
