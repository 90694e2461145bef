package server

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("send queue full")
)

// Principal is the authenticated identity of a connection.
type Principal struct {
	UserID   int64
	Username string
}

// Conn is one client connection. Exactly one goroutine reads from the
// transport; every outbound frame goes through the send queue and is written
// by writeLoop, so frames never interleave.
type Conn struct {
	id           string
	transport    Transport
	writeTimeout time.Duration

	out        chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu        sync.RWMutex
	principal *Principal
}

func newConn(t Transport, queueSize int, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.NewString()[:8],
		transport:    t,
		writeTimeout: writeTimeout,
		out:          make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

// Principal returns the identity set by a successful LOGIN.
func (c *Conn) Principal() (Principal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.principal == nil {
		return Principal{}, false
	}
	return *c.principal, true
}

// setPrincipal succeeds only once per connection.
func (c *Conn) setPrincipal(p Principal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.principal != nil {
		return false
	}
	c.principal = &p
	return true
}

// Send queues a frame without blocking. A full queue means the peer is not
// draining; the connection is closed instead of stalling the caller.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.out <- frame:
		return nil
	default:
		c.Close()
		return errQueueFull
	}
}

// Close stops accepting frames. The writer flushes what is already queued
// and then closes the transport, which ends the reader as well.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	defer c.transport.Close()

	for {
		select {
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				debugLog.Printf("Write to %s failed: %v", c.RemoteAddr(), err)
				c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case frame := <-c.out:
					if err := c.write(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(frame []byte) error {
	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	return c.transport.WriteLine(frame, deadline)
}
