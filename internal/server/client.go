package server

import (
	"bufio"
	"net"
	"sync"
	"time"

	"lanchat/pkg/logger"
)

const outboxSize = 256

// client is the outbound half of a command connection. Lines are queued
// without blocking and written in order by a dedicated goroutine, so the hub
// can fan out while holding its lock.
type client struct {
	conn         net.Conn
	writeTimeout time.Duration

	out       chan string
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn net.Conn, writeTimeout time.Duration) *client {
	c := &client{
		conn:         conn,
		writeTimeout: writeTimeout,
		out:          make(chan string, outboxSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues line for delivery. A client that cannot keep up has its
// connection closed, which ends its session.
func (c *client) Send(line string) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.out <- line:
		return true
	default:
		logger.Warn("client_outbox_full", map[string]interface{}{
			"remote": c.conn.RemoteAddr().String(),
		})
		_ = c.conn.Close()
		return false
	}
}

// Close stops accepting lines, flushes what is queued and waits for the
// writer to exit. It does not close the connection.
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

func (c *client) writeLoop() {
	defer close(c.done)
	w := bufio.NewWriter(c.conn)
	for {
		select {
		case line := <-c.out:
			if err := c.write(w, line); err != nil {
				c.fail(err)
				return
			}
		case <-c.quit:
			for {
				select {
				case line := <-c.out:
					if err := c.write(w, line); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *client) write(w *bufio.Writer, line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	if len(c.out) == 0 {
		return w.Flush()
	}
	return nil
}

func (c *client) fail(err error) {
	logger.Warn("client_write_failed", map[string]interface{}{
		"remote": c.conn.RemoteAddr().String(),
		"error":  err.Error(),
	})
	_ = c.conn.Close()
}
