package main

import (
	"errors"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"kvm-stream-server/internal/session"
)

// newClient wraps an upgraded connection and starts its pumps
func newClient(id string, conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, ClientBufferSize),
		log:  logger.With("client", id),
		done: make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	return c
}

// Send queues a frame as one binary message. It blocks while the previous
// frame has not been written yet.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return c.sendErr()
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return c.sendErr()
	}
}

// Close sends a close message and closes the connection
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed when the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) sendErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return session.ErrClientDisconnected
}

// Err returns the write error that closed the connection. It is nil when the
// client went away or the connection was closed locally.
func (c *Client) Err() error {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()

	if err == nil || isDisconnect(err) {
		return nil
	}
	return err
}

// isDisconnect reports whether a connection error means the client went away
func isDisconnect(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// readPump detects the client going away. Clients are not expected to send
// anything but control frames.
func (c *Client) readPump() {
	defer c.shutdown(nil)

	c.conn.SetReadLimit(WebSocketReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(WebSocketReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(WebSocketReadDeadline))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump writes queued frames and pings to the client
func (c *Client) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteDeadline))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				if !isDisconnect(err) {
					c.log.Warn("websocket write error", "error", err)
				}
				c.shutdown(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}

		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WebSocketWriteDeadline))
			return
		}
	}
}
