package web

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"sync"
	"syscall"
	"time"
)

// readChunk is the most one fill takes from the socket.
const readChunk = 4096

type connState int

const (
	stateHandshake connState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateHandshake:
		return "handshake"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	}
	return "closed"
}

// Conn is a client connection, from accept to close. Reads never block
// the service loop: fill takes what the socket has ready, and requests and
// frames are decoded from the buffer once complete.
type Conn struct {
	addr       string
	nc         net.Conn
	fd         int
	maxMessage int
	ioTimeout  time.Duration

	// owned by the service loop
	in    []byte    // received, not yet consumed
	msg   []byte    // fragmented message in progress
	msgOp byte      // opcode of msg, 0 when none
	since time.Time // when the oldest unconsumed input arrived

	mu    sync.Mutex // serializes writes and state changes
	state connState
}

func newConn(nc net.Conn, maxMessage int, ioTimeout time.Duration) (*Conn, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("connection %T has no descriptor", nc)
	}
	fd, err := fdOf(sc)
	if err != nil {
		return nil, err
	}
	return &Conn{
		addr:       nc.RemoteAddr().String(),
		nc:         nc,
		fd:         fd,
		maxMessage: maxMessage,
		ioTimeout:  ioTimeout,
	}, nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.addr
}

// Closed reports whether the connection reached its final state.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed
}

// buffered reports whether input is waiting to be decoded; poll does not
// see it.
func (c *Conn) buffered() bool {
	return len(c.in) > 0
}

// fill does a single read. Call it only when poll reported the socket
// readable; deadline bounds a spurious wakeup.
func (c *Conn) fill(now, deadline time.Time) error {
	_ = c.nc.SetReadDeadline(deadline)
	var buf [readChunk]byte
	n, err := c.nc.Read(buf[:])
	if n > 0 {
		if c.since.IsZero() {
			c.since = now
		}
		c.in = append(c.in, buf[:n]...)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return ErrConnectionClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

// stalled reports whether input has waited longer than limit for the
// rest of its request or frame.
func (c *Conn) stalled(now time.Time, limit time.Duration) bool {
	return limit > 0 && !c.since.IsZero() && now.Sub(c.since) > limit
}

// upgrade answers the opening request once it is fully buffered. done
// reports that a response was written; ok that the connection now speaks
// WebSocket. Bytes after the request stay buffered as frames.
func (c *Conn) upgrade(now time.Time, page fs.FS) (done, ok bool, err error) {
	end := requestEnd(c.in)
	if end < 0 {
		if len(c.in) > maxRequestBytes {
			_, _ = io.WriteString(c.nc, responseBadRequest)
			return true, false, fmt.Errorf("%w: request header over %d bytes", ErrProtocol, maxRequestBytes)
		}
		return false, false, nil
	}
	req := c.in[:end]
	c.in = c.in[end:]

	if c.ioTimeout > 0 {
		_ = c.nc.SetWriteDeadline(now.Add(c.ioTimeout))
	}
	ok, err = handshake(c.nc, bufio.NewReader(bytes.NewReader(req)), page)
	if !ok {
		return true, false, err
	}
	c.mu.Lock()
	c.state = stateOpen
	c.mu.Unlock()
	c.since = time.Time{}
	if len(c.in) > 0 {
		c.since = now
	}
	return true, true, nil
}

// nextMessage decodes buffered frames up to the end of one data message.
// Control frames are answered inline. The message is nil when the buffer
// runs out first.
func (c *Conn) nextMessage(now time.Time) ([]byte, error) {
	for {
		f, n, err := parseFrame(c.in, c.maxMessage)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			if len(c.in) == 0 && c.msgOp == 0 {
				c.since = time.Time{}
			}
			return nil, nil
		}
		c.in = c.in[n:]

		switch f.opcode {
		case opPing:
			if err := c.writeFrame(opPong, f.payload); err != nil {
				return nil, err
			}
			continue
		case opPong:
			continue
		case opClose:
			c.mu.Lock()
			c.state = stateClosing
			c.mu.Unlock()
			code := closeNormal
			if len(f.payload) >= 2 {
				code = int(f.payload[0])<<8 | int(f.payload[1])
			}
			_ = c.writeFrame(opClose, closePayload(code))
			return nil, ErrConnectionClosed
		case opText, opBinary:
			if c.msgOp != 0 {
				return nil, fmt.Errorf("%w: new message inside a fragmented one", ErrProtocol)
			}
			c.msgOp = f.opcode
			c.msg = f.payload
		case opContinuation:
			if c.msgOp == 0 {
				return nil, fmt.Errorf("%w: continuation without a message", ErrProtocol)
			}
			c.msg = append(c.msg, f.payload...)
		default:
			return nil, fmt.Errorf("%w: unknown opcode %#x", ErrProtocol, f.opcode)
		}

		if len(c.msg) > c.maxMessage {
			return nil, ErrMessageTooLarge
		}
		if f.fin {
			msg := c.msg
			if msg == nil {
				msg = []byte{}
			}
			c.msg, c.msgOp = nil, 0
			c.since = time.Time{}
			if len(c.in) > 0 {
				c.since = now
			}
			return msg, nil
		}
	}
}

// WriteText sends p as one text message.
func (c *Conn) WriteText(p []byte) error {
	return c.writeFrame(opText, p)
}

// WriteJSON sends v encoded as a text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteText(data)
}

func (c *Conn) writeFrame(op byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return ErrConnectionClosed
	}
	if c.ioTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.ioTimeout))
	}
	buf := appendFrame(make([]byte, 0, maxServerHeader+len(payload)), op, payload)
	if _, err := c.nc.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// closeWith sends a close frame with code, best effort, then closes.
func (c *Conn) closeWith(code int) error {
	_ = c.writeFrame(opClose, closePayload(code))
	return c.Close()
}

// Close closes the socket. Only the first call has an effect.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	if err := c.nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
