package realtime

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close codes sent to peers.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
	// CloseReplaced tells a client that the same user connected again elsewhere.
	CloseReplaced = 4000
)

const (
	defaultPongWait = 60 * time.Second
	controlTimeout  = time.Second
)

// pingPeriodFor keeps pings well inside the peer's read deadline.
func pingPeriodFor(pongWait time.Duration) time.Duration {
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	return pongWait * 9 / 10
}

var (
	// ErrConnClosed is returned by Send once the connection has been closed.
	ErrConnClosed = errors.New("realtime: connection closed")
	// ErrSendBufferFull is returned by Send when the peer is not draining its queue.
	ErrSendBufferFull = errors.New("realtime: send buffer full")
)

// Conn is the handle the registries keep for a live connection. Only the
// owning Session reads from the socket; everyone else writes through Send.
type Conn interface {
	// ID is unique within the process.
	ID() string
	// UserID is the owner resolved at handshake.
	UserID() int64
	// Send queues payload for delivery without blocking.
	Send(payload []byte) error
	// Close stops the connection. Calls after the first are ignored.
	Close(code int, reason string)
}

// Socket is the subset of *websocket.Conn used by sessions and connections.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// PrepareSocket applies the read limit and the pong-driven read deadline to a
// freshly upgraded connection.
func PrepareSocket(ws *websocket.Conn, maxMessageSize int64, pongWait time.Duration, log *zap.Logger) {
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	ws.SetReadLimit(maxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Warn("set initial read deadline", zap.Error(err))
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// wsConn is the Socket-backed Conn. A single writer goroutine drains the send
// queue so writes to one peer keep their order and never block the caller.
type wsConn struct {
	id           string
	userID       int64
	socket       Socket
	send         chan []byte
	writeTimeout time.Duration
	pingPeriod   time.Duration
	log          *zap.Logger

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string

	done chan struct{}
}

func newWSConn(id string, userID int64, socket Socket, bufferSize int, writeTimeout, pingPeriod time.Duration, log *zap.Logger) *wsConn {
	c := &wsConn{
		id:           id,
		userID:       userID,
		socket:       socket,
		send:         make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		pingPeriod:   pingPeriod,
		log:          log.With(zap.String("conn_id", id), zap.Int64("user_id", userID)),
		closeCode:    CloseNormal,
		done:         make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *wsConn) ID() string    { return c.id }
func (c *wsConn) UserID() int64 { return c.userID }

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

// wasReplaced reports whether the first Close handed the user to a newer
// connection.
func (c *wsConn) wasReplaced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed && c.closeCode == CloseReplaced
}

// Done is closed once the writer has exited and the socket is closed.
func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

// markDead stops further sends after a write failure without closing the
// queue, which still belongs to Close.
func (c *wsConn) markDead() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.markDead()
		c.closeSocket()
		close(c.done)
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *wsConn) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		if !ok {
			c.writeCloseMessage()
			return false
		}
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.writePing()
	}
}

func (c *wsConn) writeTextMessage(message []byte) bool {
	if err := c.socket.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.log.Debug("set write deadline", zap.Error(err))
		return false
	}
	if err := c.socket.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("write message", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *wsConn) writePing() bool {
	if err := c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("write ping", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *wsConn) writeCloseMessage() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlTimeout)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("write close message", zap.Error(err))
		}
	}
}

func (c *wsConn) closeSocket() {
	if err := c.socket.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("close socket", zap.Error(err))
	}
}

// rejectSocket refuses a handshake that never produced a Conn.
func rejectSocket(socket Socket, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlTimeout))
	_ = socket.Close()
}

// isExpectedCloseError reports errors that are routine while a connection is
// being torn down.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
