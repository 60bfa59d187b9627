package jupyter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/workbench/pkg/ports"
	"github.com/gorilla/websocket"
)

// pending tracks one execute_request until both its execute_reply and the
// kernel's idle status have been seen.
type pending struct {
	in   chan ports.OutputEvent
	lost chan struct{} // closed when the connection fails
	gone chan struct{} // closed when the consumer stops reading

	accepted bool
	replied  bool
	idle     bool
	replyErr error
}

// channel is one websocket connection to a kernel.
type channel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
	done    chan struct{}
}

func newChannel(conn *websocket.Conn, logger *slog.Logger) *channel {
	return &channel{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]*pending),
		done:    make(chan struct{}),
	}
}

func (c *channel) register(msgID string) *pending {
	p := &pending{in: make(chan ports.OutputEvent), lost: make(chan struct{}), gone: make(chan struct{})}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(p.lost)
		return p
	}
	c.pending[msgID] = p
	return p
}

func (c *channel) unregister(msgID string, p *pending) {
	c.mu.Lock()
	if c.pending[msgID] == p {
		delete(c.pending, msgID)
	}
	c.mu.Unlock()
	close(p.gone)
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fail closes the connection and ends every pending execution without a reply.
func (c *channel) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pend := c.pending
	c.pending = make(map[string]*pending)
	close(c.done)
	c.mu.Unlock()

	c.logger.Debug("Kernel channel closed", "err", err, "pending", len(pend))
	_ = c.conn.Close()
	for _, p := range pend {
		close(p.lost)
	}
}

func (c *channel) write(msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *channel) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *channel) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Kernel channel read failed", "err", err)
			}
			c.fail(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(msg)
	}
}

// dispatch translates a kernel message into output events for its parent request.
func (c *channel) dispatch(msg message) {
	c.mu.Lock()
	p := c.pending[msg.ParentHeader.MsgID]
	c.mu.Unlock()
	if p == nil {
		return
	}

	var events []ports.OutputEvent
	accept := func() {
		if !p.accepted {
			p.accepted = true
			events = append(events, ports.OutputEvent{Kind: ports.OutputAccepted})
		}
	}

	switch msg.Header.MsgType {
	case msgExecuteInput:
		accept()
	case msgStream:
		var content streamContent
		if c.decode(msg, &content) {
			accept()
			for _, line := range lines(content.Text) {
				events = append(events, ports.OutputEvent{Kind: ports.OutputStream, Text: line})
			}
		}
	case msgExecuteResult, msgDisplayData:
		var content dataContent
		if c.decode(msg, &content) {
			accept()
			for _, line := range lines(plainText(content.Data)) {
				events = append(events, ports.OutputEvent{Kind: ports.OutputResult, Text: line})
			}
		}
	case msgError:
		var content errorContent
		if c.decode(msg, &content) {
			accept()
			events = append(events, ports.OutputEvent{Kind: ports.OutputError, Text: content.EName + ": " + content.EValue})
		}
	case msgExecuteReply:
		var content replyContent
		if c.decode(msg, &content) {
			p.replied = true
			switch content.Status {
			case "ok":
			case "aborted":
				p.replyErr = ErrAborted
			default:
				p.replyErr = fmt.Errorf("%w: %s: %s", ErrExecution, content.EName, content.EValue)
			}
		}
	case msgStatus:
		var content statusContent
		if c.decode(msg, &content) && content.ExecutionState == "idle" {
			p.idle = true
		}
	}

	if p.replied && p.idle {
		events = append(events, ports.OutputEvent{Kind: ports.OutputDone, Err: p.replyErr})
	}

	for _, ev := range events {
		select {
		case p.in <- ev:
		case <-p.lost:
			return
		case <-p.gone:
			return
		}
	}
}

func (c *channel) decode(msg message, v any) bool {
	if err := json.Unmarshal(msg.Content, v); err != nil {
		c.logger.Warn("Dropping malformed kernel message", "msg_type", msg.Header.MsgType, "err", err)
		return false
	}
	return true
}
