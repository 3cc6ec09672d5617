package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"maestro/internal/events"
	"maestro/internal/observability"
	"maestro/internal/protocol"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsMaxMessageSize = 64 << 10
	wsOutboundBuffer = 64
)

// Inbound websocket message types.
const (
	wsTypeInterrupt = "interrupt"
	wsTypeResume    = "resume"
)

// Outbound websocket message types.
const (
	wsTypeEvent    = "event"
	wsTypeResponse = "task.response"
	wsTypeAck      = "ack"
	wsTypeError    = "error"
)

// wsMessage is the frame spoken in both directions on /ws. Inbound commands
// carry Payload; outbound event mirrors carry Kind and Data, matching the
// SSE frames the same thread would see.
type wsMessage struct {
	Type    string          `json:"type"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// wsInterrupt asks the engine to stop the named thread at the next safe
// point.
type wsInterrupt struct {
	ThreadID string `json:"threadID"`
	Reason   string `json:"reason,omitempty"`
}

// wsResume re-enters an interrupted thread.
type wsResume struct {
	ThreadID    string `json:"threadID"`
	Input       string `json:"input"`
	ForceReplan bool   `json:"forceReplan,omitempty"`
}

// wsSession is one upgraded connection: a read loop dispatching commands, a
// single writer draining the outbound queue, and an optional event forwarder
// mirroring the thread's observer feed.
type wsSession struct {
	server   *Server
	conn     *websocket.Conn
	threadID string
	outbound chan wsMessage

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// handleWebSocket upgrades GET /ws. The thread_id query parameter is
// optional: commands name their thread in the payload, and only event
// mirroring needs the parameter.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sess := &wsSession{
		server:   s,
		conn:     conn,
		threadID: c.Query("thread_id"),
		outbound: make(chan wsMessage, wsOutboundBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.addSession(sess)
	defer s.removeSession(sess)

	s.logger.Info("websocket opened (thread %q)", sess.threadID)
	sess.run()
	s.logger.Info("websocket closed (thread %q)", sess.threadID)
}

func (sess *wsSession) run() {
	defer sess.close()

	if sess.threadID != "" && sess.server.bus != nil {
		ch, cancelSub := sess.server.bus.Subscribe(sess.threadID)
		defer cancelSub()
		sess.wg.Add(1)
		go sess.forwardEvents(ch)
	}

	sess.wg.Add(1)
	go sess.writeLoop()

	sess.readLoop()
	sess.cancel()
	sess.wg.Wait()
}

// close tears the connection down; safe to call from any goroutine.
func (sess *wsSession) close() {
	sess.closeOnce.Do(func() {
		sess.cancel()
		_ = sess.conn.Close()
	})
}

// readLoop consumes inbound frames until the client goes away.
func (sess *wsSession) readLoop() {
	sess.conn.SetReadLimit(wsMaxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		var msg wsMessage
		if err := sess.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.server.logger.Debug("websocket read ended: %v", err)
			}
			return
		}
		sess.dispatch(msg)
	}
}

// writeLoop is the only goroutine that writes to the connection.
func (sess *wsSession) writeLoop() {
	defer sess.wg.Done()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case msg := <-sess.outbound:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sess.conn.WriteJSON(msg); err != nil {
				sess.cancel()
				return
			}
		case <-ping.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.cancel()
				return
			}
		case <-sess.ctx.Done():
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = sess.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// forwardEvents mirrors the thread's observer feed onto the socket.
func (sess *wsSession) forwardEvents(ch <-chan events.Envelope) {
	defer sess.wg.Done()

	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			data, err := env.Data()
			if err != nil {
				sess.server.logger.Error("serialize event %s seq %d: %v", env.Kind, env.Seq, err)
				continue
			}
			sess.send(wsMessage{
				Type: wsTypeEvent,
				Kind: env.Kind,
				Data: json.RawMessage(observability.Redact(string(data))),
			})
		case <-sess.ctx.Done():
			return
		}
	}
}

// send enqueues without blocking; a full queue drops the frame. Catch-up is
// the SSE replay's job, not the socket buffer's.
func (sess *wsSession) send(msg wsMessage) {
	select {
	case sess.outbound <- msg:
	default:
		sess.server.logger.Warn("websocket outbound queue full, dropping %s frame", msg.Type)
	}
}

// dispatch routes one inbound command.
func (sess *wsSession) dispatch(msg wsMessage) {
	switch msg.Type {
	case wsTypeInterrupt:
		var p wsInterrupt
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ThreadID == "" {
			sess.send(wsMessage{Type: wsTypeError, Error: "interrupt payload needs a threadID"})
			return
		}
		if err := sess.server.manager.Interrupt(p.ThreadID, p.Reason); err != nil {
			sess.send(wsMessage{Type: wsTypeError, Error: observability.Redact(err.Error())})
			return
		}
		sess.send(wsMessage{Type: wsTypeAck, Kind: wsTypeInterrupt})

	case wsTypeResume:
		var p wsResume
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ThreadID == "" {
			sess.send(wsMessage{Type: wsTypeError, Error: "resume payload needs a threadID"})
			return
		}
		go sess.resume(p)

	default:
		sess.send(wsMessage{Type: wsTypeError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// resume drives the continuation off the read loop so the socket keeps
// consuming commands while the engine runs. The final response comes back
// as a task.response frame.
func (sess *wsSession) resume(p wsResume) {
	resp, err := sess.server.manager.Resume(sess.ctx, p.ThreadID, protocol.ResumeCommand{
		Input:       p.Input,
		ForceReplan: p.ForceReplan,
	})
	if err != nil {
		sess.send(wsMessage{Type: wsTypeError, Error: observability.Redact(err.Error())})
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		sess.send(wsMessage{Type: wsTypeError, Error: "response serialization failed"})
		return
	}
	sess.send(wsMessage{Type: wsTypeResponse, Data: data})
}
