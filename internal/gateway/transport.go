// ABOUTME: WebSocket transport: registers each connection with the hub and dispatches its frames
// ABOUTME: Decode failures and rejected operations are reported to the sending client only

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/command-center/internal/auth"
	"github.com/2389/command-center/internal/dedupe"
	"github.com/2389/command-center/internal/hub"
	"github.com/2389/command-center/internal/persona"
	"github.com/2389/command-center/internal/protocol"
	"github.com/2389/command-center/internal/session"
)

const (
	// maxFrameSize bounds a single inbound frame.
	maxFrameSize = 1 << 20
	writeTimeout = 10 * time.Second
)

// wsSink writes outbound messages to one WebSocket connection.
type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) Send(ctx context.Context, msg protocol.Outbound) error {
	data, err := protocol.EncodeOutbound(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Kind(), err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// handleWebSocket serves one client connection for its lifetime.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Server.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client, err := g.hub.Register(ctx, wsSink{conn: conn})
	if err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer client.Close()

	logger := g.logger.With("client_id", client.ID)
	if op := auth.OperatorFromContext(r.Context()); op != "" {
		logger = logger.With("operator", op)
	}

	// The hub drops clients that fall behind; stop reading when it does.
	go func() {
		select {
		case <-client.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			logger.Warn("rejecting inbound frame", "error", err)
			client.Send(decodeErrorReply(err))
			continue
		}
		g.dispatch(ctx, client, msg, logger)
	}
}

// decodeErrorReply builds the protocol error for a bad frame, scoped to the
// session it named when there was one.
func decodeErrorReply(err error) protocol.Error {
	reply := protocol.Error{Message: err.Error()}
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		reply.SessionID = de.SessionID
	}
	return reply
}

// dispatch routes one decoded message to the session manager.
func (g *Gateway) dispatch(ctx context.Context, client *hub.Client, msg protocol.Inbound, logger *slog.Logger) {
	logger = logger.With("type", msg.Kind())

	switch m := msg.(type) {
	case protocol.StartSession:
		id, err := g.manager.StartSession(m.AgentName, m.Prompt)
		if err != nil {
			logger.Warn("start_session rejected", "agent", m.AgentName, "error", err)
			reply := protocol.Error{Message: err.Error()}
			if errors.Is(err, persona.ErrUnknownAgent) {
				reply.Message = "Unknown agent: " + m.AgentName
			}
			client.Send(reply)
			return
		}
		logger.Info("session requested", "session_id", id, "agent", m.AgentName)

	case protocol.UserMessage:
		if err := g.manager.SendMessage(m.SessionID, m.Message); err != nil {
			g.rejectSessionOp(client, m.SessionID, err, logger)
		}

	case protocol.PermissionResponse:
		if g.dedupe.CheckAndMark(dedupe.PermissionKey(m.SessionID, m.RequestID)) {
			logger.Debug("duplicate permission_response dropped", "session_id", m.SessionID, "request_id", m.RequestID)
			return
		}
		err := g.manager.ResolvePermission(m.SessionID, m.RequestID, m.Allow, m.UpdatedInput)
		if errors.Is(err, session.ErrStalePermission) {
			logger.Debug("stale permission_response ignored", "session_id", m.SessionID, "request_id", m.RequestID)
			return
		}
		if err != nil {
			g.rejectSessionOp(client, m.SessionID, err, logger)
		}

	case protocol.InterruptSession:
		if err := g.manager.InterruptSession(m.SessionID); err != nil {
			g.rejectSessionOp(client, m.SessionID, err, logger)
		}

	case protocol.Sync:
		client.Send(g.hub.Snapshot(ctx))

	default:
		logger.Error("unhandled inbound message")
	}
}

// rejectSessionOp tells the sending client why an operation on a session
// was not applied.
func (g *Gateway) rejectSessionOp(client *hub.Client, sessionID string, err error, logger *slog.Logger) {
	logger.Info("session operation rejected", "session_id", sessionID, "error", err)

	msg := err.Error()
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		msg = "session busy: a turn is in progress, message dropped"
	case errors.Is(err, session.ErrSessionClosed):
		msg = "session closed: start a new session to continue"
	}
	client.Send(protocol.Error{SessionID: sessionID, Message: msg})
}
