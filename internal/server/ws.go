package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opencanvas/placed/internal/observability"
	"github.com/opencanvas/placed/internal/protocol"
)

const writeTimeout = 15 * time.Second

// handleWS upgrades the connection and runs its session. Subscription and
// paint traffic are independent streams from the client's point of view; the
// read loop dispatches whatever arrives, and all outbound traffic funnels
// through the connection's send queue.
func (s *Server) handleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws_upgrade_failed")
		return
	}
	userID := c.Query("user")
	if userID == "" {
		userID = uuid.NewString()
	}
	conn := newConn(ws, userID)
	s.hub.add(conn)
	s.log.Info().Str("user", userID).Msg("ws_connected")

	go s.writeLoop(conn)
	s.readLoop(conn)

	s.hub.remove(conn)
	_ = ws.Close()
	s.log.Info().Str("user", userID).Msg("ws_disconnected")
}

func (s *Server) writeLoop(c *Conn) {
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			_ = c.ws.Close()
			return
		}
	}
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.ws.Close()
}

func (s *Server) readLoop(c *Conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.sendError(c, protocol.CodeBadRequest, "malformed message", nil)
			continue
		}
		switch env.T {
		case protocol.KindSub:
			if !s.handleSub(c, env) {
				return
			}
		case protocol.KindUnsub:
			s.handleUnsub(c, env)
		case protocol.KindPaint:
			s.handlePaint(c, env)
		case protocol.KindPing:
			s.handlePing(c, env)
		default:
			// Server-to-client kinds are not accepted inbound.
			s.sendError(c, protocol.CodeBadRequest, "kind not accepted from clients", map[string]any{"kind": env.T})
		}
	}
}

// handleSub answers a subscription: per tile, either the gap-free delta
// replay past the client's sinceSeq or snapshot metadata first. Returns
// false when the connection must close (protocol mismatch is a hard gate).
func (s *Server) handleSub(c *Conn, env protocol.Envelope) bool {
	p, err := protocol.DecodeSub(env.P)
	if err != nil {
		s.sendError(c, protocol.CodeValidation, err.Error(), nil)
		return true
	}
	if p.Protocol != 0 && p.Protocol != protocol.ProtocolVersion {
		s.sendError(c, protocol.CodeBadRequest, "incompatible protocol version", map[string]any{
			"client": p.Protocol,
			"server": protocol.ProtocolVersion,
		})
		return false
	}
	for _, t := range p.Tiles {
		// Attach to the hub before resolving so a broadcast landing during
		// the replay is queued rather than missed. The overlap is safe: a
		// delta delivered both live and in the replay is a duplicate on the
		// client and discarded there.
		count := s.hub.subscribe(c, t.Key())
		since, haveSince := p.SinceSeq[t.Key()]
		meta, deltas, err := s.svc.ResolveTile(t, since, haveSince)
		if err != nil {
			s.log.Error().Err(err).Str("tile", t.Key()).Msg("resolve_tile_failed")
			s.sendError(c, protocol.CodeInternal, "subscription could not be resolved", nil)
			continue
		}
		if meta != nil {
			s.sendKind(c, protocol.KindInitTile, meta)
		}
		for _, d := range deltas {
			s.sendKind(c, protocol.KindDelta, d)
		}
		s.hub.broadcastPop(t.Key(), count)
	}
	return true
}

func (s *Server) handleUnsub(c *Conn, env protocol.Envelope) {
	p, err := protocol.DecodeUnsub(env.P)
	if err != nil {
		s.sendError(c, protocol.CodeValidation, err.Error(), nil)
		return
	}
	for _, t := range p.Tiles {
		count := s.hub.unsubscribe(c, t.Key())
		s.hub.broadcastPop(t.Key(), count)
	}
}

func (s *Server) handlePaint(c *Conn, env protocol.Envelope) {
	p, err := protocol.DecodePaint(env.P)
	if err != nil {
		s.sendError(c, protocol.CodeValidation, err.Error(), nil)
		return
	}
	outcome, d := s.svc.Paint(c.userID, p)
	switch o := outcome.(type) {
	case protocol.Accepted:
		if d == nil {
			return
		}
		msg, err := protocol.Encode(protocol.KindDelta, *d)
		if err != nil {
			s.log.Error().Err(err).Msg("delta_encode_failed")
			return
		}
		sent := s.hub.broadcastTile(d.Tile().Key(), msg)
		observability.RecordDeltaBroadcast(s.cfg.Name, sent)
	case protocol.Rejected:
		s.sendKind(c, protocol.KindError, o.Frame)
	case protocol.Throttled:
		s.sendKind(c, protocol.KindRateLimit, o.Hint)
	}
}

func (s *Server) handlePing(c *Conn, env protocol.Envelope) {
	p, err := protocol.DecodePing(env.P)
	if err != nil {
		s.sendError(c, protocol.CodeValidation, err.Error(), nil)
		return
	}
	s.sendKind(c, protocol.KindPong, protocol.PongPayload{
		TS:       p.TS,
		ServerTS: time.Now().UnixMilli(),
	})
}

func (s *Server) sendKind(c *Conn, kind string, payload any) {
	msg, err := protocol.Encode(kind, payload)
	if err != nil {
		s.log.Error().Err(err).Str("kind", kind).Msg("encode_failed")
		return
	}
	c.enqueue(msg)
}

func (s *Server) sendError(c *Conn, code protocol.ErrorCode, message string, meta map[string]any) {
	s.sendKind(c, protocol.KindError, protocol.ErrorFrame{Code: code, Message: message, Meta: meta})
}
