package signal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/app/hub"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// VoiceWSController serves the room channel over websocket.
type VoiceWSController struct {
	Hub        *hub.Hub
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

func NewVoiceWSController(h *hub.Hub, readLimit int64, pingPeriod time.Duration, sendBuffer int) *VoiceWSController {
	if readLimit <= 0 {
		readLimit = 32 * 1024
	}
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &VoiceWSController{Hub: h, ReadLimit: readLimit, PingPeriod: pingPeriod, SendBuffer: sendBuffer}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrTransportClosed
	}
	select {
	case c.send <- f:
	default:
		return hub.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Context keys filled in by the HTTP layer.
const (
	// ClientTokenKey holds the caller's participant id, new or restored.
	ClientTokenKey = "client_token"
	// SessionParticipantKey is set only when the id was restored from the
	// caller's signed session.
	SessionParticipantKey = "session_participant"
)

// HandleVoice upgrades GET /api/ws/voice?room=<id>&participant=<id>. A caller
// with an established session is that session's participant: the query may
// repeat the id but not name another one. Without a session the query id is
// used, falling back to the fresh client token.
func (ctl *VoiceWSController) HandleVoice(ctx context.Context, c *gin.Context) {
	room, err := domain.ParseRoomID(c.Query("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	raw := c.Query("participant")
	if bound := c.GetString(SessionParticipantKey); bound != "" {
		if raw != "" && raw != bound {
			log.Warn().Str("module", "signal").Str("session", bound).Str("requested", raw).Msg("participant does not match session")
			c.JSON(http.StatusForbidden, gin.H{"error": "participant does not match session"})
			return
		}
		raw = bound
	} else if raw == "" {
		raw = c.GetString(ClientTokenKey)
	}
	id, err := domain.ParseParticipantID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("room", string(room)).Str("participant", string(id)).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)

	// the write pump must be running before Join queues the PeerJoined
	go ctl.writePump(ctx, conn)
	ctl.Hub.Join(room, id, conn, cancel)
	go ctl.readPump(ctx, room, id, conn)
}

// Cancelled sockets surface as these; they are not worth an error log.
func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed)
}
