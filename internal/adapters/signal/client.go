package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxMessageSize = 64 * 1024

var ErrSendBufferFull = errors.New("signaling send buffer full")

// WSTransport is the client end of the hub's websocket, one room per instance.
type WSTransport struct {
	url        string
	pingPeriod time.Duration
	dialer     *websocket.Dialer

	mu     sync.RWMutex
	conn   *websocket.Conn
	send   chan core.Frame
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

var _ core.Transport = (*WSTransport)(nil)

// NewWSTransport targets a hub endpoint such as ws://host:8080/api/ws/voice.
func NewWSTransport(endpoint string, pingPeriod time.Duration) *WSTransport {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &WSTransport{
		url:        endpoint,
		pingPeriod: pingPeriod,
		dialer:     websocket.DefaultDialer,
		done:       make(chan struct{}),
		logger:     log.With().Str("module", "signal.client").Logger(),
	}
}

func (t *WSTransport) Subscribe(ctx context.Context, room domain.RoomID, self domain.ParticipantID) (<-chan core.Message, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling URL: %w", err)
	}
	q := u.Query()
	q.Set("room", string(room))
	q.Set("participant", string(self))
	u.RawQuery = q.Encode()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, core.ErrTransportClosed
	}
	if t.conn != nil {
		return nil, errors.New("already subscribed")
	}

	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	t.conn = conn
	t.send = make(chan core.Frame, 64)
	t.logger = t.logger.With().Str("room", string(room)).Str("participant", string(self)).Logger()

	inbound := make(chan core.Message, 64)
	go t.readPump(inbound)
	go t.writePump()
	t.logger.Info().Str("url", u.Redacted()).Msg("subscribed")
	return inbound, nil
}

// Push never blocks.
func (t *WSTransport) Push(msg core.Message) error {
	data, err := core.Encode(msg)
	if err != nil {
		return err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || t.conn == nil {
		return core.ErrTransportClosed
	}
	select {
	case t.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
	return nil
}

func (t *WSTransport) readPump(inbound chan<- core.Message) {
	defer func() {
		close(inbound)
		_ = t.conn.Close()
	}()

	pongWait := t.pingPeriod * 10 / 9
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Warn().Err(err).Msg("signaling connection lost")
			}
			return
		}
		msg, err := core.Decode(data)
		if err != nil {
			t.logger.Debug().Err(err).Msg("skip signaling message")
			continue
		}
		select {
		case inbound <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(t.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case data := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Warn().Err(err).Msg("signaling write")
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-t.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave")
			_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
