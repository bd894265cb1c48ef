// Package ws carries the sync topic store over a websocket link between the
// two nodes. One node listens, the other dials; both ends keep a per-topic
// copy of the last payload seen so the change notification fires only when
// the stored bytes actually differ, matching the transport contract.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dripsynclabs/dripsync/internal/sync"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// frame carries one topic update. Payload is opaque bytes; the JSON codec
// base64-encodes it, so payloads need not themselves be valid JSON.
type frame struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

// Link is one node's endpoint on the websocket transport. It implements
// sync.Transport; Put fails with ErrTransportUnavailable while the peer is
// disconnected, which the reconciliation worker treats as retryable.
type Link struct {
	handler sync.Handler
	logger  *zap.Logger

	mu   stdsync.Mutex
	conn *websocket.Conn
	gone chan struct{}
	seen map[string][]byte
}

var _ sync.Transport = (*Link)(nil)

// NewLink constructs a link that delivers inbound changes to handler.
func NewLink(handler sync.Handler, logger *zap.Logger) *Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Link{
		handler: handler,
		logger:  logger,
		seen:    make(map[string][]byte),
	}
}

// Put implements sync.Transport.
func (l *Link) Put(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("%w: peer not connected", sync.ErrTransportUnavailable)
	}

	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := l.conn.WriteJSON(frame{Topic: topic, Payload: payload}); err != nil {
		l.dropLocked()
		return fmt.Errorf("%w: %v", sync.ErrTransportUnavailable, err)
	}
	return nil
}

// Connected reports whether a peer connection is currently attached.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// attach replaces the current peer connection and starts its pumps. The
// returned channel closes when the connection is lost.
func (l *Link) attach(conn *websocket.Conn) <-chan struct{} {
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
		close(l.gone)
	}
	l.conn = conn
	gone := make(chan struct{})
	l.gone = gone
	l.mu.Unlock()

	l.logger.Info("peer connected", zap.String("remote", conn.RemoteAddr().String()))
	go l.readPump(conn)
	go l.pingLoop(conn, gone)
	return gone
}

func (l *Link) detach(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.dropLocked()
	}
	l.mu.Unlock()
}

// dropLocked clears the active connection; callers hold l.mu.
func (l *Link) dropLocked() {
	if l.conn == nil {
		return
	}
	l.conn.Close()
	l.conn = nil
	close(l.gone)
	l.logger.Info("peer disconnected")
}

func (l *Link) readPump(conn *websocket.Conn) {
	defer l.detach(conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			l.logger.Warn("unreadable transport frame dropped", zap.Error(err))
			continue
		}
		l.deliver(f.Topic, f.Payload)
	}
}

// deliver fires the change notification iff the payload differs from what
// was previously stored under the topic.
func (l *Link) deliver(topic string, payload []byte) {
	l.mu.Lock()
	previous, exists := l.seen[topic]
	if exists && bytes.Equal(previous, payload) {
		l.mu.Unlock()
		return
	}
	l.seen[topic] = append([]byte(nil), payload...)
	l.mu.Unlock()

	if l.handler != nil {
		l.handler.OnChanged(topic, payload, sync.ChangeTypeChanged)
	}
}

func (l *Link) pingLoop(conn *websocket.Conn, gone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.conn != conn {
				l.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				l.dropLocked()
			}
			l.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
