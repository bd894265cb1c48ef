package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dripsynclabs/dripsync/internal/auth"
)

const (
	dialTimeout     = 10 * time.Second
	reconnectWait   = 5 * time.Second
	maxReconnectGap = time.Minute
)

// Dialer maintains the connection from the dialing node to the listening
// node, reconnecting with backoff whenever the link drops.
type Dialer struct {
	link     *Link
	pairing  *auth.Pairing
	peerURL  string
	nodeRole string
	logger   *zap.Logger
}

// NewDialer constructs the dialing end of the transport.
func NewDialer(link *Link, pairing *auth.Pairing, peerURL, nodeRole string, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		link:     link,
		pairing:  pairing,
		peerURL:  peerURL,
		nodeRole: nodeRole,
		logger:   logger,
	}
}

// Run dials and re-dials the peer until the context is cancelled.
func (d *Dialer) Run(ctx context.Context) {
	wait := reconnectWait
	for {
		gone, err := d.dial(ctx)
		if err != nil {
			d.logger.Warn("peer dial failed", zap.String("peer_url", d.peerURL), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			wait = min(wait*2, maxReconnectGap)
			continue
		}

		wait = reconnectWait
		select {
		case <-ctx.Done():
			return
		case <-gone:
			// Connection lost; loop and re-dial.
		}
	}
}

func (d *Dialer) dial(ctx context.Context) (<-chan struct{}, error) {
	token, err := d.pairing.IssueToken(d.nodeRole)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, d.peerURL, header)
	if err != nil {
		return nil, err
	}
	return d.link.attach(conn), nil
}
