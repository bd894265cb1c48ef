package ws

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dripsynclabs/dripsync/internal/auth"
)

// Server accepts the peer's websocket connection on the listening node.
type Server struct {
	link     *Link
	pairing  *auth.Pairing
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer constructs the listening end of the transport.
func NewServer(link *Link, pairing *auth.Pairing, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		link:    link,
		pairing: pairing,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// Handler serves the upgrade endpoint. The dialing peer authenticates with
// a pairing token in the Authorization header.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		peerRole, err := s.pairing.ValidateToken(token)
		if err != nil {
			s.logger.Warn("pairing rejected", zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		s.logger.Info("peer paired", zap.String("peer_role", peerRole))
		s.link.attach(conn)
	})
}
