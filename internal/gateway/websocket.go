package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/quizhub/internal/config"
	"github.com/cory-johannsen/quizhub/internal/game/session"
)

// Server upgrades HTTP requests to WebSocket connections and pumps frames
// between each socket and the Gateway.
type Server struct {
	gateway  *Gateway
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	sockets map[*websocket.Conn]struct{}
	closing bool
}

// NewServer creates a WebSocket server. An allowedOrigins entry of "*"
// accepts any origin.
//
// Precondition: g and logger must be non-nil.
func NewServer(g *Gateway, cfg config.WebSocketConfig, allowedOrigins []string, logger *zap.Logger) *Server {
	s := &Server{
		gateway: g,
		cfg:     cfg,
		logger:  logger,
		sockets: make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Handler returns the gin handler for the WebSocket endpoint. It blocks for
// the lifetime of the connection.
func (s *Server) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if closing {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
			return
		}

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the HTTP error response.
			s.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		// Hijacked sockets keep the HTTP server's request deadlines; the pumps
		// set their own.
		if err := conn.NetConn().SetDeadline(time.Time{}); err != nil {
			s.logger.Debug("clearing socket deadlines", zap.Error(err))
		}
		s.serve(c.Request.Context(), conn)
	}
}

func (s *Server) serve(parent context.Context, conn *websocket.Conn) {
	start := time.Now()
	connID := uuid.NewString()

	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	outbox, err := s.gateway.Connect(connID)
	if err != nil {
		s.logger.Error("registering connection", zap.Error(err))
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(conn, outbox)
	}()

	s.readPump(ctx, conn, connID)

	s.gateway.Disconnect(connID)
	s.logger.Debug("connection finished",
		zap.String("conn_id", connID),
		zap.Duration("duration", time.Since(start)),
	)
}

// readPump dispatches inbound frames until the socket fails or the peer
// stops answering pings.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, connID string) {
	defer conn.Close()

	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		s.gateway.Touch(connID)
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", zap.String("conn_id", connID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.gateway.Handle(ctx, connID, data)
	}
}

// writePump is the only writer of data frames on conn. It drains the
// connection's outbox and pings the peer every PingInterval.
func (s *Server) writePump(conn *websocket.Conn, outbox *session.Outbox) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-outbox.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("websocket write failed", zap.String("conn_id", outbox.ConnID()), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sockets[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.sockets, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown sends a going-away close to every socket and waits for their
// pumps to exit, up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	for conn := range s.sockets {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("websocket shutdown timed out")
	}
}

// ConnCount returns the number of open sockets.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}
