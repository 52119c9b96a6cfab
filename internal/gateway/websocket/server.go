package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/config"
	"github.com/legionhq/legion/internal/common/httpmw"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/pkg/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway carries no credentials; origin filtering belongs to
	// whatever fronts it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the HTTP shell around the hub: /health, /ws, and any extra
// handlers mounted before Start.
type Server struct {
	engine *gin.Engine
	hub    *Hub
	http   *http.Server

	permissions PermissionResponder
	logger      *logger.Logger
}

// NewServer builds the gin engine and routes.
func NewServer(cfg config.ServerConfig, hub *Hub, responder PermissionResponder, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.OtelTracing("legion-gateway"))
	engine.Use(httpmw.RequestLogger(log, "legion-gateway"))

	s := &Server{
		engine:      engine,
		hub:         hub,
		permissions: responder,
		logger:      log.WithFields(zap.String("component", "gateway")),
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": hub.ClientCount(),
		})
	})
	engine.GET("/ws", s.handleWS)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// Mount attaches an extra handler (the MCP endpoint) before Start. All
// methods route through; the handler does its own method dispatch.
func (s *Server) Mount(path string, handler http.Handler) {
	s.engine.Any(path, gin.WrapH(handler))
}

// handleWS upgrades the connection and greets the client.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, s.hub, s.permissions, s.logger)
	s.hub.Register(client)

	go client.WritePump()
	client.sendEnvelope(transport.NewConnectionEstablished(client.ID))
	go client.ReadPump()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
