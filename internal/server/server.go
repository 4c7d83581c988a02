// Package server exposes the canvas over websocket plus the HTTP
// side-channels: the handshake gate, the snapshot image endpoint with
// conditional retrieval, health, and metrics.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/opencanvas/placed/internal/canvas"
	"github.com/opencanvas/placed/internal/config"
	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/observability"
	"github.com/opencanvas/placed/internal/protocol"
	"github.com/opencanvas/placed/internal/store"
)

var startedAt = time.Now()

type Server struct {
	cfg      config.ServerConfig
	log      zerolog.Logger
	svc      *canvas.Service
	store    *store.Store
	hub      *Hub
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

func New(cfg config.ServerConfig, svc *canvas.Service, st *store.Store, log zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		log:   log,
		svc:   svc,
		store: st,
		hub:   NewHub(cfg.Name, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     allowOrigin(cfg.CorsOrigins),
		},
	}
	s.engine = s.buildRouter()
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("server_listening")
	return s.engine.Run(s.cfg.Addr)
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.Requests(s.cfg.Name, s.log))
	if len(s.cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CorsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type", "If-None-Match", "If-Modified-Since"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(startedAt).String(),
			"service": s.cfg.Name,
		})
	})
	r.GET("/handshake", s.handleHandshake)
	r.GET("/snapshots/:key", s.handleSnapshot)
	r.GET("/ws", s.handleWS)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := r.Group("/admin", s.requireAdmin)
	admin.POST("/snapshots/:key", s.handleAdminSnapshot)
	admin.POST("/compact/:key", s.handleAdminCompact)
	return r
}

// handleHandshake declares this node's wire parameters. Clients gate on
// strict equality before opening the websocket; there is no negotiation.
func (s *Server) handleHandshake(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.Local())
}

// handleSnapshot serves the latest snapshot blob for a tile with the
// conditional-retrieval validators promised by TileSnapshotMeta.
func (s *Server) handleSnapshot(c *gin.Context) {
	t, err := grid.ParseKey(c.Param("key"))
	if err != nil {
		observability.RecordSnapshotRequest(s.cfg.Name, http.StatusBadRequest)
		c.JSON(http.StatusBadRequest, protocol.ErrorFrame{Code: protocol.CodeBadRequest, Message: "malformed tile key"})
		return
	}
	row, ok, err := s.store.LatestSnapshot(t)
	if err != nil {
		observability.RecordSnapshotRequest(s.cfg.Name, http.StatusInternalServerError)
		c.JSON(http.StatusInternalServerError, protocol.ErrorFrame{Code: protocol.CodeInternal, Message: "snapshot lookup failed"})
		return
	}
	if !ok {
		observability.RecordSnapshotRequest(s.cfg.Name, http.StatusNotFound)
		c.JSON(http.StatusNotFound, protocol.ErrorFrame{Code: protocol.CodeNotFound, Message: "no snapshot for tile"})
		return
	}
	blob, found, err := s.store.SnapshotBlob(t, row.Version)
	if err != nil || !found {
		observability.RecordSnapshotRequest(s.cfg.Name, http.StatusInternalServerError)
		c.JSON(http.StatusInternalServerError, protocol.ErrorFrame{Code: protocol.CodeInternal, Message: "snapshot blob unavailable"})
		return
	}

	etag := `"` + canvas.BlobETag(blob) + `"`
	lastMod := row.CreatedAt.UTC().Format(http.TimeFormat)
	c.Header("ETag", etag)
	c.Header("Last-Modified", lastMod)
	c.Header("Cache-Control", "no-cache")

	if c.GetHeader("If-None-Match") == etag {
		observability.RecordSnapshotRequest(s.cfg.Name, http.StatusNotModified)
		c.Status(http.StatusNotModified)
		return
	}
	if ims := c.GetHeader("If-Modified-Since"); ims != "" {
		if since, perr := http.ParseTime(ims); perr == nil && !row.CreatedAt.UTC().Truncate(time.Second).After(since) {
			observability.RecordSnapshotRequest(s.cfg.Name, http.StatusNotModified)
			c.Status(http.StatusNotModified)
			return
		}
	}
	observability.RecordSnapshotRequest(s.cfg.Name, http.StatusOK)
	c.Data(http.StatusOK, "application/json", blob)
}

func allowOrigin(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
