// Package httpapi is the HTTP/WS facade: the gin-based endpoint surface that
// glues the Artifact Store, Processor Registry, Stage Runner, Progress Bus,
// and Upload Pipeline together, shaping every response and error.
//
// The router follows a Handler struct-of-collaborators pattern, with one
// method per endpoint and a single RegisterRoutes-style setup function; the
// WebSocket endpoint layers github.com/gorilla/websocket on top for
// live-update transport.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"soundforge/internal/gpu"
	"soundforge/internal/progressbus"
	"soundforge/internal/registry"
	"soundforge/internal/requestctx"
	"soundforge/internal/stage"
	"soundforge/internal/store"
	"soundforge/internal/upload"
)

// Server holds references to every core component the facade delegates to.
type Server struct {
	Store    *store.Store
	Registry *registry.Registry
	Runner   *stage.Runner
	Bus      *progressbus.Bus
	Uploader *upload.Pipeline
	GPU      *gpu.Prober

	CORSOrigins string
	Debug       bool

	log      *logrus.Entry
	upgrader websocket.Upgrader
}

// New builds a Server from its collaborators.
func New(st *store.Store, reg *registry.Registry, runner *stage.Runner, bus *progressbus.Bus, uploader *upload.Pipeline, prober *gpu.Prober, corsOrigins string, debug bool) *Server {
	return &Server{
		Store:       st,
		Registry:    reg,
		Runner:      runner,
		Bus:         bus,
		Uploader:    uploader,
		GPU:         prober,
		CORSOrigins: corsOrigins,
		Debug:       debug,
		log:         logrus.WithField("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// NewRouter builds a gin.Engine with every endpoint wired up, request-context
// middleware attached, and CORS headers applied to every response.
func (s *Server) NewRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(requestctx.Middleware())

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatusOK)
	r.GET("/gpu-status", s.handleGPUStatus)
	r.GET("/models", s.handleModels)

	r.POST("/upload", s.handleUpload)
	r.POST("/process/:model/:file_id", s.handleProcess)
	r.GET("/status/:file_id", s.handleFileStatus)
	r.GET("/songs", s.handleSongs)
	r.GET("/karaoke/songs", s.handleKaraokeSongs)
	r.GET("/download/:file_id", s.handleDownloadOriginal)
	r.GET("/download/:file_id/:filename", s.handleDownloadArtifact)
	r.GET("/karaoke/:file_id/:filename", s.handleKaraokeArtifact)
	r.DELETE("/songs/:file_id", s.handleDeleteSong)

	r.GET("/ws/progress", s.handleProgressWS)

	r.NoRoute(s.handleNoRoute)

	return r
}
