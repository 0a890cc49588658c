// Package api serves the live stream, status endpoints and the ingestion
// endpoints used by networked capture loops.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/database"
	"github.com/aquamans/pondwatch/internal/ingest"
	"github.com/aquamans/pondwatch/internal/pipeline"
	"github.com/aquamans/pondwatch/internal/stream"
	"github.com/aquamans/pondwatch/internal/thermal"
	"github.com/aquamans/pondwatch/internal/viewer"
)

const (
	videoFeedRoute       = "/video_feed"
	mjpegFeedRoute       = "/video_feed.mjpeg"
	detectionStatusRoute = "/detection_status"
	systemStatusRoute    = "/system_status"
	updateDetectionRoute = "/update_detection"
	evidenceRoute        = "/detection_evidence"
	healthRoute          = "/healthz"
)

// ReadingSource returns the latest persisted reading, or nil when there is none
type ReadingSource interface {
	LatestReading(ctx context.Context) (*database.Reading, error)
}

// Loop is the read side of the capture loop
type Loop interface {
	Status() pipeline.Status
	Stats() pipeline.Stats
}

// Deps are the collaborators of the HTTP server. Loop, Publisher and
// Viewers may be nil on an ingestion-only server; the stream routes are then
// not mounted. Mirror is optional.
type Deps struct {
	Readings  ReadingSource
	Port      ingest.Port
	Schedule  *thermal.Schedule
	Loop      Loop
	Publisher *stream.Publisher
	Viewers   *viewer.Registry
	Mirror    http.Handler
}

type Server struct {
	routes  *gin.Engine
	deps    Deps
	log     zerolog.Logger
	now     func() time.Time
	started time.Time
}

// NewServer builds the router
func NewServer(deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		routes: gin.New(),
		deps:   deps,
		log:    log.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
	s.started = s.now()
	s.routes.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())
	s.initRoutes()
	return s
}

// corsMiddleware lets a dashboard served from another origin read the
// stream and the JSON endpoints
func corsMiddleware() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = true
	cfg.AddAllowHeaders("X-Request-ID")
	return cors.New(cfg)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.routes
}

func (s *Server) initRoutes() {
	if s.deps.Publisher != nil && s.deps.Viewers != nil {
		s.routes.GET(videoFeedRoute, s.videoFeed)
	}
	if s.deps.Mirror != nil {
		s.routes.GET(mjpegFeedRoute, s.mjpegFeed)
	}

	s.routes.GET(detectionStatusRoute, s.detectionStatus)
	s.routes.GET(systemStatusRoute, s.systemStatus)
	s.routes.GET(healthRoute, s.health)

	if s.deps.Port != nil {
		s.routes.POST(updateDetectionRoute, s.updateDetection)
		s.routes.POST(evidenceRoute, s.detectionEvidence)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := s.log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Str("request_id", c.GetHeader("X-Request-ID")).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
