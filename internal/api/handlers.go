package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aquamans/pondwatch/internal/ingest"
	"github.com/aquamans/pondwatch/internal/protocol"
	"github.com/aquamans/pondwatch/internal/stream"
	"github.com/aquamans/pondwatch/internal/viewer"
)

const (
	msgResting        = "Camera is resting to prevent overheating"
	msgActive         = "Camera is active"
	msgUnavailable    = "Camera not available"
	msgTooManyViewers = "Too many viewers, try again later"
	msgUpdated        = "Detection data updated successfully"
	msgNoRecord       = "No record found to update"
	msgEvidenceStored = "Detection evidence stored"
	msgNoSnapshot     = "No water-quality reading to attach evidence to"
)

func fail(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, protocol.Response{Status: protocol.StatusError, Message: message})
}

func (s *Server) videoFeed(c *gin.Context) {
	if s.deps.Schedule != nil {
		if st := s.deps.Schedule.Status(); st.Resting() {
			stream.SetNoCacheHeaders(c.Writer.Header())
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, protocol.SystemStatus{
				Status:    protocol.StatusResting,
				IsResting: true,
				Message:   msgResting,
				NextRest:  st.RestEndsAt,
			})
			return
		}
	}
	if s.deps.Loop != nil && s.deps.Loop.Status().DeviceUnavailable() {
		fail(c, http.StatusInternalServerError, msgUnavailable)
		return
	}

	v, err := s.deps.Viewers.Register(c.Request.RemoteAddr, c.Request.UserAgent())
	if errors.Is(err, viewer.ErrMaxViewersReached) {
		fail(c, http.StatusServiceUnavailable, msgTooManyViewers)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer s.deps.Viewers.Unregister(v.ID)

	tap := s.deps.Publisher.Subscribe()
	defer tap.Close()

	s.log.Info().Str("viewer", v.ID).Str("remote", v.RemoteAddr).Msg("viewer connected")
	err = stream.Serve(c.Request.Context(), c.Writer, tap, func() { v.RecordFrame(s.now()) })
	s.log.Info().
		Err(err).
		Str("viewer", v.ID).
		Uint64("frames", v.FramesSent()).
		Uint64("dropped", tap.Dropped()).
		Msg("viewer disconnected")
}

func (s *Server) mjpegFeed(c *gin.Context) {
	s.deps.Mirror.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) detectionStatus(c *gin.Context) {
	out := protocol.DetectionStatus{Status: protocol.StatusSuccess}
	if s.deps.Readings == nil {
		c.JSON(http.StatusOK, out)
		return
	}

	r, err := s.deps.Readings.LatestReading(c.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load latest reading")
		fail(c, http.StatusInternalServerError, "failed to load latest reading")
		return
	}
	if r != nil {
		out.CatfishCount = r.Catfish
		out.DeadCatfishCount = r.DeadCatfish
		ts := r.TimeData
		out.LastUpdate = &ts
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) systemStatus(c *gin.Context) {
	if s.deps.Schedule == nil {
		c.JSON(http.StatusOK, protocol.SystemStatus{Status: protocol.StatusActive, Message: msgActive})
		return
	}

	st := s.deps.Schedule.Status()
	out := protocol.SystemStatus{
		Status:    protocol.StatusActive,
		IsResting: st.Resting(),
		Message:   msgActive,
		NextRest:  st.NextRest,
	}
	if out.IsResting {
		out.Status = protocol.StatusResting
		out.Message = msgResting
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) updateDetection(c *gin.Context) {
	var req protocol.UpdateDetectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	err := s.deps.Port.UpdateCounts(c.Request.Context(), *req.Catfish, *req.DeadCatfish)
	if errors.Is(err, ingest.ErrNoSnapshot) {
		fail(c, http.StatusNotFound, msgNoRecord)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to update detection counts")
		fail(c, http.StatusInternalServerError, "failed to update detection data")
		return
	}

	c.JSON(http.StatusOK, protocol.Response{
		Status:  protocol.StatusSuccess,
		Message: msgUpdated,
		Data:    protocol.DetectionCounts{Catfish: *req.Catfish, DeadCatfish: *req.DeadCatfish},
	})
}

func (s *Server) detectionEvidence(c *gin.Context) {
	var req protocol.EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.deps.Port.WriteEvidence(c.Request.Context(), ingest.Evidence{
		Live:       req.Catfish,
		Dead:       req.DeadCatfish,
		JPEG:       req.Image,
		CapturedAt: req.CapturedAt,
	})
	if errors.Is(err, ingest.ErrNoSnapshot) {
		fail(c, http.StatusNotFound, msgNoSnapshot)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to store detection evidence")
		fail(c, http.StatusInternalServerError, "failed to store detection evidence")
		return
	}

	c.JSON(http.StatusCreated, protocol.Response{
		Status:  protocol.StatusSuccess,
		Message: msgEvidenceStored,
		Data:    protocol.EvidenceCreated{ID: id},
	})
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": s.now().Sub(s.started).Round(time.Second).String(),
	}
	if s.deps.Loop != nil {
		st := s.deps.Loop.Status()
		body["pipeline"] = s.deps.Loop.Stats()
		body["device_acquired"] = st.DeviceAcquired
		if st.DeviceErr != nil {
			body["device_error"] = st.DeviceErr.Error()
		}
	}
	if s.deps.Publisher != nil {
		body["stream"] = s.deps.Publisher.Stats()
	}
	if s.deps.Viewers != nil {
		body["viewers"] = s.deps.Viewers.Stats()
	}
	c.JSON(http.StatusOK, body)
}
