// Package handler exposes the attendance pipeline over HTTP.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/device"
	"campusattend/internal/geo"
	"campusattend/internal/httpmiddleware"
	"campusattend/internal/lecture"
	"campusattend/internal/liveness"
	"campusattend/internal/offline"
	"campusattend/internal/security"
	"campusattend/internal/stay"
)

// maxFrames caps the camera burst accepted with one scan.
const maxFrames = 90

// maxScanBody caps the scan request body, frames included.
const maxScanBody = 16 << 20

// Pinger reports whether the backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the collaborators the routes call into.
type Handler struct {
	Pipeline   *security.Middleware
	Stay       *stay.Scheduler
	Heartbeats *stay.HeartbeatLocator
	Lectures   *lecture.Directory
	Devices    *device.Service
	Writer     *attendance.Writer
	Offline    *offline.Manager
	Store      Pinger
	Online     func() bool
	Log        *slog.Logger
	// TeacherRadius is used when a lecture does not set its own.
	TeacherRadius float64
}

// Config configures the router.
type Config struct {
	SigningKey      string
	Issuer          string
	RateLimitPerMin int
	AllowOrigins    []string
	Gatherer        prometheus.Gatherer
}

// Router builds the gin engine with every route mounted.
func Router(h *Handler, cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware(cfg.AllowOrigins))
	r.Use(securityHeaders())

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", h.health)

	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	v1 := r.Group("/v1", auth.Bearer(cfg.SigningKey, cfg.Issuer), limiter.GinMiddleware())

	v1.POST("/attendance/scan", h.scan)
	v1.POST("/attendance/heartbeat", h.heartbeat)
	v1.GET("/attendance/:lectureId/:studentId", h.getAttempt)
	v1.GET("/devices/:accountId", h.getDevice)

	staff := auth.RequireRole(auth.RoleTeacher, auth.RoleAdmin)
	v1.POST("/attendance/:lectureId/:studentId/override", staff, h.override)
	v1.POST("/lectures/:lectureId/teacher-position", staff, h.teacherPosition)

	admin := auth.RequireRole(auth.RoleAdmin)
	v1.POST("/offline/drain", admin, h.drain)
	v1.GET("/offline/dead-letters", admin, h.deadLetters)
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

func (h *Handler) health(c *gin.Context) {
	storeHealthy := h.Store == nil || h.Store.Ping(c.Request.Context()) == nil
	online := h.Online == nil || h.Online()
	status := http.StatusOK
	if !storeHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "store": storeHealthy, "online": online})
}

type scanRequest struct {
	StudentID string            `json:"studentId" binding:"required"`
	QRToken   string            `json:"qrToken" binding:"required"`
	Location  geo.Sample        `json:"location"`
	Device    device.Descriptor `json:"device"`
	Frames    []string          `json:"frames"`
}

func (h *Handler) scan(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxScanBody)
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Frames) > maxFrames {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many frames"})
		return
	}
	claims, _ := auth.FromContext(c)

	in := security.Request{
		CallerID:  claims.Subject,
		StudentID: req.StudentID,
		QRToken:   req.QRToken,
		Location:  req.Location,
		Device:    req.Device,
	}
	if len(req.Frames) > 0 {
		frames, err := liveness.DecodeBase64Frames(req.Frames)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		in.Frames = liveness.NewEncodedSource(frames)
	}

	resp := h.Pipeline.ValidateAndMark(c.Request.Context(), in)
	c.JSON(scanStatus(resp), resp)
}

// scanStatus maps a pipeline response to an HTTP status. The body always
// carries the full response.
func scanStatus(resp security.Response) int {
	switch {
	case resp.Success && resp.OfflineMode:
		return http.StatusAccepted
	case resp.Success:
		return http.StatusOK
	}
	switch resp.Code {
	case security.CodeUnauthorized:
		return http.StatusForbidden
	case security.CodeDuplicate:
		return http.StatusConflict
	case security.CodeScanInProgress:
		return http.StatusTooManyRequests
	case security.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

type heartbeatRequest struct {
	LectureID string     `json:"lectureId" binding:"required"`
	Location  geo.Sample `json:"location"`
}

func (h *Handler) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)
	s, err := h.Heartbeats.Record(c.Request.Context(), req.LectureID, claims.Subject, req.Location)
	if err != nil {
		h.Log.Error("record heartbeat", slog.String("lecture_id", req.LectureID), slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "heartbeat not recorded"})
		return
	}
	c.JSON(http.StatusAccepted, s)
}

func (h *Handler) getAttempt(c *gin.Context) {
	lectureID, studentID := c.Param("lectureId"), c.Param("studentId")
	claims, _ := auth.FromContext(c)
	if claims.Role == auth.RoleStudent && claims.Subject != studentID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	a, err := h.Writer.Get(c.Request.Context(), lectureID, studentID)
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case err != nil:
		h.Log.Error("get attempt", slog.String("lecture_id", lectureID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"attempt": a, "present": attendance.CountsAsPresent(a.Status)})
	}
}

func (h *Handler) getDevice(c *gin.Context) {
	accountID := c.Param("accountId")
	claims, _ := auth.FromContext(c)
	if claims.Role == auth.RoleStudent && claims.Subject != accountID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	b, err := h.Devices.Get(c.Request.Context(), accountID)
	switch {
	case err != nil:
		h.Log.Error("get device binding", slog.String("account_id", accountID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
	case b == nil:
		c.JSON(http.StatusNotFound, gin.H{"error": "no device bound"})
	default:
		c.JSON(http.StatusOK, b)
	}
}

type overrideRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) override(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	lectureID, studentID := c.Param("lectureId"), c.Param("studentId")
	claims, _ := auth.FromContext(c)
	if _, ok := h.lectureFor(c, claims, lectureID); !ok {
		return
	}

	a, err := h.Stay.Override(c.Request.Context(), lectureID, studentID, claims.Subject, req.Reason)
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, stay.ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "attempt is already final", "attempt": a})
	case err != nil:
		h.Log.Error("override", slog.String("lecture_id", lectureID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "override failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"attempt": a})
	}
}

type positionRequest struct {
	Location geo.Sample `json:"location"`
}

func (h *Handler) teacherPosition(c *gin.Context) {
	var req positionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	lectureID := c.Param("lectureId")
	claims, _ := auth.FromContext(c)
	l, ok := h.lectureFor(c, claims, lectureID)
	if !ok {
		return
	}
	radius := l.TeacherRadius
	if radius <= 0 {
		radius = h.TeacherRadius
	}
	a, err := h.Lectures.PublishTeacherPosition(c.Request.Context(), lectureID, req.Location, radius)
	if err != nil {
		h.Log.Error("publish teacher position", slog.String("lecture_id", lectureID), slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "position not stored"})
		return
	}
	c.JSON(http.StatusOK, a)
}

// lectureFor lets admins through and teachers only for their own lecture.
// It writes the error response itself.
func (h *Handler) lectureFor(c *gin.Context, claims auth.Claims, lectureID string) (*lecture.Lecture, bool) {
	l, err := h.Lectures.Get(c.Request.Context(), lectureID)
	if err != nil {
		h.Log.Error("load lecture", slog.String("lecture_id", lectureID), slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lecture lookup failed"})
		return nil, false
	}
	if l == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "lecture not found"})
		return nil, false
	}
	if claims.Role != auth.RoleAdmin && l.TeacherID != claims.Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your lecture"})
		return nil, false
	}
	return l, true
}

func (h *Handler) drain(c *gin.Context) {
	st, err := h.Offline.Drain(c.Request.Context())
	switch {
	case errors.Is(err, offline.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store is offline", "stats": st})
	case err != nil:
		h.Log.Error("drain", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "drain failed"})
	default:
		c.JSON(http.StatusOK, st)
	}
}

func (h *Handler) deadLetters(c *gin.Context) {
	recs, err := h.Offline.DeadLetters(c.Request.Context())
	if err != nil {
		h.Log.Error("dead letters", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if recs == nil {
		recs = []offline.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}
