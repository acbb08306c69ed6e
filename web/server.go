// Package web is the HTTP and websocket front of the detector.
package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"SawitDetServer/annotate"
	"SawitDetServer/engine"
	iface "SawitDetServer/interface"
	"SawitDetServer/logger"
	"SawitDetServer/monitor"
	"SawitDetServer/pipeline"
	"SawitDetServer/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errBadInput = errors.New("bad input")
	errNoUpload = errors.New("no video uploaded")
)

type Options struct {
	Model       iface.Predictor
	Store       *session.Store
	Metrics     *monitor.Metrics // optional
	Classes     *annotate.ClassTable
	DefaultConf float32
	UploadDir   string
	MaxUpload   int64 // bytes, 0 for unlimited
	// Opener overrides how uploaded videos are decoded, for tests.
	Opener pipeline.SourceOpener
}

type Server struct {
	model       iface.Predictor
	store       *session.Store
	metrics     *monitor.Metrics
	classes     *annotate.ClassTable
	defaultConf float32
	uploadDir   string
	maxUpload   int64
	opener      pipeline.SourceOpener
	upgrader    websocket.Upgrader
}

func New(opts Options) *Server {
	if opts.Classes == nil {
		opts.Classes = annotate.Ripeness
	}
	return &Server{
		model:       opts.Model,
		store:       opts.Store,
		metrics:     opts.Metrics,
		classes:     opts.Classes,
		defaultConf: opts.DefaultConf,
		uploadDir:   opts.UploadDir,
		maxUpload:   opts.MaxUpload,
		opener:      opts.Opener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Router wires every route onto a fresh gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/classes", s.handleClasses)
	r.GET("/api/engine", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.model.CheckConfig()})
	})
	r.POST("/api/predict", s.handlePredict)

	r.POST("/api/sessions", func(c *gin.Context) {
		snap := s.store.Create()
		c.JSON(http.StatusCreated, gin.H{"data": snap})
	})
	r.GET("/api/sessions/:id", func(c *gin.Context) {
		snap, err := s.store.Get(c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": snap})
	})
	r.DELETE("/api/sessions/:id", func(c *gin.Context) {
		id := c.Param("id")
		if err := s.store.Reset(id); err != nil {
			abortWithError(c, err)
			return
		}
		snap, err := s.store.Get(id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": snap})
	})

	r.POST("/api/sessions/:id/image", s.handleImage)
	r.GET("/api/sessions/:id/image/result", s.handleImageResult)

	r.POST("/api/sessions/:id/video", s.handleVideoUpload)
	r.POST("/api/sessions/:id/video/detect", s.handleVideoDetect)
	r.GET("/api/sessions/:id/video/result", s.handleVideoResult)
	r.GET("/ws/:id/video", s.handleVideoStream)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		logger.Log().Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("clientIP", c.ClientIP()),
		)
		if s.metrics != nil {
			s.metrics.HTTPTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		}
	}
}

type classInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (s *Server) handleClasses(c *gin.Context) {
	out := make([]classInfo, 0, s.classes.Len())
	for i, ci := range s.classes.Classes() {
		out = append(out, classInfo{
			Index: i,
			Name:  ci.Name,
			Color: fmt.Sprintf("#%02x%02x%02x", ci.Color.R, ci.Color.G, ci.Color.B),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// confidence reads the threshold from the query or form, falling back to
// the configured default.
func (s *Server) confidence(c *gin.Context) (float32, error) {
	raw := c.Query("confidence")
	if raw == "" {
		raw = c.PostForm("confidence")
	}
	if raw == "" {
		return s.defaultConf, nil
	}
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: confidence %q is not a number", errBadInput, raw)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: confidence must be between 0.0 and 1.0, got %v", errBadInput, v)
	}
	return float32(v), nil
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, errBadInput):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoResult), errors.Is(err, errNoUpload), errors.Is(err, errUploadChanged):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrSourceUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Log().Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

type detectionJSON struct {
	Class      int     `json:"class"`
	Name       string  `json:"name"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        [4]int  `json:"box"`
}

func (s *Server) detectionsJSON(dets []iface.Detection) []detectionJSON {
	out := make([]detectionJSON, len(dets))
	for i, d := range dets {
		out[i] = detectionJSON{
			Class:      d.Class,
			Name:       s.classes.Name(d.Class),
			Label:      annotate.Label(d, s.classes),
			Confidence: d.Confidence,
			Box:        [4]int{d.Box.Min.X, d.Box.Min.Y, d.Box.Max.X, d.Box.Max.Y},
		}
	}
	return out
}
