package server

import (
	"PhoneDetServer/engine"
	"PhoneDetServer/logger"
	"PhoneDetServer/monitor"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server holds the request-handling dependencies. The detection pool is
// injected at construction, after model load has already succeeded.
type Server struct {
	pool *Pool
}

func New(pool *Pool) *Server {
	return &Server{pool: pool}
}

// Router builds the gin engine: recovery, request logging, wide-open
// CORS (the browser frontend may be served from anywhere), and routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.POST("/detect_phone", s.handleDetectPhone)
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/workers/status", s.handleWorkersStatus)
	r.GET("/ws", s.handleWS)
	return r
}

// handleDetectPhone accepts {"image": "<base64 or data URI>"} and
// reports whether any detection carries the cell phone class id.
// Confidence scores are read but never thresholded here: any surviving
// detection of the class counts.
func (s *Server) handleDetectPhone(c *gin.Context) {
	var payload ImagePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}
	detected, status, detail := s.detectPhone(payload.Image)
	if detail != "" {
		c.JSON(status, gin.H{"detail": detail})
		return
	}
	c.JSON(http.StatusOK, gin.H{"phone_detected": detected})
}

// detectPhone runs the full validation ladder and inference for one
// image string. A non-empty detail means failure with the given status.
func (s *Server) detectPhone(image string) (detected bool, status int, detail string) {
	monitor.DetectTotal.Inc()
	raw, err := decodePayload(image)
	if err != nil {
		return false, http.StatusBadRequest, err.Error()
	}
	detections, err := s.pool.Detect(raw)
	switch {
	case errors.Is(err, engine.ErrInvalidImage):
		return false, http.StatusBadRequest, "Uploaded data is not a valid image"
	case err != nil:
		logger.Log().Error("inference failed", zap.Error(err))
		return false, http.StatusInternalServerError, "Inference failed"
	}
	for _, det := range detections {
		if det.ClassID == engine.CellPhoneClassID {
			return true, http.StatusOK, ""
		}
	}
	return false, http.StatusOK, ""
}

func (s *Server) handleWorkersStatus(c *gin.Context) {
	cfg := s.pool.Config()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"workers":    s.pool.Size(),
		"queueDepth": s.pool.QueueDepth(),
		"modelPath":  cfg.ModelPath,
		"conf":       cfg.Conf,
		"iou":        cfg.Iou,
		"useGPU":     cfg.UseGPU,
	}})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Log().Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
