// Package httpapi serves train and infer over HTTP and a websocket stream.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	iface "OwlDetServer/interface"
	"OwlDetServer/logger"
	"OwlDetServer/monitor"
	"OwlDetServer/sequencer"
	"OwlDetServer/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Decoder turns a base64 (or data URL) image into pixels.
type Decoder func(b64 string) (iface.Image, error)

type trainImage struct {
	ImageContents string          `json:"image_contents"`
	Boxes         []iface.UserBox `json:"boxes"`
}

type inferRequest struct {
	ModelID             string   `json:"model_id"`
	ImageContents       string   `json:"image_contents"`
	ConfidenceThreshold *float32 `json:"confidence_threshold"`
}

type handler struct {
	svc               *service.Service
	decode            Decoder
	defaultConfidence float32
	log               *zap.Logger
	upgrader          websocket.Upgrader
}

func NewRouter(svc *service.Service, decode Decoder, defaultConfidence float32) *gin.Engine {
	h := &handler{
		svc:               svc,
		decode:            decode,
		defaultConfidence: defaultConfidence,
		log:               logger.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.POST("/train", h.train)
	r.POST("/infer", h.infer)
	r.GET("/api/models/:id", h.model)
	r.GET("/ws/infer/:model_id", h.inferStream)
	return r
}

func (h *handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (h *handler) train(c *gin.Context) {
	monitor.RequestsTotal.WithLabelValues("http", "train").Inc()
	var body []trainImage
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	images := make([]service.TrainImage, 0, len(body))
	for i, ti := range body {
		img, err := h.decode(ti.ImageContents)
		if err != nil {
			h.fail(c, fmt.Errorf("image %d: %w", i, err))
			return
		}
		images = append(images, service.TrainImage{Image: img, Boxes: ti.Boxes})
	}
	m, err := h.svc.Train(c.Request.Context(), images)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model_id": m.ID, "classes": m.ClassNames()})
}

func (h *handler) infer(c *gin.Context) {
	monitor.RequestsTotal.WithLabelValues("http", "infer").Inc()
	var req inferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	img, err := h.decode(req.ImageContents)
	if err != nil {
		h.fail(c, err)
		return
	}
	confidence := h.defaultConfidence
	if req.ConfidenceThreshold != nil {
		confidence = *req.ConfidenceThreshold
	}
	detections, err := h.svc.Infer(c.Request.Context(), req.ModelID, img, confidence)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"boxes": detections})
}

func (h *handler) model(c *gin.Context) {
	monitor.RequestsTotal.WithLabelValues("http", "check_model").Inc()
	m, err := h.svc.Model(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model_id":   m.ID,
		"classes":    m.ClassNames(),
		"dim":        m.Dim(),
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// inferStream answers every base64 text frame with the detections for that image.
func (h *handler) inferStream(c *gin.Context) {
	modelID := c.Param("model_id")
	// check before upgrading so the client gets a plain 404
	if _, err := h.svc.Model(c.Request.Context(), modelID); err != nil {
		h.fail(c, err)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(20 * 1024 * 1024)

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("stream closed", zap.String("model_id", modelID), zap.Error(err))
			}
			return
		}
		monitor.RequestsTotal.WithLabelValues("ws", "infer").Inc()
		if mt != websocket.TextMessage {
			_ = conn.WriteJSON(gin.H{"error": "unsupported message type"})
			continue
		}
		img, err := h.decode(string(msg))
		if err != nil {
			_ = conn.WriteJSON(gin.H{"error": err.Error()})
			continue
		}
		detections, err := h.svc.Infer(c.Request.Context(), modelID, img, h.defaultConfidence)
		if err != nil {
			_ = conn.WriteJSON(gin.H{"error": err.Error()})
			if errors.Is(err, sequencer.ErrClosed) {
				return
			}
			continue
		}
		if err := conn.WriteJSON(gin.H{"boxes": detections}); err != nil {
			return
		}
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, iface.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, iface.ErrInvalidRequest), errors.Is(err, iface.ErrExtractionFailure):
		return http.StatusBadRequest
	case errors.Is(err, iface.ErrNoMatchingRegion):
		return http.StatusUnprocessableEntity
	case errors.Is(err, iface.ErrModelExists),
		errors.Is(err, iface.ErrImageNotEmbedded),
		errors.Is(err, iface.ErrDimensionMismatch):
		return http.StatusConflict
	case errors.Is(err, sequencer.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Start serves handler on port in the background; stop it with Shutdown.
func Start(port int, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log().Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("HTTP server stopped", zap.Error(err))
		}
	}()
	return srv
}
