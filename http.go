package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"WebCamRecorder/internal/media"
	"WebCamRecorder/internal/session"
	"WebCamRecorder/internal/webrtc"
)

// Response codes carried in the envelope's state field on failure.
const (
	codeOK               = 1
	codeMissingField     = -1
	codePermission       = -3
	codeDeviceBusy       = -4
	codeNotFound         = -5
	codeUnsupported      = -6
	codeNoActiveStream   = -7
	codeSessionClosed    = -8
	codeInternal         = -9
	previewWriteDeadline = 10 * time.Second
)

// previewer answers preview offers from the page.
type previewer interface {
	Connect(ctx context.Context, offer string) (string, string, error)
	Disconnect(id string) error
}

type server struct {
	controller   *session.Controller
	preview      previewer
	downloadName string
	log          *zap.Logger
	upgrader     websocket.Upgrader
}

func newServer(controller *session.Controller, preview previewer, downloadName string, logger *zap.Logger) *server {
	return &server{
		controller:   controller,
		preview:      preview,
		downloadName: downloadName,
		log:          logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the API listens on loopback and the page may be served from anywhere
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(s.log), CORSMiddleware())

	api := router.Group("/api")
	api.GET("/session", s.Session)
	api.POST("/devices/audio", s.SelectAudio)
	api.POST("/devices/video", s.SelectVideo)
	api.POST("/recording/start", s.Start)
	api.POST("/recording/stop", s.Stop)
	api.GET("/artifacts/:id", s.Download)
	api.GET("/preview", s.Preview)
	return router
}

// serveHTTP runs the API until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("start HTTP server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *server) Session(c *gin.Context) {
	MakeResponse(true, codeOK, "ok", s.controller.Snapshot(), c)
}

func (s *server) SelectAudio(c *gin.Context) {
	s.selectDevice(c, s.controller.SelectAudioDevice)
}

func (s *server) SelectVideo(c *gin.Context) {
	s.selectDevice(c, s.controller.SelectVideoDevice)
}

func (s *server) selectDevice(c *gin.Context, sel func(context.Context, string) error) {
	// an empty id is valid and picks the default device
	id, ok := c.GetPostForm("deviceId")
	if !ok {
		MakeResponse(false, codeMissingField, "Missing mandatory field `deviceId`!", nil, c)
		return
	}
	if err := sel(c.Request.Context(), id); err != nil {
		MakeResponse(false, errorCode(err), err.Error(), nil, c)
		return
	}

	snap := s.controller.Snapshot()
	if err := s.controller.Err(); err != nil {
		MakeResponse(false, errorCode(err), err.Error(), snap, c)
		return
	}
	MakeResponse(true, codeOK, fmt.Sprintf("Device %q selected", id), snap, c)
}

func (s *server) Start(c *gin.Context) {
	if s.controller.Current() == nil {
		MakeResponse(false, codeNoActiveStream, media.ErrNoActiveStream.Error(), s.controller.Snapshot(), c)
		return
	}
	if err := s.controller.StartRecording(c.Request.Context()); err != nil {
		MakeResponse(false, errorCode(err), err.Error(), nil, c)
		return
	}
	MakeResponse(true, codeOK, "Recording started", s.controller.Snapshot(), c)
}

func (s *server) Stop(c *gin.Context) {
	if err := s.controller.StopRecording(c.Request.Context()); err != nil {
		MakeResponse(false, errorCode(err), err.Error(), nil, c)
		return
	}
	MakeResponse(true, codeOK, "Recording stopped", s.controller.Snapshot(), c)
}

func (s *server) Download(c *gin.Context) {
	id := c.Param("id")
	artifact, ok := s.controller.Artifact(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"state": codeNotFound, "code": fmt.Sprintf("Artifact %s not found", id)})
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": s.downloadName}))
	c.Header("Content-Length", strconv.Itoa(len(artifact.Data)))
	c.Data(http.StatusOK, artifact.MimeType, artifact.Data)
}

// previewSignal is one preview signaling message.
type previewSignal struct {
	Type  string `json:"type"`
	SDP   string `json:"sdp,omitempty"`
	Error string `json:"error,omitempty"`
}

// Preview upgrades to a websocket carrying offer/answer exchanges. Viewers
// opened over the socket are closed with it.
func (s *server) Preview(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("preview upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var viewers []string
	defer func() {
		for _, id := range viewers {
			if err := s.preview.Disconnect(id); err != nil && !errors.Is(err, webrtc.ErrUnknownViewer) {
				s.log.Debug("disconnect viewer", zap.String("viewer", id), zap.Error(err))
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		var msg previewSignal
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("preview socket read", zap.Error(err))
			}
			return
		}

		var reply previewSignal
		switch msg.Type {
		case "offer":
			id, answer, err := s.preview.Connect(ctx, msg.SDP)
			if err != nil {
				reply = previewSignal{Type: "error", Error: err.Error()}
				break
			}
			viewers = append(viewers, id)
			reply = previewSignal{Type: "answer", SDP: answer}
		case "bye":
			return
		default:
			reply = previewSignal{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)}
		}

		if err := conn.SetWriteDeadline(time.Now().Add(previewWriteDeadline)); err != nil {
			s.log.Debug("preview socket deadline", zap.Error(err))
		}
		if err := conn.WriteJSON(reply); err != nil {
			s.log.Debug("preview socket write", zap.Error(err))
			return
		}
	}
}

func errorCode(err error) int {
	switch {
	case err == nil:
		return codeOK
	case errors.Is(err, media.ErrPermission):
		return codePermission
	case errors.Is(err, media.ErrDeviceUnavailable):
		return codeDeviceBusy
	case errors.Is(err, media.ErrPlatformUnsupported):
		return codeUnsupported
	case errors.Is(err, media.ErrNoActiveStream):
		return codeNoActiveStream
	case errors.Is(err, session.ErrClosed):
		return codeSessionClosed
	default:
		return codeInternal
	}
}

func MakeResponse(success bool, code int, msg string, data any, c *gin.Context) {
	var state = codeOK
	if !success {
		state = code
	}
	body := gin.H{"state": state, "code": msg}
	if data != nil {
		body["data"] = data
	}
	c.JSON(http.StatusOK, body)
}

// RequestLogger logs every request through zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization, x-access-token")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Disposition, Content-Type")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
