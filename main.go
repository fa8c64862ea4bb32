package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"WebCamRecorder/internal/config"
	"WebCamRecorder/internal/hostmedia"
	"WebCamRecorder/internal/logging"
	"WebCamRecorder/internal/session"
	"WebCamRecorder/internal/webrtc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalln("Load config failed:", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalln("Create logger failed:", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	host, err := hostmedia.New(hostmedia.Options{
		VideoWidth:   cfg.VideoWidth,
		VideoHeight:  cfg.VideoHeight,
		VideoBitRate: cfg.VideoBitRate,
		AudioBitRate: cfg.AudioBitRate,
		Timeslice:    cfg.Timeslice,
		Logger:       logger.Named("host"),
	})
	if err != nil {
		return fmt.Errorf("create capture host: %w", err)
	}

	preview := webrtc.NewPreview(webrtc.Options{
		ICEServers:    cfg.ICEServers,
		ICEUsername:   cfg.ICEUsername,
		ICECredential: cfg.ICECredential,
		PortMin:       cfg.PortMin,
		PortMax:       cfg.PortMax,
		Codecs:        host.CodecSelector(),
		Logger:        logger.Named("preview"),
	})
	defer preview.Close()

	controller := session.New(host, preview, session.Options{
		MimeType: cfg.MimeType,
		Logger:   logger.Named("session"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := controller.Mount(ctx); err != nil {
		return fmt.Errorf("mount session: %w", err)
	}
	if err := controller.Err(); err != nil {
		// surfaced to the page through the session snapshot
		logger.Warn("initial capture failed", zap.Error(err))
	}

	srv := newServer(controller, preview, cfg.DownloadName, logger.Named("http"))
	logger.Info("server start awaiting signal")
	serveErr := serveHTTP(ctx, cfg.Listen, srv.router(), logger)

	logger.Info("exiting")
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := controller.Close(closeCtx); err != nil {
		logger.Warn("close session", zap.Error(err))
	}
	return serveErr
}
