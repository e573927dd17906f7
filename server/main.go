package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// NewServer allocates a Server. ctx bounds the lifetime of all streams.
func NewServer(ctx context.Context, cfg Config, fallback []byte, logger *slog.Logger) *Server {
	s := &Server{
		ctx:      ctx,
		cfg:      cfg,
		log:      logger,
		fallback: fallback,
		sessions: NewSessionManager(),
	}
	s.spawnEncoder = s.defaultSpawner
	s.startCapture = s.defaultCapture
	return s
}

// Router returns the HTTP routes of the server
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if s.cfg.Debug {
		r.Use(gin.Logger())
	}

	// CORS middleware
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.GET("/kvm-stream/", s.handleMJPEGStream)
	r.GET("/websocket/kvm-stream", s.handleKVMWebSocket)

	api := r.Group("/api")
	{
		api.GET("/sessions", s.handleListSessions)
	}

	return r
}

// main initializes and starts the KVM streaming server
func main() {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Check if FFmpeg is available. Sessions still start, and fail one by one,
	// when it is not.
	if err := exec.Command(cfg.Encoder.Path, "-version").Run(); err != nil {
		logger.Warn("FFmpeg is not installed or not in PATH", "path", cfg.Encoder.Path, "error", err)
	}

	fallback, err := loadFallbackImage(cfg.FallbackImage)
	if err != nil {
		logger.Warn("using a blank fallback image", "error", err)
		fallback = blankFallbackImage(cfg.Encoder.Width, cfg.Encoder.Height)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, fallback, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(ctx context.Context, cfg Config, fallback []byte, logger *slog.Logger) error {
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	s := NewServer(streamCtx, cfg, fallback, logger)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: s.Router(),
	}
	srv.RegisterOnShutdown(cancelStreams)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("KVM stream server starting", "addr", cfg.Addr,
			"device", cfg.Encoder.Device,
			"resolution", [2]int{cfg.Encoder.Width, cfg.Encoder.Height},
			"framerate", cfg.Encoder.Framerate)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")

		// hijacked websocket connections are not tracked by Shutdown
		s.sessions.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
