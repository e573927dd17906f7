package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kvm-stream-server/internal/encoder"
	"kvm-stream-server/internal/mjpeg"
	"kvm-stream-server/internal/session"
)

// getUpgrader returns a WebSocket upgrader configured to allow all origins
func getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // the KVM is reached from a local web UI on another port
		},
	}
}

// handleRoot returns a greeting message
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Hello World"})
}

// handleHealth reports the server status
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"sessions":  s.sessions.Count(),
		"timestamp": time.Now().Unix(),
	})
}

// handleListSessions returns the active H264 sessions
func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

// handleKVMWebSocket streams the H264 encoded KVM output to a WebSocket client.
// Each message carries one group of NAL units.
func (s *Server) handleKVMWebSocket(c *gin.Context) {
	upgrader := getUpgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", "error", err)
		return
	}

	client := newClient(uuid.NewString(), conn, s.log)

	sess := session.New(client, s.spawnEncoder, session.Options{
		ChunkSize:     s.cfg.ChunkSize,
		FlushTrailing: s.cfg.FlushTrailing,
		Logger:        s.log.With("remote", c.ClientIP()),
	})

	s.sessions.Add(sess)
	defer s.sessions.Remove(sess)

	s.log.Info("websocket client connected", "client", client.id, "session", sess.ID())

	if err := sess.Run(s.ctx); err != nil {
		s.log.Debug("session ended with error", "session", sess.ID(), "error", err)
	}
}

// handleMJPEGStream streams the KVM output as MJPEG. When the device cannot be
// read the fallback image is returned instead.
func (s *Server) handleMJPEGStream(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// server shutdown does not cancel in-flight requests
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	src, err := s.startCapture(ctx)
	if err != nil {
		s.log.Error("failed to start the kvm capture", "error", err)
		s.serveFallback(c)
		return
	}
	defer func() {
		s.log.Info("releasing the kvm for the client")
		src.Terminate()
	}()

	// closing the source unblocks a pending read
	go func() {
		<-ctx.Done()
		src.Terminate()
	}()

	frames := mjpeg.NewFrameReader(src, s.cfg.Encoder.Width*s.cfg.Encoder.Height/8)

	first, err := frames.Next()
	if err != nil {
		s.log.Info("the kvm interface is not opening, serving the fallback image", "error", err)
		s.serveFallback(c)
		return
	}

	c.Header("Content-Type", mjpeg.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	w := mjpeg.NewWriter(c.Writer, c.Writer.Flush)
	defer w.Close()

	if err := w.WriteFrame(first); err != nil {
		return
	}

	frameCount := 0
	start := time.Now()

	for {
		img, err := frames.Next()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Info("failed to read new kvm frame, closing the stream", "error", err)
				w.WriteFrame(s.fallback) //nolint:errcheck
			}
			return
		}

		if err := w.WriteFrame(img); err != nil {
			s.log.Debug("mjpeg client went away", "error", err)
			return
		}

		frameCount++
		if elapsed := time.Since(start); elapsed > FPSLogInterval {
			s.log.Info("kvm fps", "fps", int(float64(frameCount)/elapsed.Seconds()), "frame_kb", len(img)/1024)
			frameCount = 0
			start = time.Now()
		}
	}
}

func (s *Server) serveFallback(c *gin.Context) {
	c.Data(http.StatusOK, "image/jpeg", s.fallback)
}

// defaultSpawner starts ffmpeg as the H264 encoder
func (s *Server) defaultSpawner(ctx context.Context) (session.Source, error) {
	p, err := encoder.Start(ctx, s.cfg.Encoder, s.log)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// defaultCapture starts ffmpeg as the MJPEG capture
func (s *Server) defaultCapture(ctx context.Context) (frameSource, error) {
	p, err := encoder.StartMJPEG(ctx, s.cfg.Encoder, s.log)
	if err != nil {
		return nil, err
	}
	return p, nil
}
