package main

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"kvm-stream-server/internal/session"
)

// Server serves the KVM streams.
type Server struct {
	ctx      context.Context
	cfg      Config
	log      *slog.Logger
	fallback []byte
	sessions *SessionManager

	// spawnEncoder starts the H264 encoder of a WebSocket session
	spawnEncoder session.Spawner
	// startCapture starts the MJPEG capture of an HTTP stream
	startCapture func(ctx context.Context) (frameSource, error)
}

// frameSource is the output of an MJPEG capture process.
type frameSource interface {
	io.Reader
	Terminate()
}

// SessionManager tracks the active H264 sessions
type SessionManager struct {
	sessions map[string]*session.Session
	mu       sync.RWMutex
}

// Client is a WebSocket connection carrying a single H264 session
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}
