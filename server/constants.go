package main

import "time"

// Server configuration constants
const (
	// ServerAddr is the address on which the server listens
	ServerAddr = "0.0.0.0:5566"

	// DefaultDevice is the V4L2 device of the KVM capture card
	DefaultDevice = "video0"

	// DefaultWidth is the default capture width
	DefaultWidth = 1920

	// DefaultHeight is the default capture height
	DefaultHeight = 1080

	// DefaultFramerate is the default capture framerate
	DefaultFramerate = 30

	// DefaultFallbackImage is served when the KVM device is not connected
	DefaultFallbackImage = "assets/kvm_not_connected.jpg"

	// ClientBufferSize is the number of frames queued per client. With a single
	// slot the encoder reader is never more than one frame ahead of the socket.
	ClientBufferSize = 1

	// EncoderKillTimeout is the time to wait for FFmpeg to stop gracefully
	EncoderKillTimeout = 2 * time.Second

	// WebSocketPingInterval is how often to send ping messages to clients
	WebSocketPingInterval = 54 * time.Second

	// WebSocketReadDeadline is the deadline for reading WebSocket messages
	WebSocketReadDeadline = 60 * time.Second

	// WebSocketWriteDeadline is the deadline for writing WebSocket messages
	WebSocketWriteDeadline = 10 * time.Second

	// WebSocketReadLimit is the maximum message size for incoming WebSocket messages
	WebSocketReadLimit = 512

	// ShutdownTimeout is how long in-flight requests may take on shutdown
	ShutdownTimeout = 5 * time.Second

	// FPSLogInterval is how often the MJPEG stream logs its frame rate
	FPSLogInterval = time.Second
)
