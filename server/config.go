package main

import (
	"flag"
	"fmt"

	"kvm-stream-server/internal/encoder"
)

// Config is the server configuration.
type Config struct {
	Addr          string
	FallbackImage string
	ChunkSize     int
	FlushTrailing bool
	Debug         bool
	Encoder       encoder.Config
}

// parseConfig reads the configuration from the command line. Defaults come
// from constants.go.
func parseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config

	fs.StringVar(&cfg.Addr, "addr", ServerAddr, "listen on this address:port for HTTP requests")
	fs.StringVar(&cfg.FallbackImage, "fallback", DefaultFallbackImage, "JPEG served when the KVM device is not connected")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", encoder.DefaultChunkSize, "maximum size of a single read from the encoder")
	fs.BoolVar(&cfg.FlushTrailing, "flush-trailing", false, "send the last partial frame when the encoder stops")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")

	fs.StringVar(&cfg.Encoder.Path, "ffmpeg", encoder.DefaultPath, "path of the ffmpeg executable")
	fs.StringVar(&cfg.Encoder.Device, "device", DefaultDevice, "V4L2 capture device")
	fs.IntVar(&cfg.Encoder.Width, "width", DefaultWidth, "video width")
	fs.IntVar(&cfg.Encoder.Height, "height", DefaultHeight, "video height")
	fs.IntVar(&cfg.Encoder.Framerate, "framerate", DefaultFramerate, "video framerate")
	fs.BoolVar(&cfg.Encoder.LogStderr, "encoder-stderr", false, "forward ffmpeg stderr to the debug log")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Encoder.KillTimeout = EncoderKillTimeout

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("listen address is empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d", c.ChunkSize)
	}
	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("invalid encoder configuration: %w", err)
	}
	return nil
}
