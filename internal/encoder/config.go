package encoder

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// DefaultPath is where ffmpeg is looked up when no path is configured.
	DefaultPath = "ffmpeg"

	// DefaultChunkSize is the largest read from the encoder output. The biggest
	// observed IDR bundle is around 280 KiB.
	DefaultChunkSize = 300 * 1024

	// DefaultKillTimeout is how long a terminated process may take to exit
	// before it is killed.
	DefaultKillTimeout = 2 * time.Second
)

// Config describes the capture device and the encoder invocation.
type Config struct {
	Path      string
	Device    string
	Width     int
	Height    int
	Framerate int

	KillTimeout time.Duration
	LogStderr   bool
}

// Validate checks that the configuration can be turned into a command line.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("encoder path is empty")
	}
	if c.Device == "" {
		return fmt.Errorf("capture device is empty")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.Framerate <= 0 {
		return fmt.Errorf("invalid framerate %d", c.Framerate)
	}
	return nil
}

func (c Config) devicePath() string {
	if len(c.Device) > 0 && c.Device[0] == '/' {
		return c.Device
	}
	return "/dev/" + c.Device
}

func (c Config) inputArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-framerate", strconv.Itoa(c.Framerate),
		"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-i", c.devicePath(),
	}
}

// H264Args returns the ffmpeg arguments producing a low latency H264 Annex-B
// stream on stdout.
func H264Args(c Config) []string {
	return append(c.inputArgs(),
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "high",
		"-level", "4",
		"-pix_fmt", "yuv420p",
		"-an",
		"-f", "h264",
		"-",
	)
}

// MJPEGArgs returns the ffmpeg arguments producing a motion-JPEG stream on
// stdout.
func MJPEGArgs(c Config) []string {
	return append(c.inputArgs(),
		"-c:v", "mjpeg",
		"-q:v", "5",
		"-an",
		"-f", "mjpeg",
		"-",
	)
}
