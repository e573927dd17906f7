// Package encoder manages the external ffmpeg process that captures the
// KVM device and writes the encoded stream to its stdout.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is a running encoder process. It is owned by a single session.
type Process struct {
	cmd    *exec.Cmd
	stdout *os.File
	log    *slog.Logger
	buf    []byte

	killTimeout   time.Duration
	terminateOnce sync.Once
	done          chan struct{}
	waitErr       error
}

// Start spawns the H264 encoder described by cfg.
func Start(ctx context.Context, cfg Config, logger *slog.Logger) (*Process, error) {
	return spawn(ctx, cfg, H264Args(cfg), logger)
}

// StartMJPEG spawns a capture process writing a motion-JPEG stream.
func StartMJPEG(ctx context.Context, cfg Config, logger *slog.Logger) (*Process, error) {
	return spawn(ctx, cfg, MJPEGArgs(cfg), logger)
}

func spawn(ctx context.Context, cfg Config, args []string, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// ctx only bounds the spawn itself; the process lives until Terminate.
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Path: cfg.Path, Err: err}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: cfg.Path, Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}

	cmd := exec.Command(cfg.Path, args...)
	cmd.Stdout = pw

	var stderr io.ReadCloser
	if cfg.LogStderr {
		stderr, err = cmd.StderrPipe()
		if err != nil {
			pr.Close()
			pw.Close()
			return nil, &SpawnError{Path: cfg.Path, Err: fmt.Errorf("failed to get stderr pipe: %w", err)}
		}
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &SpawnError{Path: cfg.Path, Err: err}
	}

	// the child holds its own copy of the write end
	pw.Close()

	p := &Process{
		cmd:         cmd,
		stdout:      pr,
		log:         logger.With("pid", cmd.Process.Pid),
		killTimeout: cfg.KillTimeout,
		done:        make(chan struct{}),
	}

	if stderr != nil {
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				p.log.Debug("encoder stderr", "line", scanner.Text())
			}
		}()
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	p.log.Info("encoder process started", "path", cfg.Path)
	return p, nil
}

// ReadChunk reads at most maxBytes from the encoder output. It blocks until
// at least one byte is available and returns io.EOF once the output is
// closed. The returned slice is only valid until the next call.
func (p *Process) ReadChunk(maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", maxBytes)
	}
	if cap(p.buf) < maxBytes {
		p.buf = make([]byte, maxBytes)
	}

	for {
		n, err := p.stdout.Read(p.buf[:maxBytes])
		if n > 0 {
			return p.buf[:n], nil
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return nil, io.EOF
		default:
			return nil, &ReadError{Err: err}
		}
	}
}

// Read implements io.Reader over the encoder output.
func (p *Process) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	return n, err
}

// Terminate asks the process to stop and releases the output pipe. It can be
// called any number of times, also after the process has exited.
func (p *Process) Terminate() {
	p.terminateOnce.Do(func() {
		p.log.Info("terminating encoder process")

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			if errors.Is(err, os.ErrProcessDone) {
				p.log.Debug("encoder process already exited")
			} else {
				p.log.Warn("couldn't terminate encoder process", "error", err)
			}
		}

		// unblocks a pending ReadChunk and lets the child see EPIPE
		p.stdout.Close()

		go p.reap()
	})
}

func (p *Process) reap() {
	timeout := p.killTimeout
	if timeout <= 0 {
		timeout = DefaultKillTimeout
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-p.done:
	case <-t.C:
		p.log.Warn("encoder process did not exit, killing it", "timeout", timeout)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Warn("couldn't kill encoder process", "error", err)
		}
		<-p.done
	}

	var exitErr *exec.ExitError
	if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
		p.log.Warn("encoder process wait failed", "error", p.waitErr)
		return
	}
	p.log.Info("encoder process terminated")
}
