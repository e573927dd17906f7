// Package session drives a single H264 streaming session: it reads the
// encoder output, regroups it and forwards every group to the client.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kvm-stream-server/internal/annexb"
	"kvm-stream-server/internal/encoder"
)

// Transport is the message oriented connection to the client.
type Transport interface {
	// Send delivers one message. It returns ErrClientDisconnected when the
	// client is gone.
	Send(frame []byte) error
	Close() error
	// Done is closed when the connection is gone.
	Done() <-chan struct{}
	// Err returns the write failure that closed the connection, or nil when
	// the client disconnected or the connection was closed locally.
	Err() error
}

// Source is the encoder output.
type Source interface {
	ReadChunk(maxBytes int) ([]byte, error)
	Terminate()
}

// Spawner starts the encoder of a session.
type Spawner func(ctx context.Context) (Source, error)

// Options are the session options.
type Options struct {
	// maximum size of a single read from the encoder.
	ChunkSize int

	// send the pending bytes as a last message when the encoder output ends.
	FlushTrailing bool

	Logger *slog.Logger
}

// Info is a snapshot of a session.
type Info struct {
	ID         string    `json:"session_id"`
	Phase      string    `json:"phase"`
	StartedAt  time.Time `json:"started_at"`
	BytesRead  uint64    `json:"bytes_read"`
	GroupsSent uint64    `json:"groups_sent"`
	BytesSent  uint64    `json:"bytes_sent"`
	// bytes read but not sent yet
	BytesPending int `json:"bytes_pending"`
}

var errAborted = errors.New("session is terminating")

// Session is a streaming session. Its pending buffer is only touched by the
// goroutine calling Run.
type Session struct {
	id        string
	transport Transport
	spawn     Spawner
	chunkSize int
	trailing  bool
	log       *slog.Logger
	startedAt time.Time

	demuxer annexb.Demuxer

	mu      sync.Mutex
	source  Source
	phase   Phase
	failure error

	closeOnce sync.Once
	closed    chan struct{}

	bytesRead  atomic.Uint64
	groupsSent atomic.Uint64
	bytesSent  atomic.Uint64
	pending    atomic.Int64
}

// New allocates a Session.
func New(transport Transport, spawn Spawner, opts Options) *Session {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = encoder.DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.NewString()

	return &Session{
		id:        id,
		transport: transport,
		spawn:     spawn,
		chunkSize: opts.ChunkSize,
		trailing:  opts.FlushTrailing,
		log:       opts.Logger.With("session", id),
		startedAt: time.Now(),
		phase:     PhaseStarting,
		closed:    make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Closed is closed once the session reached PhaseClosed.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	return Info{
		ID:         s.id,
		Phase:      s.Phase().String(),
		StartedAt:  s.startedAt,
		BytesRead:  s.bytesRead.Load(),
		GroupsSent: s.groupsSent.Load(),
		BytesSent:  s.bytesSent.Load(),

		BytesPending: int(s.pending.Load()),
	}
}

// Close tears the session down from outside. Run returns shortly after.
func (s *Session) Close() {
	s.teardown("closed by server")
}

// Run starts the encoder and streams until the client disconnects, the
// encoder output ends, an error occurs or ctx is canceled. The encoder is
// always terminated before Run returns. A nil error means the session ended
// normally.
func (s *Session) Run(ctx context.Context) error {
	go s.watch(ctx)

	s.log.Info("starting session")

	src, err := s.spawn(ctx)
	if err != nil {
		s.log.Error("failed to start encoder, closing the connection", "error", err)
		s.teardown("encoder spawn failed")
		return err
	}

	s.mu.Lock()
	if s.phase != PhaseStarting {
		// torn down while spawning
		s.mu.Unlock()
		src.Terminate()
		return nil
	}
	s.source = src
	s.phase = PhaseStreaming
	s.mu.Unlock()

	return s.stream(src)
}

func (s *Session) watch(ctx context.Context) {
	select {
	case <-s.transport.Done():
		if err := s.transport.Err(); err != nil {
			if s.fail(&SendError{Err: err}) {
				s.log.Error("error while sending data to the client", "error", err)
			}
			s.teardown("send failed")
			return
		}
		s.teardown("client disconnected")
	case <-ctx.Done():
		s.teardown("server shutdown")
	case <-s.closed:
	}
}

func (s *Session) stream(src Source) error {
	for {
		if s.Phase() != PhaseStreaming {
			s.teardown("")
			return s.failed()
		}

		chunk, err := src.ReadChunk(s.chunkSize)

		// a teardown while blocked in ReadChunk ends the read
		if s.Phase() != PhaseStreaming {
			s.teardown("")
			return s.failed()
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("there is no more data from the encoder, ending the stream")
				if s.trailing {
					s.sendTrailing()
				}
				s.teardown("encoder output closed")
				return nil
			}

			if s.fail(err) {
				s.log.Error("error while reading from the encoder", "error", err)
			}
			s.teardown("encoder read failed")
			return err
		}

		s.bytesRead.Add(uint64(len(chunk)))

		err = s.demuxer.Push(chunk, s.send)
		s.pending.Store(int64(s.demuxer.Stats().BytesPending))

		if err != nil {
			switch {
			case errors.Is(err, errAborted):
				s.teardown("")
				return s.failed()

			case errors.Is(err, ErrClientDisconnected):
				s.log.Info("the client has disconnected")
				s.teardown("client disconnected")
				return nil

			default:
				if s.fail(err) {
					s.log.Error("error while sending data to the client", "error", err)
				}
				s.teardown("send failed")
				return s.failed()
			}
		}
	}
}

// fail records the error that ends the session. It returns false when the
// session already failed or is being torn down for another reason.
func (s *Session) fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil || s.phase >= PhaseTerminating {
		return false
	}
	s.failure = err
	return true
}

func (s *Session) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Session) send(group annexb.FlushedGroup) error {
	if s.Phase() != PhaseStreaming {
		return errAborted
	}

	if err := s.transport.Send(group); err != nil {
		if errors.Is(err, ErrClientDisconnected) {
			return err
		}
		return &SendError{Err: err}
	}

	s.groupsSent.Add(1)
	s.bytesSent.Add(uint64(len(group)))

	// hand the processor over to the transport before reading again
	runtime.Gosched()
	return nil
}

func (s *Session) sendTrailing() {
	group := s.demuxer.Flush()
	if group == nil {
		return
	}
	if err := s.send(group); err != nil && !errors.Is(err, errAborted) {
		s.log.Warn("failed to send trailing data", "error", err, "bytes", len(group))
	}
}

// teardown closes the transport and terminates the encoder. Only the first
// call has an effect; concurrent callers wait for it to complete.
func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.phase = PhaseTerminating
		src := s.source
		s.mu.Unlock()

		s.log.Info("closing the session", "reason", reason)

		if err := s.transport.Close(); err != nil {
			s.log.Debug("failed to close the connection", "error", err)
		}

		if src != nil {
			src.Terminate()
		}

		s.mu.Lock()
		s.phase = PhaseClosed
		s.mu.Unlock()
		close(s.closed)

		s.log.Info("session closed",
			"bytes_read", s.bytesRead.Load(),
			"groups_sent", s.groupsSent.Load(),
			"bytes_sent", s.bytesSent.Load(),
			"duration", time.Since(s.startedAt).Round(time.Millisecond),
		)
	})
}
