package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kvm-stream-server/internal/annexb"
)

func unit(typ byte, size int) []byte {
	u := append([]byte{}, annexb.StartCode...)
	u = append(u, 0x60|typ)
	return append(u, bytes.Repeat([]byte{0xAB}, size-1)...)
}

var (
	sps    = unit(7, 10)
	pps    = unit(8, 5)
	idr    = unit(5, 100)
	slice1 = unit(1, 50)
	slice2 = unit(1, 40)
)

type fakeSource struct {
	mu         sync.Mutex
	chunks     [][]byte
	err        error
	block      bool
	terminated int
	readsAfter int
	stop       chan struct{}
}

func newFakeSource(chunks ...[]byte) *fakeSource {
	return &fakeSource{chunks: chunks, stop: make(chan struct{})}
}

func (f *fakeSource) ReadChunk(int) ([]byte, error) {
	f.mu.Lock()
	if f.terminated > 0 {
		f.readsAfter++
		f.mu.Unlock()
		return nil, io.EOF
	}
	if len(f.chunks) > 0 {
		c := f.chunks[0]
		f.chunks = f.chunks[1:]
		f.mu.Unlock()
		return c, nil
	}
	block, err := f.block, f.err
	f.mu.Unlock()

	if block {
		<-f.stop
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (f *fakeSource) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
	if f.terminated == 1 {
		close(f.stop)
	}
}

func (f *fakeSource) terminateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

type fakeTransport struct {
	mu         sync.Mutex
	sent       [][]byte
	failAt     int
	failErr    error
	closes     int
	sendsAfter int
	writeErr   error
	done       chan struct{}
	doneOnce   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (f *fakeTransport) disconnect() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.done:
		f.sendsAfter++
		return ErrClientDisconnected
	default:
	}

	if f.failErr != nil && len(f.sent)+1 == f.failAt {
		if errors.Is(f.failErr, ErrClientDisconnected) {
			f.doneOnce.Do(func() { close(f.done) })
		}
		return f.failErr
	}

	f.sent = append(f.sent, append([]byte{}, frame...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} {
	return f.done
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeErr
}

// failWrite simulates a queued write failing after Send returned.
func (f *fakeTransport) failWrite(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeTransport) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func testOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func spawnerOf(src Source) Spawner {
	return func(context.Context) (Source, error) {
		return src, nil
	}
}

func TestSessionStreamsGroups(t *testing.T) {
	src := newFakeSource(
		bytes.Join([][]byte{sps, pps}, nil),
		idr[:30],
		idr[30:],
		bytes.Join([][]byte{slice1, slice2}, nil),
	)
	tr := newFakeTransport()

	s := New(tr, spawnerOf(src), testOptions())
	require.Equal(t, PhaseStarting, s.Phase())

	err := s.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, [][]byte{
		bytes.Join([][]byte{sps, pps, idr}, nil),
		slice1,
	}, tr.messages())

	require.Equal(t, PhaseClosed, s.Phase())
	require.Equal(t, 1, src.terminateCount())
	require.Equal(t, 1, tr.closes)

	info := s.Info()
	require.Equal(t, s.ID(), info.ID)
	require.Equal(t, "closed", info.Phase)
	require.Equal(t, uint64(2), info.GroupsSent)
	require.Equal(t, uint64(len(sps)+len(pps)+len(idr)+len(slice1)+len(slice2)), info.BytesRead)
}

func TestSessionFlushTrailing(t *testing.T) {
	src := newFakeSource(bytes.Join([][]byte{sps, pps, idr, slice1, slice2}, nil))
	tr := newFakeTransport()

	opts := testOptions()
	opts.FlushTrailing = true
	s := New(tr, spawnerOf(src), opts)

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, [][]byte{
		bytes.Join([][]byte{sps, pps, idr}, nil),
		slice1,
		slice2,
	}, tr.messages())
}

func TestSessionSpawnFailure(t *testing.T) {
	tr := newFakeTransport()
	errSpawn := errors.New("executable file not found")

	s := New(tr, func(context.Context) (Source, error) {
		return nil, errSpawn
	}, testOptions())

	err := s.Run(context.Background())
	require.ErrorIs(t, err, errSpawn)
	require.Equal(t, 1, tr.closes)
	require.Empty(t, tr.messages())
	require.Equal(t, PhaseClosed, s.Phase())
}

func TestSessionDisconnectDuringSend(t *testing.T) {
	src := newFakeSource(
		bytes.Join([][]byte{sps, pps, idr, slice1}, nil),
		slice2,
		slice1,
		slice2,
	)
	tr := newFakeTransport()
	tr.failAt = 2
	tr.failErr = ErrClientDisconnected

	s := New(tr, spawnerOf(src), testOptions())

	require.NoError(t, s.Run(context.Background()))
	require.Len(t, tr.messages(), 1)
	require.Equal(t, 1, src.terminateCount())
	require.Zero(t, src.readsAfter)
	require.Zero(t, tr.sendsAfter)
	require.Equal(t, PhaseClosed, s.Phase())
}

func TestSessionDisconnectDuringRead(t *testing.T) {
	src := newFakeSource(bytes.Join([][]byte{sps, pps, idr, slice1}, nil))
	src.block = true
	tr := newFakeTransport()

	s := New(tr, spawnerOf(src), testOptions())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return len(tr.messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	tr.disconnect()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}

	require.Equal(t, 1, src.terminateCount())
	require.Zero(t, src.readsAfter)
	require.Zero(t, tr.sendsAfter)
	require.Equal(t, 1, tr.closes)
}

func TestSessionSendError(t *testing.T) {
	src := newFakeSource(bytes.Join([][]byte{sps, pps, idr, slice1, slice2}, nil))
	tr := newFakeTransport()
	tr.failAt = 1
	tr.failErr = errors.New("broken pipe")

	s := New(tr, spawnerOf(src), testOptions())

	err := s.Run(context.Background())
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	require.Equal(t, 1, src.terminateCount())
	require.Equal(t, 1, tr.closes)
}

func TestSessionAsyncWriteError(t *testing.T) {
	src := newFakeSource(bytes.Join([][]byte{sps, pps, idr, slice1}, nil))
	src.block = true
	tr := newFakeTransport()

	var logs bytes.Buffer
	opts := testOptions()
	opts.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	s := New(tr, spawnerOf(src), opts)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return len(tr.messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	errTimeout := errors.New("i/o timeout")
	tr.failWrite(errTimeout)

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	require.ErrorIs(t, err, errTimeout)
	require.Equal(t, 1, src.terminateCount())
	require.Equal(t, PhaseClosed, s.Phase())

	require.Contains(t, logs.String(), "level=ERROR")
	require.Contains(t, logs.String(), `reason="send failed"`)
	require.Equal(t, len(slice1), s.Info().BytesPending)
}

func TestSessionReadError(t *testing.T) {
	errRead := errors.New("read failed")
	src := newFakeSource(sps)
	src.err = errRead
	tr := newFakeTransport()

	s := New(tr, spawnerOf(src), testOptions())

	require.ErrorIs(t, s.Run(context.Background()), errRead)
	require.Equal(t, 1, src.terminateCount())
	require.Equal(t, PhaseClosed, s.Phase())
}

func TestSessionContextCanceled(t *testing.T) {
	src := newFakeSource()
	src.block = true
	tr := newFakeTransport()

	ctx, cancel := context.WithCancel(context.Background())
	s := New(tr, spawnerOf(src), testOptions())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	require.Equal(t, 1, src.terminateCount())
}

func TestSessionConcurrentTeardown(t *testing.T) {
	src := newFakeSource()
	src.block = true
	tr := newFakeTransport()

	s := New(tr, spawnerOf(src), testOptions())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return s.Phase() == PhaseStreaming
	}, 5*time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Close()
		}()
		go func() {
			defer wg.Done()
			tr.disconnect()
		}()
	}
	wg.Wait()

	<-done
	<-s.Closed()

	require.Equal(t, PhaseClosed, s.Phase())
	require.Equal(t, 1, src.terminateCount())
	require.Equal(t, 1, tr.closes)
}

func TestSessionClosedWhileSpawning(t *testing.T) {
	src := newFakeSource(sps)
	tr := newFakeTransport()

	release := make(chan struct{})
	s := New(tr, func(context.Context) (Source, error) {
		<-release
		return src, nil
	}, testOptions())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background())
	}()

	s.Close()
	close(release)

	require.NoError(t, <-done)
	require.Equal(t, 1, src.terminateCount())
	require.Empty(t, tr.messages())
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "starting", PhaseStarting.String())
	require.Equal(t, "streaming", PhaseStreaming.String())
	require.Equal(t, "terminating", PhaseTerminating.String())
	require.Equal(t, "closed", PhaseClosed.String())
	require.Equal(t, "unknown", Phase(42).String())
}
