package session

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

var errDialRefused = errors.New("dial refused")

// fakeBroker hands out net.Pipe connections and records what the client writes.
// A stalled connection is never read, so the client's first write blocks.
type fakeBroker struct {
	conns    chan *brokerConn
	stalled  chan net.Conn
	failures atomic.Int32
	stalls   atomic.Int32
	dials    atomic.Int32
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{conns: make(chan *brokerConn, 8), stalled: make(chan net.Conn, 8)}
}

func (b *fakeBroker) Dial(context.Context) (net.Conn, error) {
	b.dials.Add(1)
	if b.failures.Load() > 0 {
		b.failures.Add(-1)
		return nil, errDialRefused
	}
	if b.stalls.Load() > 0 {
		b.stalls.Add(-1)
		client, server := net.Pipe()
		b.stalled <- server
		return client, nil
	}
	client, server := net.Pipe()
	bc := &brokerConn{conn: server, frames: make(chan *stomp.Frame, 64)}
	go bc.read()
	b.conns <- bc
	return client, nil
}

func (b *fakeBroker) accept(t *testing.T) *brokerConn {
	t.Helper()
	select {
	case bc := <-b.conns:
		return bc
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

type brokerConn struct {
	conn   net.Conn
	frames chan *stomp.Frame
}

func (bc *brokerConn) read() {
	defer close(bc.frames)
	decoder := stomp.NewDecoder()
	buf := make([]byte, 1024)
	for {
		n, err := bc.conn.Read(buf)
		if n > 0 {
			frames, decodeErr := decoder.Feed(buf[:n])
			for _, frame := range frames {
				bc.frames <- frame
			}
			if decodeErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (bc *brokerConn) next(t *testing.T) *stomp.Frame {
	t.Helper()
	select {
	case frame, ok := <-bc.frames:
		assert.Assert(t, ok, "connection closed while waiting for a frame")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from client")
		return nil
	}
}

func (bc *brokerConn) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case frame, ok := <-bc.frames:
		assert.Assert(t, !ok, "unexpected %s frame", frameCommand(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("connection still open")
	}
}

func (bc *brokerConn) send(t *testing.T, frame *stomp.Frame) {
	t.Helper()
	data, err := stomp.Encode(frame)
	assert.NilError(t, err)
	_, err = bc.conn.Write(data)
	assert.NilError(t, err)
}

func (bc *brokerConn) sendRaw(t *testing.T, data string) {
	t.Helper()
	_, err := bc.conn.Write([]byte(data))
	assert.NilError(t, err)
}

func frameCommand(frame *stomp.Frame) string {
	if frame == nil {
		return "<nil>"
	}
	return frame.Command.String()
}

// recorder is a Handler that buffers every callback
type recorder struct {
	frames chan *stomp.Frame
	errs   chan error
	closed atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{frames: make(chan *stomp.Frame, 64), errs: make(chan error, 64)}
}

func (r *recorder) OnFrame(frame *stomp.Frame) {
	r.frames <- frame
}

func (r *recorder) OnConnectionClosed() {
	r.closed.Add(1)
}

func (r *recorder) OnError(err error) {
	r.errs <- err
}

func (r *recorder) nextFrame(t *testing.T) *stomp.Frame {
	t.Helper()
	select {
	case frame := <-r.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("handler received no frame")
		return nil
	}
}

func (r *recorder) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("handler received no error")
		return nil
	}
}

type harness struct {
	session   *Session
	broker    *fakeBroker
	handler   *recorder
	scheduler *scheduler.TimerScheduler
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{broker: newFakeBroker(), handler: newRecorder(), scheduler: scheduler.New()}
	opts := Options{
		Dialer:         h.broker,
		Scheduler:      h.scheduler,
		Handler:        h.handler,
		Host:           "localhost",
		ReconnectDelay: 10 * time.Millisecond,
		ConnectTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	assert.NilError(t, err)
	h.session = s
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Disconnect(ctx, "")
		h.scheduler.Shutdown()
	})
	return h
}

// connect performs Connect and consumes the CONNECT frame on the broker side
func (h *harness) connect(t *testing.T) *brokerConn {
	t.Helper()
	assert.NilError(t, h.session.Connect(context.Background(), "admin", "admin", ""))
	bc := h.broker.accept(t)
	assert.Equal(t, bc.next(t).Command, stomp.CONNECT)
	return bc
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if got := s.State(); got != want {
			return poll.Continue("state is %s, want %s", got, want)
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))
}
