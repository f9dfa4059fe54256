package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/server"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/transport"
	"gotest.tools/v3/assert"
)

func TestEndToEndWithBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer ln.Close()
	go func() { _ = (&server.Server{}).Serve(ln) }()

	sched := scheduler.New()
	defer sched.Shutdown()
	handler := newRecorder()

	s, err := New(Options{
		Dialer:    &transport.TCPDialer{Address: ln.Addr().String(), Timeout: time.Second},
		Scheduler: sched,
		Handler:   handler,
		Host:      "localhost",
	})
	assert.NilError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NilError(t, s.Connect(ctx, "admin", "admin", ""))
	connected := handler.nextFrame(t)
	assert.Equal(t, connected.Command, stomp.CONNECTED)
	assert.Assert(t, s.ServerInfo().Version != "")

	assert.NilError(t, s.Subscribe(ctx, "1", "/topic/test", stomp.AckAuto, ""))
	assert.NilError(t, s.Send(ctx, "/topic/test", []byte("hello"), SendOptions{}))

	message := handler.nextFrame(t)
	assert.Equal(t, message.Command, stomp.MESSAGE)
	assert.Equal(t, string(message.Body), "hello")
	assert.Equal(t, message.Header.Get(stomp.HeaderDestination), "/topic/test")
	assert.Equal(t, message.Header.Get(stomp.HeaderSubscription), "1")

	assert.NilError(t, s.Disconnect(ctx, ""))
	assert.Equal(t, s.State(), Disconnected)
}
