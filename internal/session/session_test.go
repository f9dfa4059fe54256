package session

import (
	"context"
	"errors"
	"net"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/store"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/transport"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorContains(t, err, "dialer")

	_, err = New(Options{Dialer: newFakeBroker()})
	assert.ErrorContains(t, err, "scheduler")

	h := newHarness(t, nil)
	_, err = New(Options{Dialer: h.broker, Scheduler: h.scheduler, KeepAlive: KeepAlive{Interval: time.Second}})
	assert.ErrorContains(t, err, "destination")
}

func TestConnect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.NilError(t, h.session.Connect(ctx, "admin", "secret", "r-1"))
	assert.Equal(t, h.session.State(), Connected)
	assert.DeepEqual(t, h.session.PendingReceipts(), []string{"r-1"})

	bc := h.broker.accept(t)
	frame := bc.next(t)
	assert.Equal(t, frame.Command, stomp.CONNECT)
	assert.Equal(t, frame.Header.Get(stomp.HeaderLogin), "admin")
	assert.Equal(t, frame.Header.Get(stomp.HeaderPasscode), "secret")
	assert.Equal(t, frame.Header.Get(stomp.HeaderAcceptVersion), DefaultAcceptVersion)
	assert.Equal(t, frame.Header.Get(stomp.HeaderHeartBeat), DefaultHeartBeat)
	assert.Equal(t, frame.Header.Get(stomp.HeaderHost), "localhost")
	assert.Equal(t, frame.Header.Get(stomp.HeaderReceipt), "r-1")

	assert.Assert(t, errors.Is(h.session.Connect(ctx, "admin", "secret", ""), ErrAlreadyConnected))

	bc.send(t, stomp.NewFrame(stomp.CONNECTED, stomp.HeaderVersion, "1.2", stomp.HeaderServer, "fake/1.0"))
	assert.Equal(t, h.handler.nextFrame(t).Command, stomp.CONNECTED)
	assert.DeepEqual(t, h.session.ServerInfo(), ServerInfo{Version: "1.2", Server: "fake/1.0"})

	bc.send(t, stomp.NewFrame(stomp.RECEIPT, stomp.HeaderReceiptID, "r-1"))
	assert.Equal(t, h.handler.nextFrame(t).Command, stomp.RECEIPT)
	assert.Equal(t, len(h.session.PendingReceipts()), 0)
}

func TestConnectDialFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.failures.Store(1)

	err := h.session.Connect(context.Background(), "admin", "admin", "")
	assert.Assert(t, errors.Is(err, errDialRefused))
	assert.Equal(t, h.session.State(), Disconnected)
}

func TestConnectTimeout(t *testing.T) {
	peers := make(chan net.Conn, 1)
	h := newHarness(t, func(o *Options) {
		o.ConnectTimeout = 100 * time.Millisecond
		o.Dialer = transport.DialerFunc(func(context.Context) (net.Conn, error) {
			client, server := net.Pipe()
			peers <- server
			return client, nil
		})
	})

	start := time.Now()
	err := h.session.Connect(context.Background(), "admin", "admin", "")
	assert.Assert(t, errors.Is(err, os.ErrDeadlineExceeded), "got %v", err)
	assert.Assert(t, time.Since(start) < time.Second)
	assert.Equal(t, h.session.State(), Disconnected)
	(<-peers).Close()
}

func TestReconnectAttemptTimesOut(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AutoReconnect = true
		o.ConnectTimeout = 100 * time.Millisecond
	})
	first := h.connect(t)

	h.broker.stalls.Store(1)
	assert.NilError(t, first.conn.Close())
	assert.Assert(t, h.handler.nextError(t) != nil)

	start := time.Now()
	err := h.handler.nextError(t)
	assert.Assert(t, errors.Is(err, os.ErrDeadlineExceeded), "got %v", err)
	assert.Assert(t, time.Since(start) < time.Second)

	second := h.broker.accept(t)
	assert.Equal(t, second.next(t).Command, stomp.CONNECT)
	waitForState(t, h.session, Connected)
	assert.Equal(t, h.broker.dials.Load(), int32(3))
}

func TestOperationsWhileDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"send", func() error { return h.session.Send(ctx, "/q", []byte("x"), SendOptions{}) }},
		{"subscribe", func() error { return h.session.Subscribe(ctx, "1", "/q", stomp.AckAuto, "") }},
		{"unsubscribe", func() error { return h.session.Unsubscribe(ctx, "1", "") }},
		{"begin", func() error { return h.session.Begin(ctx, "tx", "") }},
		{"commit", func() error { return h.session.Commit(ctx, "tx", "") }},
		{"abort", func() error { return h.session.Abort(ctx, "tx", "") }},
		{"ack", func() error { return h.session.Ack(ctx, "m", "") }},
		{"nack", func() error { return h.session.Nack(ctx, "m", "") }},
		{"resubscribe", func() error { return h.session.Resubscribe(ctx) }},
		{"disconnect", func() error { return h.session.Disconnect(ctx, "") }},
	}
	for _, tt := range tests {
		assert.Assert(t, errors.Is(tt.call(), ErrNotConnected), tt.name)
	}
	assert.Equal(t, len(h.session.Topics()), 0)
	assert.Equal(t, h.broker.dials.Load(), int32(0))
}

func TestSubscribeAndSend(t *testing.T) {
	memory := store.NewMemoryStore()
	h := newHarness(t, func(o *Options) {
		o.Store = memory
		o.SessionID = "client-1"
	})
	ctx := context.Background()
	bc := h.connect(t)

	assert.NilError(t, h.session.Subscribe(ctx, "1", "/topic/test", stomp.AckClient, "r-sub"))
	frame := bc.next(t)
	assert.Equal(t, frame.Command, stomp.SUBSCRIBE)
	assert.DeepEqual(t, frame.Header, stomp.Header{
		{Key: "id", Value: "1"},
		{Key: "destination", Value: "/topic/test"},
		{Key: "ack", Value: "client"},
		{Key: "receipt", Value: "r-sub"},
	})
	saved, err := memory.Get(ctx, "client-1", "1")
	assert.NilError(t, err)
	assert.Equal(t, saved.Destination, "/topic/test")

	body := []byte("a\x00b")
	err = h.session.Send(ctx, "/queue/a", body, SendOptions{
		Transaction: "tx-1",
		Headers:     map[string]string{"priority": "9", "destination": "/ignored"},
	})
	assert.NilError(t, err)
	frame = bc.next(t)
	assert.Equal(t, frame.Command, stomp.SEND)
	assert.Equal(t, frame.Header.Get(stomp.HeaderDestination), "/queue/a")
	assert.Equal(t, frame.Header.Get(stomp.HeaderContentType), DefaultContentType)
	assert.Equal(t, frame.Header.Get(stomp.HeaderContentLength), "3")
	assert.Equal(t, frame.Header.Get(stomp.HeaderTransaction), "tx-1")
	assert.Equal(t, frame.Header.Get("priority"), "9")
	assert.Equal(t, string(frame.Body), "a\x00b")

	assert.NilError(t, h.session.Unsubscribe(ctx, "1", ""))
	frame = bc.next(t)
	assert.Equal(t, frame.Command, stomp.UNSUBSCRIBE)
	assert.Equal(t, frame.Header.Get(stomp.HeaderID), "1")
	assert.Equal(t, len(h.session.Topics()), 0)
	_, err = memory.Get(ctx, "client-1", "1")
	assert.Assert(t, errors.Is(err, store.ErrNotFound))

	err = h.session.Subscribe(ctx, "2", "/q", stomp.AckMode("manual"), "")
	assert.ErrorContains(t, err, "unknown ack mode")
}

func TestTransactionsAndAcks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	bc := h.connect(t)

	assert.NilError(t, h.session.Begin(ctx, "tx-1", ""))
	assert.NilError(t, h.session.Ack(ctx, "ack-1", "tx-1"))
	assert.NilError(t, h.session.Nack(ctx, "ack-2", ""))
	assert.NilError(t, h.session.Commit(ctx, "tx-1", "r-commit"))
	assert.NilError(t, h.session.Abort(ctx, "tx-2", ""))

	withAck := stomp.NewFrame(stomp.MESSAGE, stomp.HeaderAck, "ack-3", stomp.HeaderMessageID, "m-3", stomp.HeaderSubscription, "1")
	withoutAck := stomp.NewFrame(stomp.MESSAGE, stomp.HeaderMessageID, "m-4", stomp.HeaderSubscription, "1")
	assert.NilError(t, h.session.AckMessage(ctx, withAck, ""))
	assert.NilError(t, h.session.NackMessage(ctx, withoutAck, "tx-3"))

	expected := []*stomp.Frame{
		stomp.NewFrame(stomp.BEGIN, "transaction", "tx-1"),
		stomp.NewFrame(stomp.ACK, "id", "ack-1", "transaction", "tx-1"),
		stomp.NewFrame(stomp.NACK, "id", "ack-2"),
		stomp.NewFrame(stomp.COMMIT, "transaction", "tx-1", "receipt", "r-commit"),
		stomp.NewFrame(stomp.ABORT, "transaction", "tx-2"),
		stomp.NewFrame(stomp.ACK, "id", "ack-3"),
		stomp.NewFrame(stomp.NACK, "message-id", "m-4", "subscription", "1", "transaction", "tx-3"),
	}
	for _, want := range expected {
		got := bc.next(t)
		assert.Equal(t, got.Command, want.Command)
		assert.DeepEqual(t, got.Header, want.Header)
	}
}

func TestMessageIsNotAutoAcked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	bc := h.connect(t)

	assert.NilError(t, h.session.Subscribe(ctx, "1", "/queue/work", stomp.AckClientIndividual, ""))
	assert.Equal(t, bc.next(t).Command, stomp.SUBSCRIBE)

	message := stomp.NewFrame(stomp.MESSAGE,
		stomp.HeaderDestination, "/queue/work",
		stomp.HeaderMessageID, "m-1",
		stomp.HeaderSubscription, "1",
		stomp.HeaderAck, "a-1",
	)
	message.Body = []byte("job")
	bc.send(t, message)

	got := h.handler.nextFrame(t)
	assert.Equal(t, got.Command, stomp.MESSAGE)
	assert.Equal(t, string(got.Body), "job")

	// the next frame the broker sees must be ours, not an ACK
	assert.NilError(t, h.session.Send(ctx, "/queue/done", nil, SendOptions{}))
	assert.Equal(t, bc.next(t).Command, stomp.SEND)
}

func TestErrorFrameDoesNotDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	bc := h.connect(t)

	bc.send(t, stomp.NewFrame(stomp.ERROR, stomp.HeaderMessage, "bad destination"))
	assert.Equal(t, h.handler.nextFrame(t).Command, stomp.ERROR)
	assert.Equal(t, h.session.State(), Connected)
}

func TestFramingErrorClosesConnection(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoReconnect = false })
	bc := h.connect(t)

	bc.sendRaw(t, "MESSAGE\ndestination:/q\n\nok\x00BOGUS\n\n\x00")
	assert.Equal(t, h.handler.nextFrame(t).Command, stomp.MESSAGE)

	err := h.handler.nextError(t)
	var framingErr *FramingError
	assert.Assert(t, errors.As(err, &framingErr))
	assert.Assert(t, errors.Is(err, stomp.ErrInvalidCommand))

	bc.expectClosed(t)
	waitForState(t, h.session, Disconnected)
}

func TestFailureWithoutAutoReconnect(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoReconnect = false })
	ctx := context.Background()
	bc := h.connect(t)

	assert.NilError(t, h.session.Subscribe(ctx, "1", "/topic/test", stomp.AckAuto, ""))
	assert.Equal(t, bc.next(t).Command, stomp.SUBSCRIBE)

	assert.NilError(t, bc.conn.Close())
	waitForState(t, h.session, Disconnected)
	assert.Assert(t, h.handler.nextError(t) != nil)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if h.handler.closed.Load() == 1 {
			return poll.Success()
		}
		return poll.Continue("connection closed callback not called")
	}, poll.WithTimeout(time.Second))

	assert.Equal(t, len(h.session.Topics()), 1)
	assert.Assert(t, errors.Is(h.session.Send(ctx, "/q", nil, SendOptions{}), ErrNotConnected))
	assert.Equal(t, h.broker.dials.Load(), int32(1))
}

func TestReconnectReplaysTopics(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoReconnect = true })
	ctx := context.Background()
	first := h.connect(t)

	for _, id := range []string{"1", "2", "3"} {
		assert.NilError(t, h.session.Subscribe(ctx, id, "/topic/test", stomp.AckAuto, ""))
		assert.Equal(t, first.next(t).Command, stomp.SUBSCRIBE)
	}
	assert.NilError(t, h.session.Unsubscribe(ctx, "3", ""))
	assert.Equal(t, first.next(t).Command, stomp.UNSUBSCRIBE)

	assert.NilError(t, first.conn.Close())

	second := h.broker.accept(t)
	connect := second.next(t)
	assert.Equal(t, connect.Command, stomp.CONNECT)
	assert.Equal(t, connect.Header.Get(stomp.HeaderLogin), "admin")

	var ids []string
	for i := 0; i < 2; i++ {
		frame := second.next(t)
		assert.Equal(t, frame.Command, stomp.SUBSCRIBE)
		ids = append(ids, frame.Header.Get(stomp.HeaderID))
	}
	sort.Strings(ids)
	assert.DeepEqual(t, ids, []string{"1", "2"})

	waitForState(t, h.session, Connected)
	assert.NilError(t, h.session.Send(ctx, "/queue/after", []byte("x"), SendOptions{}))
	assert.Equal(t, second.next(t).Command, stomp.SEND)
	assert.Equal(t, len(h.session.Topics()), 2)
}

func TestReconnectRetriesAfterFailure(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoReconnect = true })
	first := h.connect(t)

	h.broker.failures.Store(2)
	assert.NilError(t, first.conn.Close())

	assert.Assert(t, h.handler.nextError(t) != nil)
	assert.Assert(t, errors.Is(h.handler.nextError(t), errDialRefused))
	assert.Assert(t, errors.Is(h.handler.nextError(t), errDialRefused))

	second := h.broker.accept(t)
	assert.Equal(t, second.next(t).Command, stomp.CONNECT)
	waitForState(t, h.session, Connected)
	assert.Equal(t, h.broker.dials.Load(), int32(4))
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AutoReconnect = true
		o.ReconnectDelay = 50 * time.Millisecond
	})
	ctx := context.Background()
	first := h.connect(t)

	assert.NilError(t, h.session.Subscribe(ctx, "1", "/topic/test", stomp.AckAuto, ""))
	assert.Equal(t, first.next(t).Command, stomp.SUBSCRIBE)

	assert.NilError(t, first.conn.Close())
	waitForState(t, h.session, Reconnecting)

	assert.NilError(t, h.session.Disconnect(ctx, ""))
	assert.Equal(t, h.session.State(), Disconnected)
	assert.Equal(t, len(h.session.Topics()), 0)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, h.broker.dials.Load(), int32(1))
}

func TestSubscribeWhileReconnecting(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AutoReconnect = true
		o.ReconnectDelay = time.Hour
	})
	ctx := context.Background()
	first := h.connect(t)

	assert.NilError(t, first.conn.Close())
	waitForState(t, h.session, Reconnecting)

	assert.NilError(t, h.session.Subscribe(ctx, "1", "/topic/test", stomp.AckAuto, ""))
	assert.DeepEqual(t, h.session.Topics(), []stomp.Topic{{ID: "1", Destination: "/topic/test", AckMode: stomp.AckAuto}})
	assert.Assert(t, errors.Is(h.session.Send(ctx, "/q", nil, SendOptions{}), ErrNotConnected))
	assert.Assert(t, errors.Is(h.session.Connect(ctx, "admin", "admin", ""), ErrAlreadyConnected))
}

func TestDisconnect(t *testing.T) {
	memory := store.NewMemoryStore()
	h := newHarness(t, func(o *Options) {
		o.AutoReconnect = true
		o.Store = memory
		o.SessionID = "client-1"
	})
	ctx := context.Background()
	bc := h.connect(t)

	assert.NilError(t, h.session.Subscribe(ctx, "1", "/topic/test", stomp.AckAuto, ""))
	assert.Equal(t, bc.next(t).Command, stomp.SUBSCRIBE)

	assert.NilError(t, h.session.Disconnect(ctx, "r-bye"))
	frame := bc.next(t)
	assert.Equal(t, frame.Command, stomp.DISCONNECT)
	assert.Equal(t, frame.Header.Get(stomp.HeaderReceipt), "r-bye")
	bc.expectClosed(t)

	assert.Equal(t, h.session.State(), Disconnected)
	assert.Equal(t, len(h.session.Topics()), 0)
	topics, err := memory.Load(ctx, "client-1")
	assert.NilError(t, err)
	assert.Equal(t, len(topics), 0)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if h.handler.closed.Load() == 1 {
			return poll.Success()
		}
		return poll.Continue("connection closed callback not called")
	}, poll.WithTimeout(time.Second))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, h.broker.dials.Load(), int32(1))
	select {
	case err := <-h.handler.errs:
		t.Fatalf("unexpected error after disconnect: %v", err)
	default:
	}
}

func TestNothingWrittenAfterDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	bc := h.connect(t)
	h.session.mu.Lock()
	l := h.session.link
	h.session.mu.Unlock()

	assert.NilError(t, h.session.Disconnect(context.Background(), ""))
	assert.Equal(t, bc.next(t).Command, stomp.DISCONNECT)
	bc.expectClosed(t)

	ping := stomp.NewFrame(stomp.SEND, stomp.HeaderDestination, "/queue/ping", stomp.HeaderContentLength, "0")
	err := h.session.writeFrame(context.Background(), l, ping)
	assert.Assert(t, errors.Is(err, transport.ErrWriterClosed), "got %v", err)
}

func TestReceiptForgottenWhenWriteFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	bc := h.connect(t)

	assert.NilError(t, h.session.Begin(ctx, "tx-1", "r-ok"))
	assert.Equal(t, bc.next(t).Command, stomp.BEGIN)
	assert.DeepEqual(t, h.session.PendingReceipts(), []string{"r-ok"})

	client, server := net.Pipe()
	assert.NilError(t, server.Close())
	broken := newLink(client)
	err := h.session.writeFrame(ctx, broken, transactionFrame(stomp.COMMIT, "tx-1", "r-lost"))
	assert.Assert(t, err != nil)
	assert.DeepEqual(t, h.session.PendingReceipts(), []string{"r-ok"})
}

func TestKeepAlive(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.KeepAlive = KeepAlive{Interval: 20 * time.Millisecond, Destination: "/queue/ping", Payload: "ping"}
	})
	bc := h.connect(t)

	frame := bc.next(t)
	assert.Equal(t, frame.Command, stomp.SEND)
	assert.Equal(t, frame.Header.Get(stomp.HeaderDestination), "/queue/ping")
	assert.Equal(t, frame.Header.Get(stomp.HeaderContentLength), "4")
	assert.Equal(t, string(frame.Body), "ping")

	assert.NilError(t, h.session.Disconnect(context.Background(), ""))
	for {
		frame := bc.next(t)
		if frame.Command == stomp.DISCONNECT {
			break
		}
		assert.Equal(t, frame.Command, stomp.SEND)
	}
	bc.expectClosed(t)
}

func TestKeepAliveRestartsAfterReconnect(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AutoReconnect = true
		o.KeepAlive = KeepAlive{Interval: 20 * time.Millisecond, Destination: "/queue/ping"}
	})
	first := h.connect(t)
	assert.Equal(t, first.next(t).Command, stomp.SEND)

	assert.NilError(t, first.conn.Close())

	second := h.broker.accept(t)
	assert.Equal(t, second.next(t).Command, stomp.CONNECT)
	frame := second.next(t)
	assert.Equal(t, frame.Command, stomp.SEND)
	assert.Equal(t, frame.Header.Get(stomp.HeaderContentLength), "0")
}

func TestRestoreAndResubscribe(t *testing.T) {
	ctx := context.Background()
	memory := store.NewMemoryStore()
	assert.NilError(t, memory.Save(ctx, "client-1", stomp.Topic{ID: "a", Destination: "/topic/a", AckMode: stomp.AckAuto}))
	assert.NilError(t, memory.Save(ctx, "client-1", stomp.Topic{ID: "b", Destination: "/topic/b", AckMode: stomp.AckClient}))

	h := newHarness(t, func(o *Options) {
		o.Store = memory
		o.SessionID = "client-1"
	})
	restored, err := h.session.Restore(ctx)
	assert.NilError(t, err)
	assert.Equal(t, restored, 2)

	bc := h.connect(t)
	assert.NilError(t, h.session.Resubscribe(ctx))
	first, second := bc.next(t), bc.next(t)
	assert.Equal(t, first.Header.Get(stomp.HeaderID), "a")
	assert.Equal(t, second.Header.Get(stomp.HeaderID), "b")
	assert.Equal(t, second.Header.Get(stomp.HeaderAck), "client")
}
