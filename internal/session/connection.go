package session

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/transport"
)

const readBufferSize = 4096

// link is one physical connection. It holds no reference to the Session;
// the read goroutine reports back through the Session methods it was started
// from.
type link struct {
	conn   net.Conn
	writer *transport.Writer
	id     string

	// detached is set under Session.mu when Disconnect takes the link away
	detached bool

	errOnce sync.Once
	err     error
	done    chan struct{}
}

func newLink(conn net.Conn) *link {
	id := uuid.NewString()
	return &link{
		conn:   conn,
		writer: transport.NewWriter(conn, id),
		id:     id,
		done:   make(chan struct{}),
	}
}

// failure records the first error that broke the link and returns it
func (l *link) failure(err error) error {
	l.errOnce.Do(func() { l.err = err })
	return l.err
}

func (l *link) close() {
	if err := l.conn.Close(); err != nil && !transport.IsNetClosedError(err) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", l.id, err)
	}
}

// writeFrame encodes frame and writes it on l. A failed write breaks the link
// so the read loop winds it down. Nothing is written after DISCONNECT.
func (s *Session) writeFrame(ctx context.Context, l *link, frame *stomp.Frame) error {
	data, err := stomp.Encode(frame)
	if err != nil {
		return err
	}
	// tracked before the write so a fast RECEIPT cannot overtake it
	s.receipts.track(frame)
	write := l.writer.Write
	if frame.Command == stomp.DISCONNECT {
		write = l.writer.WriteLast
	}
	if err := write(ctx, data); err != nil {
		s.receipts.forget(frame)
		if errors.Is(err, transport.ErrWriterClosed) {
			return err
		}
		l.failure(err)
		l.close()
		return err
	}
	s.opts.Metrics.FrameSent(frame.Command.String())
	logger.DebugF("[%s] Send %s frame", l.id, frame.Command)
	return nil
}

func (s *Session) readLoop(l *link) {
	defer close(l.done)

	decoder := stomp.NewDecoder()
	buf := make([]byte, readBufferSize)
	var cause error
	for cause == nil {
		n, err := l.conn.Read(buf)
		if n > 0 {
			frames, decodeErr := decoder.Feed(buf[:n])
			for _, frame := range frames {
				s.dispatch(l, frame)
			}
			if decodeErr != nil {
				logger.ErrorF("[%s] Fail to decode frame, details: %v", l.id, decodeErr)
				cause = &FramingError{ConnID: l.id, Err: decodeErr}
				continue
			}
		}
		if err != nil {
			transport.HandleReadError(l.id, err)
			cause = err
		}
	}

	l.close()
	s.handleTermination(l, l.failure(cause))
}

func (s *Session) dispatch(l *link, frame *stomp.Frame) {
	s.opts.Metrics.FrameReceived(frame.Command.String())
	logger.DebugF("[%s] Receive %s frame", l.id, frame.Command)

	switch frame.Command {
	case stomp.CONNECTED:
		info := ServerInfo{
			Version:   frame.Header.Get(stomp.HeaderVersion),
			Server:    frame.Header.Get(stomp.HeaderServer),
			Session:   frame.Header.Get(stomp.HeaderSession),
			HeartBeat: frame.Header.Get(stomp.HeaderHeartBeat),
		}
		s.mu.Lock()
		s.serverInfo = info
		s.mu.Unlock()
		logger.InfoF("[%s] Connected to %s, protocol version %s", l.id, info.Server, info.Version)
	case stomp.MESSAGE:
		// acknowledgment is left to the handler
	case stomp.RECEIPT:
		id := frame.Header.Get(stomp.HeaderReceiptID)
		if command, ok := s.receipts.resolve(id); ok {
			logger.DebugF("[%s] Receipt %s confirmed %s frame", l.id, id, command)
		} else {
			logger.WarnF("[%s] Receipt %s does not match any pending frame", l.id, id)
		}
	case stomp.ERROR:
		logger.WarnF("[%s] Broker reported error: %s", l.id, frame.Header.Get(stomp.HeaderMessage))
	case stomp.CONNECT, stomp.SEND, stomp.SUBSCRIBE, stomp.UNSUBSCRIBE, stomp.BEGIN,
		stomp.COMMIT, stomp.ABORT, stomp.ACK, stomp.NACK, stomp.DISCONNECT:
		logger.WarnF("[%s] Broker sent client frame %s", l.id, frame.Command)
	}

	s.handler.OnFrame(frame)
}

func (s *Session) handleTermination(l *link, cause error) {
	s.mu.Lock()
	if l.detached {
		s.mu.Unlock()
		logger.InfoF("[%s] Connection closed", l.id)
		s.handler.OnConnectionClosed()
		return
	}
	if s.link != l {
		s.mu.Unlock()
		return
	}

	s.link = nil
	s.cancelKeepAliveLocked()
	if s.autoReconnect {
		s.setStateLocked(Reconnecting)
		s.scheduleReconnectLocked()
		logger.WarnF("[%s] Connection lost, reconnecting in %v", l.id, s.reconnectDelay())
	} else {
		s.setStateLocked(Disconnected)
		logger.WarnF("[%s] Connection lost", l.id)
	}
	s.mu.Unlock()

	if cause != nil {
		s.handler.OnError(cause)
	}
	s.handler.OnConnectionClosed()
}
