package session

import (
	"context"
	"errors"
	"strconv"

	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/transport"
)

func (s *Session) startKeepAliveLocked() {
	if s.opts.KeepAlive.Interval <= 0 {
		return
	}
	s.keepAliveGen++
	gen := s.keepAliveGen
	s.keepAliveTask = s.opts.Scheduler.Every(s.opts.KeepAlive.Interval, func() { s.keepAlive(gen) })
}

// cancelKeepAliveLocked also bumps the generation so a tick already running
// on the scheduler sends nothing
func (s *Session) cancelKeepAliveLocked() {
	s.keepAliveGen++
	if s.keepAliveTask != nil {
		s.keepAliveTask.Cancel()
		s.keepAliveTask = nil
	}
}

func (s *Session) keepAlive(gen uint64) {
	s.mu.Lock()
	l := s.link
	if gen != s.keepAliveGen || s.state != Connected || l == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	payload := []byte(s.opts.KeepAlive.Payload)
	frame := stomp.NewFrame(stomp.SEND,
		stomp.HeaderDestination, s.opts.KeepAlive.Destination,
		stomp.HeaderContentLength, strconv.Itoa(len(payload)),
	)
	frame.Body = payload

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	defer cancel()
	if err := s.writeFrame(ctx, l, frame); err != nil {
		if errors.Is(err, transport.ErrWriterClosed) {
			logger.DebugF("[%s] Keepalive dropped, connection is closing", l.id)
			return
		}
		logger.WarnF("[%s] Fail to send keepalive, details: %v", l.id, err)
		return
	}
	s.opts.Metrics.KeepAliveSent()
}

func (s *Session) scheduleReconnectLocked() {
	s.reconnectTask = s.opts.Scheduler.After(s.opts.ReconnectDelay, s.reconnect)
}

func (s *Session) cancelReconnectLocked() {
	if s.reconnectTask != nil {
		s.reconnectTask.Cancel()
		s.reconnectTask = nil
	}
}

// reconnect runs one attempt. Failure schedules the next one after the same
// fixed delay; there is no retry limit.
func (s *Session) reconnect() {
	s.mu.Lock()
	if s.state != Reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnectTask = nil
	login, passcode := s.login, s.passcode
	s.mu.Unlock()

	logger.InfoF("Session %s reconnecting", s.id)
	l, err := s.establish(context.Background(), login, passcode, "")

	s.mu.Lock()
	if s.state != Reconnecting {
		s.mu.Unlock()
		if l != nil {
			l.close()
		}
		logger.InfoF("Session %s reconnect abandoned: %v", s.id, ErrClosed)
		return
	}
	if err != nil {
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		s.opts.Metrics.Reconnect(false)
		logger.WarnF("Session %s reconnect failed, retrying in %v, details: %v", s.id, s.reconnectDelay(), err)
		s.handler.OnError(err)
		return
	}
	s.attachLocked(l)
	topics := s.topicsLocked()
	s.mu.Unlock()

	s.opts.Metrics.Reconnect(true)
	go s.readLoop(l)
	logger.InfoF("[%s] Session %s reconnected", l.id, s.id)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	defer cancel()
	if err := s.replay(ctx, l, topics); err != nil {
		logger.WarnF("[%s] Replay incomplete, details: %v", l.id, err)
	}
}
