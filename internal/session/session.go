package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/transport"
)

// Session is one logical STOMP client. It survives reconnects; its topics
// are cleared only by Disconnect.
type Session struct {
	id       string
	opts     Options
	handler  Handler
	receipts *receiptTracker

	mu            sync.Mutex
	state         State
	login         string
	passcode      string
	autoReconnect bool
	topics        map[string]stomp.Topic
	link          *link
	serverInfo    ServerInfo
	keepAliveTask scheduler.Task
	keepAliveGen  uint64
	reconnectTask scheduler.Task
}

func New(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, errors.New("session requires a dialer")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("session requires a scheduler")
	}
	if opts.KeepAlive.Interval > 0 && opts.KeepAlive.Destination == "" {
		return nil, errors.New("keepalive requires a destination")
	}
	if opts.AcceptVersion == "" {
		opts.AcceptVersion = DefaultAcceptVersion
	}
	if opts.HeartBeat == "" {
		opts.HeartBeat = DefaultHeartBeat
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	handler := opts.Handler
	if handler == nil {
		handler = HandlerFuncs{}
	}

	s := &Session{
		id:       opts.SessionID,
		opts:     opts,
		handler:  handler,
		receipts: newReceiptTracker(opts.ReceiptCapacity, opts.ReceiptTTL),
		topics:   make(map[string]stomp.Topic),
	}
	s.opts.Metrics.SetState(int(Disconnected))
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Topics returns the active subscriptions ordered by id
func (s *Session) Topics() []stomp.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topicsLocked()
}

func (s *Session) PendingReceipts() []string {
	return s.receipts.pending()
}

func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Connect dials the broker and writes CONNECT. It returns once the frame is
// written; the CONNECTED or ERROR reply reaches the Handler.
func (s *Session) Connect(ctx context.Context, login, passcode, receipt string) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.login, s.passcode = login, passcode
	s.autoReconnect = s.opts.AutoReconnect
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	l, err := s.establish(ctx, login, passcode, receipt)

	s.mu.Lock()
	if err != nil {
		if s.state == Connecting {
			s.setStateLocked(Disconnected)
		}
		s.mu.Unlock()
		return err
	}
	if s.state != Connecting {
		s.mu.Unlock()
		l.close()
		return ErrClosed
	}
	s.attachLocked(l)
	s.mu.Unlock()

	go s.readLoop(l)
	logger.InfoF("[%s] Session %s connected", l.id, s.id)
	return nil
}

// Disconnect turns auto-reconnect off, writes DISCONNECT and closes the
// connection. Active topics are forgotten.
func (s *Session) Disconnect(ctx context.Context, receipt string) error {
	s.mu.Lock()
	if s.state == Disconnected || s.state == Disconnecting {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.autoReconnect = false
	s.setStateLocked(Disconnecting)
	s.cancelKeepAliveLocked()
	s.cancelReconnectLocked()
	l := s.link
	s.link = nil
	if l != nil {
		l.detached = true
	}
	s.mu.Unlock()

	var err error
	if l != nil {
		frame := stomp.NewFrame(stomp.DISCONNECT)
		frame.Header.SetIf(stomp.HeaderReceipt, receipt)
		err = s.writeFrame(ctx, l, frame)
		l.close()
	}

	s.mu.Lock()
	s.topics = make(map[string]stomp.Topic)
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	s.clearStore(ctx)
	logger.InfoF("Session %s disconnected", s.id)
	return err
}

// Subscribe records the topic and sends SUBSCRIBE. While reconnecting the
// topic is only recorded; the replay after reconnection sends it.
func (s *Session) Subscribe(ctx context.Context, id, destination string, ack stomp.AckMode, receipt string) error {
	if id == "" || destination == "" {
		return errors.New("subscribe requires an id and a destination")
	}
	mode, err := stomp.ParseAckMode(string(ack))
	if err != nil {
		return err
	}
	topic := stomp.Topic{ID: id, Destination: destination, AckMode: mode, Receipt: receipt}

	s.mu.Lock()
	state, l := s.state, s.link
	if state != Connected && state != Reconnecting {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.topics[id] = topic
	s.mu.Unlock()

	s.persistTopic(ctx, topic)
	if state == Reconnecting {
		logger.InfoF("Session %s is reconnecting, subscription %s will be sent after reconnection", s.id, id)
		return nil
	}
	return s.writeFrame(ctx, l, topic.SubscribeFrame())
}

// Unsubscribe forgets the topic and sends UNSUBSCRIBE
func (s *Session) Unsubscribe(ctx context.Context, id, receipt string) error {
	s.mu.Lock()
	state, l := s.state, s.link
	if state != Connected && state != Reconnecting {
		s.mu.Unlock()
		return ErrNotConnected
	}
	delete(s.topics, id)
	s.mu.Unlock()

	s.forgetTopic(ctx, id)
	if state == Reconnecting {
		return nil
	}
	frame := stomp.NewFrame(stomp.UNSUBSCRIBE, stomp.HeaderID, id)
	frame.Header.SetIf(stomp.HeaderReceipt, receipt)
	return s.writeFrame(ctx, l, frame)
}

// Send writes a SEND frame. content-length is always set from body.
func (s *Session) Send(ctx context.Context, destination string, body []byte, opts SendOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	frame := stomp.NewFrame(stomp.SEND,
		stomp.HeaderDestination, destination,
		stomp.HeaderContentType, contentType,
		stomp.HeaderContentLength, strconv.Itoa(len(body)),
	)
	frame.Header.SetIf(stomp.HeaderTransaction, opts.Transaction)
	frame.Header.SetIf(stomp.HeaderReceipt, opts.Receipt)
	keys := make([]string, 0, len(opts.Headers))
	for key := range opts.Headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, ok := frame.Header.Contains(key); !ok {
			frame.Header.Add(key, opts.Headers[key])
		}
	}
	frame.Body = body
	return s.transmit(ctx, frame)
}

func (s *Session) Begin(ctx context.Context, transaction, receipt string) error {
	return s.transmit(ctx, transactionFrame(stomp.BEGIN, transaction, receipt))
}

func (s *Session) Commit(ctx context.Context, transaction, receipt string) error {
	return s.transmit(ctx, transactionFrame(stomp.COMMIT, transaction, receipt))
}

func (s *Session) Abort(ctx context.Context, transaction, receipt string) error {
	return s.transmit(ctx, transactionFrame(stomp.ABORT, transaction, receipt))
}

// Ack acknowledges the message whose ack header was id
func (s *Session) Ack(ctx context.Context, id, transaction string) error {
	return s.transmit(ctx, ackFrame(stomp.ACK, id, transaction))
}

func (s *Session) Nack(ctx context.Context, id, transaction string) error {
	return s.transmit(ctx, ackFrame(stomp.NACK, id, transaction))
}

// AckMessage acknowledges a received MESSAGE frame, addressing it by its ack
// header or, for brokers that do not send one, by message-id and subscription
func (s *Session) AckMessage(ctx context.Context, message *stomp.Frame, transaction string) error {
	return s.transmit(ctx, messageAckFrame(stomp.ACK, message, transaction))
}

func (s *Session) NackMessage(ctx context.Context, message *stomp.Frame, transaction string) error {
	return s.transmit(ctx, messageAckFrame(stomp.NACK, message, transaction))
}

// Restore loads the topics persisted for this session into the active set.
// They are sent by the next Resubscribe or reconnect.
func (s *Session) Restore(ctx context.Context) (int, error) {
	if s.opts.Store == nil {
		return 0, nil
	}
	topics, err := s.opts.Store.Load(ctx, s.id)
	if err != nil {
		return 0, fmt.Errorf("restore topics: %w", err)
	}
	s.mu.Lock()
	for _, topic := range topics {
		s.topics[topic.ID] = topic
	}
	s.mu.Unlock()
	logger.InfoF("Session %s restored %d topics", s.id, len(topics))
	return len(topics), nil
}

// Resubscribe sends SUBSCRIBE for every active topic
func (s *Session) Resubscribe(ctx context.Context) error {
	s.mu.Lock()
	l := s.link
	if s.state != Connected || l == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	topics := s.topicsLocked()
	s.mu.Unlock()
	return s.replay(ctx, l, topics)
}

func (s *Session) establish(ctx context.Context, login, passcode, receipt string) (*link, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.opts.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	l := newLink(conn)
	logger.DebugF("[%s] Transport established for session %s", l.id, s.id)

	if err := s.writeFrame(ctx, l, s.connectFrame(login, passcode, receipt)); err != nil {
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}
	return l, nil
}

func (s *Session) connectFrame(login, passcode, receipt string) *stomp.Frame {
	frame := stomp.NewFrame(stomp.CONNECT,
		stomp.HeaderAcceptVersion, s.opts.AcceptVersion,
		stomp.HeaderHeartBeat, s.opts.HeartBeat,
	)
	frame.Header.SetIf(stomp.HeaderHost, s.opts.Host)
	frame.Header.Add(stomp.HeaderLogin, login)
	frame.Header.Add(stomp.HeaderPasscode, passcode)
	frame.Header.SetIf(stomp.HeaderReceipt, receipt)
	return frame
}

// replay sends SUBSCRIBE for each topic; one failure does not stop the rest
func (s *Session) replay(ctx context.Context, l *link, topics []stomp.Topic) error {
	var errs []error
	for _, topic := range topics {
		if err := s.writeFrame(ctx, l, topic.SubscribeFrame()); err != nil {
			logger.WarnF("[%s] Fail to resubscribe %s to %s, details: %v", l.id, topic.ID, topic.Destination, err)
			errs = append(errs, fmt.Errorf("subscription %s: %w", topic.ID, err))
		}
	}
	logger.InfoF("[%s] Resubscribed %d of %d topics", l.id, len(topics)-len(errs), len(topics))
	return errors.Join(errs...)
}

func (s *Session) transmit(ctx context.Context, frame *stomp.Frame) error {
	s.mu.Lock()
	l := s.link
	if s.state != Connected || l == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()
	return s.writeFrame(ctx, l, frame)
}

func (s *Session) attachLocked(l *link) {
	s.link = l
	s.setStateLocked(Connected)
	s.startKeepAliveLocked()
}

func (s *Session) setStateLocked(state State) {
	if s.state != state {
		logger.DebugF("Session %s state %s -> %s", s.id, s.state, state)
	}
	s.state = state
	s.opts.Metrics.SetState(int(state))
}

func (s *Session) topicsLocked() []stomp.Topic {
	topics := make([]stomp.Topic, 0, len(s.topics))
	for _, topic := range s.topics {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].ID < topics[j].ID })
	return topics
}

func (s *Session) persistTopic(ctx context.Context, topic stomp.Topic) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.Save(ctx, s.id, topic); err != nil {
		logger.WarnF("Session %s fail to persist topic %s, details: %v", s.id, topic.ID, err)
	}
}

func (s *Session) forgetTopic(ctx context.Context, id string) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.Delete(ctx, s.id, id); err != nil {
		logger.WarnF("Session %s fail to delete topic %s, details: %v", s.id, id, err)
	}
}

func (s *Session) clearStore(ctx context.Context) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.Clear(ctx, s.id); err != nil {
		logger.WarnF("Session %s fail to clear topics, details: %v", s.id, err)
	}
}

func (s *Session) reconnectDelay() time.Duration {
	return s.opts.ReconnectDelay
}

func transactionFrame(command stomp.Command, transaction, receipt string) *stomp.Frame {
	frame := stomp.NewFrame(command, stomp.HeaderTransaction, transaction)
	frame.Header.SetIf(stomp.HeaderReceipt, receipt)
	return frame
}

func ackFrame(command stomp.Command, id, transaction string) *stomp.Frame {
	frame := stomp.NewFrame(command, stomp.HeaderID, id)
	frame.Header.SetIf(stomp.HeaderTransaction, transaction)
	return frame
}

func messageAckFrame(command stomp.Command, message *stomp.Frame, transaction string) *stomp.Frame {
	if id, ok := message.Header.Contains(stomp.HeaderAck); ok {
		return ackFrame(command, id, transaction)
	}
	frame := stomp.NewFrame(command,
		stomp.HeaderMessageID, message.Header.Get(stomp.HeaderMessageID),
		stomp.HeaderSubscription, message.Header.Get(stomp.HeaderSubscription),
	)
	frame.Header.SetIf(stomp.HeaderTransaction, transaction)
	return frame
}
