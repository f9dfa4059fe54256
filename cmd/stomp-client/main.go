package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/event"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/session"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/status"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/store"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/transport"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
)

// frameHandler forwards MESSAGE frames to the main loop and logs the rest
type frameHandler struct {
	messages chan *stomp.Frame
}

func (h *frameHandler) OnFrame(frame *stomp.Frame) {
	switch frame.Command {
	case stomp.MESSAGE:
		h.messages <- frame
	case stomp.ERROR:
		logger.ErrorF("Broker error: %s %s", frame.Header.Get(stomp.HeaderMessage), frame.Body)
	default:
		logger.DebugF("Receive %s frame", frame.Command)
	}
}

func (h *frameHandler) OnConnectionClosed() {
	logger.Warn("Connection to broker closed")
}

func (h *frameHandler) OnError(err error) {
	logger.ErrorF("Session error: %v", err)
}

func main() {
	path := config.DefaultPath
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.ReadConfig(path)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogPath)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	connectTimeout := utils.MustParseStringTime(cfg.Broker.ConnectTimeout)
	if connectTimeout <= 0 {
		connectTimeout = transport.DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*connectTimeout)
	defer cancel()

	topicStore, err := store.Open(ctx, store.Options{
		Driver:   cfg.Store.Driver,
		URI:      cfg.Store.URI,
		Database: cfg.Store.Database,
		AppName:  cfg.AppName,
		Timeout:  connectTimeout,
	})
	if err != nil {
		logger.FatalF("Error occured while opening topic store, details: %v", err)
		return
	}

	sched := scheduler.New()
	var current atomic.Pointer[session.Session]
	cleaner.Add(shutdown(&current, sched, topicStore))

	dialer, err := transport.NewDialer(transport.Options{
		Host:                  cfg.Broker.Host,
		Port:                  cfg.Broker.Port,
		Transport:             cfg.Broker.Transport,
		WebSocketPath:         cfg.Broker.WebSocketPath,
		UseTLS:                cfg.Broker.UseTLS,
		TLSCertificate:        cfg.Broker.TLSCertificate,
		TLSKey:                cfg.Broker.TLSKey,
		TLSInsecureSkipVerify: cfg.Broker.TLSInsecureSkipVerify,
		ConnectTimeout:        connectTimeout,
	})
	if err != nil {
		logger.FatalF("Error occured while preparing transport, details: %v", err)
		return
	}

	registry := prometheus.NewRegistry()
	handler := &frameHandler{messages: make(chan *stomp.Frame, 256)}

	virtualHost := cfg.Protocol.VirtualHost
	if virtualHost == "" {
		virtualHost = cfg.Broker.Host
	}
	s, err := session.New(session.Options{
		Dialer:        dialer,
		Scheduler:     sched,
		Handler:       handler,
		AcceptVersion: cfg.Protocol.AcceptVersion,
		HeartBeat:     cfg.Protocol.HeartBeat,
		Host:          virtualHost,
		KeepAlive: session.KeepAlive{
			Interval:    utils.MustParseStringTime(cfg.KeepAlive.Interval),
			Destination: cfg.KeepAlive.Destination,
			Payload:     cfg.KeepAlive.Payload,
		},
		AutoReconnect:  cfg.AutoReconnect,
		ReconnectDelay: utils.MustParseStringTime(cfg.ReconnectDelay),
		ConnectTimeout: connectTimeout,
		Store:          topicStore,
		SessionID:      cfg.Store.SessionID,
		Metrics:        metrics.New(registry),
	})
	if err != nil {
		logger.FatalF("Error occured while creating session, details: %v", err)
		return
	}
	current.Store(s)

	if _, err := s.Restore(ctx); err != nil {
		logger.WarnF("Fail to restore topics, details: %v", err)
	}
	if err := s.Connect(ctx, cfg.Credentials.Login, cfg.Credentials.Passcode, ""); err != nil {
		logger.FatalF("Error occured while connecting to broker, details: %v", err)
		return
	}
	if err := s.Resubscribe(ctx); err != nil {
		logger.WarnF("Fail to resubscribe restored topics, details: %v", err)
	}
	subscribeConfigured(ctx, s, cfg.Subscriptions)

	if cfg.Status.Listen != "" {
		statusServer := status.NewServer(cfg.Status.Listen, status.NewRouter(s, registry))
		if err := statusServer.Start(); err != nil {
			logger.ErrorF("Error occured while starting status server, details: %v", err)
		} else {
			cleaner.Add(statusServer)
		}
	}

	logger.InfoF("Client %s running, session %s", cfg.AppName, s.ID())
	consume(s, handler.messages)
}

// shutdown disconnects the session if it was created, then stops the
// scheduler and closes the store. DISCONNECT has to leave first.
func shutdown(current *atomic.Pointer[session.Session], sched *scheduler.TimerScheduler, topicStore store.TopicStore) event.CallableFunc {
	return func(ctx context.Context) error {
		var errs []error
		if s := current.Load(); s != nil {
			if err := s.Disconnect(ctx, ""); err != nil && !errors.Is(err, session.ErrNotConnected) {
				errs = append(errs, err)
			}
		}
		sched.Shutdown()
		errs = append(errs, topicStore.Close(ctx))
		return errors.Join(errs...)
	}
}

func subscribeConfigured(ctx context.Context, s *session.Session, topics []stomp.Topic) {
	active := make(map[string]bool)
	for _, topic := range s.Topics() {
		active[topic.ID] = true
	}
	for _, topic := range topics {
		if active[topic.ID] {
			continue
		}
		if err := s.Subscribe(ctx, topic.ID, topic.Destination, topic.AckMode, topic.Receipt); err != nil {
			logger.ErrorF("Fail to subscribe %s to %s, details: %v", topic.ID, topic.Destination, err)
		}
	}
}

// consume logs every MESSAGE and acknowledges those delivered to a
// subscription with client or client-individual ack mode
func consume(s *session.Session, messages <-chan *stomp.Frame) {
	for message := range messages {
		subscription := message.Header.Get(stomp.HeaderSubscription)
		logger.InfoF("Message %s on %s: %s",
			message.Header.Get(stomp.HeaderMessageID),
			message.Header.Get(stomp.HeaderDestination),
			strings.TrimSpace(string(message.Body)))

		for _, topic := range s.Topics() {
			if topic.ID != subscription || !topic.AckMode.RequiresAck() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.AckMessage(ctx, message, ""); err != nil {
				logger.WarnF("Fail to acknowledge message %s, details: %v", message.Header.Get(stomp.HeaderMessageID), err)
			}
			cancel()
		}
	}
}
