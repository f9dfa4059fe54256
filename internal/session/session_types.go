// Package session drives one logical STOMP connection: protocol operations,
// subscription bookkeeping, inbound dispatch, keepalive and reconnection.
package session

import (
	"errors"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/store"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/transport"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Reconnecting
)

var stateNames = map[State]string{
	Disconnected:  "Disconnected",
	Connecting:    "Connecting",
	Connected:     "Connected",
	Disconnecting: "Disconnecting",
	Reconnecting:  "Reconnecting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

const (
	DefaultAcceptVersion   = "1.0,1.1,1.2"
	DefaultHeartBeat       = "0,0"
	DefaultReconnectDelay  = 5 * time.Second
	DefaultContentType     = "text/plain"
	DefaultReceiptTTL      = time.Minute
	DefaultReceiptCapacity = 1024
)

var (
	ErrNotConnected     = errors.New("stomp connection is not available")
	ErrAlreadyConnected = errors.New("session is already connected")
	ErrClosed           = errors.New("session was disconnected")
)

// FramingError reports that the inbound byte stream could not be decoded.
// The connection it came from has been torn down.
type FramingError struct {
	ConnID string
	Err    error
}

func (e *FramingError) Error() string {
	return "stomp framing error on " + e.ConnID + ": " + e.Err.Error()
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// Handler receives everything the broker sends. Frames arrive in wire order
// from the connection's read goroutine; OnError is also called when a
// reconnect attempt fails.
type Handler interface {
	OnFrame(frame *stomp.Frame)
	OnConnectionClosed()
	OnError(err error)
}

// HandlerFuncs adapts optional functions to Handler
type HandlerFuncs struct {
	Frame            func(frame *stomp.Frame)
	ConnectionClosed func()
	Error            func(err error)
}

func (h HandlerFuncs) OnFrame(frame *stomp.Frame) {
	if h.Frame != nil {
		h.Frame(frame)
	}
}

func (h HandlerFuncs) OnConnectionClosed() {
	if h.ConnectionClosed != nil {
		h.ConnectionClosed()
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// KeepAlive configures the application level heartbeat: a SEND frame to
// Destination every Interval while connected. Zero Interval disables it.
type KeepAlive struct {
	Interval    time.Duration
	Destination string
	Payload     string
}

type Options struct {
	Dialer    transport.Dialer
	Scheduler scheduler.Scheduler
	Handler   Handler

	AcceptVersion string
	HeartBeat     string
	Host          string

	KeepAlive      KeepAlive
	AutoReconnect  bool
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration

	// Store mirrors the active topics under SessionID when set
	Store     store.TopicStore
	SessionID string
	Metrics   *metrics.Metrics

	ReceiptTTL      time.Duration
	ReceiptCapacity int
}

// SendOptions carries the optional headers of a SEND frame
type SendOptions struct {
	ContentType string
	Transaction string
	Receipt     string
	Headers     map[string]string
}

// ServerInfo is taken from the last CONNECTED frame
type ServerInfo struct {
	Version   string `json:"version,omitempty"`
	Server    string `json:"server,omitempty"`
	Session   string `json:"session,omitempty"`
	HeartBeat string `json:"heart_beat,omitempty"`
}
