// Package transport opens the byte streams a STOMP session runs over
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/logger"
)

const DefaultConnectTimeout = 5 * time.Second

var ErrWriterClosed = errors.New("writer accepts no more frames")

// STOMP subprotocols offered during the WebSocket handshake
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// Dialer establishes a new connection to the broker
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (net.Conn, error) {
	return f(ctx)
}

// TCPDialer dials host:port, wrapping the stream in TLS when TLSConfig is set
type TCPDialer struct {
	Address   string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context) (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: timeoutOrDefault(d.Timeout), KeepAlive: 30 * time.Second}
	if d.TLSConfig == nil {
		conn, err := netDialer.DialContext(ctx, "tcp", d.Address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", d.Address, err)
		}
		return conn, nil
	}
	tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: d.TLSConfig}
	conn, err := tlsDialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", d.Address, err)
	}
	return conn, nil
}

// WSDialer carries STOMP frames in WebSocket text messages
type WSDialer struct {
	URL       string
	TLSConfig *tls.Config
	Timeout   time.Duration
	ReadLimit int64
}

func (d *WSDialer) Dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(d.Timeout))
	defer cancel()

	opts := &websocket.DialOptions{Subprotocols: Subprotocols}
	if d.TLSConfig != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: d.TLSConfig}}
	}
	c, resp, err := websocket.Dial(ctx, d.URL, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	} else {
		c.SetReadLimit(1 << 20)
	}
	logger.DebugF("WebSocket connected to %s, subprotocol %q", d.URL, c.Subprotocol())
	return websocket.NetConn(context.Background(), c, websocket.MessageText), nil
}

// Options selects and configures a Dialer
type Options struct {
	Host                  string
	Port                  int
	Transport             string
	WebSocketPath         string
	UseTLS                bool
	TLSCertificate        string
	TLSKey                string
	TLSInsecureSkipVerify bool
	ConnectTimeout        time.Duration
}

// NewDialer builds the dialer described by opts
func NewDialer(opts Options) (Dialer, error) {
	var tlsConfig *tls.Config
	if opts.UseTLS || opts.TLSCertificate != "" {
		var err error
		tlsConfig, err = LoadClientTLS(opts.TLSCertificate, opts.TLSKey, opts.Host, opts.TLSInsecureSkipVerify)
		if err != nil {
			return nil, err
		}
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	switch opts.Transport {
	case "", "tcp":
		return &TCPDialer{Address: address, TLSConfig: tlsConfig, Timeout: opts.ConnectTimeout}, nil
	case "ws":
		scheme := "ws"
		if tlsConfig != nil {
			scheme = "wss"
		}
		u := url.URL{Scheme: scheme, Host: address, Path: opts.WebSocketPath}
		return &WSDialer{URL: u.String(), TLSConfig: tlsConfig, Timeout: opts.ConnectTimeout}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.Transport)
	}
}

// LoadClientTLS builds a client TLS config. certPath/keyPath are optional PEM
// files presented as client certificate.
func LoadClientTLS(certPath, keyPath, serverName string, insecureSkipVerify bool) (*tls.Config, error) {
	config := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if certPath == "" && keyPath == "" {
		return config, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load client certificate %s: %w", certPath, err)
	}
	config.Certificates = []tls.Certificate{cert}
	return config, nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultConnectTimeout
	}
	return d
}

// Writer serializes writes of whole frames onto one connection
type Writer struct {
	mu     sync.Mutex
	conn   net.Conn
	connID string
	closed bool
}

func NewWriter(conn net.Conn, connID string) *Writer {
	return &Writer{conn: conn, connID: connID}
}

// Write sends data completely or fails. The context deadline, if any, bounds
// the write.
func (w *Writer) Write(ctx context.Context, data []byte) error {
	return w.write(ctx, data, false)
}

// WriteLast sends data and refuses every later write, whether or not the
// write succeeded
func (w *Writer) WriteLast(ctx context.Context, data []byte) error {
	return w.write(ctx, data, true)
}

func (w *Writer) write(ctx context.Context, data []byte, last bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if last {
		w.closed = true
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
		defer func() { _ = w.conn.SetWriteDeadline(time.Time{}) }()
	}
	return Send(w.conn, data, w.connID)
}

// Send writes data to conn until all bytes are out
func Send(conn io.Writer, data []byte, connID string) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to broker", connID, total)
	return nil
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Broker closed connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection closed locally", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frames, details: %v", connID, err)
	}
}
