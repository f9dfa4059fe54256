// Package stomp implements the STOMP wire format: commands, headers, frames
// and the buffered frame codec.
package stomp

import "errors"

// Command is the verb of a STOMP frame
type Command byte

// Client frames
const (
	CONNECT Command = iota + 1
	SEND
	SUBSCRIBE
	UNSUBSCRIBE
	BEGIN
	COMMIT
	ABORT
	ACK
	NACK
	DISCONNECT
)

// Server frames
const (
	CONNECTED Command = iota + 64
	MESSAGE
	RECEIPT
	ERROR
)

// CommandMap maps every Command to its wire spelling
var CommandMap = map[Command]string{
	CONNECT:     "CONNECT",
	SEND:        "SEND",
	SUBSCRIBE:   "SUBSCRIBE",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	BEGIN:       "BEGIN",
	COMMIT:      "COMMIT",
	ABORT:       "ABORT",
	ACK:         "ACK",
	NACK:        "NACK",
	DISCONNECT:  "DISCONNECT",
	CONNECTED:   "CONNECTED",
	MESSAGE:     "MESSAGE",
	RECEIPT:     "RECEIPT",
	ERROR:       "ERROR",
}

var commandLookup = func() map[string]Command {
	m := make(map[string]Command, len(CommandMap))
	for cmd, name := range CommandMap {
		m[name] = cmd
	}
	return m
}()

// String returns the wire spelling of the command
func (command Command) String() string {
	if name, ok := CommandMap[command]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether the command belongs to the STOMP command set
func (command Command) Valid() bool {
	_, ok := CommandMap[command]
	return ok
}

// FromServer reports whether the command is only ever sent by a broker
func (command Command) FromServer() bool {
	switch command {
	case CONNECTED, MESSAGE, RECEIPT, ERROR:
		return true
	default:
		return false
	}
}

// ParseCommand matches a command line exactly, case included
func ParseCommand(name string) (Command, bool) {
	cmd, ok := commandLookup[name]
	return cmd, ok
}

// Header names used by the client
const (
	HeaderDestination   = "destination"
	HeaderAck           = "ack"
	HeaderID            = "id"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderMessageID     = "message-id"
	HeaderSubscription  = "subscription"
	HeaderTransaction   = "transaction"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderLogin         = "login"
	HeaderPasscode      = "passcode"
	HeaderAcceptVersion = "accept-version"
	HeaderHeartBeat     = "heart-beat"
	HeaderHost          = "host"
	HeaderVersion       = "version"
	HeaderServer        = "server"
	HeaderSession       = "session"
	HeaderMessage       = "message"
)

var (
	ErrInvalidCommand       = errors.New("invalid command")
	ErrInvalidFrameFormat   = errors.New("invalid frame format")
	ErrInvalidContentLength = errors.New("invalid content-length header")
	ErrUnknownCommand       = errors.New("cannot encode unknown command")
)

// Frame is one STOMP message. Decoded frames must be treated as read-only.
type Frame struct {
	Command Command
	Header  Header
	Body    []byte
}

// NewFrame builds a frame from alternating key/value header entries
func NewFrame(command Command, headers ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(headers); i += 2 {
		f.Header.Add(headers[i], headers[i+1])
	}
	return f
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	fc := &Frame{Command: f.Command, Header: f.Header.Clone()}
	if f.Body != nil {
		fc.Body = make([]byte, len(f.Body))
		copy(fc.Body, f.Body)
	}
	return fc
}
