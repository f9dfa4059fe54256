package stomp

import "fmt"

// AckMode is the value of the ack header of a SUBSCRIBE frame
type AckMode string

const (
	AckAuto             AckMode = "auto"
	AckClient           AckMode = "client"
	AckClientIndividual AckMode = "client-individual"
)

// ParseAckMode accepts the three STOMP ack modes; "" defaults to auto
func ParseAckMode(s string) (AckMode, error) {
	switch AckMode(s) {
	case "", AckAuto:
		return AckAuto, nil
	case AckClient:
		return AckClient, nil
	case AckClientIndividual:
		return AckClientIndividual, nil
	default:
		return "", fmt.Errorf("unknown ack mode %q", s)
	}
}

// RequiresAck reports whether MESSAGE frames delivered under this mode must be
// acknowledged by the application
func (mode AckMode) RequiresAck() bool {
	return mode == AckClient || mode == AckClientIndividual
}

// Topic is the local record of one active subscription, keyed by ID.
// Several topics may share a destination.
type Topic struct {
	ID          string  `json:"id" bson:"id" yaml:"id"`
	Destination string  `json:"destination" bson:"destination" yaml:"destination"`
	AckMode     AckMode `json:"ack" bson:"ack" yaml:"ack"`
	Receipt     string  `json:"receipt,omitempty" bson:"receipt,omitempty" yaml:"receipt,omitempty"`
}

// SubscribeFrame builds the SUBSCRIBE frame for the topic
func (t Topic) SubscribeFrame() *Frame {
	f := NewFrame(SUBSCRIBE,
		HeaderID, t.ID,
		HeaderDestination, t.Destination,
		HeaderAck, string(t.AckMode),
	)
	f.Header.SetIf(HeaderReceipt, t.Receipt)
	return f
}
