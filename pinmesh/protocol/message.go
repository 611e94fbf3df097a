package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type MessageType uint8

const (
	MessageTypeHello        MessageType = 1
	MessageTypePing         MessageType = 2
	MessageTypePong         MessageType = 3
	MessageTypeClose        MessageType = 4
	MessageTypeStreamHeader MessageType = 5
	MessageTypeReady        MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeHello:
		return "HELLO"
	case MessageTypePing:
		return "PING"
	case MessageTypePong:
		return "PONG"
	case MessageTypeClose:
		return "CLOSE"
	case MessageTypeStreamHeader:
		return "STREAM_HEADER"
	case MessageTypeReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrInvalidType      = errors.New("protocol: invalid message type")
	ErrUnexpectedType   = errors.New("protocol: unexpected message type")
	ErrMalformedMessage = errors.New("protocol: malformed message")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor decoder mode: %v", err))
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR into v.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Encode returns a message payload: type byte followed by the CBOR body.
func Encode(t MessageType, body any) ([]byte, error) {
	if t == 0 {
		return nil, ErrInvalidType
	}
	b, err := Marshal(body)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(t)}, b...), nil
}

// Decode splits a message payload into its type and CBOR body.
func Decode(payload []byte) (MessageType, []byte, error) {
	if len(payload) < 2 || payload[0] == 0 {
		return 0, nil, ErrMalformedMessage
	}
	return MessageType(payload[0]), payload[1:], nil
}

// DecodeAs decodes payload into v, requiring type want.
func DecodeAs(payload []byte, want MessageType, v any) error {
	t, body, err := Decode(payload)
	if err != nil {
		return err
	}
	if t != want {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedType, t, want)
	}
	if err := Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, t, err)
	}
	return nil
}

// Ping is sent on the control stream by the keepalive loop.
type Ping struct {
	Seq    uint64 `cbor:"1,keyasint"`
	SentAt int64  `cbor:"2,keyasint"` // unix nanoseconds
}

// Pong answers the Ping with the same Seq.
type Pong struct {
	Seq uint64 `cbor:"1,keyasint"`
}

// Close announces an orderly shutdown.
type Close struct {
	Code   uint16 `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint,omitempty"`
}

// StreamKind distinguishes request/response streams from event streams.
type StreamKind uint8

const (
	StreamBidirectional  StreamKind = 1
	StreamUnidirectional StreamKind = 2
)

func (k StreamKind) String() string {
	switch k {
	case StreamBidirectional:
		return "bidi"
	case StreamUnidirectional:
		return "uni"
	default:
		return fmt.Sprintf("StreamKind(%d)", uint8(k))
	}
}

// StreamHeader is the first frame of every application stream.
type StreamHeader struct {
	Kind    StreamKind `cbor:"1,keyasint"`
	Service string     `cbor:"2,keyasint,omitempty"`
}

// Ready is the initiator's sealed key confirmation. The responder treats the
// session as established only after opening it.
type Ready struct {
	SessionID []byte `cbor:"1,keyasint"`
}
