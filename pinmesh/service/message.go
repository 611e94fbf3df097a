package service

import (
	"fmt"

	"github.com/TheusHen/pinmesh/pinmesh/protocol"
)

// Kind is the type of a service message.
type Kind uint8

const (
	KindRequest  Kind = 1
	KindResponse Kind = 2
	KindEvent    Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Status of a response.
type Status uint8

const (
	StatusOK       Status = 0
	StatusNotFound Status = 1
	StatusError    Status = 2
)

// Message travels as one frame on a service stream.
type Message struct {
	Kind          Kind   `cbor:"1,keyasint"`
	Path          string `cbor:"2,keyasint"`
	CorrelationID string `cbor:"3,keyasint,omitempty"`
	Payload       []byte `cbor:"4,keyasint,omitempty"`
	Status        Status `cbor:"5,keyasint,omitempty"`
	Error         string `cbor:"6,keyasint,omitempty"`
}

func encode(m *Message) ([]byte, error) {
	return protocol.Marshal(m)
}

func decode(b []byte) (*Message, error) {
	var m Message
	if err := protocol.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Kind < KindRequest || m.Kind > KindEvent {
		return nil, fmt.Errorf("%w: kind %d", ErrMalformedMessage, m.Kind)
	}
	return &m, nil
}
