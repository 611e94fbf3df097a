// Package service dispatches session streams to named handlers.
//
// A request/response exchange runs on one bidirectional stream whose header
// names the service; events run on unidirectional streams whose header names
// the topic. Every message is a CBOR Message in one sealed frame.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/internal/logging"
	"github.com/TheusHen/pinmesh/pinmesh/protocol"
	"github.com/TheusHen/pinmesh/pinmesh/session"
)

var (
	ErrUnknownService    = errors.New("service: unknown service")
	ErrDuplicateService  = errors.New("service: already registered")
	ErrInvalidName       = errors.New("service: invalid name")
	ErrMalformedMessage  = errors.New("service: malformed message")
	ErrUnexpectedMessage = errors.New("service: unexpected message")
	ErrRemote            = errors.New("service: remote handler failed")
)

var logger = logging.Logger("service")

// Request is handed to a Handler.
type Request struct {
	From          identity.NodeID
	Service       string
	Path          string
	CorrelationID string
	Payload       []byte
}

type Handler interface {
	Serve(ctx context.Context, req *Request) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

func (f HandlerFunc) Serve(ctx context.Context, req *Request) ([]byte, error) { return f(ctx, req) }

// Event is handed to an EventHandler.
type Event struct {
	From    identity.NodeID
	Topic   string
	Path    string
	Payload []byte
}

type EventHandler func(ctx context.Context, ev *Event)

// StreamHandler takes over a whole stream instead of exchanging messages.
// The registry closes the stream when it returns.
type StreamHandler func(ctx context.Context, st *session.Stream) error

// Registry maps service names to handlers and topics to subscribers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	streams  map[string]StreamHandler
	topics   map[string][]EventHandler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: map[string]Handler{},
		streams:  map[string]StreamHandler{},
		topics:   map[string][]EventHandler{},
	}
}

func (r *Registry) Handle(name string, h Handler) error {
	if name == "" || h == nil {
		return ErrInvalidName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(name) {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	r.handlers[name] = h
	return nil
}

// HandleStream routes every stream opened for name to h.
func (r *Registry) HandleStream(name string, h StreamHandler) error {
	if name == "" || h == nil {
		return ErrInvalidName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(name) {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	r.streams[name] = h
	return nil
}

func (r *Registry) taken(name string) bool {
	_, h := r.handlers[name]
	_, s := r.streams[name]
	return h || s
}

func (r *Registry) HandleFunc(name string, f func(ctx context.Context, req *Request) ([]byte, error)) error {
	return r.Handle(name, HandlerFunc(f))
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
	delete(r.streams, name)
}

// Subscribe adds h to the subscribers of topic.
func (r *Registry) Subscribe(topic string, h EventHandler) error {
	if topic == "" || h == nil {
		return ErrInvalidName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[topic] = append(r.topics[topic], h)
	return nil
}

// Services lists the registered service names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers)+len(r.streams))
	for name := range r.handlers {
		out = append(out, name)
	}
	for name := range r.streams {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) streamHandler(name string) (StreamHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.streams[name]
	return h, ok
}

func (r *Registry) subscribers(topic string) []EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EventHandler(nil), r.topics[topic]...)
}

// Serve accepts streams from sess until it closes or ctx ends, handling each
// stream in its own goroutine.
func (r *Registry) Serve(ctx context.Context, sess *session.Session) error {
	for {
		st, err := sess.AcceptStream(ctx)
		if err != nil {
			if errors.Is(err, session.ErrSessionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := r.ServeStream(ctx, st); err != nil {
				logger.Debug("stream failed", "service", st.Service(), "error", err)
			}
		}()
	}
}

// ServeStream handles one accepted stream.
func (r *Registry) ServeStream(ctx context.Context, st *session.Stream) error {
	defer st.Close()
	from := st.Session().RemoteNodeID()

	if h, ok := r.streamHandler(st.Service()); ok {
		return h(ctx, st)
	}

	if st.Kind() == protocol.StreamUnidirectional {
		return r.serveEvents(ctx, st, from)
	}

	frame, err := st.ReadFrame(ctx)
	if err != nil {
		return err
	}
	msg, err := decode(frame)
	if err != nil {
		st.Reset()
		return err
	}
	if msg.Kind != KindRequest {
		st.Reset()
		return fmt.Errorf("%w: %s on request stream", ErrUnexpectedMessage, msg.Kind)
	}

	resp := &Message{Kind: KindResponse, Path: msg.Path, CorrelationID: msg.CorrelationID}
	if h, ok := r.handler(st.Service()); !ok {
		resp.Status, resp.Error = StatusNotFound, st.Service()
	} else {
		out, err := h.Serve(ctx, &Request{
			From:          from,
			Service:       st.Service(),
			Path:          msg.Path,
			CorrelationID: msg.CorrelationID,
			Payload:       msg.Payload,
		})
		if err != nil {
			resp.Status, resp.Error = StatusError, err.Error()
		} else {
			resp.Payload = out
		}
	}
	b, err := encode(resp)
	if err != nil {
		return err
	}
	if err := st.WriteFrame(ctx, b); err != nil {
		return err
	}
	return st.CloseWrite()
}

func (r *Registry) serveEvents(ctx context.Context, st *session.Stream, from identity.NodeID) error {
	for {
		frame, err := st.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		msg, err := decode(frame)
		if err != nil {
			return err
		}
		if msg.Kind != KindEvent {
			return fmt.Errorf("%w: %s on event stream", ErrUnexpectedMessage, msg.Kind)
		}
		subs := r.subscribers(st.Service())
		if len(subs) == 0 {
			logger.Debug("event without subscribers", "topic", st.Service())
		}
		for _, h := range subs {
			h(ctx, &Event{From: from, Topic: st.Service(), Path: msg.Path, Payload: msg.Payload})
		}
	}
}

// Call sends one request to service on the peer of sess and waits for the
// response payload.
func Call(ctx context.Context, sess *session.Session, service, path string, payload []byte) ([]byte, error) {
	st, err := sess.OpenStream(ctx, protocol.StreamBidirectional, service)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	req := &Message{Kind: KindRequest, Path: path, CorrelationID: uuid.NewString(), Payload: payload}
	b, err := encode(req)
	if err != nil {
		return nil, err
	}
	if err := st.WriteFrame(ctx, b); err != nil {
		return nil, err
	}
	if err := st.CloseWrite(); err != nil {
		return nil, err
	}

	frame, err := st.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := decode(frame)
	if err != nil {
		return nil, err
	}
	if resp.Kind != KindResponse || resp.CorrelationID != req.CorrelationID {
		return nil, fmt.Errorf("%w: %s %q", ErrUnexpectedMessage, resp.Kind, resp.CorrelationID)
	}
	switch resp.Status {
	case StatusOK:
		return resp.Payload, nil
	case StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, resp.Error)
	default:
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
}

// Publisher sends events on one unidirectional stream.
type Publisher struct {
	st *session.Stream
}

// NewPublisher opens an event stream for topic.
func NewPublisher(ctx context.Context, sess *session.Session, topic string) (*Publisher, error) {
	st, err := sess.OpenStream(ctx, protocol.StreamUnidirectional, topic)
	if err != nil {
		return nil, err
	}
	return &Publisher{st: st}, nil
}

func (p *Publisher) Publish(ctx context.Context, path string, payload []byte) error {
	b, err := encode(&Message{Kind: KindEvent, Path: path, Payload: payload})
	if err != nil {
		return err
	}
	return p.st.WriteFrame(ctx, b)
}

func (p *Publisher) Close() error { return p.st.Close() }

// Publish sends a single event to topic.
func Publish(ctx context.Context, sess *session.Session, topic, path string, payload []byte) error {
	p, err := NewPublisher(ctx, sess, topic)
	if err != nil {
		return err
	}
	if err := p.Publish(ctx, path, payload); err != nil {
		p.st.Reset()
		return err
	}
	return p.Close()
}
