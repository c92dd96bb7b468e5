package cast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polydub/polydub-core/internal/bus"
	"github.com/polydub/polydub-core/internal/protocol"
)

// Sink is the outbound side of a client connection. Enqueue calls never block:
// a full queue reports false and the message is dropped for that recipient
// only. Removal of dead sinks is the connection close handler's job, so the
// engine skips them silently.
type Sink interface {
	ID() string
	Alive() bool
	EnqueueText(data []byte) bool
	EnqueueBinary(data []byte) bool
}

// Engine fans transcript, audio and status events out to listener sets by
// publishing them on the bus. Each connection attaches a Receiver holding a
// single ordered subscription, which keeps per-(speaker, listener) delivery in
// generation order while isolating slow or failed recipients from each other.
type Engine struct {
	bus *bus.Client
	log *slog.Logger

	delivered metric.Int64Counter
	dropped   metric.Int64Counter
}

func NewEngine(busClient *bus.Client, log *slog.Logger) *Engine {
	meter := otel.Meter("polydub/cast")
	delivered, _ := meter.Int64Counter("polydub.cast.delivered",
		metric.WithDescription("Events delivered to client connections"))
	dropped, _ := meter.Int64Counter("polydub.cast.dropped",
		metric.WithDescription("Events dropped due to dead or saturated connections"))
	return &Engine{
		bus:       busClient,
		log:       log.With(slog.String("component", "cast")),
		delivered: delivered,
		dropped:   dropped,
	}
}

// CastText delivers a transcript event to every listener of a broadcast
// language.
func (e *Engine) CastText(lang string, msg protocol.Control) error {
	return e.publish(protocol.CastSubject(lang, protocol.KindText), msg.Encode())
}

// CastSegment delivers one synthesized audio segment to every listener of a
// broadcast language.
func (e *Engine) CastSegment(lang string, segment []byte) error {
	return e.publish(protocol.CastSubject(lang, protocol.KindAudio), segment)
}

// CastStatus delivers a one-time status event (for example the end of a
// broadcast) to every current listener of a language.
func (e *Engine) CastStatus(lang string, msg protocol.Control) error {
	return e.publish(protocol.CastSubject(lang, protocol.KindEvent), msg.Encode())
}

// CastVideo relays a raw broadcast video frame to every listener of a
// language.
func (e *Engine) CastVideo(lang string, frame []byte) error {
	return e.publish(protocol.CastSubject(lang, protocol.KindVideo), frame)
}

// RoomText delivers a transcript event to exactly one room member.
func (e *Engine) RoomText(roomID, userID string, msg protocol.Control) error {
	return e.publish(protocol.RoomMemberSubject(roomID, userID, protocol.KindText), msg.Encode())
}

// RoomSegment delivers one synthesized audio segment to exactly one room
// member.
func (e *Engine) RoomSegment(roomID, userID string, segment []byte) error {
	return e.publish(protocol.RoomMemberSubject(roomID, userID, protocol.KindAudio), segment)
}

// RoomEvent delivers a control event (member joined/left, room state) to
// exactly one room member.
func (e *Engine) RoomEvent(roomID, userID string, msg protocol.Control) error {
	return e.publish(protocol.RoomMemberSubject(roomID, userID, protocol.KindEvent), msg.Encode())
}

// RoomVideo delivers a base64-wrapped video frame to one member's video
// connection.
func (e *Engine) RoomVideo(roomID, userID string, msg protocol.Control) error {
	return e.publish(protocol.RoomVideoSubject(roomID, userID), msg.Encode())
}

func (e *Engine) publish(subject string, data []byte) error {
	if err := e.bus.Conn().Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Receiver pumps one connection's subscription into its outbound queue.
type Receiver struct {
	sub *nats.Subscription
}

// Close detaches the receiver. Safe to call more than once.
func (r *Receiver) Close() {
	if r == nil || r.sub == nil {
		return
	}
	_ = r.sub.Unsubscribe()
	r.sub = nil
}

// AttachCastListener subscribes a broadcast listener connection to all traffic
// for its language. Text and status events arrive as JSON text frames, audio
// segments and video frames as binary frames.
func (e *Engine) AttachCastListener(lang string, sink Sink) (*Receiver, error) {
	handler := func(msg *nats.Msg) {
		switch protocol.SubjectKind(msg.Subject) {
		case protocol.KindAudio, protocol.KindVideo:
			e.track(sink.EnqueueBinary(msg.Data), "cast")
		default:
			e.track(sink.EnqueueText(msg.Data), "cast")
		}
	}
	sub, err := e.bus.Conn().Subscribe(protocol.CastWildcard(lang), handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe cast listener: %w", err)
	}
	return &Receiver{sub: sub}, nil
}

// AttachCastVideo subscribes a broadcast video viewer to a channel's raw
// frame feed only.
func (e *Engine) AttachCastVideo(channel string, sink Sink) (*Receiver, error) {
	handler := func(msg *nats.Msg) {
		e.track(sink.EnqueueBinary(msg.Data), "cast-video")
	}
	sub, err := e.bus.Conn().Subscribe(protocol.CastSubject(channel, protocol.KindVideo), handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe cast video: %w", err)
	}
	return &Receiver{sub: sub}, nil
}

// AttachRoomMember subscribes a member's control/audio connection to its own
// delivery subject tree.
func (e *Engine) AttachRoomMember(roomID, userID string, sink Sink) (*Receiver, error) {
	handler := func(msg *nats.Msg) {
		switch protocol.SubjectKind(msg.Subject) {
		case protocol.KindAudio:
			e.track(sink.EnqueueBinary(msg.Data), "room")
		default:
			e.track(sink.EnqueueText(msg.Data), "room")
		}
	}
	sub, err := e.bus.Conn().Subscribe(protocol.RoomMemberWildcard(roomID, userID), handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe room member: %w", err)
	}
	return &Receiver{sub: sub}, nil
}

// AttachRoomVideo subscribes a member's video connection. Room video frames
// are JSON control messages carrying base64 payloads.
func (e *Engine) AttachRoomVideo(roomID, userID string, sink Sink) (*Receiver, error) {
	handler := func(msg *nats.Msg) {
		e.track(sink.EnqueueText(msg.Data), "room-video")
	}
	sub, err := e.bus.Conn().Subscribe(protocol.RoomVideoSubject(roomID, userID), handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe room video: %w", err)
	}
	return &Receiver{sub: sub}, nil
}

func (e *Engine) track(enqueued bool, mode string) {
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	if enqueued {
		e.delivered.Add(context.Background(), 1, attrs)
	} else {
		e.dropped.Add(context.Background(), 1, attrs)
	}
}
