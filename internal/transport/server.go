package transport

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polydub/polydub-core/internal/asr"
	"github.com/polydub/polydub-core/internal/cast"
	"github.com/polydub/polydub-core/internal/config"
	"github.com/polydub/polydub-core/internal/journal"
	"github.com/polydub/polydub-core/internal/pipeline"
	"github.com/polydub/polydub-core/internal/protocol"
	"github.com/polydub/polydub-core/internal/registry"
	"github.com/polydub/polydub-core/internal/synth"
	"github.com/polydub/polydub-core/internal/translate"
)

// Server is the transport boundary: it upgrades inbound connections, parses
// their role and configuration, and wires them into the registry, the
// broadcast engine and (for speaking roles) a speaker pipeline.
type Server struct {
	cfg     config.Config
	reg     *registry.Registry
	engine  *cast.Engine
	rec     asr.Recognizer
	tr      translate.Translator
	syn     synth.Synthesizer
	journal *journal.Store
	log     *slog.Logger

	upgrader websocket.Upgrader
	active   metric.Int64UpDownCounter
}

func NewServer(cfg config.Config, reg *registry.Registry, engine *cast.Engine,
	rec asr.Recognizer, tr translate.Translator, syn synth.Synthesizer,
	jrnl *journal.Store, log *slog.Logger) *Server {
	meter := otel.Meter("polydub/transport")
	active, _ := meter.Int64UpDownCounter("polydub.transport.connections",
		metric.WithDescription("Currently open client connections"))
	return &Server{
		cfg:     cfg,
		reg:     reg,
		engine:  engine,
		rec:     rec,
		tr:      tr,
		syn:     syn,
		journal: jrnl,
		log:     log.With(slog.String("component", "transport")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		active: active,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slogError(err))
		return
	}

	connID := uuid.NewString()
	conn := newConn(ws, connID, s.cfg.Relay.SendBuffer,
		time.Duration(s.cfg.Relay.WriteTimeoutMS)*time.Millisecond, s.log)

	hs, err := parseHandshake(r.URL.Query(), s.cfg.Relay)
	if err != nil {
		s.log.Warn("rejecting connection", slog.String("conn", connID), slogError(err))
		conn.CloseWithPolicyViolation(err.Error())
		return
	}

	attrs := metric.WithAttributes(attribute.String("role", string(hs.Role)))
	s.active.Add(r.Context(), 1, attrs)
	defer s.active.Add(context.Background(), -1, attrs)

	s.journalConnect(hs, connID)
	defer s.journalEvent(connID, "disconnected", "")

	switch hs.Role {
	case RoleHost:
		s.handleHost(conn, hs)
	case RoleListener:
		s.handleListener(conn, hs)
	case RoleHostVideo:
		s.handleHostVideo(conn, hs)
	case RoleListenerVideo:
		s.handleListenerVideo(conn, hs)
	case RoleMember:
		s.handleMember(conn, hs)
	case RoleMemberVideo:
		s.handleMemberVideo(conn, hs)
	}
}

// handleHost runs a broadcast speaker: its audio feeds one recognition
// pipeline fanning out to the language channels it targets.
func (s *Server) handleHost(conn *Conn, hs Handshake) {
	log := s.log.With(slog.String("conn", conn.ID()), slog.String("role", "host"))
	log.Info("host connected",
		slog.String("source", hs.SourceLanguage),
		slog.String("targets", strings.Join(hs.TargetLanguages, ",")))

	s.reg.ActivateCast(hs.TargetLanguages)
	s.journalEvent(conn.ID(), "broadcast-started", strings.Join(hs.TargetLanguages, ","))

	p := pipeline.New(pipeline.Config{
		Mode:                  pipeline.ModeBroadcast,
		SourceLanguage:        hs.SourceLanguage,
		DefaultSource:         s.cfg.Relay.DefaultSourceLanguage,
		TargetLanguages:       hs.TargetLanguages,
		PartialTargetLanguage: hs.TargetLanguages[0],
		SampleRate:            hs.SampleRate,
		PartialInterval:       time.Duration(s.cfg.Relay.PartialIntervalMS) * time.Millisecond,
		PartialTranslate:      s.cfg.Relay.PartialTranslate,
		ProviderTimeout:       time.Duration(s.cfg.Relay.ProviderTimeoutMS) * time.Millisecond,
		KeepAliveInterval:     time.Duration(s.cfg.Recognition.KeepAliveMS) * time.Millisecond,
		OnError: func(err error) {
			s.journalEvent(conn.ID(), "pipeline-error", err.Error())
		},
	}, s.rec, s.tr, s.syn, s.reg, s.engine, conn, s.log)

	defer func() {
		p.Stop()
		s.reg.DeactivateCast(hs.TargetLanguages)
		for _, lang := range hs.TargetLanguages {
			if err := s.engine.CastStatus(lang, protocol.Info("Host ended the broadcast.")); err != nil {
				log.Warn("failed to announce broadcast end", slog.String("target", lang), slogError(err))
			}
		}
		s.journalEvent(conn.ID(), "broadcast-ended", strings.Join(hs.TargetLanguages, ","))
		conn.Close()
		log.Info("host disconnected")
	}()

	if err := p.Start(context.Background()); err != nil {
		log.Warn("failed to start pipeline", slogError(err))
		s.journalEvent(conn.ID(), "pipeline-error", err.Error())
		conn.EnqueueText(protocol.Error("STT Error").Encode())
		return
	}

	s.readSpeakerFrames(conn, p, nil)
}

// handleListener registers a broadcast listener for one language. The
// listener always receives exactly one status event on join, then stays
// registered for future broadcasts regardless of current activity.
func (s *Server) handleListener(conn *Conn, hs Handshake) {
	log := s.log.With(slog.String("conn", conn.ID()), slog.String("role", "listener"))
	log.Info("listener connected", slog.String("lang", hs.Language))

	active := s.reg.AddCastListener(hs.Language, conn)
	receiver, err := s.engine.AttachCastListener(hs.Language, conn)
	if err != nil {
		log.Warn("failed to attach listener", slogError(err))
		s.reg.RemoveCastListener(hs.Language, conn)
		conn.Close()
		return
	}

	if active {
		conn.EnqueueText(protocol.Info("Connected to LIVE " + hs.Language + " broadcast.").Encode())
	} else {
		conn.EnqueueText(protocol.Error("Start a broadcast in " + hs.Language + " first.").Encode())
	}

	defer func() {
		receiver.Close()
		s.reg.RemoveCastListener(hs.Language, conn)
		conn.Close()
		log.Info("listener disconnected", slog.String("lang", hs.Language))
	}()

	s.drainFrames(conn)
}

// handleHostVideo relays raw webcam frames from a broadcast host to the
// channel's video viewers.
func (s *Server) handleHostVideo(conn *Conn, hs Handshake) {
	log := s.log.With(slog.String("conn", conn.ID()), slog.String("role", "host-video"))
	defer func() {
		conn.Close()
		log.Info("video host disconnected")
	}()

	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := s.engine.CastVideo(hs.Language, data); err != nil {
			log.Warn("failed to relay video frame", slogError(err))
		}
	}
}

func (s *Server) handleListenerVideo(conn *Conn, hs Handshake) {
	log := s.log.With(slog.String("conn", conn.ID()), slog.String("role", "listener-video"))
	receiver, err := s.engine.AttachCastVideo(hs.Language, conn)
	if err != nil {
		log.Warn("failed to attach video viewer", slogError(err))
		conn.Close()
		return
	}
	defer func() {
		receiver.Close()
		conn.Close()
		log.Info("video listener disconnected")
	}()

	s.drainFrames(conn)
}

// handleMember runs a full-duplex room participant: inbound audio feeds a
// room-mode pipeline, outbound traffic arrives via the member's bus subjects,
// and control messages mutate the member's registry state.
func (s *Server) handleMember(conn *Conn, hs Handshake) {
	log := s.log.With(
		slog.String("conn", conn.ID()),
		slog.String("room", hs.RoomID),
		slog.String("user", hs.UserID))
	log.Info("member connected",
		slog.String("source", hs.SourceLanguage),
		slog.String("target", hs.TargetLanguage))

	member, joined := s.reg.JoinRoom(hs.RoomID, hs.UserID, registry.MemberConfig{
		SourceLanguage: hs.SourceLanguage,
		TargetLanguage: hs.TargetLanguage,
		VoiceID:        hs.VoiceID,
	}, registry.ConnAudio, conn)

	receiver, err := s.engine.AttachRoomMember(hs.RoomID, hs.UserID, conn)
	if err != nil {
		log.Warn("failed to attach member", slogError(err))
		s.reg.LeaveRoom(hs.RoomID, hs.UserID, registry.ConnAudio)
		conn.Close()
		return
	}

	conn.EnqueueText(protocol.Control{
		Type:         protocol.TypeRoomState,
		Participants: s.reg.Participants(hs.RoomID, hs.UserID),
	}.Encode())

	if joined {
		s.broadcastRoomEvent(hs.RoomID, hs.UserID, protocol.Control{
			Type:           protocol.TypeUserJoined,
			UserID:         hs.UserID,
			SourceLanguage: member.SourceLanguage,
		})
	}

	p := pipeline.New(pipeline.Config{
		Mode:                  pipeline.ModeRoom,
		RoomID:                hs.RoomID,
		UserID:                hs.UserID,
		SourceLanguage:        member.SourceLanguage,
		DefaultSource:         s.cfg.Relay.DefaultSourceLanguage,
		PartialTargetLanguage: member.TargetLanguage,
		SampleRate:            hs.SampleRate,
		PartialInterval:       time.Duration(s.cfg.Relay.PartialIntervalMS) * time.Millisecond,
		PartialTranslate:      s.cfg.Relay.PartialTranslate,
		ProviderTimeout:       time.Duration(s.cfg.Relay.ProviderTimeoutMS) * time.Millisecond,
		KeepAliveInterval:     time.Duration(s.cfg.Recognition.KeepAliveMS) * time.Millisecond,
		OnError: func(err error) {
			s.journalEvent(conn.ID(), "pipeline-error", err.Error())
		},
	}, s.rec, s.tr, s.syn, s.reg, s.engine, conn, s.log)

	defer func() {
		p.Stop()
		receiver.Close()
		if removed := s.reg.LeaveRoom(hs.RoomID, hs.UserID, registry.ConnAudio); removed {
			s.broadcastRoomEvent(hs.RoomID, hs.UserID, protocol.Control{
				Type:   protocol.TypeUserLeft,
				UserID: hs.UserID,
			})
		}
		conn.Close()
		log.Info("member disconnected")
	}()

	if err := p.Start(context.Background()); err != nil {
		log.Warn("failed to start pipeline", slogError(err))
		s.journalEvent(conn.ID(), "pipeline-error", err.Error())
		conn.EnqueueText(protocol.Error("STT Error").Encode())
		return
	}

	s.readSpeakerFrames(conn, p, func(msg protocol.Control) {
		if msg.Type != protocol.TypeSetVoicePreference {
			return
		}
		if msg.PeerID == "" || msg.VoiceID == "" {
			return
		}
		if s.reg.SetVoicePreference(hs.RoomID, hs.UserID, msg.PeerID, msg.VoiceID) {
			log.Info("voice preference set",
				slog.String("peer", msg.PeerID), slog.String("voice", msg.VoiceID))
		}
	})
}

// handleMemberVideo relays a member's raw video frames to the other members'
// video connections, wrapped as base64 control messages.
func (s *Server) handleMemberVideo(conn *Conn, hs Handshake) {
	log := s.log.With(
		slog.String("conn", conn.ID()),
		slog.String("room", hs.RoomID),
		slog.String("user", hs.UserID),
		slog.String("role", "member-video"))

	s.reg.JoinRoom(hs.RoomID, hs.UserID, registry.MemberConfig{}, registry.ConnVideo, conn)

	receiver, err := s.engine.AttachRoomVideo(hs.RoomID, hs.UserID, conn)
	if err != nil {
		log.Warn("failed to attach video member", slogError(err))
		s.reg.LeaveRoom(hs.RoomID, hs.UserID, registry.ConnVideo)
		conn.Close()
		return
	}

	defer func() {
		receiver.Close()
		if removed := s.reg.LeaveRoom(hs.RoomID, hs.UserID, registry.ConnVideo); removed {
			s.broadcastRoomEvent(hs.RoomID, hs.UserID, protocol.Control{
				Type:   protocol.TypeUserLeft,
				UserID: hs.UserID,
			})
		}
		conn.Close()
		log.Info("video member disconnected")
	}()

	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame := protocol.Control{
			Type:   protocol.TypeVideoFrame,
			UserID: hs.UserID,
			Data:   base64.StdEncoding.EncodeToString(data),
		}
		for _, id := range s.reg.VideoMemberIDs(hs.RoomID, hs.UserID) {
			if err := s.engine.RoomVideo(hs.RoomID, id, frame); err != nil {
				log.Warn("failed to relay video frame", slog.String("user", id), slogError(err))
			}
		}
	}
}

// readSpeakerFrames is the shared read loop for speaking roles: binary frames
// feed the pipeline, text frames are parsed as control messages, and anything
// unparseable is still attempted as audio rather than treated as an error.
func (s *Server) readSpeakerFrames(conn *Conn, p *pipeline.Pipeline, onControl func(protocol.Control)) {
	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			p.PushAudio(data)
		case websocket.TextMessage:
			msg, err := protocol.ParseControl(data)
			if err != nil {
				p.PushAudio(data)
				continue
			}
			if onControl != nil {
				onControl(msg)
			}
		}
	}
}

// drainFrames consumes inbound frames from receive-only roles until the peer
// goes away, keeping pong handling alive.
func (s *Server) drainFrames(conn *Conn) {
	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcastRoomEvent(roomID, aboutUserID string, msg protocol.Control) {
	for _, id := range s.reg.MemberIDs(roomID, aboutUserID) {
		if err := s.engine.RoomEvent(roomID, id, msg); err != nil {
			s.log.Warn("failed to deliver room event",
				slog.String("room", roomID), slog.String("user", id), slogError(err))
		}
	}
}

func (s *Server) journalConnect(hs Handshake, connID string) {
	if s.journal == nil {
		return
	}
	lang := hs.Language
	if lang == "" {
		lang = hs.SourceLanguage
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.journal.AppendConnection(ctx, connID, string(hs.Role), hs.RoomID, lang); err != nil {
		s.log.Warn("failed to journal connection", slogError(err))
	}
}

func (s *Server) journalEvent(connID, eventType, detail string) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.journal.AppendEvent(ctx, journal.Event{
		ConnectionID: connID,
		Type:         eventType,
		Detail:       detail,
	}); err != nil {
		s.log.Warn("failed to journal event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
