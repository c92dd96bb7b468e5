package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType discriminates JSON control messages on a relay connection.
// The set is closed: anything else is rejected at the transport boundary.
type MessageType string

const (
	TypeTranscript         MessageType = "transcript"
	TypePartial            MessageType = "partial"
	TypeError              MessageType = "error"
	TypeInfo               MessageType = "info"
	TypeUserJoined         MessageType = "user-joined"
	TypeUserLeft           MessageType = "user-left"
	TypeRoomState          MessageType = "room-state"
	TypeSetVoicePreference MessageType = "set-voice-preference"
	TypeVideoFrame         MessageType = "video-frame"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeTranscript, TypePartial, TypeError, TypeInfo,
		TypeUserJoined, TypeUserLeft, TypeRoomState,
		TypeSetVoicePreference, TypeVideoFrame:
		return true
	}
	return false
}

// Participant is the room-state view of a member.
type Participant struct {
	UserID         string `json:"userId"`
	SourceLanguage string `json:"sourceLanguage"`
}

// Control is the wire shape of every JSON message exchanged with clients.
// Unused fields are omitted per type.
type Control struct {
	Type MessageType `json:"type"`

	// transcript / partial
	Original       string `json:"original,omitempty"`
	Translated     string `json:"translated,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	TargetLanguage string `json:"targetLanguage,omitempty"`

	// user-joined / user-left / transcript attribution / video-frame
	UserID string `json:"userId,omitempty"`

	// error / info
	Message string `json:"message,omitempty"`

	// room-state
	Participants []Participant `json:"participants,omitempty"`

	// set-voice-preference
	PeerID  string `json:"peerId,omitempty"`
	VoiceID string `json:"voiceId,omitempty"`

	// video-frame payload, base64
	Data string `json:"data,omitempty"`
}

// ParseControl decodes a client text frame. An unknown or missing type is an
// error so the caller can fall back to treating the frame as audio.
func ParseControl(raw []byte) (Control, error) {
	var msg Control
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Control{}, fmt.Errorf("decode control message: %w", err)
	}
	if !msg.Type.Valid() {
		return Control{}, fmt.Errorf("unknown control message type %q", msg.Type)
	}
	return msg, nil
}

// Encode marshals a control message for the wire.
func (c Control) Encode() []byte {
	data, err := json.Marshal(c)
	if err != nil {
		return []byte(`{"type":"error","message":"encode failure"}`)
	}
	return data
}

func Info(message string) Control  { return Control{Type: TypeInfo, Message: message} }
func Error(message string) Control { return Control{Type: TypeError, Message: message} }

// Bus subjects. Every delivery flows over the embedded NATS bus: broadcast
// listeners subscribe to their language subject tree, room members to their own
// member subject tree. Per-publisher ordering on the bus preserves the
// transcript-before-audio generation order for a given (speaker, listener).
const (
	subjectCastPrefix = "polydub.cast"
	subjectRoomPrefix = "polydub.room"

	// KindText and KindEvent carry JSON control payloads, KindAudio carries a
	// raw synthesized segment, KindVideo a raw video frame.
	KindText  = "text"
	KindAudio = "audio"
	KindEvent = "event"
	KindVideo = "video"
)

// CastSubject addresses every listener of a broadcast language.
func CastSubject(lang, kind string) string {
	return subjectCastPrefix + "." + Token(lang) + "." + kind
}

// CastWildcard subscribes a listener connection to all traffic for a language.
func CastWildcard(lang string) string {
	return subjectCastPrefix + "." + Token(lang) + ".>"
}

// RoomMemberSubject addresses exactly one member of a room. Video traffic
// lives in a sibling subject outside the main tree so the control/audio socket
// and the video socket can each hold a single ordered subscription.
func RoomMemberSubject(roomID, userID, kind string) string {
	base := subjectRoomPrefix + "." + Token(roomID) + ".member." + Token(userID)
	if kind == KindVideo {
		return base + ".video"
	}
	return base + ".main." + kind
}

// RoomMemberWildcard subscribes a member's control/audio connection to all of
// its non-video traffic.
func RoomMemberWildcard(roomID, userID string) string {
	return subjectRoomPrefix + "." + Token(roomID) + ".member." + Token(userID) + ".main.>"
}

// RoomVideoSubject subscribes a member's video connection.
func RoomVideoSubject(roomID, userID string) string {
	return RoomMemberSubject(roomID, userID, KindVideo)
}

// SubjectKind reports the trailing kind token of a delivery subject.
func SubjectKind(subject string) string {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 {
		return ""
	}
	return subject[idx+1:]
}

// Token escapes a client-supplied identifier for use inside a NATS subject.
// Room ids and user names are free-form; dots and wildcard characters would
// otherwise change subject semantics. Rejected bytes become a %xx escape and
// '%' itself is escaped, so distinct identifiers never share a subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '.' || c == '*' || c == '>' || c < 0x21 || c > 0x7e {
			fmt.Fprintf(&b, "%%%02x", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
