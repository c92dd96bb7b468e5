package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/polydub/polydub-core/internal/protocol"
)

// ConnKind names the two independent sub-connections a room member may hold.
type ConnKind string

const (
	ConnAudio ConnKind = "audio"
	ConnVideo ConnKind = "video"
)

// Link is a live client connection as the registry sees it. The registry never
// writes to a link; delivery is the broadcast engine's job.
type Link interface {
	ID() string
	Alive() bool
}

// MemberConfig carries the per-member language and voice configuration parsed
// at handshake time. Empty fields leave the existing values untouched on
// reconnect.
type MemberConfig struct {
	SourceLanguage string
	TargetLanguage string
	VoiceID        string
}

// Member is a participant in a room. The two connection handles have
// independent lifecycles; the member exists while either is present.
type Member struct {
	UserID         string
	SourceLanguage string
	TargetLanguage string
	VoiceID        string
	VoicePrefs     map[string]string // speaker userID -> preferred voice
	Audio          Link
	Video          Link
}

type room struct {
	members map[string]*Member
}

// Target is one resolved fan-out recipient: a room member subscribed to a
// target language, with the synthesis voice already resolved against its
// per-speaker preference.
type Target struct {
	UserID string
	Voice  string
}

// Registry is the single owner of all room and broadcast-channel state. Every
// mutation happens under one lock; reads used during fan-out return snapshots
// so a member leaving mid-fan-out costs at most a skipped delivery.
type Registry struct {
	mu        sync.Mutex
	rooms     map[string]*room
	listeners map[string]map[string]Link // language -> link id -> link
	active    map[string]bool            // languages with a live broadcast speaker
	log       *slog.Logger
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		rooms:     make(map[string]*room),
		listeners: make(map[string]map[string]Link),
		active:    make(map[string]bool),
		log:       log.With(slog.String("component", "registry")),
	}
}

// JoinRoom upserts a member. A reconnect replaces the named connection handle
// and refreshes any non-empty config fields instead of duplicating the member.
// The second return reports whether the member is new to the room.
func (r *Registry) JoinRoom(roomID, userID string, cfg MemberConfig, kind ConnKind, link Link) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		rm = &room{members: make(map[string]*Member)}
		r.rooms[roomID] = rm
	}

	m := rm.members[userID]
	joined := m == nil
	if joined {
		m = &Member{UserID: userID, VoicePrefs: make(map[string]string)}
		rm.members[userID] = m
	}
	if cfg.SourceLanguage != "" {
		m.SourceLanguage = cfg.SourceLanguage
	}
	if cfg.TargetLanguage != "" {
		m.TargetLanguage = cfg.TargetLanguage
	}
	if cfg.VoiceID != "" {
		m.VoiceID = cfg.VoiceID
	}
	switch kind {
	case ConnAudio:
		m.Audio = link
	case ConnVideo:
		m.Video = link
	}

	r.log.Debug("member joined",
		slog.String("room", roomID),
		slog.String("user", userID),
		slog.String("kind", string(kind)))
	return *m, joined
}

// LeaveRoom clears only the named connection handle. The member is removed
// once both handles are absent, and the room once it has no members. The
// return reports whether the member is fully gone. Calling it again for the
// same connection is a no-op.
func (r *Registry) LeaveRoom(roomID, userID string, kind ConnKind) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return false
	}
	m := rm.members[userID]
	if m == nil {
		return false
	}
	switch kind {
	case ConnAudio:
		m.Audio = nil
	case ConnVideo:
		m.Video = nil
	}
	if m.Audio != nil || m.Video != nil {
		return false
	}
	delete(rm.members, userID)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
	}
	r.log.Debug("member left",
		slog.String("room", roomID),
		slog.String("user", userID))
	return true
}

// SetVoicePreference records a listener's synthesis voice for one specific
// speaker. In-flight synthesis keeps whatever voice it resolved at fan-out
// time.
func (r *Registry) SetVoicePreference(roomID, listenerID, speakerID, voiceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return false
	}
	m := rm.members[listenerID]
	if m == nil {
		return false
	}
	m.VoicePrefs[speakerID] = voiceID
	return true
}

// Participants returns the room-state view of everyone but excludeUserID.
func (r *Registry) Participants(roomID, excludeUserID string) []protocol.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return nil
	}
	out := make([]protocol.Participant, 0, len(rm.members))
	for id, m := range rm.members {
		if id == excludeUserID {
			continue
		}
		out = append(out, protocol.Participant{UserID: id, SourceLanguage: m.SourceLanguage})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// MemberIDs returns every member id except excludeUserID, for control-event
// delivery to the rest of the room.
func (r *Registry) MemberIDs(roomID, excludeUserID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return nil
	}
	out := make([]string, 0, len(rm.members))
	for id, m := range rm.members {
		if id == excludeUserID || m.Audio == nil {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// VideoMemberIDs is MemberIDs for the video sub-connection.
func (r *Registry) VideoMemberIDs(roomID, excludeUserID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return nil
	}
	out := make([]string, 0, len(rm.members))
	for id, m := range rm.members {
		if id == excludeUserID || m.Video == nil {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RoomTargetLanguages returns the distinct target languages configured by the
// members a speaker fans out to.
func (r *Registry) RoomTargetLanguages(roomID, speakerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return nil
	}
	seen := make(map[string]bool)
	for id, m := range rm.members {
		if id == speakerID || m.TargetLanguage == "" || m.Audio == nil {
			continue
		}
		seen[m.TargetLanguage] = true
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// RoomFanout resolves the listener set for one (speaker, target language)
// pair. Voice resolution is per listener: the listener's override for this
// speaker wins over the listener's own default voice. An empty voice means the
// language default applies downstream.
func (r *Registry) RoomFanout(roomID, speakerID, targetLang string) []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return nil
	}
	var out []Target
	for id, m := range rm.members {
		if id == speakerID || m.TargetLanguage != targetLang || m.Audio == nil {
			continue
		}
		voice := m.VoiceID
		if pref := m.VoicePrefs[speakerID]; pref != "" {
			voice = pref
		}
		out = append(out, Target{UserID: id, Voice: voice})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// AddCastListener registers a broadcast listener for a language and reports
// whether that language currently has a live speaker. Registration is
// independent of activity: a listener may join before any speaker starts.
func (r *Registry) AddCastListener(lang string, link Link) (active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.listeners[lang]
	if set == nil {
		set = make(map[string]Link)
		r.listeners[lang] = set
	}
	set[link.ID()] = link
	return r.active[lang]
}

// RemoveCastListener drops a listener from a language set. Safe to call twice.
func (r *Registry) RemoveCastListener(lang string, link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set := r.listeners[lang]; set != nil {
		delete(set, link.ID())
		if len(set) == 0 {
			delete(r.listeners, lang)
		}
	}
}

// CastListenerCount reports the size of a language's listener set.
func (r *Registry) CastListenerCount(lang string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[lang])
}

// ActivateCast marks languages as having a live broadcast speaker.
func (r *Registry) ActivateCast(langs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lang := range langs {
		r.active[lang] = true
	}
}

// DeactivateCast clears the active flag for the given languages. Listener sets
// are retained so registered listeners catch the next broadcast.
func (r *Registry) DeactivateCast(langs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lang := range langs {
		delete(r.active, lang)
	}
}

// CastActive reports whether a language currently has a live speaker.
func (r *Registry) CastActive(lang string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[lang]
}

// Stats returns coarse counts for the runtime gauges.
func (r *Registry) Stats() (rooms, members, listeners int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms = len(r.rooms)
	for _, rm := range r.rooms {
		members += len(rm.members)
	}
	for _, set := range r.listeners {
		listeners += len(set)
	}
	return rooms, members, listeners
}
