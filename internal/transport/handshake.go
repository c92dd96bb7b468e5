package transport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/polydub/polydub-core/internal/config"
)

// Role is the closed set of connection roles, validated once at handshake
// time. Everything downstream switches on this enum rather than re-parsing
// query strings.
type Role string

const (
	RoleHost          Role = "host"
	RoleListener      Role = "listener"
	RoleMember        Role = "member"
	RoleMemberVideo   Role = "member-video"
	RoleHostVideo     Role = "host-video"
	RoleListenerVideo Role = "listener-video"
)

// Handshake is the parsed connection configuration.
type Handshake struct {
	Role Role

	// host
	SourceLanguage  string
	TargetLanguages []string
	SampleRate      int

	// listener / video channels
	Language string

	// room roles
	RoomID         string
	UserID         string
	TargetLanguage string
	VoiceID        string
}

// parseHandshake extracts the role and configuration from the connection's
// query parameters. A missing room or user identifier on a room role is a
// rejection: the connection gets a policy-violation close and no state.
func parseHandshake(q url.Values, defaults config.RelayConfig) (Handshake, error) {
	role := Role(q.Get("role"))
	if role == "" {
		role = RoleHost
	}

	hs := Handshake{Role: role}
	switch role {
	case RoleHost:
		hs.SourceLanguage = valueOr(q, "source", defaults.DefaultSourceLanguage)
		targets := valueOr(q, "targets", defaults.DefaultTargetLanguage)
		for _, t := range strings.Split(targets, ",") {
			if t = strings.TrimSpace(t); t != "" {
				hs.TargetLanguages = append(hs.TargetLanguages, t)
			}
		}
		if len(hs.TargetLanguages) == 0 {
			return hs, fmt.Errorf("host requires at least one target language")
		}
		hs.SampleRate = intOr(q, "sample_rate", defaults.DefaultSampleRate)
	case RoleListener:
		hs.Language = valueOr(q, "lang", defaults.DefaultTargetLanguage)
	case RoleHostVideo, RoleListenerVideo:
		hs.Language = valueOr(q, "channel", "main")
	case RoleMember:
		hs.RoomID = q.Get("room")
		hs.UserID = q.Get("user")
		if hs.RoomID == "" || hs.UserID == "" {
			return hs, fmt.Errorf("member requires room and user identifiers")
		}
		hs.SourceLanguage = valueOr(q, "source", defaults.DefaultSourceLanguage)
		hs.TargetLanguage = valueOr(q, "target", defaults.DefaultTargetLanguage)
		hs.VoiceID = q.Get("voice")
		hs.SampleRate = intOr(q, "sample_rate", defaults.DefaultSampleRate)
	case RoleMemberVideo:
		hs.RoomID = q.Get("room")
		hs.UserID = q.Get("user")
		if hs.RoomID == "" || hs.UserID == "" {
			return hs, fmt.Errorf("member-video requires room and user identifiers")
		}
	default:
		return hs, fmt.Errorf("unknown role %q", role)
	}
	return hs, nil
}

func valueOr(q url.Values, key, fallback string) string {
	if v := q.Get(key); v != "" {
		return v
	}
	return fallback
}

func intOr(q url.Values, key string, fallback int) int {
	if v := q.Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
