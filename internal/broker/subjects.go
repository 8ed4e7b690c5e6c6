package broker

import (
	"strings"
)

// Subjects builds the subject names used by the tracker under one prefix.
type Subjects struct {
	Prefix string
}

func (s Subjects) join(parts ...string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "tracker"
	}
	for i, p := range parts {
		parts[i] = Token(p)
	}
	return prefix + "." + strings.Join(parts, ".")
}

// Start and Stop carry Command messages.
func (s Subjects) Start() string { return s.join("cmd", "start") }
func (s Subjects) Stop() string  { return s.join("cmd", "stop") }

// Fix carries device readings for one user.
func (s Subjects) Fix(userID string) string { return s.join("fix", userID) }

func (s Subjects) RidersChanged(tripID string) string   { return s.join("changed", "riders", tripID) }
func (s Subjects) PassagesChanged(tripID string) string { return s.join("changed", "passages", tripID) }

func (s Subjects) Session(tripID, userID string) string { return s.join("session", tripID, userID) }

// Command asks the tracker to start or stop a rider's session.
type Command struct {
	TripID       string `json:"tripId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	BoardStopID  string `json:"boardStopId,omitempty"`
	AlightStopID string `json:"alightStopId,omitempty"`
}

// Token makes s safe for use as a single subject token. Letters, digits,
// '-' and '_' pass through; every other byte becomes %XX, so distinct
// inputs always give distinct tokens. The empty string maps to "%".
func Token(s string) string {
	if s == "" {
		return "%"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if tokenSafe(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

const hexDigits = "0123456789ABCDEF"

func tokenSafe(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' || c == '-' || c == '_'
}
