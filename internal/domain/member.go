// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

const MaxMemberIDLen = 64

var (
	ErrMemberIDTooLong = errors.New("member id too long")
	ErrMemberIDEmpty   = errors.New("member id empty")
)

type MemberID string

// AppInfo is opaque client metadata attached to a member (display name, avatar, ...).
type AppInfo map[string]any

func (a AppInfo) Clone() AppInfo {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

// Member represents a participant of a room.
// No transport or lifecycle logic here.
type Member struct {
	ID       MemberID
	AppInfo  AppInfo
	JoinedAt time.Time
	// Conn is the connection currently speaking for this member.
	Conn ConnectionID
}

// ParseMemberID validates a client supplied member id.
// An empty id gets a fresh random one.
func ParseMemberID(raw string) (MemberID, error) {
	if len(raw) == 0 {
		return MemberID(uuid.NewString()), nil
	}
	if len(raw) > MaxMemberIDLen {
		return "", ErrMemberIDTooLong
	}
	return MemberID(raw), nil
}

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}
