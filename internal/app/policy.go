package app

import (
	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a connection whose outbound queue is full.
type Policy interface {
	OnBackPressure(room *core.Room, conn domain.ConnectionID) BackpressureAction
}

// SimplePolicy disconnects slow connections; the normal cleanup path then
// releases everything they held.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room *core.Room, conn domain.ConnectionID) BackpressureAction {
	return KickMember
}

// DropPolicy only drops the notification.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(room *core.Room, conn domain.ConnectionID) BackpressureAction {
	return DropFrame
}
