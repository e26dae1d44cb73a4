package core

import "github.com/dkeye/StudyRoom/internal/domain"

// ScreenShare is the single live screen share of a room.
type ScreenShare struct {
	Member   domain.MemberID   `json:"memberId"`
	Producer domain.ProducerID `json:"producerId"`
	Meta     domain.AppInfo    `json:"meta,omitempty"`
}

type ShareDecision int

const (
	ShareProceed ShareDecision = iota
	SharePreempt
)

// ShareStart is the outcome of ScreenShareArbiter.Start. With SharePreempt,
// Previous names the share that lost its slot; its producer must be closed.
type ShareStart struct {
	Decision ShareDecision
	Previous ScreenShare
}

// ScreenShareArbiter allows at most one active screen share. It has no lock of
// its own: Room calls it while holding the room lock, which is what orders
// concurrent starts.
type ScreenShareArbiter struct {
	active *ScreenShare
}

func (a *ScreenShareArbiter) Active() (ScreenShare, bool) {
	if a.active == nil {
		return ScreenShare{}, false
	}
	return *a.active, true
}

// Start moves to Sharing for member. A share by anyone, including member
// itself, is preempted and reported back.
func (a *ScreenShareArbiter) Start(member domain.MemberID, producer domain.ProducerID, meta domain.AppInfo) ShareStart {
	res := ShareStart{Decision: ShareProceed}
	if a.active != nil {
		res = ShareStart{Decision: SharePreempt, Previous: *a.active}
	}
	a.active = &ScreenShare{Member: member, Producer: producer, Meta: meta.Clone()}
	return res
}

// Stop ends the share if member is the current sharer.
func (a *ScreenShareArbiter) Stop(member domain.MemberID) (ScreenShare, error) {
	if a.active == nil || a.active.Member != member {
		return ScreenShare{}, ErrScreenShareRejected
	}
	prev := *a.active
	a.active = nil
	return prev, nil
}

// producerGone clears the share when its producer left the registry.
func (a *ScreenShareArbiter) producerGone(id domain.ProducerID) (ScreenShare, bool) {
	if a.active == nil || a.active.Producer != id {
		return ScreenShare{}, false
	}
	prev := *a.active
	a.active = nil
	return prev, true
}
