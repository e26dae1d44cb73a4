package orch

import (
	"context"

	"github.com/dkeye/StudyRoom/internal/app"
	"github.com/dkeye/StudyRoom/internal/core"
)

// startScreenShare preempts any active share. The preempted sharer hears
// screenShareStopped before everyone hears newScreenShare.
func (o *Orchestrator) startScreenShare(ctx context.Context, sess *app.Session, req StartScreenShareRequest, b *outbox) (ProducerResponse, error) {
	room, member, err := joinedRoom(sess)
	if err != nil {
		return ProducerResponse{}, err
	}
	p, out, err := sess.StartScreenShare(ctx, req.RTPParameters, req.Meta)
	if err != nil {
		return ProducerResponse{}, err
	}
	o.Metrics.ScreenShareStarted()

	rest := others(room, sess.ID())
	if prev := out.Previous; prev != nil {
		b.add(room, rest, NoteScreenShareStopped, ScreenShareStoppedNotice{MemberID: prev.Member, ProducerID: prev.Producer})
	}
	o.noteReleased(b, room, "", out.Released)
	b.add(room, rest, NoteNewScreenShare, core.ScreenShare{Member: member, Producer: p.ID(), Meta: req.Meta})
	return ProducerResponse{ProducerID: p.ID()}, nil
}

func (o *Orchestrator) stopScreenShare(sess *app.Session, b *outbox) (ScreenShareStoppedNotice, error) {
	room, _, err := joinedRoom(sess)
	if err != nil {
		return ScreenShareStoppedNotice{}, err
	}
	share, rel, err := sess.StopScreenShare()
	if err != nil {
		return ScreenShareStoppedNotice{}, err
	}
	o.noteReleased(b, room, "", rel)
	n := ScreenShareStoppedNotice{MemberID: share.Member, ProducerID: share.Producer}
	b.add(room, others(room, sess.ID()), NoteScreenShareStopped, n)
	return n, nil
}
