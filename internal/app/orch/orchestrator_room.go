package orch

import (
	"context"

	"github.com/dkeye/StudyRoom/internal/app"
	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) join(ctx context.Context, sess *app.Session, req JoinRequest, b *outbox) (JoinResponse, error) {
	roomID, err := domain.ParseRoomID(req.RoomID)
	if err != nil {
		return JoinResponse{}, core.BadRequest("roomId: %v", err)
	}
	if req.MemberID == "" && o.JoinLimiter != nil {
		return JoinResponse{}, core.BadRequest("memberId required")
	}
	member, err := domain.ParseMemberID(req.MemberID)
	if err != nil {
		return JoinResponse{}, core.BadRequest("memberId: %v", err)
	}
	if o.JoinLimiter != nil && !o.JoinLimiter.Allow(member) {
		return JoinResponse{}, core.BadRequest("too many join attempts")
	}

	res, err := sess.Join(ctx, roomID, member, req.AppInfo)
	if err != nil {
		return JoinResponse{}, err
	}
	if res.Replaced != "" {
		// The member reconnected; the old connection goes away and its
		// teardown releases only what it introduced.
		log.Info().Str("module", "orch").Str("member", string(member)).Str("old_conn", string(res.Replaced)).Str("conn", string(sess.ID())).Msg("member taken over by new connection")
		o.Registry.Cancel(res.Replaced)
	}
	if res.Replaced == "" {
		o.Metrics.MemberJoined()
	}

	room := res.Room
	resp := JoinResponse{
		RoomID:          room.ID(),
		MemberID:        member,
		Members:         room.MembersWithStatus(),
		Producers:       []core.ProducerInfo{},
		RTPCapabilities: room.Router().Capabilities(),
	}
	for _, p := range room.Producers() {
		if p.Member != member {
			resp.Producers = append(resp.Producers, p)
		}
	}
	if s, ok := room.ActiveScreenShare(); ok {
		resp.ScreenShare = &s
	}

	b.add(room, others(room, sess.ID()), NoteRoomJoined, RoomJoinedNotice{MemberID: member, AppInfo: req.AppInfo})
	b.add(room, everyone(room), NoteRoomUpdate, RoomUpdateNotice{RoomID: room.ID(), Members: resp.Members})
	return resp, nil
}

func (o *Orchestrator) leave(sess *app.Session, b *outbox) LeaveResponse {
	res, ok := sess.Leave()
	if ok {
		o.noteLeave(b, sess.ID(), res)
	}
	return LeaveResponse{Left: ok}
}

func (o *Orchestrator) routerCapabilities(sess *app.Session) (core.RTPCapabilities, error) {
	room, _, err := joinedRoom(sess)
	if err != nil {
		return core.RTPCapabilities{}, err
	}
	return room.Router().Capabilities(), nil
}

// Evict disconnects every connection in the room.
func (o *Orchestrator) Evict(id domain.RoomID) int {
	room, ok := o.Rooms.Get(id)
	if !ok {
		return 0
	}
	n := 0
	for _, mc := range room.Connections() {
		if o.Registry.Cancel(mc.Conn) {
			n++
		}
	}
	return n
}

// Shutdown closes every live session.
func (o *Orchestrator) Shutdown() {
	for _, sess := range o.Registry.Sessions() {
		o.Registry.Cancel(sess.ID())
		o.Disconnect(sess)
	}
}
