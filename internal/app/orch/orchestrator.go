// Package orch translates signaling requests into session and room
// operations and fans the resulting notifications out to the room.
package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/StudyRoom/internal/app"
	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/dkeye/StudyRoom/internal/metrics"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// JoinLimiter throttles join attempts per member id. With a limiter set,
// joins must name their member id.
type JoinLimiter interface {
	Allow(domain.MemberID) bool
}

type Orchestrator struct {
	Rooms    *core.RoomManager
	Registry *app.Registry
	Policy   app.Policy
	Metrics  *metrics.Metrics
	// JoinLimiter is optional.
	JoinLimiter          JoinLimiter
	MaxPendingCandidates int
}

// Connect creates the session for a new signaling connection. cancel tears
// the connection down from the adapter side.
func (o *Orchestrator) Connect(signal core.SignalConnection, cancel context.CancelFunc) *app.Session {
	sess := app.NewSession(domain.NewConnectionID(), signal, o.Rooms, o.MaxPendingCandidates)
	sess.OnLocalCandidate = o.onLocalCandidate
	o.Registry.Bind(sess, cancel)
	o.Metrics.SessionOpened()
	return sess
}

// Disconnect is the connection-close path: it releases everything the
// session held and tells the room. Safe to call more than once.
func (o *Orchestrator) Disconnect(sess *app.Session) {
	res, ok := sess.Close()
	if o.Registry.Unbind(sess.ID()) {
		o.Metrics.SessionClosed()
	}
	if !ok {
		return
	}
	var b outbox
	o.noteLeave(&b, sess.ID(), res)
	o.flush(&b)
}

// Handle processes one raw inbound frame: it acknowledges the request on
// the issuing connection and then delivers any notifications it produced.
func (o *Orchestrator) Handle(ctx context.Context, sess *app.Session, frame []byte) {
	var msg Inbound
	if err := json.Unmarshal(frame, &msg); err != nil {
		o.Metrics.Message("invalid", "error")
		o.reply(sess, 0, nil, core.BadRequest("malformed message: %v", err))
		return
	}
	if msg.Type == MsgPing {
		o.Metrics.Message(msg.Type, "ok")
		o.send(sess, NotePong, nil)
		return
	}

	var b outbox
	data, err := o.dispatch(ctx, sess, msg, &b)
	result := "ok"
	if err != nil {
		result = string(core.KindOf(err))
		var ue *core.UpstreamError
		if errors.As(err, &ue) {
			o.Metrics.EngineError(ue.Op)
			log.Error().Err(err).Str("module", "orch").Str("conn", string(sess.ID())).Str("type", msg.Type).Msg("engine call failed")
		} else {
			log.Debug().Err(err).Str("module", "orch").Str("conn", string(sess.ID())).Str("type", msg.Type).Msg("request failed")
		}
	}
	o.Metrics.Message(msg.Type, result)
	o.reply(sess, msg.ID, data, err)
	o.flush(&b)
}

func (o *Orchestrator) reply(sess *app.Session, id uint64, data any, err error) {
	var (
		f   core.Frame
		enc error
	)
	if err != nil {
		f, enc = EncodeError(id, err)
	} else {
		f, enc = EncodeAck(id, data)
	}
	if enc != nil {
		log.Error().Err(enc).Str("module", "orch").Msg("encode ack")
		return
	}
	if err := sess.Signal().TrySend(f); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conn", string(sess.ID())).Msg("ack not delivered")
	}
}

func (o *Orchestrator) send(sess *app.Session, typ string, data any) {
	f, err := EncodeNotification(typ, data)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", typ).Msg("encode notification")
		return
	}
	o.deliver(nil, sess.ID(), f)
}

func (o *Orchestrator) onLocalCandidate(sess *app.Session, tid domain.TransportID, c webrtc.ICECandidate) {
	o.send(sess, NoteICECandidate, ICECandidateNotice{TransportID: tid, Candidate: c})
}

// notice is one notification addressed to a set of connections.
type notice struct {
	room  *core.Room
	to    []domain.ConnectionID
	frame core.Frame
}

// outbox collects notifications produced while handling one request so
// they go out after its acknowledgement.
type outbox struct {
	notices []notice
}

func (b *outbox) add(room *core.Room, to []domain.ConnectionID, typ string, data any) {
	if len(to) == 0 {
		return
	}
	f, err := EncodeNotification(typ, data)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", typ).Msg("encode notification")
		return
	}
	b.notices = append(b.notices, notice{room: room, to: to, frame: f})
}

// others lists the room's connections except the given one.
func others(room *core.Room, except domain.ConnectionID) []domain.ConnectionID {
	conns := room.Connections()
	out := make([]domain.ConnectionID, 0, len(conns))
	for _, mc := range conns {
		if mc.Conn != except {
			out = append(out, mc.Conn)
		}
	}
	return out
}

func everyone(room *core.Room) []domain.ConnectionID {
	return others(room, "")
}

func (o *Orchestrator) flush(b *outbox) {
	for _, n := range b.notices {
		for _, conn := range n.to {
			o.deliver(n.room, conn, n.frame)
		}
	}
	b.notices = nil
}

// deliver sends f without blocking. A full queue is handed to the policy.
func (o *Orchestrator) deliver(room *core.Room, conn domain.ConnectionID, f core.Frame) {
	sess, ok := o.Registry.Get(conn)
	if !ok {
		return
	}
	err := sess.Signal().TrySend(f)
	if err == nil {
		return
	}
	if !errors.Is(err, core.ErrBackpressure) {
		log.Debug().Err(err).Str("module", "orch").Str("conn", string(conn)).Msg("notification not delivered")
		return
	}
	o.Metrics.NotificationDropped()
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, conn) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("conn", string(conn)).Msg("slow connection kicked")
		o.Registry.Cancel(conn)
	case app.MarkSlow, app.DropFrame, app.NoAction:
	}
}

// noteLeave queues what the room must hear after conn left or closed.
func (o *Orchestrator) noteLeave(b *outbox, conn domain.ConnectionID, res app.LeaveResult) {
	room := res.Room
	o.noteReleased(b, room, conn, res.Released)
	if res.Released.Share != nil {
		s := res.Released.Share
		b.add(room, others(room, conn), NoteScreenShareStopped, ScreenShareStoppedNotice{MemberID: s.Member, ProducerID: s.Producer})
	}
	if res.Removed {
		o.Metrics.MemberLeft()
		if !res.RoomDestroyed {
			b.add(room, everyone(room), NoteRoomUpdate, RoomUpdateNotice{RoomID: room.ID(), Members: room.MembersWithStatus()})
		}
	}
}

// noteReleased tells every consumer owner other than skip that its consumer
// is gone.
func (o *Orchestrator) noteReleased(b *outbox, room *core.Room, skip domain.ConnectionID, rel core.Released) {
	for _, c := range rel.Consumers {
		if c.Owner.Conn == skip {
			continue
		}
		b.add(room, []domain.ConnectionID{c.Owner.Conn}, NoteConsumerClosed, ConsumerClosedNotice{
			ConsumerID: c.Handle.ID(),
			ProducerID: c.Handle.ProducerID(),
		})
	}
}
