package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type SessionState int

const (
	StateConnected SessionState = iota
	StateJoined
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// JoinResult describes a successful join.
type JoinResult struct {
	Room   *core.Room
	Member domain.MemberID
	// Replaced is the connection that spoke for Member before this join.
	Replaced domain.ConnectionID
}

// LeaveResult describes what a leave or close released.
type LeaveResult struct {
	Room          *core.Room
	Member        domain.MemberID
	Removed       bool
	Released      core.Released
	RoomDestroyed bool
}

// Session is the state of one signaling connection:
// Connected -> Joined -> (Connected via leave) ... -> Closed.
//
// Engine calls run without the session lock. Every operation snapshots the
// join epoch before the call and commits only if the epoch is unchanged, so a
// leave or close racing an in-flight call makes that call roll back.
type Session struct {
	id     domain.ConnectionID
	signal core.SignalConnection
	rooms  *core.RoomManager

	// OnLocalCandidate receives candidates the engine gathered late.
	OnLocalCandidate func(s *Session, transport domain.TransportID, c webrtc.ICECandidate)

	mu         sync.Mutex
	state      SessionState
	epoch      uint64
	room       *core.Room
	member     domain.MemberID
	transports map[domain.Direction]core.Transport
	ice        *iceQueue
}

func NewSession(id domain.ConnectionID, signal core.SignalConnection, rooms *core.RoomManager, maxPendingCandidates int) *Session {
	return &Session{
		id:         id,
		signal:     signal,
		rooms:      rooms,
		transports: make(map[domain.Direction]core.Transport),
		ice:        newICEQueue(maxPendingCandidates),
	}
}

func (s *Session) ID() domain.ConnectionID        { return s.id }
func (s *Session) Signal() core.SignalConnection { return s.signal }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the joined room and member.
func (s *Session) Room() (*core.Room, domain.MemberID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return nil, "", false
	}
	return s.room, s.member, true
}

// TransportIDs lists owned transports.
func (s *Session) TransportIDs() []domain.TransportID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TransportID, 0, len(s.transports))
	for _, t := range s.transports {
		out = append(out, t.ID())
	}
	return out
}

func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ice.len()
}

type joined struct {
	room  *core.Room
	owner core.Owner
	epoch uint64
}

func (s *Session) joinedLocked() (joined, error) {
	switch s.state {
	case StateClosed:
		return joined{}, core.ErrSessionClosed
	case StateConnected:
		return joined{}, core.ErrNotJoined
	}
	return joined{room: s.room, owner: core.Owner{Member: s.member, Conn: s.id}, epoch: s.epoch}, nil
}

func (s *Session) snapshot() (joined, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinedLocked()
}

// commitLocked re-checks that the join an operation started under is still live.
func (s *Session) commitLocked(j joined) error {
	if s.state != StateJoined || s.epoch != j.epoch {
		return core.ErrSessionClosed
	}
	return nil
}

func (s *Session) logger() *zerolog.Logger {
	l := log.With().Str("module", "app.session").Str("conn", string(s.id)).Logger()
	return &l
}

// Join resolves or creates the room and registers the member.
func (s *Session) Join(ctx context.Context, roomID domain.RoomID, member domain.MemberID, info domain.AppInfo) (JoinResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return JoinResult{}, core.ErrSessionClosed
	case StateJoined:
		s.mu.Unlock()
		return JoinResult{}, core.ErrAlreadyJoined
	}
	s.mu.Unlock()

	for {
		room, err := s.rooms.GetOrCreate(ctx, roomID)
		if err != nil {
			return JoinResult{}, err
		}

		s.mu.Lock()
		if s.state != StateConnected {
			state := s.state
			s.mu.Unlock()
			s.rooms.RemoveIfEmpty(room)
			if state == StateJoined {
				return JoinResult{}, core.ErrAlreadyJoined
			}
			return JoinResult{}, core.ErrSessionClosed
		}
		prev, err := room.AddMember(member, info, s.id)
		if errors.Is(err, core.ErrRoomClosed) {
			s.mu.Unlock()
			continue
		}
		if err != nil {
			s.mu.Unlock()
			s.rooms.RemoveIfEmpty(room)
			return JoinResult{}, err
		}
		s.state = StateJoined
		s.epoch++
		s.room = room
		s.member = member
		s.mu.Unlock()

		s.logger().Info().Str("room", string(roomID)).Str("member", string(member)).Msg("joined")
		return JoinResult{Room: room, Member: member, Replaced: prev}, nil
	}
}

// CreateTransport returns the session's transport for dir, creating it on
// first use. Repeating the request returns the existing transport, so a
// client retrying after a lost acknowledgement gets the same descriptor.
func (s *Session) CreateTransport(ctx context.Context, dir domain.Direction) (core.TransportParameters, error) {
	if !dir.Valid() {
		return core.TransportParameters{}, core.BadRequest("invalid direction %q", dir)
	}
	s.mu.Lock()
	j, err := s.joinedLocked()
	if err != nil {
		s.mu.Unlock()
		return core.TransportParameters{}, err
	}
	if t, ok := s.transports[dir]; ok {
		s.mu.Unlock()
		return t.Parameters(), nil
	}
	s.mu.Unlock()

	t, err := j.room.Router().CreateTransport(ctx, dir)
	if err != nil {
		return core.TransportParameters{}, core.Upstream("createTransport", err)
	}

	s.mu.Lock()
	if err := s.commitLocked(j); err != nil {
		s.mu.Unlock()
		closeHandle(t.Close, "transport", string(t.ID()))
		return core.TransportParameters{}, err
	}
	if existing, ok := s.transports[dir]; ok {
		s.mu.Unlock()
		closeHandle(t.Close, "transport", string(t.ID()))
		return existing.Parameters(), nil
	}
	if err := j.room.AddTransport(j.owner, t); err != nil {
		s.mu.Unlock()
		closeHandle(t.Close, "transport", string(t.ID()))
		return core.TransportParameters{}, err
	}
	s.transports[dir] = t
	queued := s.ice.take(dir)
	s.mu.Unlock()

	tid := t.ID()
	t.OnICECandidate(func(c webrtc.ICECandidate) {
		if cb := s.OnLocalCandidate; cb != nil {
			cb(s, tid, c)
		}
	})
	for _, c := range queued {
		if err := t.AddICECandidate(ctx, c); err != nil {
			s.logger().Warn().Err(err).Str("transport", string(tid)).Msg("flush queued candidate")
		}
	}
	s.logger().Info().Str("transport", string(tid)).Str("direction", string(dir)).Int("flushed", len(queued)).Msg("transport created")
	return t.Parameters(), nil
}

func (s *Session) ownedLocked(id domain.TransportID) (core.Transport, bool) {
	for _, t := range s.transports {
		if t.ID() == id {
			return t, true
		}
	}
	return nil, false
}

func (s *Session) transport(id domain.TransportID) (core.Transport, joined, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.joinedLocked()
	if err != nil {
		return nil, joined{}, err
	}
	t, ok := s.ownedLocked(id)
	if !ok {
		return nil, joined{}, core.ErrTransportNotFound
	}
	return t, j, nil
}

func (s *Session) ConnectTransport(ctx context.Context, id domain.TransportID, params core.ConnectParameters) error {
	t, _, err := s.transport(id)
	if err != nil {
		return err
	}
	if err := t.Connect(ctx, params); err != nil {
		if errors.Is(err, core.ErrHandleClosed) {
			return core.ErrTransportNotFound
		}
		return core.Upstream("connectTransport", err)
	}
	return nil
}

// Produce creates a producer on an owned send transport.
func (s *Session) Produce(ctx context.Context, id domain.TransportID, kind domain.MediaKind, params core.RTPParameters) (core.Producer, error) {
	if !kind.Valid() {
		return nil, core.BadRequest("invalid kind %q", kind)
	}
	t, j, err := s.transport(id)
	if err != nil {
		return nil, err
	}
	if t.Direction() != domain.DirectionSend {
		return nil, core.BadRequest("transport %s is not a send transport", id)
	}
	p, err := t.Produce(ctx, kind, params)
	if err != nil {
		return nil, core.Upstream("produce", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(j); err != nil {
		closeHandle(p.Close, "producer", string(p.ID()))
		return nil, err
	}
	if err := j.room.AddProducer(j.owner, t.ID(), p); err != nil {
		closeHandle(p.Close, "producer", string(p.ID()))
		return nil, err
	}
	return p, nil
}

// StartScreenShare produces a video track on the send transport and makes it
// the room's screen share. The outcome's released handles are already closed.
func (s *Session) StartScreenShare(ctx context.Context, params core.RTPParameters, meta domain.AppInfo) (core.Producer, core.ShareOutcome, error) {
	s.mu.Lock()
	j, err := s.joinedLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, core.ShareOutcome{}, err
	}
	t, ok := s.transports[domain.DirectionSend]
	s.mu.Unlock()
	if !ok {
		return nil, core.ShareOutcome{}, core.ErrTransportNotFound
	}

	p, err := t.Produce(ctx, domain.MediaKindVideo, params)
	if err != nil {
		return nil, core.ShareOutcome{}, core.Upstream("produce", err)
	}

	s.mu.Lock()
	if err := s.commitLocked(j); err != nil {
		s.mu.Unlock()
		closeHandle(p.Close, "producer", string(p.ID()))
		return nil, core.ShareOutcome{}, err
	}
	out, err := j.room.StartScreenShare(j.owner, t.ID(), p, meta)
	s.mu.Unlock()
	if err != nil {
		closeHandle(p.Close, "producer", string(p.ID()))
		return nil, core.ShareOutcome{}, err
	}
	out.Released.CloseAll()
	return p, out, nil
}

// StopScreenShare ends this member's share.
func (s *Session) StopScreenShare() (core.ScreenShare, core.Released, error) {
	j, err := s.snapshot()
	if err != nil {
		return core.ScreenShare{}, core.Released{}, err
	}
	share, rel, err := j.room.StopScreenShare(j.owner)
	if err != nil {
		return core.ScreenShare{}, core.Released{}, err
	}
	rel.CloseAll()
	return share, rel, nil
}

// CloseProducer closes a producer this connection introduced.
func (s *Session) CloseProducer(id domain.ProducerID) (core.Released, error) {
	j, err := s.snapshot()
	if err != nil {
		return core.Released{}, err
	}
	rel, err := j.room.ReleaseProducer(id, s.id)
	if err != nil {
		return core.Released{}, err
	}
	rel.CloseAll()
	return rel, nil
}

// Consume creates a paused consumer of producer on the recv transport.
func (s *Session) Consume(ctx context.Context, producer domain.ProducerID, caps core.RTPCapabilities) (core.Consumer, error) {
	s.mu.Lock()
	j, err := s.joinedLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	t, ok := s.transports[domain.DirectionRecv]
	s.mu.Unlock()
	if !ok {
		return nil, core.ErrTransportNotFound
	}

	p, _, ok := j.room.Producer(producer)
	if !ok {
		return nil, core.ErrProducerNotFound
	}
	if !j.room.Router().CanConsume(p, caps) {
		return nil, core.ErrIncompatibleCapabilities
	}
	c, err := j.room.Router().Consume(ctx, t, p, caps)
	if err != nil {
		return nil, core.Upstream("consume", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(j); err != nil {
		closeHandle(c.Close, "consumer", string(c.ID()))
		return nil, err
	}
	if err := j.room.AddConsumer(j.owner, t.ID(), c); err != nil {
		closeHandle(c.Close, "consumer", string(c.ID()))
		return nil, err
	}
	return c, nil
}

// ResumeConsumer starts media flow on a consumer this connection owns.
func (s *Session) ResumeConsumer(ctx context.Context, id domain.ConsumerID) error {
	j, err := s.snapshot()
	if err != nil {
		return err
	}
	c, owner, ok := j.room.Consumer(id)
	if !ok || owner.Conn != s.id {
		return core.ErrConsumerNotFound
	}
	if err := c.Resume(ctx); err != nil {
		if errors.Is(err, core.ErrHandleClosed) {
			return core.ErrConsumerNotFound
		}
		return core.Upstream("resume", err)
	}
	return nil
}

// AddICECandidate forwards a remote candidate. With an empty transport id the
// candidate targets dir; if that transport does not exist yet the candidate
// is queued and flushed right after the transport is created.
func (s *Session) AddICECandidate(ctx context.Context, id domain.TransportID, dir domain.Direction, c webrtc.ICECandidate) (bool, error) {
	s.mu.Lock()
	if _, err := s.joinedLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	var (
		t  core.Transport
		ok bool
	)
	if id != "" {
		t, ok = s.ownedLocked(id)
		if !ok {
			s.mu.Unlock()
			return false, core.ErrTransportNotFound
		}
	} else {
		if !dir.Valid() {
			s.mu.Unlock()
			return false, core.BadRequest("transportId or direction required")
		}
		t, ok = s.transports[dir]
		if !ok {
			err := s.ice.push(dir, c)
			s.mu.Unlock()
			if err != nil {
				return false, err
			}
			s.logger().Debug().Str("direction", string(dir)).Msg("queued early ice candidate")
			return true, nil
		}
	}
	s.mu.Unlock()

	if err := t.AddICECandidate(ctx, c); err != nil {
		return false, core.Upstream("addIceCandidate", err)
	}
	return false, nil
}

func (s *Session) RestartICE(ctx context.Context, id domain.TransportID) (webrtc.ICEParameters, error) {
	t, _, err := s.transport(id)
	if err != nil {
		return webrtc.ICEParameters{}, err
	}
	params, err := t.RestartICE(ctx)
	if err != nil {
		return webrtc.ICEParameters{}, core.Upstream("restartIce", err)
	}
	return params, nil
}

// Leave leaves the current room but keeps the connection usable. It reports
// false when there was nothing to leave.
func (s *Session) Leave() (LeaveResult, bool) {
	return s.teardown(StateConnected)
}

// Close is the disconnect path. It is idempotent and final.
func (s *Session) Close() (LeaveResult, bool) {
	return s.teardown(StateClosed)
}

func (s *Session) teardown(next SessionState) (LeaveResult, bool) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return LeaveResult{}, false
	}
	wasJoined := s.state == StateJoined
	room, member := s.room, s.member
	s.state = next
	s.epoch++
	s.room = nil
	s.member = ""
	clear(s.transports)
	s.ice.reset()
	s.mu.Unlock()

	if !wasJoined {
		return LeaveResult{}, false
	}

	removal := room.RemoveMember(member, s.id)
	removal.Released.CloseAll()
	res := LeaveResult{Room: room, Member: member, Removed: removal.Removed, Released: removal.Released}
	if removal.Empty {
		res.RoomDestroyed = s.rooms.RemoveIfEmpty(room)
	}
	s.logger().Info().Str("room", string(room.ID())).Str("member", string(member)).Bool("room_destroyed", res.RoomDestroyed).Str("state", next.String()).Msg("left room")
	return res, true
}

func closeHandle(closeFn func() error, kind, id string) {
	if err := core.IgnoreClosed(closeFn()); err != nil {
		log.Warn().Err(err).Str("module", "app.session").Str(kind, id).Msg("rollback close")
	}
}
