package core

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/rs/zerolog/log"
)

// MemberStatus is a read-only view of a member for snapshots.
type MemberStatus struct {
	ID            domain.MemberID `json:"id"`
	AppInfo       domain.AppInfo  `json:"appInfo,omitempty"`
	JoinedAt      time.Time       `json:"joinedAt"`
	Producers     int             `json:"producers"`
	ScreenSharing bool            `json:"screenSharing"`
}

// MemberConn pairs a member with the connection that speaks for it.
type MemberConn struct {
	Member domain.MemberID
	Conn   domain.ConnectionID
}

type ProducerInfo struct {
	ID     domain.ProducerID     `json:"producerId"`
	Member domain.MemberID       `json:"memberId"`
	Kind   domain.MediaKind      `json:"kind"`
	Source domain.ProducerSource `json:"source"`
}

// MemberRemoval reports what RemoveMember did.
type MemberRemoval struct {
	// Removed is false when the membership belongs to another connection
	// (the member reconnected) or was already gone.
	Removed  bool
	Empty    bool
	Released Released
}

// ShareOutcome is the result of a committed screen share start.
type ShareOutcome struct {
	Previous *ScreenShare
	Released Released
}

// Room is one session: membership, its routing context and every engine
// handle its members introduced. All mutation happens under mu; engine calls
// never do.
type Room struct {
	id         domain.RoomID
	router     Router
	createdAt  time.Time
	maxMembers int

	mu        sync.Mutex
	closed    bool
	members   map[domain.MemberID]*domain.Member
	resources *ResourceRegistry
	share     ScreenShareArbiter
}

func newRoom(id domain.RoomID, router Router, maxMembers int) *Room {
	return &Room{
		id:         id,
		router:     router,
		createdAt:  time.Now(),
		maxMembers: maxMembers,
		members:    make(map[domain.MemberID]*domain.Member),
		resources:  NewResourceRegistry(),
	}
}

func (r *Room) ID() domain.RoomID    { return r.id }
func (r *Room) Router() Router       { return r.router }
func (r *Room) CreatedAt() time.Time { return r.createdAt }

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// AddMember inserts or overwrites a member. It returns the connection that
// spoke for the member before, if it was a different one.
func (r *Room) AddMember(id domain.MemberID, info domain.AppInfo, conn domain.ConnectionID) (domain.ConnectionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrRoomClosed
	}
	if m, ok := r.members[id]; ok {
		prev := m.Conn
		m.AppInfo = info.Clone()
		m.Conn = conn
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(id)).Msg("member updated")
		if prev == conn {
			return "", nil
		}
		return prev, nil
	}
	if r.maxMembers > 0 && len(r.members) >= r.maxMembers {
		return "", ErrRoomFull
	}
	r.members[id] = &domain.Member{ID: id, AppInfo: info.Clone(), JoinedAt: time.Now(), Conn: conn}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(id)).Str("conn", string(conn)).Msg("member added")
	return "", nil
}

// RemoveMember releases everything conn introduced and drops the membership
// if conn still speaks for it.
func (r *Room) RemoveMember(id domain.MemberID, conn domain.ConnectionID) MemberRemoval {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := MemberRemoval{Released: r.resources.releaseConn(conn)}
	r.noteReleasedLocked(&out.Released)
	if m, ok := r.members[id]; ok && m.Conn == conn {
		delete(r.members, id)
		out.Removed = true
		if s, ok := r.share.Active(); ok && s.Member == id {
			rel, _ := r.resources.releaseProducer(s.Producer)
			out.Released.merge(rel)
			r.noteReleasedLocked(&out.Released)
		}
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(id)).Int("left", len(r.members)).Msg("member removed")
	}
	out.Empty = len(r.members) == 0
	return out
}

func (r *Room) HasMember(id domain.MemberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[id]
	return ok
}

func (r *Room) Member(id domain.MemberID) (domain.Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return domain.Member{}, false
	}
	cp := *m
	cp.AppInfo = m.AppInfo.Clone()
	return cp, true
}

func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Members returns member ids ordered by join time.
func (r *Room) Members() []domain.MemberID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := r.sortedMembersLocked()
	out := make([]domain.MemberID, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func (r *Room) MembersWithStatus() []MemberStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	producers := make(map[domain.MemberID]int, len(r.members))
	for _, p := range r.resources.producers {
		producers[p.owner.Member]++
	}
	share, sharing := r.share.Active()
	out := make([]MemberStatus, 0, len(r.members))
	for _, m := range r.sortedMembersLocked() {
		out = append(out, MemberStatus{
			ID:            m.ID,
			AppInfo:       m.AppInfo.Clone(),
			JoinedAt:      m.JoinedAt,
			Producers:     producers[m.ID],
			ScreenSharing: sharing && share.Member == m.ID,
		})
	}
	return out
}

// Connections lists who to fan out to.
func (r *Room) Connections() []MemberConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MemberConn, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, MemberConn{Member: m.ID, Conn: m.Conn})
	}
	return out
}

func (r *Room) sortedMembersLocked() []*domain.Member {
	ms := make([]*domain.Member, 0, len(r.members))
	for _, m := range r.members {
		ms = append(ms, m)
	}
	slices.SortFunc(ms, func(a, b *domain.Member) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return ms
}

func (r *Room) checkOwnerLocked(owner Owner) error {
	if r.closed {
		return ErrRoomClosed
	}
	m, ok := r.members[owner.Member]
	if !ok {
		return ErrMemberNotFound
	}
	if m.Conn != owner.Conn {
		return ErrNotJoined
	}
	return nil
}

func (r *Room) AddTransport(owner Owner, t Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOwnerLocked(owner); err != nil {
		return err
	}
	r.resources.AddTransport(t, owner)
	return nil
}

func (r *Room) AddProducer(owner Owner, transport domain.TransportID, p Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOwnerLocked(owner); err != nil {
		return err
	}
	if _, ok := r.resources.transports[transport]; !ok {
		return ErrTransportNotFound
	}
	r.resources.AddProducer(p, owner, transport, domain.SourceMedia)
	return nil
}

// AddConsumer fails with ErrProducerNotFound when the producer went away
// while the consumer was being created.
func (r *Room) AddConsumer(owner Owner, transport domain.TransportID, c Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOwnerLocked(owner); err != nil {
		return err
	}
	if _, ok := r.resources.transports[transport]; !ok {
		return ErrTransportNotFound
	}
	if _, ok := r.resources.producers[c.ProducerID()]; !ok {
		return ErrProducerNotFound
	}
	r.resources.AddConsumer(c, owner, transport)
	return nil
}

// RegisterResource records an engine handle created elsewhere.
func (r *Room) RegisterResource(kind ResourceKind, handle any, owner Owner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOwnerLocked(owner); err != nil {
		return err
	}
	if !r.resources.Register(kind, handle, owner) {
		return BadRequest("handle is not a %s", kind)
	}
	return nil
}

// ReleaseResource drops id and its dependents from the registry.
func (r *Room) ReleaseResource(kind ResourceKind, id string) (Released, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rel, ok := r.resources.Release(kind, id)
	r.noteReleasedLocked(&rel)
	return rel, ok
}

// ReleaseProducer drops a producer introduced by conn.
func (r *Room) ReleaseProducer(id domain.ProducerID, conn domain.ConnectionID) (Released, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.resources.producers[id]
	if !ok || e.owner.Conn != conn {
		return Released{}, ErrProducerNotFound
	}
	rel, _ := r.resources.releaseProducer(id)
	r.noteReleasedLocked(&rel)
	return rel, nil
}

func (r *Room) noteReleasedLocked(rel *Released) {
	for _, p := range rel.Producers {
		if s, ok := r.share.producerGone(p.ID()); ok {
			rel.Share = &s
			log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(s.Member)).Msg("screen share ended")
		}
	}
}

func (r *Room) Transport(id domain.TransportID) (Transport, Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.resources.transports[id]
	return e.handle, e.owner, ok
}

func (r *Room) Producer(id domain.ProducerID) (Producer, Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.resources.producers[id]
	return e.handle, e.owner, ok
}

func (r *Room) Consumer(id domain.ConsumerID) (Consumer, Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.resources.consumers[id]
	return e.handle, e.owner, ok
}

// Producers lists live producers ordered by id.
func (r *Room) Producers() []ProducerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProducerInfo, 0, len(r.resources.producers))
	for id, e := range r.resources.producers {
		out = append(out, ProducerInfo{ID: id, Member: e.owner.Member, Kind: e.handle.Kind(), Source: e.source})
	}
	slices.SortFunc(out, func(a, b ProducerInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (r *Room) ResourceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resources.Len()
}

func (r *Room) ActiveScreenShare() (ScreenShare, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.share.Active()
}

// StartScreenShare registers p as the room's screen share. A previous share
// is preempted in the same critical section, so concurrent starts are ordered
// and never both win.
func (r *Room) StartScreenShare(owner Owner, transport domain.TransportID, p Producer, meta domain.AppInfo) (ShareOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOwnerLocked(owner); err != nil {
		return ShareOutcome{}, err
	}
	if _, ok := r.resources.transports[transport]; !ok {
		return ShareOutcome{}, ErrTransportNotFound
	}
	r.resources.AddProducer(p, owner, transport, domain.SourceScreen)
	res := r.share.Start(owner.Member, p.ID(), meta)
	var out ShareOutcome
	if res.Decision == SharePreempt {
		prev := res.Previous
		out.Previous = &prev
		out.Released, _ = r.resources.releaseProducer(prev.Producer)
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("from", string(prev.Member)).Str("to", string(owner.Member)).Msg("screen share preempted")
	}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(owner.Member)).Str("producer", string(p.ID())).Msg("screen share started")
	return out, nil
}

// StopScreenShare ends owner's share and releases its producer. Only the
// connection that started the share may stop it.
func (r *Room) StopScreenShare(owner Owner) (ScreenShare, Released, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOwnerLocked(owner); err != nil {
		return ScreenShare{}, Released{}, err
	}
	if cur, ok := r.share.Active(); ok {
		if e, ok := r.resources.producers[cur.Producer]; ok && e.owner.Conn != owner.Conn {
			return ScreenShare{}, Released{}, ErrScreenShareRejected
		}
	}
	s, err := r.share.Stop(owner.Member)
	if err != nil {
		return ScreenShare{}, Released{}, err
	}
	rel, _ := r.resources.releaseProducer(s.Producer)
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("member", string(owner.Member)).Msg("screen share stopped")
	return s, rel, nil
}

// closeIfEmpty marks the room closed when nobody is in it.
func (r *Room) closeIfEmpty() (Released, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Released{}, true
	}
	if len(r.members) > 0 {
		return Released{}, false
	}
	r.closed = true
	return r.resources.releaseAll(), true
}

func (r *Room) forceClose() Released {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	clear(r.members)
	rel := r.resources.releaseAll()
	r.share.active = nil
	return rel
}
