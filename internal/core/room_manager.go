package core

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/dkeye/StudyRoom/internal/metrics"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type RoomConfig struct {
	Codecs     []webrtc.RTPCodecParameters
	MaxMembers int
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
	CreatedAt   time.Time     `json:"created_at"`
	ScreenShare *ScreenShare  `json:"screen_share,omitempty"`
}

// RoomManager is the process wide room table. A room id maps to at most one
// Room; routing contexts are created once per room incarnation.
type RoomManager struct {
	engine  Engine
	cfg     RoomConfig
	metrics *metrics.Metrics

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*Room
	creating singleflight.Group
}

func NewRoomManager(engine Engine, cfg RoomConfig, m *metrics.Metrics) *RoomManager {
	return &RoomManager{
		engine:  engine,
		cfg:     cfg,
		metrics: m,
		rooms:   make(map[domain.RoomID]*Room),
	}
}

func (m *RoomManager) Get(id domain.RoomID) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	return room, ok
}

// GetOrCreate returns the live room for id, creating it and its routing
// context if needed. Concurrent first callers share one creation.
func (m *RoomManager) GetOrCreate(ctx context.Context, id domain.RoomID) (*Room, error) {
	if room, ok := m.Get(id); ok {
		return room, nil
	}
	v, err, shared := m.creating.Do(string(id), func() (any, error) {
		if room, ok := m.Get(id); ok {
			return room, nil
		}
		// The router outlives the first caller's request.
		router, err := m.engine.CreateRouter(context.WithoutCancel(ctx), m.cfg.Codecs)
		if err != nil {
			m.metrics.EngineError("createRouter")
			return nil, Upstream("createRouter", err)
		}
		room := newRoom(id, router, m.cfg.MaxMembers)
		m.mu.Lock()
		m.rooms[id] = room
		m.mu.Unlock()
		m.metrics.RoomOpened()
		log.Info().Str("module", "core.rooms").Str("room", string(id)).Str("router", router.ID()).Msg("room created")
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("module", "core.rooms").Str("room", string(id)).Msg("joined in-flight room creation")
	}
	return v.(*Room), nil
}

// RemoveIfEmpty destroys room if it is still the live room for its id and
// has no members at the time of the check. Stale requests are ignored.
func (m *RoomManager) RemoveIfEmpty(room *Room) bool {
	m.mu.Lock()
	if cur, ok := m.rooms[room.id]; !ok || cur != room {
		m.mu.Unlock()
		return false
	}
	rel, ok := room.closeIfEmpty()
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.rooms, room.id)
	m.mu.Unlock()

	rel.CloseAll()
	m.closeRouter(room)
	m.metrics.RoomClosed()
	log.Info().Str("module", "core.rooms").Str("room", string(room.id)).Msg("room destroyed")
	return true
}

func (m *RoomManager) closeRouter(room *Room) {
	if err := IgnoreClosed(room.router.Close()); err != nil {
		m.metrics.EngineError("closeRouter")
		log.Error().Err(err).Str("module", "core.rooms").Str("room", string(room.id)).Msg("close router")
	}
}

func (m *RoomManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// List returns room infos ordered by id.
func (m *RoomManager) List() []RoomInfo {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	slices.SortFunc(out, func(a, b RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (r *Room) Info() RoomInfo {
	info := RoomInfo{ID: r.id, MemberCount: r.MemberCount(), CreatedAt: r.createdAt}
	if s, ok := r.ActiveScreenShare(); ok {
		info.ScreenShare = &s
	}
	return info
}

// Close tears every room down. Used at process shutdown.
func (m *RoomManager) Close() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for id, r := range m.rooms {
		rooms = append(rooms, r)
		delete(m.rooms, id)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		r.forceClose().CloseAll()
		m.closeRouter(r)
		m.metrics.RoomClosed()
	}
	log.Info().Str("module", "core.rooms").Int("rooms", len(rooms)).Msg("room manager closed")
}
