package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RelayManager holds the relays of one router, keyed by producer.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.ProducerID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.ProducerID]*Relay),
	}
}

// CreateRelay registers an idle relay for producer. StartRelay feeds it.
func (m *RelayManager) CreateRelay(ctx context.Context, producer domain.ProducerID) (*Relay, context.Context) {
	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(producer, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producer]; ok {
		old.markAllDelete()
		old.cancel()
	}
	m.relays[producer] = relay
	m.mu.Unlock()
	return relay, relayCtx
}

// StartRelay runs the forwarding loop for producer until ctx ends or the
// track stops.
func (m *RelayManager) StartRelay(ctx context.Context, producer domain.ProducerID, track *webrtc.TrackRemote) {
	m.mu.RLock()
	relay, ok := m.relays[producer]
	m.mu.RUnlock()
	if !ok {
		return
	}
	logger := log.With().Str("module", "sfu").Str("producer", string(producer)).Logger()
	logger.Info().Str("kind", track.Kind().String()).Msg("starting relay loop")
	go relay.loop(ctx, track, &logger)
}

// AddSubscriber attaches an OutTrack for consumer to producer's relay.
func (m *RelayManager) AddSubscriber(producer domain.ProducerID, consumer domain.ConsumerID, ot *OutTrack) bool {
	m.mu.RLock()
	relay, ok := m.relays[producer]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(consumer, ot)
	return true
}

// MarkSubscriberDelete marks consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producer domain.ProducerID, consumer domain.ConsumerID) {
	m.mu.RLock()
	relay, ok := m.relays[producer]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.OutTrack(consumer); ok {
		ot.MarkDelete()
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producer domain.ProducerID) {
	m.mu.Lock()
	relay, ok := m.relays[producer]
	if ok {
		delete(m.relays, producer)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

func (m *RelayManager) HasRelay(producer domain.ProducerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producer]
	return ok
}

// StopAll stops every relay.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[domain.ProducerID]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.markAllDelete()
		r.cancel()
	}
}
