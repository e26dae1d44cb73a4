package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Relay fans one producer's RTP out to its consumers.
type Relay struct {
	Producer domain.ProducerID

	mu        sync.RWMutex
	src       *webrtc.TrackRemote
	outTracks map[domain.ConsumerID]*OutTrack

	cancel context.CancelFunc
}

func NewRelay(producer domain.ProducerID, cancel context.CancelFunc) *Relay {
	return &Relay{
		Producer:  producer,
		outTracks: make(map[domain.ConsumerID]*OutTrack),
		cancel:    cancel,
	}
}

// Src is nil until the producer's transport connected and media arrived.
func (r *Relay) Src() *webrtc.TrackRemote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.src
}

// loop reads RTP packets from src and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, src *webrtc.TrackRemote, logger *zerolog.Logger) {
	r.mu.Lock()
	r.src = src
	r.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay read RTP stopped")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[domain.ConsumerID]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]domain.ConsumerID, 0, len(snapshot))
	for id, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, id)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", string(id)).Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, id)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(id domain.ConsumerID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[id] = ot
}

func (r *Relay) OutTrack(id domain.ConsumerID) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[id]
	return ot, ok
}

func (r *Relay) OutTrackCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}
