package orch

import (
	"context"

	"github.com/dkeye/StudyRoom/internal/app"
	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) createTransport(ctx context.Context, sess *app.Session, dir domain.Direction) (TransportResponse, error) {
	params, err := sess.CreateTransport(ctx, dir)
	if err != nil {
		return TransportResponse{}, err
	}
	return TransportResponse{TransportParameters: params, Direction: dir}, nil
}

func (o *Orchestrator) produce(ctx context.Context, sess *app.Session, req ProduceRequest, b *outbox) (ProducerResponse, error) {
	p, err := sess.Produce(ctx, req.TransportID, req.Kind, req.RTPParameters)
	if err != nil {
		return ProducerResponse{}, err
	}
	if room, member, ok := sess.Room(); ok {
		log.Info().Str("module", "orch").Str("room", string(room.ID())).Str("member", string(member)).Str("producer", string(p.ID())).Str("kind", string(p.Kind())).Msg("new producer")
		b.add(room, others(room, sess.ID()), NoteNewProducer, core.ProducerInfo{
			ID:     p.ID(),
			Member: member,
			Kind:   p.Kind(),
			Source: domain.SourceMedia,
		})
	}
	return ProducerResponse{ProducerID: p.ID()}, nil
}

func (o *Orchestrator) consume(ctx context.Context, sess *app.Session, req ConsumeRequest) (ConsumeResponse, error) {
	c, err := sess.Consume(ctx, req.ProducerID, req.RTPCapabilities)
	if err != nil {
		return ConsumeResponse{}, err
	}
	return ConsumeResponse{
		ConsumerID:    c.ID(),
		ProducerID:    c.ProducerID(),
		Kind:          c.Kind(),
		RTPParameters: c.RTPParameters(),
		Paused:        c.Paused(),
	}, nil
}

func (o *Orchestrator) closeProducer(sess *app.Session, req CloseProducerRequest, b *outbox) error {
	room, _, err := joinedRoom(sess)
	if err != nil {
		return err
	}
	rel, err := sess.CloseProducer(req.ProducerID)
	if err != nil {
		return err
	}
	o.noteReleased(b, room, "", rel)
	if s := rel.Share; s != nil {
		b.add(room, others(room, sess.ID()), NoteScreenShareStopped, ScreenShareStoppedNotice{MemberID: s.Member, ProducerID: s.Producer})
	}
	return nil
}
