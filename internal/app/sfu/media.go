package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Producer struct {
	router   *Router
	id       domain.ProducerID
	kind     domain.MediaKind
	params   core.RTPParameters
	receiver *webrtc.RTPReceiver

	once sync.Once
}

func (p *Producer) ID() domain.ProducerID             { return p.id }
func (p *Producer) Kind() domain.MediaKind            { return p.kind }
func (p *Producer) RTPParameters() core.RTPParameters { return p.params }

// run starts receiving once the transport is up and feeds the relay.
func (p *Producer) run(ctx context.Context, t *Transport) {
	if !t.waitReady(ctx) {
		return
	}
	recv := webrtc.RTPReceiveParameters{}
	for _, enc := range p.params.Encodings {
		recv.Encodings = append(recv.Encodings, webrtc.RTPDecodingParameters{RTPCodingParameters: enc})
	}
	if err := p.receiver.Receive(recv); err != nil {
		log.Warn().Err(err).Str("module", "sfu").Str("producer", string(p.id)).Msg("receive")
		return
	}
	track := p.receiver.Track()
	if track == nil {
		return
	}
	p.router.relays.StartRelay(ctx, p.id, track)
}

func (p *Producer) Close() error {
	closed := false
	p.once.Do(func() {
		closed = true
		p.router.relays.StopRelay(p.id)
		if err := p.receiver.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "sfu").Str("producer", string(p.id)).Msg("receiver stop")
		}
	})
	if !closed {
		return core.ErrHandleClosed
	}
	return nil
}

type Consumer struct {
	router   *Router
	id       domain.ConsumerID
	producer domain.ProducerID
	kind     domain.MediaKind
	params   core.RTPParameters
	sender   *webrtc.RTPSender
	out      *OutTrack

	once sync.Once
}

func (c *Consumer) ID() domain.ConsumerID             { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID     { return c.producer }
func (c *Consumer) Kind() domain.MediaKind            { return c.kind }
func (c *Consumer) RTPParameters() core.RTPParameters { return c.params }
func (c *Consumer) Paused() bool                      { return c.out.GetState() != TrackStateOk }

func (c *Consumer) Resume(ctx context.Context) error {
	if c.out.GetState() == TrackStateDelete {
		return core.ErrHandleClosed
	}
	c.out.MarkOk()
	return nil
}

// run starts sending once the transport is up and drains RTCP.
func (c *Consumer) run(t *Transport, params webrtc.RTPSendParameters) {
	if !t.waitReady(c.router.ctx) {
		return
	}
	if c.out.GetState() == TrackStateDelete {
		return
	}
	if err := c.sender.Send(params); err != nil {
		log.Warn().Err(err).Str("module", "sfu").Str("consumer", string(c.id)).Msg("send")
		return
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := c.sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Consumer) Close() error {
	closed := false
	c.once.Do(func() {
		closed = true
		c.out.MarkDelete()
		c.router.relays.MarkSubscriberDelete(c.producer, c.id)
		if err := c.sender.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "sfu").Str("consumer", string(c.id)).Msg("sender stop")
		}
	})
	if !closed {
		return core.ErrHandleClosed
	}
	return nil
}
