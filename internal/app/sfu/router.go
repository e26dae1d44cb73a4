package sfu

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Router struct {
	engine *Engine
	id     string
	api    *webrtc.API
	codecs []webrtc.RTPCodecParameters
	relays *RelayManager

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	transports map[*Transport]struct{}
}

func (r *Router) ID() string { return r.id }

func (r *Router) Capabilities() core.RTPCapabilities {
	caps := core.RTPCapabilities{Codecs: make([]webrtc.RTPCodecCapability, 0, len(r.codecs))}
	for _, c := range r.codecs {
		caps.Codecs = append(caps.Codecs, c.RTPCodecCapability)
	}
	return caps
}

func (r *Router) CreateTransport(ctx context.Context, dir domain.Direction) (core.Transport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.engine.cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	t := &Transport{
		router:   r,
		id:       domain.TransportID(uuid.NewString()),
		dir:      dir,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
			return
		}
		t.localCandidate(*c)
	})
	if err := gatherer.Gather(); err != nil {
		_ = t.stop()
		return nil, err
	}

	timer := time.NewTimer(r.engine.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		log.Debug().Str("module", "sfu").Str("transport", string(t.id)).Msg("gather timeout, trickling the rest")
	case <-ctx.Done():
		_ = t.stop()
		return nil, ctx.Err()
	}
	if err := t.describe(); err != nil {
		_ = t.stop()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.stop()
		return nil, core.ErrHandleClosed
	}
	r.transports[t] = struct{}{}
	r.mu.Unlock()
	log.Info().Str("module", "sfu").Str("router", r.id).Str("transport", string(t.id)).Str("direction", string(dir)).Msg("transport created")
	return t, nil
}

func (r *Router) forget(t *Transport) {
	r.mu.Lock()
	delete(r.transports, t)
	r.mu.Unlock()
}

// codecFor returns the router codec matching the producer's first codec.
func (r *Router) codecFor(params core.RTPParameters) (webrtc.RTPCodecParameters, bool) {
	if len(params.Codecs) == 0 {
		return webrtc.RTPCodecParameters{}, false
	}
	want := params.Codecs[0].MimeType
	for _, c := range r.codecs {
		if strings.EqualFold(c.MimeType, want) {
			return params.Codecs[0], true
		}
	}
	return webrtc.RTPCodecParameters{}, false
}

// CanConsume reports whether the router routes the producer's codec and the
// client can decode it.
func (r *Router) CanConsume(p core.Producer, caps core.RTPCapabilities) bool {
	codec, ok := r.codecFor(p.RTPParameters())
	if !ok {
		return false
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, codec.MimeType) {
			return true
		}
	}
	return false
}

func (r *Router) Consume(ctx context.Context, transport core.Transport, producer core.Producer, caps core.RTPCapabilities) (core.Consumer, error) {
	t, ok := transport.(*Transport)
	if !ok || t.router != r {
		return nil, ErrForeignHandle
	}
	p, ok := producer.(*Producer)
	if !ok || p.router != r {
		return nil, ErrForeignHandle
	}
	codec, ok := r.codecFor(p.params)
	if !ok {
		return nil, core.ErrIncompatibleCapabilities
	}

	id := domain.ConsumerID(uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticRTP(codec.RTPCodecCapability, string(id), string(p.id))
	if err != nil {
		return nil, err
	}
	sender, err := r.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, err
	}
	send := sender.GetParameters()
	params := core.RTPParameters{Codecs: []webrtc.RTPCodecParameters{codec}}
	for _, enc := range send.Encodings {
		enc.PayloadType = codec.PayloadType
		params.Encodings = append(params.Encodings, enc.RTPCodingParameters)
	}

	c := &Consumer{
		router:   r,
		id:       id,
		producer: p.id,
		kind:     p.kind,
		params:   params,
		sender:   sender,
		out:      NewOutTrack(track),
	}
	if !r.relays.AddSubscriber(p.id, id, c.out) {
		_ = sender.Stop()
		return nil, core.ErrProducerNotFound
	}
	go c.run(t, send)
	log.Info().Str("module", "sfu").Str("consumer", string(id)).Str("producer", string(p.id)).Msg("consumer created")
	return c, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return core.ErrHandleClosed
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for t := range r.transports {
		transports = append(transports, t)
	}
	clear(r.transports)
	r.mu.Unlock()

	r.relays.StopAll()
	for _, t := range transports {
		_ = core.IgnoreClosed(t.Close())
	}
	r.cancel()
	r.engine.forget(r.id)
	log.Info().Str("module", "sfu").Str("router", r.id).Msg("router closed")
	return nil
}
