package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Transport struct {
	router   *Router
	id       domain.TransportID
	dir      domain.Direction
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	// ready closes once ICE and DTLS are up; done once the transport closed.
	ready chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	params    core.TransportParameters
	described bool
	late      []webrtc.ICECandidate
	onICE     func(webrtc.ICECandidate)
	connected bool
	closed    bool
}

func (t *Transport) ID() domain.TransportID      { return t.id }
func (t *Transport) Direction() domain.Direction { return t.dir }

func (t *Transport) Parameters() core.TransportParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

// describe freezes the descriptor. Candidates gathered afterwards trickle.
func (t *Transport) describe() error {
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return err
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params.ID = t.id
	t.params.ICEParameters = iceParams
	t.params.DTLSParameters = dtlsParams
	t.described = true
	return nil
}

func (t *Transport) localCandidate(c webrtc.ICECandidate) {
	t.mu.Lock()
	if !t.described {
		t.params.ICECandidates = append(t.params.ICECandidates, c)
		t.mu.Unlock()
		return
	}
	fn := t.onICE
	if fn == nil {
		t.late = append(t.late, c)
	}
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidate)) {
	t.mu.Lock()
	t.onICE = fn
	late := t.late
	t.late = nil
	t.mu.Unlock()
	if fn == nil {
		return
	}
	for _, c := range late {
		fn(c)
	}
}

// Connect starts ICE and DTLS in the background; both block until the
// client shows up.
func (t *Transport) Connect(ctx context.Context, params core.ConnectParameters) error {
	if params.ICEParameters == nil {
		return core.BadRequest("iceParameters required")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.ErrHandleClosed
	}
	if t.connected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.connected = true
	t.mu.Unlock()

	for i := range params.ICECandidates {
		if err := t.ice.AddRemoteCandidate(&params.ICECandidates[i]); err != nil {
			return err
		}
	}
	go t.run(*params.ICEParameters, params.DTLSParameters)
	return nil
}

func (t *Transport) run(ice webrtc.ICEParameters, dtls webrtc.DTLSParameters) {
	logger := log.With().Str("module", "sfu").Str("transport", string(t.id)).Logger()
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, ice, &role); err != nil {
		logger.Warn().Err(err).Msg("ice start")
		return
	}
	if err := t.dtls.Start(dtls); err != nil {
		logger.Warn().Err(err).Msg("dtls start")
		return
	}
	select {
	case <-t.done:
		return
	default:
	}
	close(t.ready)
	logger.Info().Msg("transport connected")
}

// waitReady blocks until media can flow.
func (t *Transport) waitReady(ctx context.Context) bool {
	select {
	case <-t.ready:
		return true
	case <-t.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *Transport) AddICECandidate(ctx context.Context, c webrtc.ICECandidate) error {
	return t.ice.AddRemoteCandidate(&c)
}

func (t *Transport) RestartICE(ctx context.Context) (webrtc.ICEParameters, error) {
	return webrtc.ICEParameters{}, ErrRestartUnsupported
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, params core.RTPParameters) (core.Producer, error) {
	if _, ok := t.router.codecFor(params); !ok {
		return nil, core.BadRequest("codec not supported by router")
	}
	typ := webrtc.RTPCodecTypeAudio
	if kind == domain.MediaKindVideo {
		typ = webrtc.RTPCodecTypeVideo
	}
	receiver, err := t.router.api.NewRTPReceiver(typ, t.dtls)
	if err != nil {
		return nil, err
	}
	p := &Producer{
		router:   t.router,
		id:       domain.ProducerID(uuid.NewString()),
		kind:     kind,
		params:   params,
		receiver: receiver,
	}
	_, relayCtx := t.router.relays.CreateRelay(t.router.ctx, p.id)
	go p.run(relayCtx, t)
	log.Info().Str("module", "sfu").Str("transport", string(t.id)).Str("producer", string(p.id)).Str("kind", string(kind)).Msg("producer created")
	return p, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.ErrHandleClosed
	}
	t.closed = true
	t.onICE = nil
	t.mu.Unlock()
	t.router.forget(t)
	return t.stop()
}

func (t *Transport) stop() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	var first error
	for _, stop := range []func() error{t.dtls.Stop, t.ice.Stop, t.gatherer.Close} {
		if err := stop(); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		log.Debug().Err(first).Str("module", "sfu").Str("transport", string(t.id)).Msg("transport stop")
	}
	return nil
}
