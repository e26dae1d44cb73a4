// Package sfu is an in-process media engine built on pion's ORTC API:
// every transport is an ICE gatherer, ICE transport and DTLS transport,
// producers are RTP receivers and consumers are RTP senders fed by a relay.
package sfu

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrEngineClosed       = errors.New("engine closed")
	ErrForeignHandle      = errors.New("handle belongs to another router")
	ErrAlreadyConnected   = errors.New("transport already connected")
	ErrRestartUnsupported = errors.New("ice restart is not supported by this engine")
)

type Config struct {
	ICEServers []webrtc.ICEServer
	// GatherTimeout bounds how long CreateTransport waits for local
	// candidates. Later ones are trickled.
	GatherTimeout time.Duration
}

var (
	_ core.Engine    = (*Engine)(nil)
	_ core.Router    = (*Router)(nil)
	_ core.Transport = (*Transport)(nil)
	_ core.Producer  = (*Producer)(nil)
	_ core.Consumer  = (*Consumer)(nil)
)

func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		GatherTimeout: 2 * time.Second,
	}
}

type Engine struct {
	cfg   Config
	fatal chan error

	mu      sync.Mutex
	closed  bool
	routers map[string]*Router
}

func NewEngine(cfg Config) *Engine {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultConfig().GatherTimeout
	}
	return &Engine{
		cfg:     cfg,
		fatal:   make(chan error, 1),
		routers: make(map[string]*Router),
	}
}

// Fatal never fires: the engine runs in process and dies with it.
func (e *Engine) Fatal() <-chan error { return e.fatal }

func (e *Engine) CreateRouter(ctx context.Context, codecs []webrtc.RTPCodecParameters) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := &webrtc.MediaEngine{}
	if len(codecs) == 0 {
		if err := m.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
	}
	for _, c := range codecs {
		if err := m.RegisterCodec(c, CodecType(c.MimeType)); err != nil {
			return nil, err
		}
	}

	r := &Router{
		engine:     e,
		id:         uuid.NewString(),
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		codecs:     codecs,
		relays:     NewRelayManager(),
		transports: make(map[*Transport]struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		r.cancel()
		return nil, ErrEngineClosed
	}
	e.routers[r.id] = r
	log.Info().Str("module", "sfu").Str("router", r.id).Int("codecs", len(codecs)).Msg("router created")
	return r, nil
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.routers, id)
	e.mu.Unlock()
}

func (e *Engine) RouterCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.routers)
}

// Close closes every router.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.mu.Unlock()
	for _, r := range routers {
		_ = core.IgnoreClosed(r.Close())
	}
	return nil
}

// CodecType derives the media kind from a mime type such as "audio/opus".
func CodecType(mime string) webrtc.RTPCodecType {
	kind, _, _ := strings.Cut(strings.ToLower(mime), "/")
	switch kind {
	case "audio":
		return webrtc.RTPCodecTypeAudio
	case "video":
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecType(0)
}
