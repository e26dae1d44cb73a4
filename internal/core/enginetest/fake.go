// Package enginetest provides an in-memory media engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Engine is a fake core.Engine. Handles are plain structs; every call is
// recorded so tests can assert on what the orchestration layer did.
type Engine struct {
	// RouterDelay stretches CreateRouter to widen creation races.
	RouterDelay time.Duration
	// ProduceGate, when set, blocks Produce until it is closed or ctx ends.
	ProduceGate chan struct{}
	// ConsumeGate does the same for Consume.
	ConsumeGate chan struct{}

	seq          atomic.Int64
	routersTotal atomic.Int64

	mu         sync.Mutex
	fail       map[string]error
	closed     map[string]int
	live       map[string]bool
	candidates map[domain.TransportID][]webrtc.ICECandidate
	connected  map[domain.TransportID]core.ConnectParameters
	fatal      chan error
}

func New() *Engine {
	return &Engine{
		fail:       make(map[string]error),
		closed:     make(map[string]int),
		live:       make(map[string]bool),
		candidates: make(map[domain.TransportID][]webrtc.ICECandidate),
		connected:  make(map[domain.TransportID]core.ConnectParameters),
		fatal:      make(chan error, 1),
	}
}

// Fail makes every later call of op return err. A nil err clears it.
func (e *Engine) Fail(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.fail, op)
		return
	}
	e.fail[op] = err
}

func (e *Engine) failure(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fail[op]
}

func (e *Engine) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

func (e *Engine) track(id string) {
	e.mu.Lock()
	e.live[id] = true
	e.mu.Unlock()
}

func (e *Engine) close(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed[id]++
	if !e.live[id] {
		return core.ErrHandleClosed
	}
	delete(e.live, id)
	return nil
}

// RoutersCreated counts CreateRouter successes.
func (e *Engine) RoutersCreated() int { return int(e.routersTotal.Load()) }

// Live counts open handles whose id starts with prefix ("router", "transport", ...).
func (e *Engine) Live(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id := range e.live {
		if strings.HasPrefix(id, prefix) {
			n++
		}
	}
	return n
}

func (e *Engine) IsLive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[id]
}

// CloseCalls reports how many times Close was called for id.
func (e *Engine) CloseCalls(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed[id]
}

func (e *Engine) Candidates(id domain.TransportID) []webrtc.ICECandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.ICECandidate(nil), e.candidates[id]...)
}

func (e *Engine) Connected(id domain.TransportID) (core.ConnectParameters, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.connected[id]
	return p, ok
}

// Die simulates the engine process going away.
func (e *Engine) Die(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

func (e *Engine) Fatal() <-chan error { return e.fatal }

func (e *Engine) Close() error { return nil }

func (e *Engine) CreateRouter(ctx context.Context, codecs []webrtc.RTPCodecParameters) (core.Router, error) {
	if e.RouterDelay > 0 {
		select {
		case <-time.After(e.RouterDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := e.failure("createRouter"); err != nil {
		return nil, err
	}
	r := &Router{engine: e, id: e.nextID("router")}
	for _, c := range codecs {
		r.caps.Codecs = append(r.caps.Codecs, c.RTPCodecCapability)
	}
	e.track(r.id)
	e.routersTotal.Add(1)
	return r, nil
}

type Router struct {
	engine *Engine
	id     string
	caps   core.RTPCapabilities
}

func (r *Router) ID() string                         { return r.id }
func (r *Router) Capabilities() core.RTPCapabilities { return r.caps }
func (r *Router) Close() error                       { return r.engine.close(r.id) }

func (r *Router) CreateTransport(ctx context.Context, dir domain.Direction) (core.Transport, error) {
	if err := r.engine.failure("createTransport"); err != nil {
		return nil, err
	}
	t := &Transport{engine: r.engine, id: domain.TransportID(r.engine.nextID("transport")), dir: dir}
	r.engine.track(string(t.id))
	return t, nil
}

// CanConsume accepts when caps carry the mime type of the producer's first codec.
func (r *Router) CanConsume(p core.Producer, caps core.RTPCapabilities) bool {
	params := p.RTPParameters()
	if len(params.Codecs) == 0 {
		return len(caps.Codecs) > 0
	}
	want := params.Codecs[0].MimeType
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, want) {
			return true
		}
	}
	return false
}

func (r *Router) Consume(ctx context.Context, t core.Transport, p core.Producer, caps core.RTPCapabilities) (core.Consumer, error) {
	if err := wait(ctx, r.engine.ConsumeGate); err != nil {
		return nil, err
	}
	if err := r.engine.failure("consume"); err != nil {
		return nil, err
	}
	c := &Consumer{
		engine:   r.engine,
		id:       domain.ConsumerID(r.engine.nextID("consumer")),
		producer: p.ID(),
		kind:     p.Kind(),
		params:   p.RTPParameters(),
	}
	c.paused.Store(true)
	r.engine.track(string(c.id))
	return c, nil
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Transport struct {
	engine *Engine
	id     domain.TransportID
	dir    domain.Direction

	mu    sync.Mutex
	onICE func(webrtc.ICECandidate)
	ufrag int
}

func (t *Transport) ID() domain.TransportID      { return t.id }
func (t *Transport) Direction() domain.Direction { return t.dir }
func (t *Transport) Close() error                { return t.engine.close(string(t.id)) }

func (t *Transport) Parameters() core.TransportParameters {
	return core.TransportParameters{
		ID:            t.id,
		ICEParameters: webrtc.ICEParameters{UsernameFragment: "ufrag-" + string(t.id), Password: "pwd"},
		ICECandidates: []webrtc.ICECandidate{{Foundation: "1", Address: "127.0.0.1", Port: 40000, Protocol: webrtc.ICEProtocolUDP, Typ: webrtc.ICECandidateTypeHost}},
		DTLSParameters: webrtc.DTLSParameters{
			Role:         webrtc.DTLSRoleAuto,
			Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) Connect(ctx context.Context, params core.ConnectParameters) error {
	if err := t.engine.failure("connect"); err != nil {
		return err
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	if !t.engine.live[string(t.id)] {
		return core.ErrHandleClosed
	}
	t.engine.connected[t.id] = params
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, params core.RTPParameters) (core.Producer, error) {
	if err := wait(ctx, t.engine.ProduceGate); err != nil {
		return nil, err
	}
	if err := t.engine.failure("produce"); err != nil {
		return nil, err
	}
	p := &Producer{engine: t.engine, id: domain.ProducerID(t.engine.nextID("producer")), kind: kind, params: params}
	t.engine.track(string(p.id))
	return p, nil
}

func (t *Transport) AddICECandidate(ctx context.Context, cand webrtc.ICECandidate) error {
	if err := t.engine.failure("addIceCandidate"); err != nil {
		return err
	}
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	t.engine.candidates[t.id] = append(t.engine.candidates[t.id], cand)
	return nil
}

func (t *Transport) RestartICE(ctx context.Context) (webrtc.ICEParameters, error) {
	if err := t.engine.failure("restartIce"); err != nil {
		return webrtc.ICEParameters{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ufrag++
	return webrtc.ICEParameters{UsernameFragment: fmt.Sprintf("ufrag-%s-%d", t.id, t.ufrag), Password: "pwd"}, nil
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onICE = fn
}

// Gather emits a late local candidate through the OnICECandidate callback.
func (t *Transport) Gather(c webrtc.ICECandidate) {
	t.mu.Lock()
	fn := t.onICE
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

type Producer struct {
	engine *Engine
	id     domain.ProducerID
	kind   domain.MediaKind
	params core.RTPParameters
}

func (p *Producer) ID() domain.ProducerID             { return p.id }
func (p *Producer) Kind() domain.MediaKind            { return p.kind }
func (p *Producer) RTPParameters() core.RTPParameters { return p.params }
func (p *Producer) Close() error                      { return p.engine.close(string(p.id)) }

type Consumer struct {
	engine   *Engine
	id       domain.ConsumerID
	producer domain.ProducerID
	kind     domain.MediaKind
	params   core.RTPParameters
	paused   atomic.Bool
}

func (c *Consumer) ID() domain.ConsumerID             { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID     { return c.producer }
func (c *Consumer) Kind() domain.MediaKind            { return c.kind }
func (c *Consumer) RTPParameters() core.RTPParameters { return c.params }
func (c *Consumer) Paused() bool                      { return c.paused.Load() }
func (c *Consumer) Close() error                      { return c.engine.close(string(c.id)) }

func (c *Consumer) Resume(ctx context.Context) error {
	if err := c.engine.failure("resume"); err != nil {
		return err
	}
	if !c.engine.IsLive(string(c.id)) {
		return core.ErrHandleClosed
	}
	c.paused.Store(false)
	return nil
}

// Opus is a ready-made audio codec for tests.
var Opus = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	PayloadType:        111,
}

// VP8 is a ready-made video codec for tests.
var VP8 = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	PayloadType:        96,
}

// Params builds single-codec RTP parameters.
func Params(codec webrtc.RTPCodecParameters) core.RTPParameters {
	return core.RTPParameters{
		Codecs:    []webrtc.RTPCodecParameters{codec},
		Encodings: []webrtc.RTPCodingParameters{{SSRC: 1111, PayloadType: codec.PayloadType}},
	}
}

// Caps builds capabilities accepting the given codecs.
func Caps(codecs ...webrtc.RTPCodecParameters) core.RTPCapabilities {
	var caps core.RTPCapabilities
	for _, c := range codecs {
		caps.Codecs = append(caps.Codecs, c.RTPCodecCapability)
	}
	return caps
}
