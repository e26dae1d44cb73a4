package core

import (
	"context"

	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/pion/webrtc/v4"
)

// RTPCapabilities is what a router can route or a client can receive.
type RTPCapabilities struct {
	Codecs []webrtc.RTPCodecCapability `json:"codecs"`
}

// RTPParameters describe one produced or consumed stream.
type RTPParameters struct {
	Codecs    []webrtc.RTPCodecParameters  `json:"codecs"`
	Encodings []webrtc.RTPCodingParameters `json:"encodings"`
}

// TransportParameters is everything a client needs to reach a transport.
type TransportParameters struct {
	ID             domain.TransportID    `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParameters carry the client's half of the handshake. ICE fields are
// optional and only used by full-ICE engines.
type ConnectParameters struct {
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *webrtc.ICEParameters `json:"iceParameters,omitempty"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates,omitempty"`
}

// Engine is the media routing engine (SFU). Every handle it returns is opaque
// to the orchestration layer.
type Engine interface {
	CreateRouter(ctx context.Context, codecs []webrtc.RTPCodecParameters) (Router, error)
	// Fatal delivers an error when the engine itself died.
	Fatal() <-chan error
	Close() error
}

// Router is the per-room routing context.
type Router interface {
	ID() string
	Capabilities() RTPCapabilities
	CreateTransport(ctx context.Context, dir domain.Direction) (Transport, error)
	CanConsume(producer Producer, caps RTPCapabilities) bool
	Consume(ctx context.Context, transport Transport, producer Producer, caps RTPCapabilities) (Consumer, error)
	Close() error
}

type Transport interface {
	ID() domain.TransportID
	Direction() domain.Direction
	Parameters() TransportParameters
	Connect(ctx context.Context, params ConnectParameters) error
	Produce(ctx context.Context, kind domain.MediaKind, params RTPParameters) (Producer, error)
	AddICECandidate(ctx context.Context, cand webrtc.ICECandidate) error
	RestartICE(ctx context.Context) (webrtc.ICEParameters, error)
	// OnICECandidate registers a callback for candidates gathered after
	// Parameters was first returned.
	OnICECandidate(func(webrtc.ICECandidate))
	Close() error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() RTPParameters
	Close() error
}

// Consumer starts paused; Resume once the client's playback is wired.
type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() RTPParameters
	Paused() bool
	Resume(ctx context.Context) error
	Close() error
}
