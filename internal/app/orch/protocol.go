package orch

import (
	"encoding/json"

	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Inbound message types.
const (
	MsgJoin                    = "join"
	MsgLeave                   = "leave"
	MsgPing                    = "ping"
	MsgGetRouterRTPCaps        = "getRouterRtpCapabilities"
	MsgCreateProducerTransport = "createProducerTransport"
	MsgCreateConsumerTransport = "createConsumerTransport"
	MsgConnectTransport        = "connectTransport"
	MsgProduce                 = "produce"
	MsgConsume                 = "consume"
	MsgResume                  = "resume"
	MsgCloseProducer           = "closeProducer"
	MsgStartScreenShare        = "startScreenShare"
	MsgStopScreenShare         = "stopScreenShare"
	MsgAddICECandidate         = "addIceCandidate"
	MsgRestartICE              = "restartIce"
)

// Notification types.
const (
	NoteAck                = "ack"
	NotePong               = "pong"
	NoteRoomJoined         = "roomJoined"
	NoteRoomUpdate         = "roomUpdate"
	NoteNewProducer        = "newProducer"
	NoteNewScreenShare     = "newScreenShare"
	NoteScreenShareStopped = "screenShareStopped"
	NoteConsumerClosed     = "consumerClosed"
	NoteICECandidate       = "iceCandidate"
)

// Inbound is a client request.
type Inbound struct {
	ID   uint64          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ErrorBody struct {
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

type Ack struct {
	Type  string     `json:"type"`
	ID    uint64     `json:"id"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type Notification struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func EncodeAck(id uint64, data any) (core.Frame, error) {
	return json.Marshal(Ack{Type: NoteAck, ID: id, OK: true, Data: data})
}

func EncodeError(id uint64, err error) (core.Frame, error) {
	return json.Marshal(Ack{Type: NoteAck, ID: id, Error: &ErrorBody{Kind: core.KindOf(err), Message: err.Error()}})
}

func EncodeNotification(typ string, data any) (core.Frame, error) {
	return json.Marshal(Notification{Type: typ, Data: data})
}

// decode unmarshals a request payload and validates it.
func decode[T interface{ Validate() error }](raw json.RawMessage) (T, error) {
	var req T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return req, core.BadRequest("malformed payload: %v", err)
		}
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

type JoinRequest struct {
	RoomID   string         `json:"roomId"`
	MemberID string         `json:"memberId"`
	AppInfo  domain.AppInfo `json:"appInfo,omitempty"`
}

func (r JoinRequest) Validate() error {
	if _, err := domain.ParseRoomID(r.RoomID); err != nil {
		return core.BadRequest("roomId: %v", err)
	}
	if len(r.MemberID) > domain.MaxMemberIDLen {
		return core.BadRequest("memberId: %v", domain.ErrMemberIDTooLong)
	}
	return nil
}

type JoinResponse struct {
	RoomID          domain.RoomID        `json:"roomId"`
	MemberID        domain.MemberID      `json:"memberId"`
	Members         []core.MemberStatus  `json:"members"`
	Producers       []core.ProducerInfo  `json:"producers"`
	RTPCapabilities core.RTPCapabilities `json:"rtpCapabilities"`
	ScreenShare     *core.ScreenShare    `json:"screenShare,omitempty"`
}

type TransportResponse struct {
	core.TransportParameters
	Direction domain.Direction `json:"direction"`
}

type ConnectTransportRequest struct {
	TransportID domain.TransportID `json:"transportId"`
	core.ConnectParameters
}

func (r ConnectTransportRequest) Validate() error {
	if r.TransportID == "" {
		return core.BadRequest("transportId required")
	}
	if len(r.DTLSParameters.Fingerprints) == 0 {
		return core.BadRequest("dtlsParameters.fingerprints required")
	}
	return nil
}

type ProduceRequest struct {
	TransportID   domain.TransportID `json:"transportId"`
	Kind          domain.MediaKind   `json:"kind"`
	RTPParameters core.RTPParameters `json:"rtpParameters"`
}

func (r ProduceRequest) Validate() error {
	if r.TransportID == "" {
		return core.BadRequest("transportId required")
	}
	if !r.Kind.Valid() {
		return core.BadRequest("kind must be audio or video")
	}
	return validateRTP(r.RTPParameters)
}

func validateRTP(p core.RTPParameters) error {
	if len(p.Codecs) == 0 {
		return core.BadRequest("rtpParameters.codecs required")
	}
	if len(p.Encodings) == 0 {
		return core.BadRequest("rtpParameters.encodings required")
	}
	return nil
}

type ProducerResponse struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumeRequest struct {
	ProducerID      domain.ProducerID    `json:"producerId"`
	RTPCapabilities core.RTPCapabilities `json:"rtpCapabilities"`
}

func (r ConsumeRequest) Validate() error {
	if r.ProducerID == "" {
		return core.BadRequest("producerId required")
	}
	if len(r.RTPCapabilities.Codecs) == 0 {
		return core.BadRequest("rtpCapabilities.codecs required")
	}
	return nil
}

type ConsumeResponse struct {
	ConsumerID    domain.ConsumerID  `json:"consumerId"`
	ProducerID    domain.ProducerID  `json:"producerId"`
	Kind          domain.MediaKind   `json:"kind"`
	RTPParameters core.RTPParameters `json:"rtpParameters"`
	Paused        bool               `json:"paused"`
}

type ResumeRequest struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

func (r ResumeRequest) Validate() error {
	if r.ConsumerID == "" {
		return core.BadRequest("consumerId required")
	}
	return nil
}

type CloseProducerRequest struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

func (r CloseProducerRequest) Validate() error {
	if r.ProducerID == "" {
		return core.BadRequest("producerId required")
	}
	return nil
}

type StartScreenShareRequest struct {
	RTPParameters core.RTPParameters `json:"rtpParameters"`
	Meta          domain.AppInfo     `json:"meta,omitempty"`
}

func (r StartScreenShareRequest) Validate() error { return validateRTP(r.RTPParameters) }

type AddICECandidateRequest struct {
	TransportID domain.TransportID  `json:"transportId,omitempty"`
	Direction   domain.Direction    `json:"direction,omitempty"`
	Candidate   webrtc.ICECandidate `json:"candidate"`
}

func (r AddICECandidateRequest) Validate() error {
	if r.TransportID == "" && !r.Direction.Valid() {
		return core.BadRequest("transportId or direction required")
	}
	if r.Candidate.Address == "" || r.Candidate.Port == 0 {
		return core.BadRequest("candidate address and port required")
	}
	return nil
}

type AddICECandidateResponse struct {
	Queued bool `json:"queued"`
}

type RestartICERequest struct {
	TransportID domain.TransportID `json:"transportId"`
}

func (r RestartICERequest) Validate() error {
	if r.TransportID == "" {
		return core.BadRequest("transportId required")
	}
	return nil
}

type RestartICEResponse struct {
	ICEParameters webrtc.ICEParameters `json:"iceParameters"`
}

type LeaveResponse struct {
	Left bool `json:"left"`
}

type RoomJoinedNotice struct {
	MemberID domain.MemberID `json:"memberId"`
	AppInfo  domain.AppInfo  `json:"appInfo,omitempty"`
}

type RoomUpdateNotice struct {
	RoomID  domain.RoomID       `json:"roomId"`
	Members []core.MemberStatus `json:"members"`
}

type ScreenShareStoppedNotice struct {
	MemberID   domain.MemberID   `json:"memberId"`
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumerClosedNotice struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
	ProducerID domain.ProducerID `json:"producerId"`
}

type ICECandidateNotice struct {
	TransportID domain.TransportID  `json:"transportId"`
	Candidate   webrtc.ICECandidate `json:"candidate"`
}
