package domain

import "errors"

const MaxRoomIDLen = 64

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type (
	RoomID       string
	ConnectionID string
	TransportID  string
	ProducerID   string
	ConsumerID   string
)

// Direction is the media flow of a transport as seen from the client.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// MediaKind mirrors the RTP codec type names used on the wire.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// ProducerSource tells a camera/microphone track apart from a screen capture.
type ProducerSource string

const (
	SourceMedia  ProducerSource = "media"
	SourceScreen ProducerSource = "screen"
)

func ParseRoomID(raw string) (RoomID, error) {
	if len(raw) == 0 {
		return "", ErrRoomIDEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(raw), nil
}
