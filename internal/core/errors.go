package core

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine readable error class sent to clients.
type ErrorKind string

const (
	KindRoomNotFound             ErrorKind = "RoomNotFound"
	KindMemberNotFound           ErrorKind = "MemberNotFound"
	KindTransportNotFound        ErrorKind = "TransportNotFound"
	KindProducerNotFound         ErrorKind = "ProducerNotFound"
	KindConsumerNotFound         ErrorKind = "ConsumerNotFound"
	KindAlreadyJoined            ErrorKind = "AlreadyJoined"
	KindNotJoined                ErrorKind = "NotJoined"
	KindSessionClosed            ErrorKind = "SessionClosed"
	KindIncompatibleCapabilities ErrorKind = "IncompatibleCapabilities"
	KindScreenShareRejected      ErrorKind = "ScreenShareRejected"
	KindRoomFull                 ErrorKind = "RoomFull"
	KindBadRequest               ErrorKind = "BadRequest"
	KindUpstreamEngine           ErrorKind = "UpstreamEngineError"
	KindInternal                 ErrorKind = "InternalError"
)

var (
	ErrRoomNotFound             = errors.New("room not found")
	ErrMemberNotFound           = errors.New("member not found")
	ErrTransportNotFound        = errors.New("transport not found")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrConsumerNotFound         = errors.New("consumer not found")
	ErrAlreadyJoined            = errors.New("already joined a room")
	ErrNotJoined                = errors.New("not joined to a room")
	ErrSessionClosed            = errors.New("session closed")
	ErrIncompatibleCapabilities = errors.New("rtp capabilities cannot consume this producer")
	ErrScreenShareRejected      = errors.New("no active screen share from this user")
	ErrRoomFull                 = errors.New("room is full")
	ErrBadRequest               = errors.New("bad request")
	ErrUpstream                 = errors.New("media engine error")

	// ErrRoomClosed is returned by a Room that lost the race against its own
	// destruction. Callers resolve the room again.
	ErrRoomClosed = errors.New("room closed")

	// ErrHandleClosed is what engines return for operations on a handle that
	// is already gone. Cleanup treats it as done.
	ErrHandleClosed = errors.New("handle already closed")
)

// UpstreamError wraps a failed media engine call.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("media engine %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// Upstream wraps err as an engine failure of op. Nil stays nil.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}

// BadRequest builds a validation error carrying a client facing reason.
func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrRoomNotFound, KindRoomNotFound},
	{ErrMemberNotFound, KindMemberNotFound},
	{ErrTransportNotFound, KindTransportNotFound},
	{ErrProducerNotFound, KindProducerNotFound},
	{ErrConsumerNotFound, KindConsumerNotFound},
	{ErrAlreadyJoined, KindAlreadyJoined},
	{ErrNotJoined, KindNotJoined},
	{ErrSessionClosed, KindSessionClosed},
	{ErrIncompatibleCapabilities, KindIncompatibleCapabilities},
	{ErrScreenShareRejected, KindScreenShareRejected},
	{ErrRoomFull, KindRoomFull},
	{ErrBadRequest, KindBadRequest},
	{ErrUpstream, KindUpstreamEngine},
}

// KindOf classifies err for the wire.
func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IgnoreClosed drops ErrHandleClosed so cleanup stays idempotent.
func IgnoreClosed(err error) error {
	if errors.Is(err, ErrHandleClosed) {
		return nil
	}
	return err
}
