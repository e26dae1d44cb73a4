package core

import "errors"

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts the per-connection message transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

var (
	// ErrBackpressure means the connection's outbound queue is full.
	ErrBackpressure = errors.New("signal backpressure")
	ErrSignalClosed = errors.New("signal connection closed")
)
