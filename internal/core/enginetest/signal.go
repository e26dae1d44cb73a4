package enginetest

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/StudyRoom/internal/core"
)

// Signal is a recording core.SignalConnection.
type Signal struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func NewSignal() *Signal { return &Signal{} }

func (s *Signal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrSignalClosed
	}
	if s.full {
		return core.ErrBackpressure
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *Signal) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Signal) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SetFull makes TrySend report backpressure.
func (s *Signal) SetFull(full bool) {
	s.mu.Lock()
	s.full = full
	s.mu.Unlock()
}

// Message is a decoded frame.
type Message struct {
	Type  string          `json:"type"`
	ID    uint64          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// Messages decodes every frame sent so far.
func (s *Signal) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.frames))
	for _, f := range s.frames {
		var m Message
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Types lists the type of every frame sent so far.
func (s *Signal) Types() []string {
	var out []string
	for _, m := range s.Messages() {
		out = append(out, m.Type)
	}
	return out
}

// Reset forgets recorded frames.
func (s *Signal) Reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}
