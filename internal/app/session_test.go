package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/core/enginetest"
	"github.com/dkeye/StudyRoom/internal/domain"
	"github.com/pion/webrtc/v4"
)

var ctx = context.Background()

func newRooms(e *enginetest.Engine) *core.RoomManager {
	return core.NewRoomManager(e, core.RoomConfig{
		Codecs: []webrtc.RTPCodecParameters{enginetest.Opus, enginetest.VP8},
	}, nil)
}

func newTestSession(rooms *core.RoomManager, id string) *Session {
	return NewSession(domain.ConnectionID(id), enginetest.NewSignal(), rooms, 8)
}

func joinedSession(t *testing.T, rooms *core.RoomManager, id, member string) *Session {
	t.Helper()
	s := newTestSession(rooms, id)
	if _, err := s.Join(ctx, "r1", domain.MemberID(member), nil); err != nil {
		t.Fatalf("Join(%s): %v", member, err)
	}
	return s
}

func candidate(port uint16) webrtc.ICECandidate {
	return webrtc.ICECandidate{Foundation: "f", Address: "10.0.0.1", Port: port, Protocol: webrtc.ICEProtocolUDP, Typ: webrtc.ICECandidateTypeHost}
}

func TestSession_JoinStates(t *testing.T) {
	e := enginetest.New()
	rooms := newRooms(e)
	s := newTestSession(rooms, "c1")
	if s.State() != StateConnected {
		t.Fatalf("state=%v, want connected", s.State())
	}
	if _, err := s.CreateTransport(ctx, domain.DirectionSend); !errors.Is(err, core.ErrNotJoined) {
		t.Fatalf("CreateTransport before join err=%v, want ErrNotJoined", err)
	}

	res, err := s.Join(ctx, "r1", "alice", domain.AppInfo{"name": "Alice"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.Room.ID() != "r1" || res.Member != "alice" || res.Replaced != "" {
		t.Fatalf("unexpected join result %+v", res)
	}
	if _, err := s.Join(ctx, "r2", "alice", nil); !errors.Is(err, core.ErrAlreadyJoined) {
		t.Fatalf("second Join err=%v, want ErrAlreadyJoined", err)
	}
	if rooms.Count() != 1 {
		t.Fatalf("rooms=%d, want 1", rooms.Count())
	}

	if _, ok := s.Leave(); !ok {
		t.Fatal("Leave reported nothing to leave")
	}
	if s.State() != StateConnected {
		t.Fatalf("state after leave=%v, want connected", s.State())
	}
	if _, err := s.Join(ctx, "r2", "alice", nil); err != nil {
		t.Fatalf("Join after leave: %v", err)
	}

	s.Close()
	if _, err := s.Join(ctx, "r3", "alice", nil); !errors.Is(err, core.ErrSessionClosed) {
		t.Fatalf("Join after close err=%v, want ErrSessionClosed", err)
	}
	if rooms.Count() != 0 {
		t.Fatalf("rooms=%d after close, want 0", rooms.Count())
	}
}

func TestSession_CreateTransportIsIdempotent(t *testing.T) {
	e := enginetest.New()
	s := joinedSession(t, newRooms(e), "c1", "alice")

	first, err := s.CreateTransport(ctx, domain.DirectionSend)
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	again, err := s.CreateTransport(ctx, domain.DirectionSend)
	if err != nil {
		t.Fatalf("CreateTransport retry: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("retry id=%s, want %s", again.ID, first.ID)
	}
	if n := e.Live("transport"); n != 1 {
		t.Fatalf("live transports=%d, want 1", n)
	}
	if _, err := s.CreateTransport(ctx, domain.DirectionRecv); err != nil {
		t.Fatalf("recv transport: %v", err)
	}
	if n := len(s.TransportIDs()); n != 2 {
		t.Fatalf("owned transports=%d, want 2", n)
	}
	if _, err := s.CreateTransport(ctx, "sideways"); !errors.Is(err, core.ErrBadRequest) {
		t.Fatalf("bad direction err=%v, want ErrBadRequest", err)
	}
}

func TestSession_CreateTransportUpstreamFailure(t *testing.T) {
	e := enginetest.New()
	s := joinedSession(t, newRooms(e), "c1", "alice")
	e.Fail("createTransport", errors.New("no ports"))

	_, err := s.CreateTransport(ctx, domain.DirectionSend)
	if core.KindOf(err) != core.KindUpstreamEngine {
		t.Fatalf("kind=%s, want %s", core.KindOf(err), core.KindUpstreamEngine)
	}
	e.Fail("createTransport", nil)
	if _, err := s.CreateTransport(ctx, domain.DirectionSend); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestSession_ProduceRequiresOwnedSendTransport(t *testing.T) {
	e := enginetest.New()
	rooms := newRooms(e)
	alice := joinedSession(t, rooms, "c1", "alice")
	bob := joinedSession(t, rooms, "c2", "bob")

	recv, _ := alice.CreateTransport(ctx, domain.DirectionRecv)
	if _, err := alice.Produce(ctx, recv.ID, domain.MediaKindAudio, enginetest.Params(enginetest.Opus)); !errors.Is(err, core.ErrBadRequest) {
		t.Fatalf("produce on recv err=%v, want ErrBadRequest", err)
	}
	bobSend, _ := bob.CreateTransport(ctx, domain.DirectionSend)
	if _, err := alice.Produce(ctx, bobSend.ID, domain.MediaKindAudio, enginetest.Params(enginetest.Opus)); !errors.Is(err, core.ErrTransportNotFound) {
		t.Fatalf("produce on foreign transport err=%v, want ErrTransportNotFound", err)
	}

	send, _ := alice.CreateTransport(ctx, domain.DirectionSend)
	p, err := alice.Produce(ctx, send.ID, domain.MediaKindAudio, enginetest.Params(enginetest.Opus))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	room, _, _ := alice.Room()
	if _, owner, ok := room.Producer(p.ID()); !ok || owner.Member != "alice" || owner.Conn != "c1" {
		t.Fatalf("producer not registered for alice: ok=%v owner=%+v", ok, owner)
	}
}

func TestSession_ConsumeAndResume(t *testing.T) {
	e := enginetest.New()
	rooms := newRooms(e)
	alice := joinedSession(t, rooms, "c1", "alice")
	bob := joinedSession(t, rooms, "c2", "bob")

	send, _ := alice.CreateTransport(ctx, domain.DirectionSend)
	p, err := alice.Produce(ctx, send.ID, domain.MediaKindAudio, enginetest.Params(enginetest.Opus))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	if _, err := bob.Consume(ctx, p.ID(), enginetest.Caps(enginetest.Opus)); !errors.Is(err, core.ErrTransportNotFound) {
		t.Fatalf("consume without recv transport err=%v, want ErrTransportNotFound", err)
	}
	if _, err := bob.CreateTransport(ctx, domain.DirectionRecv); err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	if _, err := bob.Consume(ctx, p.ID(), enginetest.Caps(enginetest.VP8)); !errors.Is(err, core.ErrIncompatibleCapabilities) {
		t.Fatalf("consume with vp8 caps err=%v, want ErrIncompatibleCapabilities", err)
	}
	if _, err := bob.Consume(ctx, "producer-missing", enginetest.Caps(enginetest.Opus)); !errors.Is(err, core.ErrProducerNotFound) {
		t.Fatalf("consume missing producer err=%v, want ErrProducerNotFound", err)
	}

	c, err := bob.Consume(ctx, p.ID(), enginetest.Caps(enginetest.Opus))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !c.Paused() {
		t.Fatal("new consumer should start paused")
	}
	if err := alice.ResumeConsumer(ctx, c.ID()); !errors.Is(err, core.ErrConsumerNotFound) {
		t.Fatalf("resume of foreign consumer err=%v, want ErrConsumerNotFound", err)
	}
	if err := bob.ResumeConsumer(ctx, c.ID()); err != nil {
		t.Fatalf("ResumeConsumer: %v", err)
	}
	if c.Paused() {
		t.Fatal("consumer still paused after resume")
	}
}

func TestSession_LeaveIsIdempotent(t *testing.T) {
	e := enginetest.New()
	rooms := newRooms(e)
	s := joinedSession(t, rooms, "c1", "alice")
	send, _ := s.CreateTransport(ctx, domain.DirectionSend)
	if _, err := s.Produce(ctx, send.ID, domain.MediaKindAudio, enginetest.Params(enginetest.Opus)); err != nil {
		t.Fatalf("Produce: %v", err)
	}

	res, ok := s.Leave()
	if !ok || !res.Removed || !res.RoomDestroyed {
		t.Fatalf("first leave=%+v ok=%v, want removed and destroyed", res, ok)
	}
	if len(res.Released.Transports) != 1 || len(res.Released.Producers) != 1 {
		t.Fatalf("released=%+v, want 1 transport and 1 producer", res.Released)
	}
	again, ok := s.Leave()
	if ok || !again.Released.Empty() {
		t.Fatalf("second leave=%+v ok=%v, want no-op", again, ok)
	}
	if n := e.Live(""); n != 0 {
		t.Fatalf("live handles=%d, want 0", n)
	}
	if n := e.CloseCalls(string(send.ID)); n != 1 {
		t.Fatalf("transport closed %d times, want 1", n)
	}
}

func TestSession_CloseDuringProduceRollsBack(t *testing.T) {
	e := enginetest.New()
	e.ProduceGate = make(chan struct{})
	rooms := newRooms(e)
	s := joinedSession(t, rooms, "c1", "alice")
	send, err := s.CreateTransport(ctx, domain.DirectionSend)
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}

	var (
		wg      sync.WaitGroup
		produce error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, produce = s.Produce(ctx, send.ID, domain.MediaKindAudio, enginetest.Params(enginetest.Opus))
	}()
	time.Sleep(20 * time.Millisecond)
	s.Close()
	close(e.ProduceGate)
	wg.Wait()

	if !errors.Is(produce, core.ErrSessionClosed) {
		t.Fatalf("produce err=%v, want ErrSessionClosed", produce)
	}
	if n := e.Live("producer"); n != 0 {
		t.Fatalf("live producers=%d, want 0", n)
	}
	if rooms.Count() != 0 {
		t.Fatalf("rooms=%d, want 0", rooms.Count())
	}
}

func TestSession_EarlyCandidatesAreQueuedThenFlushed(t *testing.T) {
	e := enginetest.New()
	s := joinedSession(t, newRooms(e), "c1", "alice")

	for _, port := range []uint16{5000, 5001} {
		queued, err := s.AddICECandidate(ctx, "", domain.DirectionRecv, candidate(port))
		if err != nil || !queued {
			t.Fatalf("AddICECandidate(%d) queued=%v err=%v, want queued", port, queued, err)
		}
	}
	if n := s.PendingCandidates(); n != 2 {
		t.Fatalf("pending=%d, want 2", n)
	}

	recv, err := s.CreateTransport(ctx, domain.DirectionRecv)
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	got := e.Candidates(recv.ID)
	if len(got) != 2 || got[0].Port != 5000 || got[1].Port != 5001 {
		t.Fatalf("flushed candidates=%+v, want ports 5000,5001 in order", got)
	}
	if n := s.PendingCandidates(); n != 0 {
		t.Fatalf("pending after flush=%d, want 0", n)
	}

	queued, err := s.AddICECandidate(ctx, recv.ID, "", candidate(5002))
	if err != nil || queued {
		t.Fatalf("direct candidate queued=%v err=%v", queued, err)
	}
	if n := len(e.Candidates(recv.ID)); n != 3 {
		t.Fatalf("candidates=%d, want 3", n)
	}
	if _, err := s.AddICECandidate(ctx, "transport-unknown", "", candidate(1)); !errors.Is(err, core.ErrTransportNotFound) {
		t.Fatalf("unknown transport err=%v, want ErrTransportNotFound", err)
	}
}

func TestSession_CandidateQueueIsBounded(t *testing.T) {
	e := enginetest.New()
	s := NewSession("c1", enginetest.NewSignal(), newRooms(e), 1)
	if _, err := s.Join(ctx, "r1", "alice", nil); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := s.AddICECandidate(ctx, "", domain.DirectionSend, candidate(1)); err != nil {
		t.Fatalf("first candidate: %v", err)
	}
	if _, err := s.AddICECandidate(ctx, "", domain.DirectionSend, candidate(2)); !errors.Is(err, core.ErrBadRequest) {
		t.Fatalf("overflow err=%v, want ErrBadRequest", err)
	}
}

func TestSession_LocalCandidatesReachHook(t *testing.T) {
	e := enginetest.New()
	s := joinedSession(t, newRooms(e), "c1", "alice")
	var (
		mu  sync.Mutex
		got []domain.TransportID
	)
	s.OnLocalCandidate = func(_ *Session, tid domain.TransportID, _ webrtc.ICECandidate) {
		mu.Lock()
		got = append(got, tid)
		mu.Unlock()
	}
	params, err := s.CreateTransport(ctx, domain.DirectionSend)
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	room, _, _ := s.Room()
	tr, _, _ := room.Transport(params.ID)
	tr.(*enginetest.Transport).Gather(candidate(6000))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != params.ID {
		t.Fatalf("hook got %v, want [%s]", got, params.ID)
	}
}

func TestSession_ReconnectTakesOverMembership(t *testing.T) {
	e := enginetest.New()
	rooms := newRooms(e)
	old := joinedSession(t, rooms, "c1", "alice")
	oldSend, _ := old.CreateTransport(ctx, domain.DirectionSend)

	fresh := newTestSession(rooms, "c2")
	res, err := fresh.Join(ctx, "r1", "alice", domain.AppInfo{"name": "again"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.Replaced != "c1" {
		t.Fatalf("replaced=%q, want c1", res.Replaced)
	}
	if _, err := old.CreateTransport(ctx, domain.DirectionRecv); !errors.Is(err, core.ErrNotJoined) {
		t.Fatalf("stale connection create err=%v, want ErrNotJoined", err)
	}

	out, _ := old.Close()
	if out.Removed {
		t.Fatal("stale close removed the membership")
	}
	if e.IsLive(string(oldSend.ID)) {
		t.Fatal("stale transport left open")
	}
	if !res.Room.HasMember("alice") || rooms.Count() != 1 {
		t.Fatal("alice lost her membership")
	}
}

func TestSession_ScreenShareLifecycle(t *testing.T) {
	e := enginetest.New()
	rooms := newRooms(e)
	alice := joinedSession(t, rooms, "c1", "alice")
	bob := joinedSession(t, rooms, "c2", "bob")

	if _, _, err := alice.StartScreenShare(ctx, enginetest.Params(enginetest.VP8), nil); !errors.Is(err, core.ErrTransportNotFound) {
		t.Fatalf("share without transport err=%v, want ErrTransportNotFound", err)
	}
	alice.CreateTransport(ctx, domain.DirectionSend)
	bob.CreateTransport(ctx, domain.DirectionSend)

	p1, out, err := alice.StartScreenShare(ctx, enginetest.Params(enginetest.VP8), nil)
	if err != nil || out.Previous != nil {
		t.Fatalf("alice share out=%+v err=%v", out, err)
	}
	p2, out, err := bob.StartScreenShare(ctx, enginetest.Params(enginetest.VP8), nil)
	if err != nil {
		t.Fatalf("bob share: %v", err)
	}
	if out.Previous == nil || out.Previous.Member != "alice" || out.Previous.Producer != p1.ID() {
		t.Fatalf("previous=%+v, want alice/%s", out.Previous, p1.ID())
	}
	if e.IsLive(string(p1.ID())) {
		t.Fatal("preempted producer still open")
	}
	if _, _, err := alice.StopScreenShare(); !errors.Is(err, core.ErrScreenShareRejected) {
		t.Fatalf("alice stop err=%v, want ErrScreenShareRejected", err)
	}
	share, _, err := bob.StopScreenShare()
	if err != nil || share.Producer != p2.ID() {
		t.Fatalf("bob stop share=%+v err=%v", share, err)
	}
	if e.IsLive(string(p2.ID())) {
		t.Fatal("stopped producer still open")
	}
}

func TestSession_CloseProducerChecksOwner(t *testing.T) {
	e := enginetest.New()
	rooms := newRooms(e)
	alice := joinedSession(t, rooms, "c1", "alice")
	bob := joinedSession(t, rooms, "c2", "bob")
	send, _ := alice.CreateTransport(ctx, domain.DirectionSend)
	p, _ := alice.Produce(ctx, send.ID, domain.MediaKindAudio, enginetest.Params(enginetest.Opus))
	bob.CreateTransport(ctx, domain.DirectionRecv)
	c, err := bob.Consume(ctx, p.ID(), enginetest.Caps(enginetest.Opus))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if _, err := bob.CloseProducer(p.ID()); !errors.Is(err, core.ErrProducerNotFound) {
		t.Fatalf("foreign close err=%v, want ErrProducerNotFound", err)
	}
	rel, err := alice.CloseProducer(p.ID())
	if err != nil {
		t.Fatalf("CloseProducer: %v", err)
	}
	if len(rel.Consumers) != 1 || rel.Consumers[0].Handle.ID() != c.ID() {
		t.Fatalf("released consumers=%+v, want %s", rel.Consumers, c.ID())
	}
	if e.IsLive(string(c.ID())) || e.IsLive(string(p.ID())) {
		t.Fatal("producer or consumer left open")
	}
}

func TestSession_RestartICE(t *testing.T) {
	e := enginetest.New()
	s := joinedSession(t, newRooms(e), "c1", "alice")
	send, _ := s.CreateTransport(ctx, domain.DirectionSend)

	params, err := s.RestartICE(ctx, send.ID)
	if err != nil {
		t.Fatalf("RestartICE: %v", err)
	}
	if params.UsernameFragment == send.ICEParameters.UsernameFragment {
		t.Fatal("ice credentials did not change")
	}
	e.Fail("restartIce", errors.New("unsupported"))
	if _, err := s.RestartICE(ctx, send.ID); !errors.Is(err, core.ErrUpstream) {
		t.Fatalf("err=%v, want ErrUpstream", err)
	}
}
