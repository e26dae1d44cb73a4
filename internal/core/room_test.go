package core_test

import (
	"errors"
	"testing"

	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/domain"
)

func TestRoom_AddMemberIsUpsert(t *testing.T) {
	f := newFixture(t, "alice")

	prev, err := f.room.AddMember("alice", domain.AppInfo{"name": "Alice 2"}, "conn-alice")
	if err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if prev != "" {
		t.Fatalf("prev conn=%q, want empty for same connection", prev)
	}
	if got := f.room.MemberCount(); got != 1 {
		t.Fatalf("MemberCount=%d, want 1", got)
	}
	m, _ := f.room.Member("alice")
	if m.AppInfo["name"] != "Alice 2" {
		t.Fatalf("AppInfo=%v, want overwritten", m.AppInfo)
	}

	prev, _ = f.room.AddMember("alice", nil, "conn-alice-2")
	if prev != "conn-alice" {
		t.Fatalf("prev conn=%q, want conn-alice", prev)
	}
}

func TestRoom_MaxMembers(t *testing.T) {
	e := newFixture(t).engine
	m := newManager(e, 1)
	r, _ := m.GetOrCreate(t.Context(), "small")
	if _, err := r.AddMember("alice", nil, "c1"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if _, err := r.AddMember("bob", nil, "c2"); !errors.Is(err, core.ErrRoomFull) {
		t.Fatalf("err=%v, want ErrRoomFull", err)
	}
	if _, err := r.AddMember("alice", nil, "c3"); err != nil {
		t.Fatalf("re-join of existing member must not count against the limit: %v", err)
	}
}

func TestRoom_MembersSnapshotIsACopy(t *testing.T) {
	f := newFixture(t, "alice", "bob")

	snap := f.room.MembersWithStatus()
	if len(snap) != 2 || snap[0].ID != "alice" || snap[1].ID != "bob" {
		t.Fatalf("snapshot=%+v, want alice,bob in join order", snap)
	}
	snap[0].AppInfo["name"] = "mallory"
	m, _ := f.room.Member("alice")
	if m.AppInfo["name"] != "alice" {
		t.Fatal("snapshot shares AppInfo with the live member")
	}

	ids := f.room.Members()
	ids[0] = "zed"
	if f.room.Members()[0] != "alice" {
		t.Fatal("Members() exposes live state")
	}
}

func TestRoom_RegisterReleaseRoundTrip(t *testing.T) {
	f := newFixture(t, "alice")
	t1 := f.transport("alice", domain.DirectionSend)
	t2 := f.transport("alice", domain.DirectionRecv)

	rel, ok := f.room.ReleaseResource(core.ResourceTransport, string(t1.ID()))
	if !ok || len(rel.Transports) != 1 || rel.Transports[0].ID() != t1.ID() {
		t.Fatalf("ReleaseResource=%+v,%v", rel, ok)
	}
	if _, _, ok := f.room.Transport(t1.ID()); ok {
		t.Fatal("released transport still registered")
	}
	if _, _, ok := f.room.Transport(t2.ID()); !ok {
		t.Fatal("release touched an unrelated transport")
	}
	if _, ok := f.room.ReleaseResource(core.ResourceTransport, string(t1.ID())); ok {
		t.Fatal("second release should report missing")
	}
}

func TestRoom_RegisterResourceRequiresMember(t *testing.T) {
	f := newFixture(t, "alice")
	tr, _ := f.room.Router().CreateTransport(t.Context(), domain.DirectionSend)

	if err := f.room.RegisterResource(core.ResourceTransport, tr, owner("ghost")); !errors.Is(err, core.ErrMemberNotFound) {
		t.Fatalf("err=%v, want ErrMemberNotFound", err)
	}
	if err := f.room.RegisterResource(core.ResourceProducer, tr, owner("alice")); !errors.Is(err, core.ErrBadRequest) {
		t.Fatalf("err=%v, want ErrBadRequest for mismatched kind", err)
	}
	if err := f.room.RegisterResource(core.ResourceTransport, tr, owner("alice")); err != nil {
		t.Fatalf("RegisterResource: %v", err)
	}
	if f.room.ResourceCount() != 1 {
		t.Fatalf("ResourceCount=%d, want 1", f.room.ResourceCount())
	}
}

func TestRoom_ReleasingProducerReleasesItsConsumers(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	send := f.transport("alice", domain.DirectionSend)
	recv := f.transport("bob", domain.DirectionRecv)
	p := f.producer("alice", send)
	c := f.consumer("bob", recv, p)

	rel, err := f.room.ReleaseProducer(p.ID(), "conn-bob")
	if !errors.Is(err, core.ErrProducerNotFound) {
		t.Fatalf("foreign close err=%v, want ErrProducerNotFound", err)
	}
	rel, err = f.room.ReleaseProducer(p.ID(), "conn-alice")
	if err != nil {
		t.Fatalf("ReleaseProducer: %v", err)
	}
	if len(rel.Consumers) != 1 || rel.Consumers[0].Handle.ID() != c.ID() {
		t.Fatalf("released consumers=%+v, want %s", rel.Consumers, c.ID())
	}
	if rel.Consumers[0].Owner.Conn != "conn-bob" {
		t.Fatalf("consumer owner=%+v, want conn-bob", rel.Consumers[0].Owner)
	}
	if _, _, ok := f.room.Consumer(c.ID()); ok {
		t.Fatal("consumer survived its producer")
	}
}

func TestRoom_AddConsumerFailsWhenProducerGone(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	send := f.transport("alice", domain.DirectionSend)
	recv := f.transport("bob", domain.DirectionRecv)
	p := f.producer("alice", send)

	c, err := f.room.Router().Consume(t.Context(), recv, p, core.RTPCapabilities{})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	f.room.ReleaseResource(core.ResourceProducer, string(p.ID()))
	if err := f.room.AddConsumer(owner("bob"), recv.ID(), c); !errors.Is(err, core.ErrProducerNotFound) {
		t.Fatalf("err=%v, want ErrProducerNotFound", err)
	}
}

func TestRoom_RemoveMemberCascades(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	aSend := f.transport("alice", domain.DirectionSend)
	aRecv := f.transport("alice", domain.DirectionRecv)
	bSend := f.transport("bob", domain.DirectionSend)
	bRecv := f.transport("bob", domain.DirectionRecv)
	ap := f.producer("alice", aSend)
	bp := f.producer("bob", bSend)
	f.consumer("alice", aRecv, bp)
	bc := f.consumer("bob", bRecv, ap)

	res := f.room.RemoveMember("alice", "conn-alice")
	if !res.Removed || res.Empty {
		t.Fatalf("removal=%+v, want removed and not empty", res)
	}
	if got := len(res.Released.Transports); got != 2 {
		t.Fatalf("released transports=%d, want 2", got)
	}
	if got := len(res.Released.Consumers); got != 2 {
		t.Fatalf("released consumers=%d, want alice's own plus bob's consumer of alice", got)
	}
	if _, _, ok := f.room.Consumer(bc.ID()); ok {
		t.Fatal("bob's consumer of alice's producer survived")
	}
	if _, _, ok := f.room.Producer(bp.ID()); !ok {
		t.Fatal("bob's producer was released")
	}
	if f.room.HasMember("alice") {
		t.Fatal("alice still a member")
	}

	res.Released.CloseAll()
	res.Released.CloseAll()
	if f.engine.IsLive(string(aSend.ID())) {
		t.Fatal("transport not closed")
	}
}

func TestRoom_StaleConnectionKeepsMembership(t *testing.T) {
	f := newFixture(t, "alice")
	old := f.transport("alice", domain.DirectionSend)

	if _, err := f.room.AddMember("alice", nil, "conn-alice-2"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	res := f.room.RemoveMember("alice", "conn-alice")
	if res.Removed {
		t.Fatal("stale connection removed the membership")
	}
	if len(res.Released.Transports) != 1 || res.Released.Transports[0].ID() != old.ID() {
		t.Fatalf("stale connection should release its own transport, got %+v", res.Released)
	}
	if !f.room.HasMember("alice") {
		t.Fatal("alice lost membership")
	}
}
