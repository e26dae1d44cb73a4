package core_test

import (
	"context"
	"testing"

	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/core/enginetest"
	"github.com/dkeye/StudyRoom/internal/domain"
)

func memberID(s string) domain.MemberID   { return domain.MemberID(s) }
func connID(s string) domain.ConnectionID { return domain.ConnectionID(s) }
func roomID(s string) domain.RoomID       { return domain.RoomID(s) }

// fixture is a room with engine handles created the way a session would.
type fixture struct {
	t      *testing.T
	engine *enginetest.Engine
	rooms  *core.RoomManager
	room   *core.Room
}

func newFixture(t *testing.T, members ...string) *fixture {
	t.Helper()
	e := enginetest.New()
	m := newManager(e, 0)
	r, err := m.GetOrCreate(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	for _, id := range members {
		if _, err := r.AddMember(memberID(id), domain.AppInfo{"name": id}, connID("conn-"+id)); err != nil {
			t.Fatalf("AddMember(%s): %v", id, err)
		}
	}
	return &fixture{t: t, engine: e, rooms: m, room: r}
}

func owner(member string) core.Owner {
	return core.Owner{Member: memberID(member), Conn: connID("conn-" + member)}
}

func (f *fixture) transport(member string, dir domain.Direction) core.Transport {
	f.t.Helper()
	tr, err := f.room.Router().CreateTransport(context.Background(), dir)
	if err != nil {
		f.t.Fatalf("CreateTransport: %v", err)
	}
	if err := f.room.AddTransport(owner(member), tr); err != nil {
		f.t.Fatalf("AddTransport: %v", err)
	}
	return tr
}

func (f *fixture) producer(member string, tr core.Transport) core.Producer {
	f.t.Helper()
	p, err := tr.Produce(context.Background(), domain.MediaKindAudio, enginetest.Params(enginetest.Opus))
	if err != nil {
		f.t.Fatalf("Produce: %v", err)
	}
	if err := f.room.AddProducer(owner(member), tr.ID(), p); err != nil {
		f.t.Fatalf("AddProducer: %v", err)
	}
	return p
}

func (f *fixture) screen(member string, tr core.Transport) (core.Producer, core.ShareOutcome) {
	f.t.Helper()
	p, err := tr.Produce(context.Background(), domain.MediaKindVideo, enginetest.Params(enginetest.VP8))
	if err != nil {
		f.t.Fatalf("Produce: %v", err)
	}
	out, err := f.room.StartScreenShare(owner(member), tr.ID(), p, nil)
	if err != nil {
		f.t.Fatalf("StartScreenShare: %v", err)
	}
	return p, out
}

func (f *fixture) consumer(member string, tr core.Transport, p core.Producer) core.Consumer {
	f.t.Helper()
	c, err := f.room.Router().Consume(context.Background(), tr, p, enginetest.Caps(enginetest.Opus, enginetest.VP8))
	if err != nil {
		f.t.Fatalf("Consume: %v", err)
	}
	if err := f.room.AddConsumer(owner(member), tr.ID(), c); err != nil {
		f.t.Fatalf("AddConsumer: %v", err)
	}
	return c
}
