package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/StudyRoom/internal/app"
	"github.com/dkeye/StudyRoom/internal/app/orch"
	"github.com/dkeye/StudyRoom/internal/config"
	"github.com/dkeye/StudyRoom/internal/core"
	"github.com/dkeye/StudyRoom/internal/core/enginetest"
	"github.com/dkeye/StudyRoom/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
)

type fixture struct {
	orch   *orch.Orchestrator
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := metrics.New()
	o := &orch.Orchestrator{
		Rooms:    core.NewRoomManager(enginetest.New(), core.RoomConfig{Codecs: []webrtc.RTPCodecParameters{enginetest.Opus}}, m),
		Registry: app.NewRegistry(),
		Policy:   app.SimplePolicy{},
		Metrics:  m,
	}
	cfg := &config.Config{Mode: "test", Secret: "test-secret", PingPeriod: time.Second}
	return &fixture{orch: o, router: SetupRouter(context.Background(), cfg, o, m)}
}

// join connects a fake signaling client and joins it to room.
func (f *fixture) join(t *testing.T, room, member string) *app.Session {
	t.Helper()
	var sess *app.Session
	sess = f.orch.Connect(enginetest.NewSignal(), func() { f.orch.Disconnect(sess) })
	frame, _ := json.Marshal(orch.Inbound{
		ID:   1,
		Type: orch.MsgJoin,
		Data: json.RawMessage(`{"roomId":"` + room + `","memberId":"` + member + `"}`),
	})
	f.orch.Handle(context.Background(), sess, frame)
	if sess.State() != app.StateJoined {
		t.Fatalf("%s did not join %s", member, room)
	}
	return sess
}

func (f *fixture) do(t *testing.T, method, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w
}

func TestRouter_Healthz(t *testing.T) {
	f := newFixture(t)
	f.join(t, "math", "alice")

	var body struct {
		Status   string `json:"status"`
		Rooms    int    `json:"rooms"`
		Sessions int    `json:"sessions"`
	}
	w := f.do(t, http.MethodGet, "/healthz", &body)
	if w.Code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("code=%d body=%+v", w.Code, body)
	}
	if body.Rooms != 1 || body.Sessions != 1 {
		t.Fatalf("rooms=%d sessions=%d, want 1/1", body.Rooms, body.Sessions)
	}
}

func TestRouter_RoomsAndMembers(t *testing.T) {
	f := newFixture(t)
	f.join(t, "math", "alice")
	f.join(t, "math", "bob")
	f.join(t, "physics", "carol")

	var list struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	f.do(t, http.MethodGet, "/api/rooms", &list)
	if len(list.Rooms) != 2 {
		t.Fatalf("rooms=%+v, want 2", list.Rooms)
	}

	var members struct {
		Members []core.MemberStatus `json:"members"`
	}
	w := f.do(t, http.MethodGet, "/api/rooms/math/members", &members)
	if w.Code != http.StatusOK || len(members.Members) != 2 {
		t.Fatalf("code=%d members=%+v", w.Code, members.Members)
	}

	var room struct {
		Room core.RoomInfo `json:"room"`
	}
	f.do(t, http.MethodGet, "/api/rooms/physics", &room)
	if room.Room.ID != "physics" || room.Room.MemberCount != 1 {
		t.Fatalf("room=%+v", room.Room)
	}
}

func TestRouter_UnknownRoom(t *testing.T) {
	f := newFixture(t)

	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	w := f.do(t, http.MethodGet, "/api/rooms/nowhere", &body)
	if w.Code != http.StatusNotFound || body.Error.Kind != string(core.KindRoomNotFound) {
		t.Fatalf("code=%d body=%+v", w.Code, body)
	}
	if w := f.do(t, http.MethodDelete, "/api/rooms/nowhere", nil); w.Code != http.StatusNotFound {
		t.Fatalf("delete code=%d, want 404", w.Code)
	}
}

func TestRouter_EvictRoom(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "math", "alice")
	b := f.join(t, "math", "bob")

	var body struct {
		Disconnected int `json:"disconnected"`
	}
	w := f.do(t, http.MethodDelete, "/api/rooms/math", &body)
	if w.Code != http.StatusOK || body.Disconnected != 2 {
		t.Fatalf("code=%d body=%+v", w.Code, body)
	}
	if a.State() != app.StateClosed || b.State() != app.StateClosed {
		t.Fatalf("states=%v/%v, want closed", a.State(), b.State())
	}
	if _, ok := f.orch.Rooms.Get("math"); ok {
		t.Fatal("room should be gone with its last member")
	}
}

func TestRouter_Metrics(t *testing.T) {
	f := newFixture(t)
	f.join(t, "math", "alice")

	w := f.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "studyroom_rooms_current 1") {
		t.Fatalf("metrics missing room gauge:\n%s", w.Body.String())
	}
}

func TestRouter_ClientTokenCookie(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	found := false
	for _, c := range w.Result().Cookies() {
		if c.Name == "ct" && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected client token cookie")
	}
}
