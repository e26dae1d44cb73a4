package domain

import (
	"strings"
	"testing"
)

func TestParseMemberID(t *testing.T) {
	id, err := ParseMemberID("alice")
	if err != nil || id != "alice" {
		t.Fatalf("ParseMemberID(alice)=%q,%v", id, err)
	}

	gen, err := ParseMemberID("")
	if err != nil {
		t.Fatalf("ParseMemberID(empty): %v", err)
	}
	if len(gen) != 36 {
		t.Fatalf("generated id length=%d, want 36", len(gen))
	}

	if _, err := ParseMemberID(strings.Repeat("x", MaxMemberIDLen+1)); err != ErrMemberIDTooLong {
		t.Fatalf("err=%v, want %v", err, ErrMemberIDTooLong)
	}
}

func TestParseRoomID(t *testing.T) {
	if _, err := ParseRoomID(""); err != ErrRoomIDEmpty {
		t.Fatalf("err=%v, want %v", err, ErrRoomIDEmpty)
	}
	if _, err := ParseRoomID(strings.Repeat("r", MaxRoomIDLen+1)); err != ErrRoomIDTooLong {
		t.Fatalf("err=%v, want %v", err, ErrRoomIDTooLong)
	}
	if id, err := ParseRoomID("r1"); err != nil || id != "r1" {
		t.Fatalf("ParseRoomID(r1)=%q,%v", id, err)
	}
}

func TestAppInfoCloneIsIndependent(t *testing.T) {
	a := AppInfo{"name": "Alice"}
	b := a.Clone()
	b["name"] = "Bob"
	if a["name"] != "Alice" {
		t.Fatalf("original mutated: %v", a)
	}
	if AppInfo(nil).Clone() != nil {
		t.Fatal("nil clone should stay nil")
	}
}

func TestDirectionAndKindValid(t *testing.T) {
	if !DirectionSend.Valid() || !DirectionRecv.Valid() || Direction("both").Valid() {
		t.Fatal("unexpected Direction.Valid results")
	}
	if !MediaKindAudio.Valid() || !MediaKindVideo.Valid() || MediaKind("data").Valid() {
		t.Fatal("unexpected MediaKind.Valid results")
	}
}
