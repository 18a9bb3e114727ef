package registry

import (
	"testing"

	"hub/server/internal/protocol"
)

func TestRegisterIssuesDistinctUIDs(t *testing.T) {
	h := NewHub(500)
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		uid := h.Register("user", nil)
		if seen[uid] {
			t.Fatalf("uid %d reused", uid)
		}
		seen[uid] = true
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := NewHub(500)
	var fired int
	h.OnLeave(func(uid uint32, name string) { fired++ })

	uid := h.Register("alice", nil)
	h.Unregister(uid)
	h.Unregister(uid)

	if fired != 1 {
		t.Fatalf("expected leave listener to fire once, fired %d times", fired)
	}
	if _, ok := h.Resolve(uid); ok {
		t.Fatal("expected uid to be gone after unregister")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	h := NewHub(500)
	h.Register("alice", nil)
	h.Register("bob", nil)

	snap := h.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(snap))
	}

	snap[0].Name = "mutated"
	snap2 := h.Snapshot()
	for _, p := range snap2 {
		if p.Name == "mutated" {
			t.Fatal("snapshot mutation leaked into registry state")
		}
	}
}

func TestChatRingBound(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 10; i++ {
		h.AppendChat(protocol.ChatMessage{Text: "m"})
	}
	msgs, count := h.History()
	if count != 3 || len(msgs) != 3 {
		t.Fatalf("expected ring bound to 3, got %d", count)
	}
}

func TestHandlesExcludesGivenUID(t *testing.T) {
	h := NewHub(500)
	a := h.Register("alice", "handle-a")
	h.Register("bob", "handle-b")

	handles := h.Handles(a)
	if len(handles) != 1 || handles[0] != "handle-b" {
		t.Fatalf("expected only bob's handle, got %#v", handles)
	}
}
