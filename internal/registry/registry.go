// Package registry is C1, the Session Registry: the single source of truth
// for live users (uid ↔ display name ↔ control-connection handle), plus the
// chat ring it shares a lock with per the shared-resource policy in spec.md
// §5 ("Session registry and chat ring — single mutex, short critical
// sections").
package registry

import (
	"sync"
	"time"

	"hub/server/internal/protocol"
)

// ControlHandle is the write side of a user's control connection, as far as
// other components need to know about it: just an opaque key used to look a
// user up. The registry never calls into it; sending is the control plane's
// job, never performed while the registry's lock is held.
type ControlHandle interface{}

// User is one row of the registry.
type User struct {
	UID     uint32
	Name    string
	Handle  ControlHandle
	Joined  time.Time
}

// LeaveListener is invoked, outside the registry lock, after a user has been
// removed. The control plane subscribes one (user-left broadcast and C4
// teardown), and main subscribes one for C5 cleanup and the audit log. The
// C3 transfer broker does not subscribe: a leaving user's transfer listeners
// stay open until their own deadline.
type LeaveListener func(uid uint32, name string)

// Hub is C1 plus the chat ring. All operations are serialized behind a single
// mutex; callers never hold the lock while doing I/O — every accessor here
// returns a copy.
type Hub struct {
	mu      sync.Mutex
	users   map[uint32]*User
	nextUID uint32

	ring    []protocol.ChatMessage
	ringCap int

	leaveListeners []LeaveListener
}

// NewHub constructs an empty registry with a chat ring capacity of ringCap
// (spec.md §3: N≈500).
func NewHub(ringCap int) *Hub {
	if ringCap <= 0 {
		ringCap = 500
	}
	return &Hub{
		users:   make(map[uint32]*User),
		ringCap: ringCap,
	}
}

// OnLeave subscribes a listener invoked after every Unregister.
func (h *Hub) OnLeave(l LeaveListener) {
	h.mu.Lock()
	h.leaveListeners = append(h.leaveListeners, l)
	h.mu.Unlock()
}

// Register issues a fresh uid (monotonic, never reused within this process
// lifetime) and adds the user to the table.
func (h *Hub) Register(name string, handle ControlHandle) uint32 {
	h.mu.Lock()
	h.nextUID++
	uid := h.nextUID
	h.users[uid] = &User{UID: uid, Name: name, Handle: handle, Joined: time.Now()}
	h.mu.Unlock()
	return uid
}

// Unregister removes uid if present and fires leave listeners. Idempotent:
// unregistering an already-absent uid is a no-op and listeners do not fire
// again.
func (h *Hub) Unregister(uid uint32) {
	h.mu.Lock()
	u, ok := h.users[uid]
	if ok {
		delete(h.users, uid)
	}
	listeners := h.leaveListeners
	h.mu.Unlock()

	if !ok {
		return
	}
	for _, l := range listeners {
		l(uid, u.Name)
	}
}

// Resolve returns the display name for uid, if registered.
func (h *Hub) Resolve(uid uint32) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.users[uid]
	if !ok {
		return "", false
	}
	return u.Name, true
}

// Handle returns the control handle for uid, if registered.
func (h *Hub) Handle(uid uint32) (ControlHandle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.users[uid]
	if !ok {
		return nil, false
	}
	return u.Handle, true
}

// Snapshot returns a point-in-time copy of every registered (uid, name).
func (h *Hub) Snapshot() []protocol.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.Participant, 0, len(h.users))
	for _, u := range h.users {
		out = append(out, protocol.Participant{UID: u.UID, Name: u.Name})
	}
	return out
}

// Handles returns a point-in-time copy of every registered handle, excluding
// the given uid if nonzero skip is requested by the caller (pass 0 to
// include everyone).
func (h *Hub) Handles(excludeUID uint32) []ControlHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ControlHandle, 0, len(h.users))
	for uid, u := range h.users {
		if uid == excludeUID {
			continue
		}
		out = append(out, u.Handle)
	}
	return out
}

// Count returns the number of currently registered users.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users)
}

// AppendChat appends a message to the ring, evicting the oldest entry once
// ringCap is exceeded.
func (h *Hub) AppendChat(msg protocol.ChatMessage) {
	h.mu.Lock()
	h.ring = append(h.ring, msg)
	if len(h.ring) > h.ringCap {
		h.ring = h.ring[len(h.ring)-h.ringCap:]
	}
	h.mu.Unlock()
}

// History returns a copy of the current ring contents, oldest first, and its
// length.
func (h *Hub) History() ([]protocol.ChatMessage, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.ChatMessage, len(h.ring))
	copy(out, h.ring)
	return out, len(out)
}
