package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"hub/server/internal/protocol"
	"hub/server/internal/registry"
	"hub/server/internal/screenshare"
	"hub/server/internal/transfer"
)

func newTestServer(t *testing.T) (*Server, string) {
	return newTestServerWithIdle(t, 0, 0)
}

func newTestServerWithIdle(t *testing.T, idleTimeout, idleSweep time.Duration) (*Server, string) {
	t.Helper()
	hub := registry.NewHub(500)
	broker, err := transfer.New(transfer.Config{UploadDir: t.TempDir(), Deadline: time.Second, MaxFileSize: 1 << 20})
	if err != nil {
		t.Fatalf("transfer.New: %v", err)
	}
	relay := screenshare.New()
	srv := New(hub, broker, relay, 0, idleTimeout, idleSweep)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if idleTimeout > 0 && idleSweep > 0 {
		go srv.reapLoop(ctx)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(ctx, conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })

	return srv, ln.Addr().String()
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func connectClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(env protocol.Envelope) {
	c.t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	b = append(b, '\n')
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) sendRaw(s string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(s)); err != nil {
		c.t.Fatalf("write raw: %v", err)
	}
}

func (c *testClient) recv() protocol.Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		c.t.Fatalf("unmarshal %q: %v", line, err)
	}
	return env
}

func (c *testClient) recvType(want string) protocol.Envelope {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		env := c.recv()
		if env.Type == want {
			return env
		}
	}
	c.t.Fatalf("never saw message type %q", want)
	return protocol.Envelope{}
}

func TestTwoUserChatScenario(t *testing.T) {
	_, addr := newTestServer(t)

	alice := connectClient(t, addr)
	defer alice.conn.Close()
	alice.send(protocol.Envelope{Type: protocol.TypeLogin, Name: "alice"})

	loginOK := alice.recvType(protocol.TypeLoginSuccess)
	if loginOK.UID != 1 || loginOK.Name != "alice" {
		t.Fatalf("unexpected login-success: %+v", loginOK)
	}
	plist := alice.recvType(protocol.TypeParticipantList)
	if len(plist.Participants) != 1 || plist.Participants[0].UID != 1 {
		t.Fatalf("unexpected participant-list: %+v", plist)
	}

	bob := connectClient(t, addr)
	defer bob.conn.Close()
	bob.send(protocol.Envelope{Type: protocol.TypeLogin, Name: "bob"})
	bobLogin := bob.recvType(protocol.TypeLoginSuccess)
	if bobLogin.UID != 2 {
		t.Fatalf("expected uid 2 for bob, got %d", bobLogin.UID)
	}

	joined := alice.recvType(protocol.TypeUserJoined)
	if joined.UID != 2 || joined.Name != "bob" {
		t.Fatalf("unexpected user-joined: %+v", joined)
	}
	updated := alice.recvType(protocol.TypeParticipantList)
	if len(updated.Participants) != 2 {
		t.Fatalf("expected 2 participants after bob joins, got %+v", updated.Participants)
	}

	alice.send(protocol.Envelope{Type: protocol.TypeChat, Text: "hi"})
	chat := bob.recvType(protocol.TypeChat)
	if chat.UID != 1 || chat.Username != "alice" || chat.Text != "hi" {
		t.Fatalf("unexpected chat delivery: %+v", chat)
	}
}

func TestUnicastToMissingTarget(t *testing.T) {
	_, addr := newTestServer(t)

	alice := connectClient(t, addr)
	defer alice.conn.Close()
	alice.send(protocol.Envelope{Type: protocol.TypeLogin, Name: "alice"})
	alice.recvType(protocol.TypeLoginSuccess)
	alice.recvType(protocol.TypeParticipantList)

	alice.send(protocol.Envelope{Type: protocol.TypeUnicast, TargetUID: 999, Text: "hey"})
	errEnv := alice.recvType(protocol.TypeError)
	if errEnv.Message != "User with uid=999 not found" {
		t.Fatalf("unexpected error message: %q", errEnv.Message)
	}
}

func TestMalformedLineKeepsConnectionOpen(t *testing.T) {
	_, addr := newTestServer(t)

	alice := connectClient(t, addr)
	defer alice.conn.Close()
	alice.send(protocol.Envelope{Type: protocol.TypeLogin, Name: "alice"})
	alice.recvType(protocol.TypeLoginSuccess)
	alice.recvType(protocol.TypeParticipantList)

	alice.sendRaw("not json at all\n")
	errEnv := alice.recvType(protocol.TypeError)
	if errEnv.Type != protocol.TypeError {
		t.Fatalf("expected error, got %+v", errEnv)
	}

	// connection must still be usable afterward
	alice.send(protocol.Envelope{Type: protocol.TypeHeartbeat})
	alice.recvType(protocol.TypeHeartbeatAck)
}

func TestGetHistoryReturnsSentMessages(t *testing.T) {
	_, addr := newTestServer(t)

	alice := connectClient(t, addr)
	defer alice.conn.Close()
	alice.send(protocol.Envelope{Type: protocol.TypeLogin, Name: "alice"})
	alice.recvType(protocol.TypeLoginSuccess)
	alice.recvType(protocol.TypeParticipantList)

	for i := 0; i < 5; i++ {
		alice.send(protocol.Envelope{Type: protocol.TypeChat, Text: "m"})
		alice.recvType(protocol.TypeChat)
	}

	alice.send(protocol.Envelope{Type: protocol.TypeGetHistory})
	hist := alice.recvType(protocol.TypeHistory)
	if hist.Count != 5 || len(hist.Messages) != 5 {
		t.Fatalf("expected 5 history entries, got %+v", hist)
	}
}

func TestIdleConnectionReaped(t *testing.T) {
	_, addr := newTestServerWithIdle(t, 50*time.Millisecond, 10*time.Millisecond)

	alice := connectClient(t, addr)
	defer alice.conn.Close()
	alice.send(protocol.Envelope{Type: protocol.TypeLogin, Name: "alice"})
	alice.recvType(protocol.TypeLoginSuccess)
	alice.recvType(protocol.TypeParticipantList)

	// Drain anything still in flight (the login broadcast of the participant
	// list); the read must then end because the server closed the socket,
	// not because the deadline passed.
	alice.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 512)
	for {
		_, err := alice.conn.Read(buf)
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.Fatalf("expected connection to be closed by idle reaper, read timed out instead")
		}
		break
	}
}

func TestHeartbeatPreventsReap(t *testing.T) {
	_, addr := newTestServerWithIdle(t, 150*time.Millisecond, 20*time.Millisecond)

	alice := connectClient(t, addr)
	defer alice.conn.Close()
	alice.send(protocol.Envelope{Type: protocol.TypeLogin, Name: "alice"})
	alice.recvType(protocol.TypeLoginSuccess)
	alice.recvType(protocol.TypeParticipantList)

	for i := 0; i < 3; i++ {
		time.Sleep(80 * time.Millisecond)
		alice.send(protocol.Envelope{Type: protocol.TypeHeartbeat})
		alice.recvType(protocol.TypeHeartbeatAck)
	}
}

func TestBroadcastTypePreservedOutbound(t *testing.T) {
	_, addr := newTestServer(t)

	alice := connectClient(t, addr)
	defer alice.conn.Close()
	alice.send(protocol.Envelope{Type: protocol.TypeLogin, Name: "alice"})
	alice.recvType(protocol.TypeLoginSuccess)
	alice.recvType(protocol.TypeParticipantList)

	bob := connectClient(t, addr)
	defer bob.conn.Close()
	bob.send(protocol.Envelope{Type: protocol.TypeLogin, Name: "bob"})
	bob.recvType(protocol.TypeLoginSuccess)
	alice.recvType(protocol.TypeUserJoined)
	alice.recvType(protocol.TypeParticipantList)

	alice.send(protocol.Envelope{Type: protocol.TypeBroadcast, Text: "hear ye"})
	out := bob.recvType(protocol.TypeBroadcast)
	if out.UID != 1 || out.Username != "alice" || out.Text != "hear ye" {
		t.Fatalf("unexpected broadcast delivery: %+v", out)
	}
}
