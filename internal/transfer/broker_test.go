package transfer

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(Config{UploadDir: t.TempDir(), Deadline: 2 * time.Second, MaxFileSize: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	b := newTestBroker(t)

	payload := bytes.Repeat([]byte{0xAB}, 3000)
	available := make(chan FileRecord, 1)
	b.OnFileAvailable(func(rec FileRecord) { available <- rec })

	port, err := b.Offer("f1", "a.txt", int64(len(payload)), 1, "alice")
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}

	conn, err := net.Dial("tcp", addr(port))
	if err != nil {
		t.Fatalf("dial upload port: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	conn.Close()

	select {
	case rec := <-available:
		if rec.Size != int64(len(payload)) {
			t.Fatalf("expected size %d, got %d", len(payload), rec.Size)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for file-available callback")
	}

	rec, dport, err := b.Request("f1")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if rec.Filename != "a.txt" {
		t.Fatalf("unexpected filename %q", rec.Filename)
	}

	dconn, err := net.Dial("tcp", addr(dport))
	if err != nil {
		t.Fatalf("dial download port: %v", err)
	}
	defer dconn.Close()

	got, err := io.ReadAll(dconn)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("downloaded bytes do not match uploaded bytes")
	}
}

func TestShortUploadIsNotAdvertised(t *testing.T) {
	b := newTestBroker(t)
	var fired bool
	b.OnFileAvailable(func(FileRecord) { fired = true })

	port, err := b.Offer("f2", "b.txt", 3000, 1, "alice")
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}

	conn, err := net.Dial("tcp", addr(port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write(bytes.Repeat([]byte{1}, 100))
	conn.Close()

	time.Sleep(200 * time.Millisecond)
	if fired {
		t.Fatal("file-available fired for a short upload")
	}
	if _, _, err := b.Request("f2"); err == nil {
		t.Fatal("expected request for never-completed file to fail")
	}
}

func TestRequestUnknownFID(t *testing.T) {
	b := newTestBroker(t)
	if _, _, err := b.Request("missing"); err == nil {
		t.Fatal("expected error for unknown fid")
	}
}

func TestOfferRejectsInvalidSize(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.Offer("f3", "c.txt", 0, 1, "alice"); err == nil {
		t.Fatal("expected rejection of zero size")
	}
	if _, err := b.Offer("f4", "d.txt", -5, 1, "alice"); err == nil {
		t.Fatal("expected rejection of negative size")
	}
}

func addr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
