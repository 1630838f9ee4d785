package gossip

import (
	"sync"
	"testing"
	"time"

	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/wire"
)

// fakeNeighbors is a static NeighborSet for tests.
type fakeNeighbors struct{ ids []identity.ID }

func (f fakeNeighbors) Neighbors() []identity.ID { return f.ids }

// fakeConn discards writes; tests inspect calls via the dialer instead.
type fakeConn struct{}

func (fakeConn) Write(p []byte) (int, error)   { return len(p), nil }
func (fakeConn) SetDeadline(t time.Time) error { return nil }
func (fakeConn) Close() error                  { return nil }

// recordingDialer counts forward attempts per destination.
type recordingDialer struct {
	mu    sync.Mutex
	calls map[identity.ID]int
}

func newRecordingDialer() *recordingDialer {
	return &recordingDialer{calls: make(map[identity.ID]int)}
}

func (d *recordingDialer) dial(to identity.ID) (Conn, error) {
	d.mu.Lock()
	d.calls[to]++
	d.mu.Unlock()
	return fakeConn{}, nil
}

func (d *recordingDialer) count(to identity.ID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[to]
}

func newTestLogger() *eventlog.Logger {
	l := eventlog.New("TEST", 0)
	return l
}

func TestEngineGenerateStopsAtMaxGossip(t *testing.T) {
	self := identity.New("127.0.0.1", 7000)
	nb := fakeNeighbors{ids: []identity.ID{identity.New("127.0.0.1", 7001)}}
	dialer := newRecordingDialer()
	log := newTestLogger()
	defer log.Close()

	e := New(self, nb, dialer.dial, log)

	for i := 0; i < MaxGossip; i++ {
		if !e.generate("") {
			if i != MaxGossip-1 {
				t.Fatalf("generate() stopped early at iteration %d", i)
			}
		}
	}
	if e.Seq() != MaxGossip {
		t.Fatalf("Seq() = %d, want %d", e.Seq(), MaxGossip)
	}
	if e.generate("") {
		t.Fatalf("generate() returned true after reaching MaxGossip")
	}
	if e.Seq() != MaxGossip {
		t.Fatalf("generate() incremented Seq() past MaxGossip: %d", e.Seq())
	}
}

func TestReceiveDropsHashMismatch(t *testing.T) {
	self := identity.New("127.0.0.1", 7000)
	nb := fakeNeighbors{ids: []identity.ID{identity.New("127.0.0.1", 7001)}}
	dialer := newRecordingDialer()
	log := newTestLogger()
	defer log.Close()

	e := New(self, nb, dialer.dial, log)
	msg := wire.Gossip{MsgID: "t:a:7002:1", Body: "body", Hash: "not-the-real-hash"}
	e.Receive(msg)

	if e.SeenCount() != 0 {
		t.Fatalf("hash-mismatched message was recorded as seen")
	}
}

func TestReceiveDedupsAndForwardsOnceExceptSender(t *testing.T) {
	self := identity.New("127.0.0.1", 7000)
	senderID := identity.New("127.0.0.1", 7001)
	otherID := identity.New("127.0.0.1", 7002)
	nb := fakeNeighbors{ids: []identity.ID{senderID, otherID}}
	dialer := newRecordingDialer()
	log := newTestLogger()
	defer log.Close()

	e := New(self, nb, dialer.dial, log)

	msgID := "123:192.0.2.1:7010:1"
	body := "hello"
	hash := hashOf(msgID, body)
	msg := wire.Gossip{MsgID: msgID, Body: body, Hash: hash, From: senderID}

	e.Receive(msg)
	waitForForward(t, dialer, otherID, 1)
	if dialer.count(senderID) != 0 {
		t.Fatalf("forwarded back to immediate sender: %d calls", dialer.count(senderID))
	}

	// A second receipt of the identical hash must not forward again.
	e.Receive(msg)
	time.Sleep(20 * time.Millisecond)
	if dialer.count(otherID) != 1 {
		t.Fatalf("duplicate receipt re-forwarded: otherID got %d calls, want 1", dialer.count(otherID))
	}
}

func waitForForward(t *testing.T, d *recordingDialer, to identity.ID, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d.count(to) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("forward to %s never reached %d calls (got %d)", to, want, d.count(to))
}
