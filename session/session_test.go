package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/ratchetmesh/envelope"
	"github.com/companyzero/ratchetmesh/metrics"
	"github.com/companyzero/ratchetmesh/ratchet"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

// pairedControllers wires two controllers together over a net.Pipe,
// mimicking what a swarm/discovery collaborator would otherwise do:
// mint a ratchet for each side, exchange bundles, then hand each side
// its end of the connected socket.
func pairedControllers(t *testing.T) (a, b *Controller, aID, bID PeerID) {
	t.Helper()

	a = New(nil, Collaborators{})
	b = New(nil, Collaborators{})

	roomSecret := []byte("shared room secret")
	if err := a.Initialize("test-room", roomSecret); err != nil {
		t.Fatal(err)
	}
	if err := b.Initialize("test-room", roomSecret); err != nil {
		t.Fatal(err)
	}

	rA, err := a.NewPeerRatchet(true)
	if err != nil {
		t.Fatal(err)
	}
	rB, err := b.NewPeerRatchet(false)
	if err != nil {
		t.Fatal(err)
	}

	connA, connB := net.Pipe()

	aID, bID = PeerID("b"), PeerID("a")
	if err := a.AddPeer(aID, connA, rA, rB.LocalBundle()); err != nil {
		t.Fatal(err)
	}
	if err := b.AddPeer(bID, connB, rB, rA.LocalBundle()); err != nil {
		t.Fatal(err)
	}

	return a, b, aID, bID
}

func waitForVerified(t *testing.T, c *Controller, id PeerID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mtx.Lock()
		p, ok := c.peers[id]
		verified := ok && p.verified
		c.mtx.Unlock()
		if verified {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("peer %s never verified", id)
}

func TestHandshakeVerifiesBothSides(t *testing.T) {
	a, b, aID, bID := pairedControllers(t)
	defer a.Cleanup()
	defer b.Cleanup()

	waitForVerified(t, a, aID)
	waitForVerified(t, b, bID)
}

func TestSendDeliversToVerifiedPeer(t *testing.T) {
	a, b, aID, bID := pairedControllers(t)
	defer a.Cleanup()
	defer b.Cleanup()

	waitForVerified(t, a, aID)
	waitForVerified(t, b, bID)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	b.Notifications().RegisterSync(OnMessageNtfn(func(peer PeerID, content []byte) {
		mu.Lock()
		got = content
		mu.Unlock()
		close(done)
	}))

	if _, err := a.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got) != "hello" {
		t.Fatalf("got %q, expected hello", got)
	}
}

func TestSendWithNoVerifiedPeersFails(t *testing.T) {
	c := New(nil, Collaborators{})
	if err := c.Initialize("lonely-room", []byte("secret")); err != nil {
		t.Fatal(err)
	}
	defer c.Cleanup()

	if _, err := c.Send([]byte("hi")); err == nil {
		t.Fatal("expected usage fault sending with no verified peers")
	}
}

func TestMetricsTrackVerificationAndActivePeers(t *testing.T) {
	reg := metrics.New(prometheus.NewRegistry())

	a := New(nil, Collaborators{})
	b := New(nil, Collaborators{})
	a.SetMetrics(reg)

	roomSecret := []byte("shared room secret")
	if err := a.Initialize("metrics-room", roomSecret); err != nil {
		t.Fatal(err)
	}
	if err := b.Initialize("metrics-room", roomSecret); err != nil {
		t.Fatal(err)
	}
	defer a.Cleanup()
	defer b.Cleanup()

	rA, err := a.NewPeerRatchet(true)
	if err != nil {
		t.Fatal(err)
	}
	rB, err := b.NewPeerRatchet(false)
	if err != nil {
		t.Fatal(err)
	}

	connA, connB := net.Pipe()
	aID, bID := PeerID("b"), PeerID("a")
	if err := a.AddPeer(aID, connA, rA, rB.LocalBundle()); err != nil {
		t.Fatal(err)
	}
	if err := b.AddPeer(bID, connB, rB, rA.LocalBundle()); err != nil {
		t.Fatal(err)
	}

	waitForVerified(t, a, aID)

	if v := counterValue(t, reg.SessionsVerified); v != 1 {
		t.Fatalf("expected 1 verified session, got %v", v)
	}
	if v := gaugeValue(t, reg.ActivePeers); v != 1 {
		t.Fatalf("expected 1 active peer, got %v", v)
	}

	a.removePeer(aID, "test teardown")
	if v := gaugeValue(t, reg.ActivePeers); v != 0 {
		t.Fatalf("expected active peers to drop back to 0, got %v", v)
	}
}

func TestUnverifiedPeerKeepaliveIsDropped(t *testing.T) {
	reg := metrics.New(prometheus.NewRegistry())

	c := New(nil, Collaborators{})
	c.SetMetrics(reg)
	if err := c.Initialize("unverified-room", []byte("secret")); err != nil {
		t.Fatal(err)
	}
	defer c.Cleanup()

	connA, connB := net.Pipe()
	defer connB.Close()

	rstate, err := ratchet.New(nil, false)
	if err != nil {
		t.Fatal(err)
	}

	id := PeerID("unverified")
	p := &peer{id: id, conn: connA, rstate: rstate}
	c.mtx.Lock()
	c.peers[id] = p
	c.mtx.Unlock()

	c.dispatch(p, envelope.Keepalive{Timestamp: time.Now().UnixMilli()})

	if !p.lastSeen.IsZero() {
		t.Fatal("lastSeen was updated by a keepalive from an unverified peer")
	}
	if v := counterValue(t, reg.KeepalivesRecv); v != 0 {
		t.Fatalf("expected 0 keepalives recorded for an unverified peer, got %v", v)
	}

	connB.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := connB.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected no ack to be written back for a dropped unverified keepalive")
	}
}

func TestCleanupStopsLoops(t *testing.T) {
	a, b, _, _ := pairedControllers(t)
	a.Cleanup()
	b.Cleanup()
	// Cleanup must be safe to call without hanging; reaching this
	// point means the wait group drained.
}
