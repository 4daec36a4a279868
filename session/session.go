// Package session implements the session controller (C6): it owns the
// table of peer sockets, derives the room PSK, dispatches inbound
// frames by tagged-sum variant, and runs the keep-alive, verification
// timeout, and reconnect schedules described for a peer-to-peer
// ephemeral chat room.
package session

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/companyzero/ratchetmesh/envelope"
	"github.com/companyzero/ratchetmesh/faults"
	"github.com/companyzero/ratchetmesh/framer"
	"github.com/companyzero/ratchetmesh/metrics"
	"github.com/companyzero/ratchetmesh/primitives"
	"github.com/companyzero/ratchetmesh/ratchet"
	"github.com/companyzero/ratchetmesh/verify"
)

// Constants authoritative per the wire contract; see framer for the
// bucket size and jitter bound.
const (
	KeepaliveInterval = 2000 * time.Millisecond
	ConnectionTimeout = 30 * time.Second
	ReconnectDelay    = 5 * time.Second
)

// PeerID is an opaque handle the host/swarm layer assigns to a
// connected socket; the session controller never interprets it.
type PeerID string

// Conn is the minimal socket interface a peer connection must satisfy.
// The demo CLI supplies a net.Conn or gorilla/websocket connection
// adapter; tests supply an in-memory pipe.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// TransportMode mirrors the upward set_transport values.
type TransportMode int

const (
	Direct TransportMode = iota
	Overlay
)

// Collaborators are the external hooks the session controller calls
// into but does not implement itself: transport-mode switching and
// reconnect, both explicitly out of scope per the purpose statement.
type Collaborators struct {
	SetTransport func(mode TransportMode)
	Reconnect    func()
}

type peer struct {
	id      PeerID
	conn    Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	hs         *verify.Handshake
	verifiedCh chan struct{}
	verified   bool

	rstate   *ratchet.State
	lastSeen time.Time

	authFaults int
}

// Controller owns the peer table for one room session. It is the only
// writer of that table; dispatch for distinct peers proceeds on
// independent goroutines, but each peer's own encrypt/decrypt calls
// are strictly serial.
type Controller struct {
	notify  *NotificationManager
	collab  Collaborators
	rng     io.Reader
	metrics *metrics.Registry

	mtx          sync.Mutex
	roomID       string
	psk          []byte
	swarmJoinKey [32]byte
	peers        map[PeerID]*peer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectMtx       sync.Mutex
	reconnectScheduled bool

	msgSeq uint64
}

// New builds a controller. notify may be nil, in which case a fresh
// manager with no registered handlers is used.
func New(notify *NotificationManager, collab Collaborators) *Controller {
	if notify == nil {
		notify = NewNotificationManager()
	}
	return &Controller{
		notify: notify,
		collab: collab,
		rng:    rand.Reader,
	}
}

// Notifications exposes the manager so the host can Register/RegisterSync
// handlers before or after Initialize.
func (c *Controller) Notifications() *NotificationManager { return c.notify }

// SetMetrics attaches a registry the controller and the per-peer
// ratchets it manages report counters and gauges to. Passing nil (the
// default) disables reporting; safe to call before Initialize.
func (c *Controller) SetMetrics(reg *metrics.Registry) {
	c.mtx.Lock()
	c.metrics = reg
	c.mtx.Unlock()
}

// Initialize derives the swarm join key and the room PSK from roomID
// and a room-wide shared secret (the same value every member of the
// room holds, obtained out of band e.g. via an invite link — distinct
// from any individual peer's own ratchet identity, which is exchanged
// per-connection through AddPeer), resets the peer table, and starts
// the keep-alive and connection-timeout loops.
func (c *Controller) Initialize(roomID string, roomSecret []byte) error {
	c.mtx.Lock()
	c.roomID = roomID
	c.swarmJoinKey = primitives.GenericHash(nil, []byte(roomID))
	c.psk = roomPSK(roomID, roomSecret)
	c.peers = make(map[PeerID]*peer)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mtx.Unlock()

	c.notify.notifyConnectionStatus(Connecting)

	c.wg.Add(2)
	go c.keepaliveLoop()
	go c.connectionTimeoutLoop()
	return nil
}

// SwarmJoinKey returns the derived 32-byte swarm announce/lookup key,
// for the swarm/discovery collaborator to use once it joins the room.
func (c *Controller) SwarmJoinKey() [32]byte {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.swarmJoinKey
}

// roomPSK derives the 32-byte verification PSK as a BLAKE3 hash of
// roomID keyed by roomSecret, shared identically by every member of
// the room.
func roomPSK(roomID string, roomSecret []byte) []byte {
	h := primitives.GenericHash(roomSecret, []byte(roomID))
	return h[:]
}

// NewPeerRatchet mints a fresh per-peer ratchet ahead of a connection,
// so its LocalBundle() can be published via the swarm/discovery
// collaborator before the socket exists. isInitiator must be the
// opposite of the peer's own isInitiator, so the two ratchets'
// sending/receiving chains mirror each other.
func (c *Controller) NewPeerRatchet(isInitiator bool) (*ratchet.State, error) {
	return ratchet.New(c.rng, isInitiator)
}

// AddPeer registers a newly connected socket, sends this side's
// verification challenge, and starts its read loop. rstate must be a
// ratchet minted by NewPeerRatchet whose bundle was already handed to
// the peer; peerBundle is the remote's own bundle, obtained the same
// way. AddPeer calls rstate.Initialize(peerBundle) itself.
func (c *Controller) AddPeer(id PeerID, conn Conn, rstate *ratchet.State, peerBundle ratchet.PreKeyBundle) error {
	if err := rstate.Initialize(peerBundle); err != nil {
		return err
	}

	c.mtx.Lock()
	psk := c.psk
	reg := c.metrics
	c.mtx.Unlock()

	if reg != nil {
		rstate.OnRotate(func(trigger ratchet.RotationTrigger) {
			if trigger == ratchet.RotationActive {
				reg.ObserveRotation(metrics.RotationActive)
			} else {
				reg.ObserveRotation(metrics.RotationPassive)
			}
		})
	}

	hs, challenge, err := verify.New(psk, c.rng, time.Now())
	if err != nil {
		return err
	}

	p := &peer{
		id:         id,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		hs:         hs,
		verifiedCh: make(chan struct{}),
		rstate:     rstate,
		lastSeen:   time.Now(),
	}

	c.mtx.Lock()
	c.peers[id] = p
	c.mtx.Unlock()

	// Start reading before the initial challenge write: the write
	// blocks until the peer's own reader drains it, and the peer is
	// doing the same thing symmetrically, so both sides' read loops
	// must already be runnable before either side's write can
	// complete.
	c.wg.Add(2)
	go c.readLoop(p)
	go c.verificationTimeoutWatcher(p)

	if err := c.writeControl(p, challenge); err != nil {
		c.removePeer(id, fmt.Sprintf("initial challenge write: %v", err))
		return err
	}

	return nil
}

func (c *Controller) verificationTimeoutWatcher(p *peer) {
	defer c.wg.Done()
	timer := time.NewTimer(verify.Timeout)
	defer timer.Stop()
	select {
	case <-p.verifiedCh:
	case <-c.ctx.Done():
	case <-timer.C:
		if err := p.hs.CheckTimeout(time.Now()); err != nil {
			if c.metrics != nil {
				c.metrics.SessionsFailed.Inc()
			}
			c.removePeer(p.id, err.Error())
		}
	}
}

func (c *Controller) readLoop(p *peer) {
	defer c.wg.Done()
	for {
		raw, err := framer.ReadFrame(p.reader)
		if err != nil {
			c.removePeer(p.id, faults.NewTransportFault("read frame", err).Error())
			return
		}
		variant, err := envelope.DecodeFrame(raw)
		if err != nil {
			c.notify.notifyBackendError(p.id, err.Error())
			continue
		}
		if c.ctx.Err() != nil {
			return
		}
		c.dispatch(p, variant)
	}
}

// dispatch routes one decoded frame by its concrete type, the tagged-
// sum switch the design notes call for in place of a string-keyed
// lookup.
func (c *Controller) dispatch(p *peer, v envelope.Variant) {
	switch f := v.(type) {
	case envelope.VerificationChallenge:
		resp := p.hs.RespondToChallenge(f)
		if err := c.writeControl(p, resp); err != nil {
			c.removePeer(p.id, err.Error())
		}

	case envelope.VerificationResponse:
		if p.verified {
			// Duplicate/retransmitted response after this side
			// already verified; nothing left to do.
			return
		}
		if err := p.hs.CheckResponse(f); err != nil {
			c.removePeer(p.id, err.Error())
			return
		}
		c.markVerified(p)
		success := envelope.VerificationSuccess{Timestamp: time.Now().UnixMilli()}
		if err := c.writeControl(p, success); err != nil {
			c.removePeer(p.id, err.Error())
		}

	case envelope.VerificationSuccess:
		// Informational only: this side already transitioned to
		// Verified upon checking the peer's response.

	case envelope.Keepalive:
		if !p.verified {
			// Per the verifier gate, drop every frame that isn't a
			// verification message while the socket is unverified.
			return
		}
		p.lastSeen = time.Now()
		if c.metrics != nil {
			c.metrics.KeepalivesRecv.Inc()
		}
		ack := envelope.KeepaliveAck{Timestamp: time.Now().UnixMilli()}
		if err := c.writeControl(p, ack); err != nil {
			c.removePeer(p.id, err.Error())
		}

	case envelope.KeepaliveAck:
		if !p.verified {
			return
		}
		p.lastSeen = time.Now()

	case envelope.Envelope:
		c.dispatchEnvelope(p, f)

	default:
		c.notify.notifyBackendError(p.id, fmt.Sprintf("unhandled frame variant %T", v))
	}
}

func (c *Controller) dispatchEnvelope(p *peer, e envelope.Envelope) {
	if !p.verified {
		// Per the verifier gate, drop anything that isn't a
		// verification message while the socket is unverified.
		return
	}

	content, err := p.rstate.Decrypt(e)
	if err != nil {
		switch err.(type) {
		case *faults.AuthFault, *faults.ReplayFault:
			c.notify.notifyBackendError(p.id, err.Error())
			if c.metrics != nil {
				if _, ok := err.(*faults.ReplayFault); ok {
					c.metrics.ReplayFaults.Inc()
				} else {
					c.metrics.AuthFaults.Inc()
				}
			}
			if _, ok := err.(*faults.AuthFault); ok {
				p.authFaults++
				if p.authFaults >= 5 {
					c.removePeer(p.id, "too many auth faults")
				}
			}
		default:
			// CryptoFault and anything else on the decrypt path is
			// fatal to this peer's ratchet state.
			c.removePeer(p.id, err.Error())
		}
		return
	}
	p.authFaults = 0
	p.lastSeen = time.Now()
	c.notify.notifyMessage(p.id, unwrapContent(content))
}

// unwrapContent turns a plain JSON string payload back into its raw
// bytes for the host callback; a file payload object (or anything
// that isn't a bare string) is passed through as JSON.
func unwrapContent(raw []byte) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}

func (c *Controller) markVerified(p *peer) {
	p.verified = true
	close(p.verifiedCh)
	c.notify.notifyConnectionStatus(Connected)
	if c.metrics != nil {
		c.metrics.SessionsVerified.Inc()
		c.metrics.ActivePeers.Inc()
	}
}

// writeControl marshals and frames a plaintext control variant,
// serializing concurrent writers of the same socket.
func (c *Controller) writeControl(p *peer, v envelope.Variant) error {
	body, err := envelope.EncodeControl(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return framer.WriteFrame(p.conn, body)
}

// writeEnvelope frames an already-sealed application envelope.
func (c *Controller) writeEnvelope(p *peer, e envelope.Envelope) error {
	body, err := envelope.EncodeEnvelope(e)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return framer.WriteFrame(p.conn, body)
}

// Send encrypts content for every verified peer and writes the framed
// envelope. It requires at least one verified peer. A write failure or
// encrypt fault for one peer evicts only that peer; the rest still
// receive the message.
func (c *Controller) Send(content []byte) (messageID string, err error) {
	c.mtx.Lock()
	verifiedPeers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p.verified {
			verifiedPeers = append(verifiedPeers, p)
		}
	}
	c.mtx.Unlock()

	if len(verifiedPeers) == 0 {
		return "", faults.NewUsageFault("send with no verified peers")
	}

	c.mtx.Lock()
	c.msgSeq++
	messageID = fmt.Sprintf("%016x", c.msgSeq)
	c.mtx.Unlock()

	raw, err := json.Marshal(string(content))
	if err != nil {
		return "", faults.NewCodecFault("encode message content", err)
	}

	for _, p := range verifiedPeers {
		ts := framer.Jitter(time.Now()).UnixMilli()
		e, err := p.rstate.Encrypt(raw, ts, "")
		if err != nil {
			c.notify.notifyBackendError(p.id, err.Error())
			c.notify.notifyPeerDelivery(messageID, p.id, false)
			c.removePeer(p.id, err.Error())
			continue
		}
		if err := c.writeEnvelope(p, e); err != nil {
			c.notify.notifyBackendError(p.id, err.Error())
			c.notify.notifyPeerDelivery(messageID, p.id, false)
			c.removePeer(p.id, err.Error())
			continue
		}
		c.notify.notifyPeerDelivery(messageID, p.id, true)
	}
	return messageID, nil
}

// SendTyped is the lower-level primitive the file-transfer adapter
// uses to push chunk envelopes tagged with envelope.FileType through a
// specific peer's ratchet.
func (c *Controller) SendTyped(id PeerID, content []byte, envType string) error {
	c.mtx.Lock()
	p, ok := c.peers[id]
	c.mtx.Unlock()
	if !ok || !p.verified {
		return faults.NewUsageFault("send to unknown or unverified peer")
	}

	ts := framer.Jitter(time.Now()).UnixMilli()
	e, err := p.rstate.Encrypt(content, ts, envType)
	if err != nil {
		return err
	}
	return c.writeEnvelope(p, e)
}

func (c *Controller) keepaliveLoop() {
	defer c.wg.Done()
	t := time.NewTicker(KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.mtx.Lock()
			targets := make([]*peer, 0, len(c.peers))
			for _, p := range c.peers {
				if p.verified {
					targets = append(targets, p)
				}
			}
			c.mtx.Unlock()
			ts := framer.Jitter(time.Now()).UnixMilli()
			ka := envelope.Keepalive{Timestamp: ts}
			for _, p := range targets {
				if err := c.writeControl(p, ka); err != nil {
					c.removePeer(p.id, err.Error())
					continue
				}
				if c.metrics != nil {
					c.metrics.KeepalivesSent.Inc()
				}
			}
		}
	}
}

func (c *Controller) connectionTimeoutLoop() {
	defer c.wg.Done()
	timer := time.NewTimer(ConnectionTimeout)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return
	case <-timer.C:
		c.mtx.Lock()
		anyVerified := false
		for _, p := range c.peers {
			if p.verified {
				anyVerified = true
				break
			}
		}
		c.mtx.Unlock()
		if !anyVerified && c.collab.SetTransport != nil {
			c.collab.SetTransport(Overlay)
		}
	}
}

// removePeer tears down one peer: closes its socket, wipes its ratchet
// state, and drops it from the table. If this was the last peer, a
// single reconnect is scheduled after ReconnectDelay.
func (c *Controller) removePeer(id PeerID, reason string) {
	c.mtx.Lock()
	p, ok := c.peers[id]
	if ok {
		delete(c.peers, id)
	}
	remaining := len(c.peers)
	c.mtx.Unlock()
	if !ok {
		return
	}

	p.conn.Close()
	p.rstate.Wipe()
	c.notify.notifyBackendError(id, reason)
	if p.verified && c.metrics != nil {
		c.metrics.ActivePeers.Dec()
	}

	if remaining == 0 {
		c.notify.notifyConnectionStatus(Disconnected)
		c.scheduleReconnect()
	}
}

func (c *Controller) scheduleReconnect() {
	c.reconnectMtx.Lock()
	if c.reconnectScheduled {
		c.reconnectMtx.Unlock()
		return
	}
	c.reconnectScheduled = true
	c.reconnectMtx.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(ReconnectDelay)
		defer timer.Stop()
		select {
		case <-c.ctx.Done():
		case <-timer.C:
			if c.collab.Reconnect != nil {
				c.collab.Reconnect()
			}
		}
		c.reconnectMtx.Lock()
		c.reconnectScheduled = false
		c.reconnectMtx.Unlock()
	}()
}

// Cleanup stops every timer, closes every socket, and wipes every
// ratchet's key material. The controller must not be reused after
// Cleanup returns.
func (c *Controller) Cleanup() {
	c.mtx.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	peersSnapshot := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		peersSnapshot = append(peersSnapshot, p)
	}
	c.peers = make(map[PeerID]*peer)
	c.mtx.Unlock()

	for _, p := range peersSnapshot {
		p.conn.Close()
		p.rstate.Wipe()
	}

	c.wg.Wait()
}
