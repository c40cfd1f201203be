package mesh

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/events"
	"github.com/bitchat-mesh/bitchat/internal/noise"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

// Sink is the narrow interface the Mesh Transport delivers decoded
// application-level events to, generalizing the teacher's delegate
// callbacks into one small trait object (spec.md §9 design note).
type Sink interface {
	HandleMessage(msg *protocol.ApplicationMessage)
	HandlePrivateMessage(msg *protocol.ApplicationMessage)
	HandleDeliveryAck(ack protocol.DeliveryAck)
	HandleReadReceipt(rr protocol.ReadReceipt)
	HandleFavorite(from protocol.PeerID, fp protocol.Fingerprint, isFavorite bool)
	HandleFileTransfer(from protocol.PeerID, payload []byte)
}

type peerSession struct {
	session *noise.Session
}

// Transport is the Mesh Transport public contract (spec.md §4.6):
// identity, peer lifecycle, and message send/receive, composed from the
// Router, PeerTable, Reassembler, and per-peer Noise sessions.
type Transport struct {
	cfg    *Config
	clk    clock.Clock
	bus    *events.Bus
	sink   Sink

	self        protocol.PeerID
	nickname    string
	staticKey   noise.StaticKeypair

	router       *Router
	peers        *PeerTable
	reassembler  *protocol.Reassembler

	mu       sync.Mutex
	sessions map[protocol.PeerID]*peerSession

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTransport builds a Transport for the local identity.
func NewTransport(cfg *Config, self protocol.PeerID, nickname string, staticKey noise.StaticKeypair, clk clock.Clock, bus *events.Bus, sink Sink) *Transport {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Transport{
		cfg:         cfg,
		clk:         clk,
		bus:         bus,
		sink:        sink,
		self:        self,
		nickname:    nickname,
		staticKey:   staticKey,
		router:      NewRouter(cfg, self, clk),
		peers:       NewPeerTable(clk, cfg.PeerInactivityTimeout, bus),
		reassembler: protocol.NewReassembler(protocol.DefaultReassemblyTimeout, clk),
		sessions:    make(map[protocol.PeerID]*peerSession),
		stop:        make(chan struct{}),
	}
}

// MyPeerID returns the local PeerID.
func (t *Transport) MyPeerID() protocol.PeerID { return t.self }

// MyNickname returns the local display name.
func (t *Transport) MyNickname() string { return t.nickname }

// Peers returns a snapshot of the peer directory.
func (t *Transport) Peers() []PeerInfo { return t.peers.Snapshot() }

// PeerInfo looks up a single known peer by id.
func (t *Transport) PeerInfo(id protocol.PeerID) (PeerInfo, bool) { return t.peers.Lookup(id) }

// Name identifies this transport to the Message Router (spec.md §4.8
// "ordered list of transports [mesh, relay, ...]").
func (t *Transport) Name() string { return "mesh" }

// IsPeerConnected reports whether id was heard directly over a BLE link
// within the peer inactivity timeout (spec.md §4.6).
func (t *Transport) IsPeerConnected(id protocol.PeerID) bool { return t.peers.IsConnected(id) }

// IsPeerReachable reports whether id is connected directly, or has been
// seen recently enough via any transport to be worth a send attempt
// (spec.md §4.6: "reachable = connected or recently seen via relay").
func (t *Transport) IsPeerReachable(id protocol.PeerID) bool { return t.peers.IsReachable(id) }

// AddLink registers a BLE Link for inbound/outbound traffic.
func (t *Transport) AddLink(l Link) { t.router.AddLink(l) }

// RemoveLink unregisters a BLE Link.
func (t *Transport) RemoveLink(id string) { t.router.RemoveLink(id) }

// Start launches the periodic Announce broadcast and cover-traffic
// loops (spec.md §4.5, SPEC_FULL.md §12).
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.announceLoop()
	if t.cfg.CoverTrafficEnabled {
		t.wg.Add(1)
		go t.coverTrafficLoop()
	}
}

// Stop halts the background loops. It does not tear down links.
func (t *Transport) Stop() {
	close(t.stop)
	t.wg.Wait()
}

// EmergencyDisconnect kills every Noise session and clears the peer
// table (spec.md §4.6 "panic" control). The Announce and cover-traffic
// loops keep running; Stop halts them.
func (t *Transport) EmergencyDisconnect() {
	t.mu.Lock()
	for _, ps := range t.sessions {
		ps.session.Kill()
	}
	t.sessions = make(map[protocol.PeerID]*peerSession)
	t.mu.Unlock()
	t.peers.Clear()
}

func (t *Transport) announceLoop() {
	defer t.wg.Done()
	ticker := t.clk.NewTicker(t.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C():
			t.broadcastAnnounce()
			t.peers.Prune()
		}
	}
}

func (t *Transport) coverTrafficLoop() {
	defer t.wg.Done()
	ticker := t.clk.NewTicker(t.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C():
			if randFloat() < t.cfg.CoverTrafficProbability && t.peers.Count() > 0 {
				t.emitCoverTraffic()
			}
		}
	}
}

// emitCoverTraffic sends an extra Announce (the same packet, with
// DefaultTTL, that broadcastAnnounce emits on each tick) so passive
// observers cannot distinguish real traffic bursts from idle
// (SPEC_FULL.md §12). Receivers decode it as an ordinary Announce, so it
// carries no behavioral cost beyond bandwidth.
func (t *Transport) emitCoverTraffic() {
	t.broadcastAnnounce()
}

func (t *Transport) broadcastAnnounce() {
	payload, err := protocol.EncodeAnnounce(protocol.AnnouncePayload{
		PeerID:         t.self,
		Nickname:       t.nickname,
		NoiseStaticKey: t.staticKey.Public,
	})
	if err != nil {
		logrus.WithError(err).Warn("encode announce")
		return
	}
	pkt := protocol.NewBroadcastPacket(protocol.MessageTypeAnnounce, protocol.DefaultTTL, t.self, payload)
	pkt.Timestamp = nowMillis(t.clk)
	t.floodLocal(pkt)
}

// floodLocal sends a locally originated packet out on every link,
// fragmenting first if it exceeds the link MTU.
func (t *Transport) floodLocal(pkt *protocol.Packet) {
	encoded, err := protocol.Encode(pkt, true)
	if err != nil {
		logrus.WithError(err).Warn("encode outbound packet")
		return
	}
	if len(encoded) <= protocol.DefaultLinkMTU {
		t.sendRaw("", pkt)
		return
	}
	fragments, err := protocol.FragmentPacket(pkt, protocol.DefaultLinkMTU-64)
	if err != nil {
		logrus.WithError(err).Warn("fragment outbound packet")
		return
	}
	for _, f := range fragments {
		t.sendRaw("", f)
	}
}

func (t *Transport) sendRaw(excludeLinkID string, pkt *protocol.Packet) {
	for id, link := range t.router.links {
		if id == excludeLinkID {
			continue
		}
		if err := link.Forward(pkt); err != nil {
			logrus.WithFields(logrus.Fields{"component": "mesh", "link": id}).WithError(err).Warn("send failed")
		}
	}
}

// HandleInbound processes one decoded packet received on linkID,
// applying dedup/TTL routing and dispatching delivered payloads to the
// Sink (spec.md §4.4, §4.6).
func (t *Transport) HandleInbound(linkID string, pkt *protocol.Packet) error {
	if pkt.Type == protocol.MessageTypeFragment {
		full, err := t.reassembler.Add(pkt.SenderID, pkt.Payload)
		if err != nil {
			return err
		}
		if full == nil {
			return nil
		}
		pkt = full
	}

	outcome, err := t.router.ProcessInbound(linkID, pkt)
	if err != nil {
		return err
	}
	if outcome.Deliver == nil {
		return nil
	}
	return t.dispatch(outcome.Deliver)
}

func (t *Transport) dispatch(pkt *protocol.Packet) error {
	switch pkt.Type {
	case protocol.MessageTypeAnnounce:
		return t.handleAnnounce(pkt)
	case protocol.MessageTypeMessage:
		msg, err := protocol.MessageFromBytes(pkt.Payload)
		if err != nil {
			return err
		}
		if t.sink != nil {
			t.sink.HandleMessage(msg)
		}
		return nil
	case protocol.MessageTypeNoiseHandshakeInit:
		return t.handleHandshakeInit(pkt)
	case protocol.MessageTypeNoiseHandshakeResp:
		return t.handleHandshakeResp(pkt)
	case protocol.MessageTypeNoiseTransport:
		return t.handleNoiseTransport(pkt)
	case protocol.MessageTypeLeave:
		t.mu.Lock()
		if ps, ok := t.sessions[pkt.SenderID]; ok {
			ps.session.Kill()
			delete(t.sessions, pkt.SenderID)
		}
		t.mu.Unlock()
		return nil
	default:
		return bcerr.New(bcerr.KindUnsupportedType, "unexpected top-level packet type").WithField("type", pkt.Type.String())
	}
}

func (t *Transport) handleAnnounce(pkt *protocol.Packet) error {
	a, err := protocol.DecodeAnnounce(pkt.Payload)
	if err != nil {
		return err
	}
	fp := fingerprintOf(a.NoiseStaticKey)
	t.peers.Observe(pkt.SenderID, a.Nickname, fp, "")
	return nil
}

func (t *Transport) handleHandshakeInit(pkt *protocol.Packet) error {
	session, out, err := noise.NewResponder(t.staticKey, noise.Prologue("bitchat", protocol.CurrentVersion), pkt.Payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sessions[pkt.SenderID] = &peerSession{session: session}
	t.mu.Unlock()

	resp := protocol.NewPacket(protocol.MessageTypeNoiseHandshakeResp, protocol.DefaultTTL, t.self, &pkt.SenderID, out)
	resp.Timestamp = nowMillis(t.clk)
	t.floodLocal(resp)
	return nil
}

func (t *Transport) handleHandshakeResp(pkt *protocol.Packet) error {
	t.mu.Lock()
	ps, ok := t.sessions[pkt.SenderID]
	t.mu.Unlock()
	if !ok {
		return bcerr.New(bcerr.KindHandshakeFailed, "handshake response for unknown session")
	}

	out, err := ps.session.Advance(pkt.Payload)
	if err != nil {
		return err
	}

	// Advance completes the session (from either role: the initiator on
	// processing message 2, the responder on processing message 3) by
	// calling complete() internally, so a transition to Established is
	// only ever observed here, exactly once per side. Publish it so the
	// Message Router can flush anything it queued for this peer while
	// the handshake was in flight (spec.md §4.6/§4.8): otherwise the
	// very first private message to a newly met peer sits in the outbox
	// until its deadline and is dropped as Unreachable instead of ever
	// being delivered.
	if t.bus != nil && ps.session.State() == noise.StateEstablished {
		t.bus.Publish(events.KindSessionEstablished, events.SessionEstablished{PeerID: pkt.SenderID.String()})
	}

	if len(out) == 0 {
		return nil
	}
	msg3 := protocol.NewPacket(protocol.MessageTypeNoiseHandshakeResp, protocol.DefaultTTL, t.self, &pkt.SenderID, out)
	msg3.Timestamp = nowMillis(t.clk)
	t.floodLocal(msg3)
	return nil
}

func (t *Transport) handleNoiseTransport(pkt *protocol.Packet) error {
	t.mu.Lock()
	ps, ok := t.sessions[pkt.SenderID]
	t.mu.Unlock()
	if !ok {
		return bcerr.New(bcerr.KindAuthenticationFailed, "transport message for unknown session")
	}

	plaintext, err := ps.session.Decrypt(pkt.Timestamp, pkt.Payload, t.self[:])
	if err != nil {
		return err
	}
	inner, err := protocol.DecodeNoiseInner(plaintext)
	if err != nil {
		return err
	}

	switch inner.Type {
	case protocol.MessageTypePrivateMessage:
		msg, err := protocol.MessageFromBytes(inner.Payload)
		if err != nil {
			return err
		}
		if t.sink != nil {
			t.sink.HandlePrivateMessage(msg)
		}
	case protocol.MessageTypeDeliveryAck:
		ack, err := protocol.DecodeDeliveryAck(inner.Payload)
		if err != nil {
			return err
		}
		if t.sink != nil {
			t.sink.HandleDeliveryAck(ack)
		}
	case protocol.MessageTypeReadReceipt:
		rr, err := protocol.DecodeReadReceipt(inner.Payload)
		if err != nil {
			return err
		}
		if t.sink != nil {
			t.sink.HandleReadReceipt(rr)
		}
	case protocol.MessageTypeFavorite:
		fav, err := protocol.DecodeFavorite(inner.Payload)
		if err != nil {
			return err
		}
		if t.sink != nil {
			peer, _ := t.peers.Lookup(pkt.SenderID)
			t.sink.HandleFavorite(pkt.SenderID, peer.Fingerprint, fav.IsFavorite)
		}
	case protocol.MessageTypeFileTransfer:
		if t.sink != nil {
			t.sink.HandleFileTransfer(pkt.SenderID, inner.Payload)
		}
	default:
		return bcerr.New(bcerr.KindUnsupportedType, "unexpected noise inner type")
	}
	return nil
}

// sendEncrypted establishes (or reuses) a session with recipient and
// sends innerType/payload as a NoiseTransport packet. If no session
// exists yet, it starts a handshake and returns KindHandshakeTimeout until
// the caller retries once the handshake completes — matching the
// Message Router's outbox/retry contract (spec.md §4.8).
func (t *Transport) sendEncrypted(recipient protocol.PeerID, innerType protocol.MessageType, payload []byte) error {
	t.mu.Lock()
	ps, ok := t.sessions[recipient]
	t.mu.Unlock()

	if !ok || ps.session.State() != noise.StateEstablished {
		return t.ensureHandshake(recipient)
	}

	plaintext := protocol.EncodeNoiseInner(protocol.NoiseInner{Type: innerType, Payload: payload})
	ciphertext, nonce, err := ps.session.Encrypt(plaintext, recipient[:])
	if err != nil {
		return err
	}

	pkt := protocol.NewPacket(protocol.MessageTypeNoiseTransport, protocol.DefaultTTL, t.self, &recipient, ciphertext)
	pkt.Timestamp = nonce
	t.floodLocal(pkt)
	return nil
}

func (t *Transport) ensureHandshake(recipient protocol.PeerID) error {
	t.mu.Lock()
	if _, ok := t.sessions[recipient]; ok {
		t.mu.Unlock()
		return bcerr.New(bcerr.KindHandshakeTimeout, "handshake in progress")
	}

	session, out, err := noise.NewInitiator(t.staticKey, noise.Prologue("bitchat", protocol.CurrentVersion))
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.sessions[recipient] = &peerSession{session: session}
	t.mu.Unlock()

	pkt := protocol.NewPacket(protocol.MessageTypeNoiseHandshakeInit, protocol.DefaultTTL, t.self, &recipient, out)
	pkt.Timestamp = nowMillis(t.clk)
	t.floodLocal(pkt)
	return bcerr.New(bcerr.KindHandshakeTimeout, "handshake initiated, retry once established")
}

// SendPublicMessage broadcasts an unencrypted chat message to the mesh
// (spec.md §4.6, §4.9).
func (t *Transport) SendPublicMessage(msg *protocol.ApplicationMessage) error {
	data, err := protocol.MessageToBytes(msg)
	if err != nil {
		return err
	}
	pkt := protocol.NewBroadcastPacket(protocol.MessageTypeMessage, protocol.DefaultTTL, t.self, data)
	pkt.Timestamp = msg.Timestamp
	t.floodLocal(pkt)
	return nil
}

// SendPrivateMessage encrypts msg to recipient over its Noise session.
func (t *Transport) SendPrivateMessage(recipient protocol.PeerID, msg *protocol.ApplicationMessage) error {
	data, err := protocol.MessageToBytes(msg)
	if err != nil {
		return err
	}
	return t.sendEncrypted(recipient, protocol.MessageTypePrivateMessage, data)
}

// SendFileTransfer encrypts a file payload to recipient (spec.md §4.10).
func (t *Transport) SendFileTransfer(recipient protocol.PeerID, payload []byte) error {
	return t.sendEncrypted(recipient, protocol.MessageTypeFileTransfer, payload)
}

// SendDeliveryAck encrypts a DeliveryAck to its originator.
func (t *Transport) SendDeliveryAck(recipient protocol.PeerID, ack protocol.DeliveryAck) error {
	data, err := protocol.EncodeDeliveryAck(ack)
	if err != nil {
		return err
	}
	return t.sendEncrypted(recipient, protocol.MessageTypeDeliveryAck, data)
}

// SendReadReceipt encrypts a ReadReceipt to the message's sender.
func (t *Transport) SendReadReceipt(recipient protocol.PeerID, rr protocol.ReadReceipt) error {
	data, err := protocol.EncodeReadReceipt(rr)
	if err != nil {
		return err
	}
	return t.sendEncrypted(recipient, protocol.MessageTypeReadReceipt, data)
}

// SendFavoriteNotification tells recipient about a change in favorite
// status (spec.md §4.6, SPEC_FULL.md §4.11).
func (t *Transport) SendFavoriteNotification(recipient protocol.PeerID, isFavorite bool) error {
	data, err := protocol.EncodeFavorite(protocol.FavoritePayload{IsFavorite: isFavorite})
	if err != nil {
		return err
	}
	return t.sendEncrypted(recipient, protocol.MessageTypeFavorite, data)
}

func nowMillis(clk clock.Clock) uint64 { return uint64(clk.Now().UnixMilli()) }

func fingerprintOf(staticKey []byte) protocol.Fingerprint {
	return protocol.FingerprintFromBytes(sha256Sum(staticKey))
}
