// Package relay implements the Relay Transport (spec.md §4.7): a
// WebSocket fallback path over public Nostr-style relays, used when a
// peer cannot be reached over the mesh. Outbound payloads are sealed
// end-to-end (NIP-17-style "gift wrap") so a relay only ever sees
// ciphertext addressed by the recipient's long-term Nostr public key.
package relay

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
)

// EphemeralDMKind is the Nostr event kind the Relay Transport publishes
// and subscribes to (spec.md §4.7: "events of kind ephemeral-dm"). Nostr
// reserves the "ephemeral" range 20000-29999 for events relays need not
// store past delivery, which matches a fire-and-forget DM fallback.
const EphemeralDMKind = 20077

// Config collects the Relay Transport's tunables.
type Config struct {
	RelayURLs           []string
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	ReconnectJitter     float64
	DialTimeout         time.Duration
}

// DefaultConfig mirrors the Mesh Transport's BLE reconnect defaults
// (internal/ble.DefaultConfig), since both links handle the same class
// of problem: a lossy outbound connection that should retry with
// exponential backoff and jitter rather than spin.
func DefaultConfig() *Config {
	return &Config{
		ReconnectMinBackoff: time.Second,
		ReconnectMaxBackoff: 30 * time.Second,
		ReconnectJitter:     0.2,
		DialTimeout:         10 * time.Second,
	}
}

// Sink receives application-level events decoded from relay traffic,
// mirroring the Mesh Transport's delegate surface (internal/mesh.Sink)
// so the host application can treat mesh and relay delivery uniformly
// (spec.md §4.7: "surfaces them as if they had arrived via mesh").
type Sink interface {
	HandlePrivateMessage(msg *protocol.ApplicationMessage)
	HandleDeliveryAck(ack protocol.DeliveryAck)
	HandleReadReceipt(rr protocol.ReadReceipt)
}

// Directory resolves a peer's long-term fingerprint to the data the
// Relay Transport needs to reach and encrypt for it. internal/identity's
// FavoritesStore implements this directly.
type Directory interface {
	NostrPublicKey(fp protocol.Fingerprint) (string, bool)
	NoiseStaticKey(fp protocol.Fingerprint) ([]byte, bool)
}

// PeerLookup resolves a PeerID to the long-term Fingerprint the
// Directory is keyed by. internal/mesh's PeerTable.Lookup backs this via
// a small adapter in the host application (SPEC_FULL.md §12: "PeerID is
// usually derived as a prefix of the Noise static public key hash").
type PeerLookup func(protocol.PeerID) (protocol.Fingerprint, bool)

// dialer is the subset of gorilla/websocket's client API the Relay
// Transport needs, narrowed for testability.
type dialer interface {
	Dial(url string) (conn, error)
}

// conn is the subset of *websocket.Conn the transport drives.
type conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Transport is the Relay Transport (spec.md §4.7): connects to one or
// more relays, publishes sealed private messages addressed by the
// recipient's Nostr public key, and subscribes to events tagged to the
// local key.
type Transport struct {
	cfg    *Config
	clk    clock.Clock
	sink   Sink
	dial   dialer
	local  *localIdentity
	dir    Directory
	lookup PeerLookup

	mu    sync.Mutex
	conns map[string]conn

	subID string

	stop chan struct{}
	wg   sync.WaitGroup
}

// localIdentity is the narrow view of internal/identity.IdentityStore
// the Relay Transport needs: its own Nostr keypair for signing and
// decrypting, and its Noise static key for deriving shared secrets.
type localIdentity struct {
	nostrPriv       func() []byte
	nostrPubHex     func() string
	noiseStaticPriv func() []byte
	noiseStaticPub  func() []byte
}

// New builds a Relay Transport. nostrPrivKey is the local secp256k1
// Nostr private key (32-byte serialization), nostrPubHex its hex-encoded
// x-only public key, and noiseStaticPriv/noiseStaticPub the local
// Curve25519 Noise static keypair used to derive per-peer shared secrets
// for the sealed envelope.
func New(cfg *Config, clk clock.Clock, sink Sink, dir Directory, lookup PeerLookup,
	nostrPrivKey []byte, nostrPubHex string, noiseStaticPriv, noiseStaticPub []byte) *Transport {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Transport{
		cfg:  cfg,
		clk:  clk,
		sink: sink,
		dial: gorillaDialer{cfg: cfg},
		local: &localIdentity{
			nostrPriv:       func() []byte { return nostrPrivKey },
			nostrPubHex:     func() string { return nostrPubHex },
			noiseStaticPriv: func() []byte { return noiseStaticPriv },
			noiseStaticPub:  func() []byte { return noiseStaticPub },
		},
		dir:    dir,
		lookup: lookup,
		conns:  make(map[string]conn),
		subID:  "bitchat-" + nostrPubHex[:min(8, len(nostrPubHex))],
		stop:   make(chan struct{}),
	}
}

// Name identifies this transport to the Message Router (spec.md §4.8).
func (t *Transport) Name() string { return "relay" }

// IsPeerReachable implements spec.md §4.7's reachability predicate: "a
// peer is considered relay-reachable when the local favorites map
// contains a peerNostrPublicKey for it".
func (t *Transport) IsPeerReachable(peer protocol.PeerID) bool {
	fp, ok := t.lookup(peer)
	if !ok {
		return false
	}
	_, ok = t.dir.NostrPublicKey(fp)
	return ok
}

// Start dials every configured relay and begins the reconnect-with-
// backoff read loop for each.
func (t *Transport) Start() {
	for _, url := range t.cfg.RelayURLs {
		t.wg.Add(1)
		go t.runRelay(url)
	}
}

// Stop tears down every relay connection.
func (t *Transport) Stop() {
	close(t.stop)
	t.mu.Lock()
	for _, c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Transport) runRelay(url string) {
	defer t.wg.Done()
	backoff := t.cfg.ReconnectMinBackoff

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		c, err := t.dial.Dial(url)
		if err != nil {
			logrus.WithFields(logrus.Fields{"component": "relay", "url": url}).WithError(err).Warn("dial failed, backing off")
			select {
			case <-t.stop:
				return
			case <-time.After(jitter(backoff, t.cfg.ReconnectJitter)):
			}
			backoff = nextBackoff(backoff, t.cfg.ReconnectMaxBackoff)
			continue
		}
		backoff = t.cfg.ReconnectMinBackoff

		t.mu.Lock()
		t.conns[url] = c
		t.mu.Unlock()

		if err := t.subscribe(c); err != nil {
			logrus.WithFields(logrus.Fields{"component": "relay", "url": url}).WithError(err).Warn("subscribe failed")
		}

		t.readLoop(url, c)

		t.mu.Lock()
		delete(t.conns, url)
		t.mu.Unlock()
	}
}

func (t *Transport) subscribe(c conn) error {
	req := []interface{}{
		"REQ",
		t.subID,
		map[string]interface{}{
			"kinds": []int{EphemeralDMKind},
			"#p":    []string{t.local.nostrPubHex()},
		},
	}
	return writeJSON(c, req)
}

func (t *Transport) readLoop(url string, c conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			logrus.WithFields(logrus.Fields{"component": "relay", "url": url}).WithError(err).Warn("relay connection lost")
			return
		}
		t.handleFrame(data)
	}
}

func (t *Transport) handleFrame(data []byte) {
	env, err := parseRelayFrame(data)
	if err != nil || env == nil {
		return
	}
	if env.Kind != EphemeralDMKind {
		return
	}

	inner, err := t.open(env)
	if err != nil {
		logrus.WithFields(logrus.Fields{"component": "relay"}).WithError(err).Warn("open sealed event failed")
		return
	}

	switch inner.Type {
	case protocol.MessageTypePrivateMessage:
		msg, err := protocol.MessageFromBytes(inner.Payload)
		if err == nil && t.sink != nil {
			t.sink.HandlePrivateMessage(msg)
		}
	case protocol.MessageTypeDeliveryAck:
		ack, err := protocol.DecodeDeliveryAck(inner.Payload)
		if err == nil && t.sink != nil {
			t.sink.HandleDeliveryAck(ack)
		}
	case protocol.MessageTypeReadReceipt:
		rr, err := protocol.DecodeReadReceipt(inner.Payload)
		if err == nil && t.sink != nil {
			t.sink.HandleReadReceipt(rr)
		}
	}
}

// SendPrivateMessage seals msg for peer and publishes it to every
// connected relay (spec.md §4.7).
func (t *Transport) SendPrivateMessage(peer protocol.PeerID, msg *protocol.ApplicationMessage) error {
	payload, err := protocol.MessageToBytes(msg)
	if err != nil {
		return bcerr.Wrap(bcerr.KindMalformedPacket, "encode private message", err)
	}
	return t.publish(peer, protocol.NoiseInner{Type: protocol.MessageTypePrivateMessage, Payload: payload})
}

// SendReadReceipt seals and publishes a read receipt for peer.
func (t *Transport) SendReadReceipt(peer protocol.PeerID, rr protocol.ReadReceipt) error {
	payload, err := protocol.EncodeReadReceipt(rr)
	if err != nil {
		return bcerr.Wrap(bcerr.KindMalformedPacket, "encode read receipt", err)
	}
	return t.publish(peer, protocol.NoiseInner{Type: protocol.MessageTypeReadReceipt, Payload: payload})
}

// SendDeliveryAck seals and publishes a delivery ack for peer.
func (t *Transport) SendDeliveryAck(peer protocol.PeerID, ack protocol.DeliveryAck) error {
	payload, err := protocol.EncodeDeliveryAck(ack)
	if err != nil {
		return bcerr.Wrap(bcerr.KindMalformedPacket, "encode delivery ack", err)
	}
	return t.publish(peer, protocol.NoiseInner{Type: protocol.MessageTypeDeliveryAck, Payload: payload})
}

func (t *Transport) publish(peer protocol.PeerID, inner protocol.NoiseInner) error {
	fp, ok := t.lookup(peer)
	if !ok {
		return bcerr.New(bcerr.KindUnreachable, "no known fingerprint for peer").WithField("peer", peer.String())
	}
	recipientNostrHex, ok := t.dir.NostrPublicKey(fp)
	if !ok {
		return bcerr.New(bcerr.KindUnreachable, "no nostr key on file for peer").WithField("peer", peer.String())
	}

	env, err := t.seal(fp, recipientNostrHex, inner)
	if err != nil {
		return err
	}

	frame := []interface{}{"EVENT", env}

	t.mu.Lock()
	conns := make([]conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	if len(conns) == 0 {
		return bcerr.New(bcerr.KindUnreachable, "no connected relay")
	}
	var lastErr error
	for _, c := range conns {
		if err := writeJSON(c, frame); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := time.Duration(float64(d) * frac)
	return d - delta/2 + time.Duration(randFloat()*float64(delta))
}
