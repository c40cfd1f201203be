package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bitchat-mesh/bitchat/internal/ble"
	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/events"
	"github.com/bitchat-mesh/bitchat/internal/files"
	"github.com/bitchat-mesh/bitchat/internal/identity"
	"github.com/bitchat-mesh/bitchat/internal/mesh"
	"github.com/bitchat-mesh/bitchat/internal/pipeline"
	"github.com/bitchat-mesh/bitchat/internal/protocol"
	"github.com/bitchat-mesh/bitchat/internal/relay"
	"github.com/bitchat-mesh/bitchat/internal/router"
	"github.com/bitchat-mesh/bitchat/pkg/utils"
)

// Config collects the command-line flags, generalizing the teacher's
// flat Config struct (flag name -> struct field) to the new transports.
type Config struct {
	DeviceName   string
	DataDir      string
	BatteryMode  string
	CoverTraffic bool
	RelayURLs    string
	Debug        bool
}

// App owns every long-lived component plus the small bit of REPL state
// (current channel) the teacher's AppState tracked.
type App struct {
	cfg *Config
	clk clock.Clock
	bus *events.Bus

	ident     *identity.IdentityStore
	favorites *identity.FavoritesStore
	mesh      *mesh.Transport
	relay     *relay.Transport
	router    *router.Router
	pipeline  *pipeline.Pipeline
	files     *files.Manager
	adapter   *ble.Adapter

	mu             sync.Mutex
	currentChannel string
}

func main() {
	cfg := &Config{}
	flag.StringVar(&cfg.DeviceName, "name", "", "display name (random if unset)")
	flag.StringVar(&cfg.DataDir, "data", "", "directory for persistent data (default: ~/.bitchat)")
	flag.StringVar(&cfg.BatteryMode, "battery", "active", "BLE duty cycle: active, balanced, or lowpower")
	flag.BoolVar(&cfg.CoverTraffic, "cover", true, "emit cover traffic to resist mesh traffic analysis")
	flag.StringVar(&cfg.RelayURLs, "relays", "", "comma-separated Nostr relay WebSocket URLs")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.Parse()

	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.DataDir = filepath.Join(home, ".bitchat")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		logrus.WithError(err).Fatal("create data directory")
	}

	app, err := newApp(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("initialize bitchat")
	}
	app.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nshutting down...")
		app.Stop()
		os.Exit(0)
	}()

	app.inputLoop()
}

func newApp(cfg *Config) (*App, error) {
	clk := clock.Real{}
	bus := events.New()

	ident, err := identity.Load(filepath.Join(cfg.DataDir, "identity.json"))
	if err != nil {
		return nil, err
	}
	favorites, err := identity.LoadFavorites(filepath.Join(cfg.DataDir, "favorites.json"), bus)
	if err != nil {
		return nil, err
	}

	fp := ident.Fingerprint()
	self := protocol.PeerIDFromBytes(fp[:protocol.PeerIDSize])

	nickname := cfg.DeviceName
	if nickname == "" {
		nickname = "bitchat-" + self.String()
	}

	app := &App{cfg: cfg, clk: clk, bus: bus, ident: ident, favorites: favorites}

	app.files = files.NewManager(files.DefaultConfig(), clk, bus)
	app.pipeline = pipeline.New(pipeline.DefaultConfig(), clk, app)

	meshCfg := mesh.DefaultConfig()
	meshCfg.CoverTrafficEnabled = cfg.CoverTraffic
	app.mesh = mesh.NewTransport(meshCfg, self, nickname, ident.NoiseStatic(), clk, bus, app)

	transports := []router.Transport{app.mesh}
	if strings.TrimSpace(cfg.RelayURLs) != "" {
		relayCfg := relay.DefaultConfig()
		relayCfg.RelayURLs = splitAndTrim(cfg.RelayURLs)
		lookup := func(peer protocol.PeerID) (protocol.Fingerprint, bool) {
			info, ok := app.mesh.PeerInfo(peer)
			return info.Fingerprint, ok
		}
		staticKey := ident.NoiseStatic()
		app.relay = relay.New(relayCfg, clk, app, favorites, lookup,
			ident.NostrPrivateKey().Serialize(), ident.NostrPublicKeyHex(),
			staticKey.Private, staticKey.Public)
		transports = append(transports, app.relay)
	}
	app.router = router.New(clk, bus, transports...)

	bleCfg := ble.DefaultConfig(nickname)
	bleCfg.BatteryMode = parseBatteryMode(cfg.BatteryMode)
	adapter, err := ble.NewAdapter(self.String(), bleCfg, app)
	if err != nil {
		return nil, err
	}
	app.adapter = adapter
	app.mesh.AddLink(adapter)

	bus.Subscribe(events.KindPendingFileAdded, func(payload interface{}) {
		if p, ok := payload.(events.PendingFileAdded); ok {
			fmt.Printf("\n[file] incoming transfer %s — use /accept %s or /decline %s\n", p.ID, p.ID, p.ID)
		}
	})
	bus.Subscribe(events.KindPendingFileRemoved, func(payload interface{}) {
		if p, ok := payload.(events.PendingFileRemoved); ok && p.Reason != "accepted" {
			fmt.Printf("\n[file] transfer %s %s\n", p.ID, p.Reason)
		}
	})

	return app, nil
}

// Start launches every background component.
func (a *App) Start() {
	a.files.Start()
	a.pipeline.Start()
	a.mesh.Start()
	if a.relay != nil {
		a.relay.Start()
	}
	if err := a.adapter.Start(); err != nil {
		logrus.WithError(err).Warn("start ble adapter")
	}
}

// Stop tears every component down in reverse order.
func (a *App) Stop() {
	if err := a.adapter.Stop(); err != nil {
		logrus.WithError(err).Warn("stop ble adapter")
	}
	if a.relay != nil {
		a.relay.Stop()
	}
	a.mesh.Stop()
	a.pipeline.Stop()
	a.files.Stop()
}

// OnFrame satisfies ble.Receiver: decode a raw GATT frame into a Packet
// and hand it to the Mesh Transport's dedup/TTL routing.
func (a *App) OnFrame(linkID string, data []byte) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{"component": "main", "link": linkID}).WithError(err).Warn("decode inbound frame")
		return
	}
	if err := a.mesh.HandleInbound(linkID, pkt); err != nil {
		logrus.WithFields(logrus.Fields{"component": "main", "link": linkID}).WithError(err).Debug("handle inbound packet")
	}
}

// ---- mesh.Sink / relay.Sink (superset), pipeline.Sink ----

func (a *App) HandleMessage(msg *protocol.ApplicationMessage) {
	a.pipeline.Enqueue(pipeline.ChannelMesh, pipeline.Inbound{
		MessageID: msg.ID,
		Content:   fmt.Sprintf("<%s> %s", msg.Nickname, msg.Content),
		Timestamp: msg.Timestamp,
	})
}

func (a *App) HandlePrivateMessage(msg *protocol.ApplicationMessage) {
	fmt.Printf("\n[DM from %s] %s\n", msg.Nickname, msg.Content)
}

func (a *App) HandleDeliveryAck(ack protocol.DeliveryAck) {
	fmt.Printf("\n[delivered] %s -> %s\n", ack.OriginalMessageID, ack.RecipientNickname)
}

func (a *App) HandleReadReceipt(rr protocol.ReadReceipt) {
	fmt.Printf("\n[read] %s by %s\n", rr.OriginalMessageID, rr.ReaderNickname)
}

func (a *App) HandleFavorite(from protocol.PeerID, fp protocol.Fingerprint, isFavorite bool) {
	// This is the peer notifying us that they favorited (or unfavorited)
	// us, not a statement about our own favorite of them — those are
	// tracked separately (SetFavorite records our own decision and is
	// never called from this handler).
	_ = a.favorites.SetPeerFavoritedMe(fp, isFavorite)
	fmt.Printf("\n[favorite] %s marked you %s\n", from.String(), favoriteWord(isFavorite))
}

func (a *App) HandleFileTransfer(from protocol.PeerID, payload []byte) {
	ft, err := protocol.DecodeFileTransfer(payload)
	if err != nil {
		logrus.WithError(err).Warn("decode inbound file transfer")
		return
	}
	info, _ := a.mesh.PeerInfo(from)
	a.files.Add(from.String(), info.Nickname, ft.FileName, ft.MimeType, ft.Content, ft.IsPrivate)
}

func (a *App) Insert(channel pipeline.Channel, msg pipeline.Inbound) {
	fmt.Printf("\n%s\n", msg.Content)
}

func favoriteWord(v bool) string {
	if v {
		return "favorite"
	}
	return "not favorite"
}

func parseBatteryMode(s string) ble.BatteryMode {
	switch strings.ToLower(s) {
	case "balanced":
		return ble.BatteryModeBalanced
	case "lowpower", "low", "ultralow":
		return ble.BatteryModeLowPower
	default:
		return ble.BatteryModeActive
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ---- REPL ----

func (a *App) inputLoop() {
	fmt.Printf("bitchat — %s\n", a.mesh.MyNickname())
	fmt.Println("type /help for commands")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			a.processCommand(line)
			continue
		}
		a.sendPublic(line)
	}
}

func (a *App) sendPublic(content string) {
	a.mu.Lock()
	channel := a.currentChannel
	a.mu.Unlock()

	msg := &protocol.ApplicationMessage{
		ID:        utils.GenerateMessageID(),
		SenderID:  a.mesh.MyPeerID(),
		Nickname:  a.mesh.MyNickname(),
		Content:   content,
		Timestamp: uint64(a.clk.Now().UnixMilli()),
		Channel:   channel,
	}
	if err := a.mesh.SendPublicMessage(msg); err != nil {
		fmt.Printf("send failed: %v\n", err)
	}
}

func (a *App) processCommand(line string) {
	fields := strings.SplitN(line[1:], " ", 2)
	cmd := "/" + fields[0]
	var rest string
	if len(fields) > 1 {
		rest = strings.TrimSpace(fields[1])
	}

	switch cmd {
	case "/j", "/join":
		if rest == "" {
			fmt.Println("usage: /join <channel>")
			return
		}
		a.mu.Lock()
		a.currentChannel = rest
		a.mu.Unlock()
		fmt.Printf("joined %s\n", rest)

	case "/m", "/msg":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) < 2 {
			fmt.Println("usage: /msg <peer> <text>")
			return
		}
		a.sendPrivate(parts[0], parts[1])

	case "/w", "/who":
		a.listPeers()

	case "/channels":
		a.mu.Lock()
		ch := a.currentChannel
		a.mu.Unlock()
		if ch == "" {
			fmt.Println("no channel joined (posting to the local mesh)")
		} else {
			fmt.Printf("current channel: %s\n", ch)
		}

	case "/block":
		a.setBlocked(rest, true)

	case "/unblock":
		a.setBlocked(rest, false)

	case "/accept":
		a.acceptFile(rest)

	case "/decline":
		if err := a.files.Decline(rest); err != nil {
			fmt.Printf("decline failed: %v\n", err)
		}

	case "/clear":
		fmt.Print("\033[H\033[2J")

	case "/battery":
		if rest == "" {
			fmt.Println("usage: /battery <active|balanced|lowpower>")
			return
		}
		a.adapter.SetBatteryMode(parseBatteryMode(rest))
		fmt.Printf("battery mode set to %s\n", rest)

	case "/cover":
		fmt.Printf("cover traffic: %v (takes effect on restart)\n", a.cfg.CoverTraffic)

	case "/help":
		printHelp()

	case "/quit", "/exit":
		a.Stop()
		os.Exit(0)

	default:
		fmt.Printf("unknown command %s, try /help\n", cmd)
	}
}

func (a *App) sendPrivate(peerHex, content string) {
	peer, err := peerIDFromHex(peerHex)
	if err != nil {
		fmt.Printf("bad peer id: %v\n", err)
		return
	}
	msg := &protocol.ApplicationMessage{
		ID:        utils.GenerateMessageID(),
		SenderID:  a.mesh.MyPeerID(),
		Nickname:  a.mesh.MyNickname(),
		Content:   content,
		Timestamp: uint64(a.clk.Now().UnixMilli()),
		IsPrivate: true,
	}
	if err := a.router.SendPrivateMessage(peer, msg); err != nil {
		fmt.Printf("send failed: %v\n", err)
	}
}

func (a *App) listPeers() {
	peers := a.mesh.Peers()
	if len(peers) == 0 {
		fmt.Println("no known peers")
		return
	}
	for _, p := range peers {
		via := "mesh"
		if p.ViaRelay {
			via = "relay"
		}
		fmt.Printf("%s  %-16s  %s  last seen %s\n", p.ID.String(), p.Nickname, via, p.LastSeen.Format(time.RFC3339))
	}
}

func (a *App) setBlocked(peerHex string, blocked bool) {
	peer, err := peerIDFromHex(peerHex)
	if err != nil {
		fmt.Printf("bad peer id: %v\n", err)
		return
	}
	info, ok := a.mesh.PeerInfo(peer)
	if !ok {
		fmt.Println("unknown peer")
		return
	}
	if err := a.favorites.SetBlocked(info.Fingerprint, blocked); err != nil {
		fmt.Printf("update blocked status failed: %v\n", err)
		return
	}
	fmt.Printf("%s is now %s\n", peerHex, blockedWord(blocked))
}

func (a *App) acceptFile(id string) {
	path, err := a.files.Accept(id, func(t files.PendingFileTransfer) (string, error) {
		dest := filepath.Join(a.cfg.DataDir, "downloads", t.DisplayName())
		if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
			return "", err
		}
		if err := os.WriteFile(dest, t.Content, 0600); err != nil {
			return "", err
		}
		return dest, nil
	})
	if err != nil {
		fmt.Printf("accept failed: %v\n", err)
		return
	}
	fmt.Printf("saved to %s\n", path)
}

func blockedWord(v bool) string {
	if v {
		return "blocked"
	}
	return "unblocked"
}

func peerIDFromHex(s string) (protocol.PeerID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return protocol.PeerID{}, fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	return protocol.PeerIDFromBytes(raw), nil
}

func printHelp() {
	fmt.Println(`commands:
  /join <channel>           set the current public channel tag
  /msg <peer> <text>        send a private message
  /who                      list known peers
  /channels                 show the current channel
  /block <peer>             block a peer
  /unblock <peer>           unblock a peer
  /accept <id>              accept a pending file transfer
  /decline <id>             decline a pending file transfer
  /battery <mode>           set active, balanced, or lowpower
  /cover                    show cover traffic status
  /clear                    clear the screen
  /quit                     exit`)
}
