// Package files implements the Pending File Manager (spec.md §4.10): a
// bounded, evicting in-memory hold of inbound file transfers awaiting
// user acceptance.
package files

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/events"
)

// Config collects the Pending File Manager's tunables (spec.md §4.10
// defaults: 10, 5 MiB, 300s), generalizing the teacher's
// MessageStoreConfig constructor pattern.
type Config struct {
	MaxPendingCount    int
	MaxTotalBytes      int64
	ExpirationSeconds  time.Duration
	ExpirationTickRate time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxPendingCount:    10,
		MaxTotalBytes:      5 * 1024 * 1024,
		ExpirationSeconds:  300 * time.Second,
		ExpirationTickRate: 30 * time.Second,
	}
}

// PendingFileTransfer is an inbound file transfer awaiting user
// acceptance (spec.md §3).
type PendingFileTransfer struct {
	ID             string
	SenderPeerID   string
	SenderNickname string
	FileName       string
	MimeType       string
	Content        []byte
	Timestamp      time.Time
	IsPrivate      bool
}

// FileSize is the derived byte length of the held content.
func (p PendingFileTransfer) FileSize() int { return len(p.Content) }

// DisplayName is FileName if set, otherwise a synthesized
// "file.<ext-from-mime>" (spec.md §3).
func (p PendingFileTransfer) DisplayName() string {
	if p.FileName != "" {
		return p.FileName
	}
	return "file" + extensionForMime(p.MimeType)
}

var mimeExtensions = map[string]string{
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/gif":        ".gif",
	"image/webp":       ".webp",
	"audio/mpeg":       ".mp3",
	"audio/ogg":        ".ogg",
	"video/mp4":        ".mp4",
	"video/webm":       ".webm",
	"application/pdf":  ".pdf",
	"text/plain":       ".txt",
	"application/zip":  ".zip",
	"application/json": ".json",
}

func extensionForMime(mime string) string {
	if ext, ok := mimeExtensions[mime]; ok {
		return ext
	}
	if idx := strings.Index(mime, "/"); idx >= 0 && idx+1 < len(mime) {
		return "." + mime[idx+1:]
	}
	return ""
}

type entry struct {
	transfer PendingFileTransfer
}

// Manager holds inbound file transfers until the user accepts, declines,
// or lets them expire, enforcing the admission algorithm of spec.md
// §4.10 (SPEC_FULL.md §4.10/§11: optional LZ4 payload compression is the
// caller's concern via pkg/utils, kept out of this package's admission
// bookkeeping so size accounting always reflects the bytes actually
// held).
type Manager struct {
	mu  sync.Mutex
	cfg *Config
	clk clock.Clock
	bus *events.Bus

	order []*entry // oldest first
	byID  map[string]*entry

	totalBytes int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager builds a Manager. If cfg is nil, DefaultConfig is used.
func NewManager(cfg *Config, clk clock.Clock, bus *events.Bus) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:   cfg,
		clk:   clk,
		bus:   bus,
		byID:  make(map[string]*entry),
		stop:  make(chan struct{}),
	}
}

// Start launches the periodic expiration sweep (spec.md §4.10: "a
// 30-second tick").
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clk.NewTicker(m.cfg.ExpirationTickRate)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C():
				m.expireOld()
			}
		}
	}()
}

// Stop halts the expiration sweep.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Add admits a new inbound file transfer, applying the eviction
// algorithm of spec.md §4.10. It returns nil if the file cannot be
// admitted even after evicting every other entry.
func (m *Manager) Add(sender, nickname, fileName, mime string, content []byte, isPrivate bool) *PendingFileTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) >= m.cfg.MaxPendingCount {
		m.evictOldestLocked()
	}

	size := int64(len(content))
	for m.totalBytes+size > m.cfg.MaxTotalBytes && len(m.order) > 0 {
		m.evictOldestLocked()
	}
	if m.totalBytes+size > m.cfg.MaxTotalBytes {
		return nil
	}

	pf := PendingFileTransfer{
		ID:             uuid.NewString(),
		SenderPeerID:   sender,
		SenderNickname: nickname,
		FileName:       fileName,
		MimeType:       mime,
		Content:        content,
		Timestamp:      m.clk.Now(),
		IsPrivate:      isPrivate,
	}
	e := &entry{transfer: pf}
	m.order = append(m.order, e)
	m.byID[pf.ID] = e
	m.totalBytes += size

	if m.bus != nil {
		m.bus.Publish(events.KindPendingFileAdded, events.PendingFileAdded{ID: pf.ID})
	}

	out := pf
	return &out
}

// evictOldestLocked removes the single oldest entry (smallest
// timestamp, which is also the head of m.order since insertion is
// append-only). Must be called with m.mu held.
func (m *Manager) evictOldestLocked() {
	if len(m.order) == 0 {
		return
	}
	oldest := m.order[0]
	m.removeLocked(oldest.transfer.ID, "evicted")
}

// removeLocked deletes id from both index structures and emits
// PendingFileRemoved. Must be called with m.mu held.
func (m *Manager) removeLocked(id string, reason string) {
	e, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	for i, oe := range m.order {
		if oe == e {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.totalBytes -= int64(len(e.transfer.Content))
	if m.bus != nil {
		m.bus.Publish(events.KindPendingFileRemoved, events.PendingFileRemoved{ID: id, Reason: reason})
	}
}

// Get returns the pending transfer for id, if any.
func (m *Manager) Get(id string) (*PendingFileTransfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	out := e.transfer
	return &out, true
}

// All returns every pending transfer sorted by timestamp descending
// (spec.md §4.10).
func (m *Manager) All() []PendingFileTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingFileTransfer, len(m.order))
	for i, e := range m.order {
		out[i] = e.transfer
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// SaveHandler persists an accepted transfer's content and returns the
// path it was written to (or any other caller-defined handle).
type SaveHandler func(PendingFileTransfer) (string, error)

// Accept atomically removes id from the queue, then calls handler with
// the removed transfer (spec.md §4.10: "atomic: remove from queue, then
// call handler").
func (m *Manager) Accept(id string, handler SaveHandler) (string, error) {
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return "", bcerr.New(bcerr.KindNotFound, "pending file not found").WithField("id", id)
	}
	transfer := e.transfer
	m.removeLocked(id, "accepted")
	m.mu.Unlock()

	return handler(transfer)
}

// Decline removes id from the queue without invoking a save handler.
func (m *Manager) Decline(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return bcerr.New(bcerr.KindNotFound, "pending file not found").WithField("id", id)
	}
	m.removeLocked(id, "declined")
	return nil
}

// ClearAll drops every pending transfer, e.g. on panicClearAllData
// (spec.md §6, §5 "the pending-file store... is cleared on panic").
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.order))
	for _, e := range m.order {
		ids = append(ids, e.transfer.ID)
	}
	for _, id := range ids {
		m.removeLocked(id, "evicted")
	}
}

// Stats reports the current count and total bytes held.
func (m *Manager) Stats() (count int, totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order), m.totalBytes
}

func (m *Manager) expireOld() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	var expired []string
	for _, e := range m.order {
		if now.Sub(e.transfer.Timestamp) >= m.cfg.ExpirationSeconds {
			expired = append(expired, e.transfer.ID)
		}
	}
	for _, id := range expired {
		m.removeLocked(id, "expired")
	}
}
