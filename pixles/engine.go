package pixles

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/time/rate"
)

// the coordination core. Only the engine mutates the grid and the ledger,
// and a single engine mutex makes every admission-check, debit, apply,
// broadcast sequence one non-interruptible unit. Nothing inside that
// sequence blocks: broadcasts enqueue to per-session buffered sinks, and a
// saturated sink tears the session down instead of being waited on. This is
// what keeps two concurrent writes from the same identity from both passing
// the balance check, and what keeps one write's broadcast from interleaving
// with the next at the source.

type EngineSettings struct {
	// minimum interval between outgoing cursor broadcasts per session
	CursorMinInterval time.Duration
	CursorBurst       int
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		CursorMinInterval: 50 * time.Millisecond,
		CursorBurst:       4,
	}
}

type Engine struct {
	ctx context.Context

	grid     *GridStore
	ledger   *LedgerStore
	registry *SessionRegistry

	settings *EngineSettings

	mutex sync.Mutex

	// persistence hooks. markDirty is the debounced path, forceSave is the
	// out-of-band immediate path for wipes.
	markDirty func()
	forceSave func(*GridSnapshot)
}

func NewEngineWithDefaults(ctx context.Context, grid *GridStore, ledger *LedgerStore, registry *SessionRegistry) *Engine {
	return NewEngine(ctx, grid, ledger, registry, DefaultEngineSettings())
}

func NewEngine(ctx context.Context, grid *GridStore, ledger *LedgerStore, registry *SessionRegistry, settings *EngineSettings) *Engine {
	return &Engine{
		ctx:      ctx,
		grid:     grid,
		ledger:   ledger,
		registry: registry,
		settings: settings,
	}
}

func (self *Engine) SetPersistence(markDirty func(), forceSave func(*GridSnapshot)) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.markDirty = markDirty
	self.forceSave = forceSave
}

// registers the session, pushes the full snapshot and the current roster to
// the one new client, and announces a lightweight joined event to everyone
// else. All under the engine mutex so the snapshot and the delta stream
// cannot tear.
func (self *Engine) Connect(connectionId Id, sink Sink) *Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	cursorLimiter := rate.NewLimiter(
		rate.Every(self.settings.CursorMinInterval),
		self.settings.CursorBurst,
	)
	session := self.registry.Join(connectionId, sink, cursorLimiter)

	snapshot := self.grid.Snapshot()
	self.sendTo(session, MessageSnapshot, &SnapshotPayload{
		Size:  snapshot.Size,
		Cells: snapshot.Cells,
	})

	peers := []PeerState{}
	for _, other := range self.registry.Enumerate() {
		if other.ConnectionId == connectionId {
			continue
		}
		peers = append(peers, NewPeerState(other))
	}
	self.sendTo(session, MessageRoster, &RosterPayload{
		Peers: peers,
	})

	self.broadcastExcept(connectionId, MessagePeerJoined, &PeerJoinedPayload{
		ConnectionId: connectionId,
		DisplayColor: session.DisplayColor,
	})

	glog.V(1).Infof("[e]join %s (%d active)\n", connectionId, self.registry.Count())
	return session
}

// safe to call twice
func (self *Engine) Disconnect(connectionId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session := self.registry.Leave(connectionId)
	if session == nil {
		return
	}
	session.sink.Close()
	self.broadcastExcept(connectionId, MessagePeerLeft, &PeerLeftPayload{
		ConnectionId: connectionId,
	})
	glog.V(1).Infof("[e]leave %s (%d active)\n", connectionId, self.registry.Count())
}

// binds a resolved identity to the session and caches its cosmetic hints
func (self *Engine) Identify(connectionId Id, identity Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := self.ledger.GetOrCreate(identity)
	self.registry.BindIdentity(connectionId, identity, entry.Cosmetics, entry.CursorColor)
}

// re-caches cosmetic hints on every session bound to the identity, after an
// out-of-band ledger change
func (self *Engine) RefreshIdentity(identity Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := self.ledger.GetOrCreate(identity)
	for _, session := range self.registry.Enumerate() {
		if session.Identity == identity {
			self.registry.BindIdentity(session.ConnectionId, identity, entry.Cosmetics, entry.CursorColor)
		}
	}
}

// throttled per session. Dropped intermediate positions are fine, only the
// latest position matters to observers.
func (self *Engine) MoveCursor(connectionId Id, x int, y int, name *string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session := self.registry.UpdateCursor(connectionId, x, y, name)
	if session == nil {
		return
	}
	if !session.cursorLimiter.Allow() {
		return
	}
	peer := NewPeerState(session)
	self.broadcastExcept(connectionId, MessagePeerCursor, &peer)
}

// single-cell write path: validate, debit, apply, broadcast to all ACTIVE
// sessions including the sender. The sender waits for the broadcast
// round-trip instead of locally predicting.
func (self *Engine) PlaceCell(connectionId Id, x int, y int, color string, effect *CellEffect) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session := self.registry.Get(connectionId)
	if session == nil {
		return
	}
	if !self.grid.Contains(x, y) {
		// expected from stale or zoomed clients
		return
	}
	if !session.Identified() {
		self.deny(session, DenyNotIdentified)
		return
	}
	if err := self.ledger.TryDebit(session.Identity, 1); err != nil {
		self.deny(session, DenyInsufficientBudget)
		return
	}

	effect = self.annotate(session, effect)
	self.grid.Set(x, y, color, effect)
	self.broadcast(MessageCellChanged, &CellChangedPayload{
		X:      x,
		Y:      y,
		Color:  color,
		Effect: effect,
	})
	self.markDirtyLocked()
}

// batch write path for shape tools and bombs. Ability and tool availability
// are re-derived from the ledger, the client's tool UI is advisory only. The
// coordinate list is filtered to in-bounds entries and exactly the surviving
// count is debited; a bomb consumes one charge of the claimed size instead.
func (self *Engine) PlaceCells(connectionId Id, positions []CellPos, color string, tool ToolKind, size int, effect *CellEffect) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session := self.registry.Get(connectionId)
	if session == nil {
		return
	}
	if tool != "" && !tool.Valid() {
		return
	}
	if !session.Identified() {
		self.deny(session, DenyNotIdentified)
		return
	}

	survivors := make([]CellPos, 0, len(positions))
	for _, pos := range positions {
		if self.grid.Contains(pos.X, pos.Y) {
			survivors = append(survivors, pos)
		}
	}
	if len(survivors) == 0 {
		return
	}

	if tool == ToolBomb {
		if !ValidBombSize(size) {
			return
		}
		if err := self.ledger.ConsumeBomb(session.Identity, size); err != nil {
			self.deny(session, DenyAbilityUnavailable)
			return
		}
	} else {
		if !self.ledger.ToolUnlocked(session.Identity, tool) {
			self.deny(session, DenyAbilityUnavailable)
			return
		}
		if err := self.ledger.TryDebit(session.Identity, len(survivors)); err != nil {
			self.deny(session, DenyInsufficientBudget)
			return
		}
	}

	effect = self.annotate(session, effect)
	self.grid.SetMany(survivors, color, effect)
	// one batched event, not len(survivors) single-cell events
	self.broadcast(MessageCellsChanged, &CellsChangedPayload{
		Positions: survivors,
		Color:     color,
		Effect:    effect,
	})
	self.markDirtyLocked()
}

// wipe requested over the live connection
func (self *Engine) Wipe(connectionId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session := self.registry.Get(connectionId)
	if session == nil {
		return
	}
	if !session.Identified() {
		self.deny(session, DenyNotIdentified)
		return
	}
	if err := self.wipeLocked(session.Identity); err != nil {
		self.deny(session, DenyAbilityUnavailable)
	}
}

// wipe requested out-of-band
func (self *Engine) WipeCanvas(identity Id) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.wipeLocked(identity)
}

func (self *Engine) wipeLocked(identity Id) error {
	if err := self.ledger.ConsumeWipe(identity); err != nil {
		return err
	}
	self.grid.Clear()
	// O(1) message regardless of grid size
	self.broadcast(MessageCanvasCleared, nil)
	glog.Infof("[e]canvas wiped by %s\n", identity)
	if self.forceSave != nil {
		// wipes are rare and high-impact, do not wait for the debounced
		// save schedule
		self.forceSave(self.grid.Snapshot())
	}
	return nil
}

func (self *Engine) SnapshotGrid() *GridSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.grid.Snapshot()
}

// effect hints are granted, not claimed: a glow annotation survives only if
// the identity has the glow cosmetic unlocked, and the owner is always set
// server-side
func (self *Engine) annotate(session *Session, effect *CellEffect) *CellEffect {
	if effect == nil || !effect.Glow {
		return nil
	}
	if !session.Cosmetics[CosmeticGlow] {
		return nil
	}
	owner := session.Identity
	return &CellEffect{
		Glow:  true,
		Owner: &owner,
	}
}

func (self *Engine) markDirtyLocked() {
	if self.markDirty != nil {
		self.markDirty()
	}
}

func (self *Engine) broadcast(messageType string, payload any) {
	message, err := EncodeMessage(messageType, payload)
	if err != nil {
		glog.Infof("[e]encode %s error = %s\n", messageType, err)
		return
	}
	for _, session := range self.registry.Enumerate() {
		self.deliver(session, message)
	}
}

func (self *Engine) broadcastExcept(exceptId Id, messageType string, payload any) {
	message, err := EncodeMessage(messageType, payload)
	if err != nil {
		glog.Infof("[e]encode %s error = %s\n", messageType, err)
		return
	}
	for _, session := range self.registry.Enumerate() {
		if session.ConnectionId == exceptId {
			continue
		}
		self.deliver(session, message)
	}
}

func (self *Engine) sendTo(session *Session, messageType string, payload any) {
	message, err := EncodeMessage(messageType, payload)
	if err != nil {
		glog.Infof("[e]encode %s error = %s\n", messageType, err)
		return
	}
	self.deliver(session, message)
}

func (self *Engine) deny(session *Session, reason string) {
	self.sendTo(session, MessagePlaceDenied, &PlaceDeniedPayload{
		Reason: reason,
	})
}

func (self *Engine) deliver(session *Session, message []byte) {
	if !session.sink.Send(message) {
		// saturated or closed sink. Tear down instead of blocking the
		// event core; the transport will signal the disconnect.
		glog.Infof("[e]drop slow session %s\n", session.ConnectionId)
		session.sink.Close()
	}
}
