package pixles

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// per-identity consumable balances. The free budget refills on a fixed
// schedule after depletion; purchased currency never expires. The debit
// order is free-first so paid currency is preserved as long as possible.

var ErrInsufficientBudget = errors.New("insufficient budget")
var ErrAbilityUnavailable = errors.New("ability unavailable")
var ErrCosmeticLocked = errors.New("cosmetic not unlocked")

const DefaultMaxFreeBudget = 100
const DefaultRefillInterval = 10 * time.Minute

type LedgerSettings struct {
	MaxFreeBudget      int
	RefillInterval     time.Duration
	RefillTickInterval time.Duration
}

func DefaultLedgerSettings() *LedgerSettings {
	return &LedgerSettings{
		MaxFreeBudget:      DefaultMaxFreeBudget,
		RefillInterval:     DefaultRefillInterval,
		RefillTickInterval: 15 * time.Second,
	}
}

type LedgerEntry struct {
	Identity Id `json:"identity"`

	// bounded [0, MaxFreeBudget]
	FreeBudget int `json:"free_budget"`
	// present iff FreeBudget is currently 0
	RefillDeadline *time.Time `json:"refill_deadline,omitempty"`
	// non-negative, never expires
	Purchased int `json:"purchased"`

	// bomb size -> remaining charges
	Bombs       map[int]int `json:"bombs,omitempty"`
	WipeCharges int         `json:"wipe_charges,omitempty"`

	Tools       map[ToolKind]bool     `json:"tools,omitempty"`
	Cosmetics   map[CosmeticKind]bool `json:"cosmetics,omitempty"`
	CursorColor string                `json:"cursor_color,omitempty"`

	// idempotency guard for entitlement grants
	AppliedEntitlements map[string]bool `json:"applied_entitlements,omitempty"`

	CreateTime time.Time `json:"create_time"`
}

func (self *LedgerEntry) Copy() *LedgerEntry {
	entryCopy := *self
	if self.RefillDeadline != nil {
		deadline := *self.RefillDeadline
		entryCopy.RefillDeadline = &deadline
	}
	entryCopy.Bombs = maps.Clone(self.Bombs)
	entryCopy.Tools = maps.Clone(self.Tools)
	entryCopy.Cosmetics = maps.Clone(self.Cosmetics)
	entryCopy.AppliedEntitlements = maps.Clone(self.AppliedEntitlements)
	return &entryCopy
}

func (self *LedgerEntry) Balance() int {
	return self.FreeBudget + self.Purchased
}

func (self *LedgerEntry) BombCharges(size int) int {
	return self.Bombs[size]
}

// brush is always available; other tools must be unlocked
func (self *LedgerEntry) HasTool(tool ToolKind) bool {
	if tool == "" || tool == ToolBrush {
		return true
	}
	return self.Tools[tool]
}

func (self *LedgerEntry) HasCosmetic(cosmetic CosmeticKind) bool {
	return self.Cosmetics[cosmetic]
}

type LedgerStore struct {
	settings *LedgerSettings

	mutex   sync.Mutex
	entries map[Id]*LedgerEntry
	aliases map[Id]Id

	// persistence hooks. createSync must make a first-touch entry durable
	// before GetOrCreate returns. dirty is a cheap notification for the
	// debounced saver.
	createSync func(*LedgerEntry) error
	dirty      func(*LedgerEntry)

	now func() time.Time
}

func NewLedgerStoreWithDefaults() *LedgerStore {
	return NewLedgerStore(DefaultLedgerSettings())
}

func NewLedgerStore(settings *LedgerSettings) *LedgerStore {
	return &LedgerStore{
		settings: settings,
		entries:  map[Id]*LedgerEntry{},
		aliases:  map[Id]Id{},
		now:      time.Now,
	}
}

func (self *LedgerStore) SetPersistence(createSync func(*LedgerEntry) error, dirty func(*LedgerEntry)) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.createSync = createSync
	self.dirty = dirty
}

func (self *LedgerStore) resolveLocked(identity Id) Id {
	if canonical, ok := self.aliases[identity]; ok {
		return canonical
	}
	return identity
}

func (self *LedgerStore) getOrCreateLocked(identity Id) *LedgerEntry {
	identity = self.resolveLocked(identity)
	entry, ok := self.entries[identity]
	if !ok {
		entry = &LedgerEntry{
			Identity:            identity,
			FreeBudget:          self.settings.MaxFreeBudget,
			Bombs:               map[int]int{},
			Tools:               map[ToolKind]bool{},
			Cosmetics:           map[CosmeticKind]bool{},
			AppliedEntitlements: map[string]bool{},
			CreateTime:          self.now(),
		}
		self.entries[identity] = entry
		if self.createSync != nil {
			if err := self.createSync(entry.Copy()); err != nil {
				// in-memory state stays authoritative
				glog.Infof("[ledger]create persist error = %s\n", err)
			}
		}
	}
	self.refillLocked(entry)
	return entry
}

func (self *LedgerStore) refillLocked(entry *LedgerEntry) {
	if entry.RefillDeadline != nil && !self.now().Before(*entry.RefillDeadline) {
		entry.FreeBudget = self.settings.MaxFreeBudget
		entry.RefillDeadline = nil
		self.notifyDirtyLocked(entry)
	}
}

func (self *LedgerStore) notifyDirtyLocked(entry *LedgerEntry) {
	if self.dirty != nil {
		self.dirty(entry.Copy())
	}
}

// creates a default entry on first reference. Refill deadlines are checked
// lazily on every access, so a caller always observes a settled entry.
func (self *LedgerStore) GetOrCreate(identity Id) *LedgerEntry {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.getOrCreateLocked(identity).Copy()
}

// free-first: when amount fits the free budget, only the free budget is
// debited. Otherwise the remaining free budget is drained and the shortfall
// comes from purchased currency. On insufficient funds nothing is mutated.
// The refill deadline is armed in the same locked section as the depleting
// debit, exactly once per depletion.
func (self *LedgerStore) TryDebit(identity Id, amount int) error {
	if amount <= 0 {
		return nil
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := self.getOrCreateLocked(identity)
	if entry.Balance() < amount {
		return ErrInsufficientBudget
	}
	if amount <= entry.FreeBudget {
		entry.FreeBudget -= amount
	} else {
		shortfall := amount - entry.FreeBudget
		entry.FreeBudget = 0
		entry.Purchased -= shortfall
	}
	if entry.FreeBudget == 0 && entry.RefillDeadline == nil {
		deadline := self.now().Add(self.settings.RefillInterval)
		entry.RefillDeadline = &deadline
	}
	self.notifyDirtyLocked(entry)
	return nil
}

// purchased-only debit for the out-of-band spend surface
func (self *LedgerStore) DebitPurchased(identity Id, amount int) error {
	if amount <= 0 {
		return nil
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := self.getOrCreateLocked(identity)
	if entry.Purchased < amount {
		return ErrInsufficientBudget
	}
	entry.Purchased -= amount
	self.notifyDirtyLocked(entry)
	return nil
}

// idempotent via the applied-entitlement set. A replayed entitlementId
// returns the current entry unchanged with applied=false, which callers
// treat as success. External payment confirmations can be retried or
// duplicated.
func (self *LedgerStore) CreditEntitlement(identity Id, entitlementId string, apply func(*LedgerEntry)) (*LedgerEntry, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := self.getOrCreateLocked(identity)
	if entry.AppliedEntitlements[entitlementId] {
		return entry.Copy(), false
	}
	apply(entry)
	if entry.FreeBudget > 0 && entry.RefillDeadline != nil {
		// a grant restored free budget, disarm the refill
		entry.RefillDeadline = nil
	}
	entry.AppliedEntitlements[entitlementId] = true
	self.notifyDirtyLocked(entry)
	return entry.Copy(), true
}

func (self *LedgerStore) ConsumeBomb(identity Id, size int) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := self.getOrCreateLocked(identity)
	if entry.Bombs[size] <= 0 {
		return ErrAbilityUnavailable
	}
	entry.Bombs[size] -= 1
	if entry.Bombs[size] == 0 {
		delete(entry.Bombs, size)
	}
	self.notifyDirtyLocked(entry)
	return nil
}

func (self *LedgerStore) ConsumeWipe(identity Id) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := self.getOrCreateLocked(identity)
	if entry.WipeCharges <= 0 {
		return ErrAbilityUnavailable
	}
	entry.WipeCharges -= 1
	self.notifyDirtyLocked(entry)
	return nil
}

func (self *LedgerStore) ToolUnlocked(identity Id, tool ToolKind) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.getOrCreateLocked(identity).HasTool(tool)
}

// the custom-cursor cosmetic must already be unlocked
func (self *LedgerStore) SetCursorColor(identity Id, color string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := self.getOrCreateLocked(identity)
	if !entry.Cosmetics[CosmeticCustomCursor] {
		return ErrCosmeticLocked
	}
	entry.CursorColor = color
	self.notifyDirtyLocked(entry)
	return nil
}

// direct mutator. The admin secret gate lives in the caller.
// Returns the new state of the cosmetic.
func (self *LedgerStore) ToggleCosmetic(identity Id, cosmetic CosmeticKind) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := self.getOrCreateLocked(identity)
	enabled := !entry.Cosmetics[cosmetic]
	if enabled {
		entry.Cosmetics[cosmetic] = true
	} else {
		delete(entry.Cosmetics, cosmetic)
		if cosmetic == CosmeticCustomCursor {
			entry.CursorColor = ""
		}
	}
	self.notifyDirtyLocked(entry)
	return enabled
}

// aliases the account identity to the visitor identity's existing entry.
// Balances are never summed; the visitor entry stays canonical. The external
// identity provider resolves an account to its stored visitor id before
// calling in here.
func (self *LedgerStore) Alias(account Id, visitor Id) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	canonical := self.resolveLocked(visitor)
	if account != canonical {
		self.aliases[account] = canonical
	}
	return canonical
}

// copies of every entry, for the periodic saver
func (self *LedgerStore) Entries() []*LedgerEntry {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entries := make([]*LedgerEntry, 0, len(self.entries))
	for _, entry := range self.entries {
		entries = append(entries, entry.Copy())
	}
	return entries
}

// startup load. Replaces any in-memory entries. Maps elided by the stored
// encoding come back nil and are re-initialized here so mutators can assume
// they exist.
func (self *LedgerStore) Restore(entries []*LedgerEntry) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.entries = map[Id]*LedgerEntry{}
	for _, entry := range entries {
		entryCopy := entry.Copy()
		if entryCopy.Bombs == nil {
			entryCopy.Bombs = map[int]int{}
		}
		if entryCopy.Tools == nil {
			entryCopy.Tools = map[ToolKind]bool{}
		}
		if entryCopy.Cosmetics == nil {
			entryCopy.Cosmetics = map[CosmeticKind]bool{}
		}
		if entryCopy.AppliedEntitlements == nil {
			entryCopy.AppliedEntitlements = map[string]bool{}
		}
		self.entries[entryCopy.Identity] = entryCopy
	}
}

// background tick that settles due refills even for idle identities,
// complementing the lazy check on access
func (self *LedgerStore) RunRefill(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.RefillTickInterval):
		}

		self.mutex.Lock()
		for _, entry := range self.entries {
			self.refillLocked(entry)
		}
		self.mutex.Unlock()
	}
}
