package pixles

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	_ "github.com/mattn/go-sqlite3"
)

// persistence is a shadow of the in-memory state, never read back from
// during normal operation. Two logical records: the sparse cell list and the
// ledger table.

type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one writer, sqlite serializes anyway
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cells (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			color TEXT NOT NULL,
			glow INTEGER NOT NULL DEFAULT 0,
			owner TEXT,
			PRIMARY KEY (x, y)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger (
			identity TEXT PRIMARY KEY,
			entry TEXT NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &Store{
		db: db,
	}, nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

// full rewrite in one transaction so a loaded grid is never a torn mix of
// two saves
func (self *Store) SaveGrid(snapshot *GridSnapshot) error {
	tx, err := self.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cells`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO cells (x, y, color, glow, owner) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, cell := range snapshot.Cells {
		glow := 0
		var owner any
		if cell.Effect != nil {
			if cell.Effect.Glow {
				glow = 1
			}
			if cell.Effect.Owner != nil {
				owner = cell.Effect.Owner.String()
			}
		}
		if _, err := stmt.Exec(cell.X, cell.Y, cell.Color, glow, owner); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (self *Store) LoadGrid(size int) (*GridSnapshot, error) {
	rows, err := self.db.Query(`SELECT x, y, color, glow, owner FROM cells ORDER BY y, x`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := &GridSnapshot{
		Size: size,
	}
	for rows.Next() {
		var cell GridCell
		var glow int
		var owner sql.NullString
		if err := rows.Scan(&cell.X, &cell.Y, &cell.Color, &glow, &owner); err != nil {
			return nil, err
		}
		if glow != 0 || owner.Valid {
			effect := &CellEffect{
				Glow: glow != 0,
			}
			if owner.Valid {
				if ownerId, err := ParseId(owner.String); err == nil {
					effect.Owner = &ownerId
				}
			}
			cell.Effect = effect
		}
		snapshot.Cells = append(snapshot.Cells, cell)
	}
	return snapshot, rows.Err()
}

func (self *Store) SaveLedgerEntry(entry *LedgerEntry) error {
	entryJson, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = self.db.Exec(
		`INSERT INTO ledger (identity, entry) VALUES (?, ?)
			ON CONFLICT (identity) DO UPDATE SET entry = excluded.entry`,
		entry.Identity.String(),
		string(entryJson),
	)
	return err
}

func (self *Store) LoadLedger() ([]*LedgerEntry, error) {
	rows, err := self.db.Query(`SELECT entry FROM ledger`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*LedgerEntry{}
	for rows.Next() {
		var entryJson string
		if err := rows.Scan(&entryJson); err != nil {
			return nil, err
		}
		var entry LedgerEntry
		if err := json.Unmarshal([]byte(entryJson), &entry); err != nil {
			// one corrupt row does not poison the whole load
			glog.Infof("[p]skip corrupt ledger row = %s\n", err)
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

type SaverSettings struct {
	GridSaveInterval time.Duration
	LedgerDebounce   time.Duration
}

func DefaultSaverSettings() *SaverSettings {
	return &SaverSettings{
		GridSaveInterval: 30 * time.Second,
		LedgerDebounce:   2 * time.Second,
	}
}

// Saver runs off the event path. The engine and ledger only flip dirty
// flags; all blocking I/O happens here against read-only copies.
type Saver struct {
	ctx      context.Context
	store    *Store
	engine   *Engine
	settings *SaverSettings

	mutex          sync.Mutex
	pendingEntries map[Id]*LedgerEntry
	gridDirty      bool

	notify chan struct{}
}

func NewSaverWithDefaults(ctx context.Context, store *Store, engine *Engine) *Saver {
	return NewSaver(ctx, store, engine, DefaultSaverSettings())
}

func NewSaver(ctx context.Context, store *Store, engine *Engine, settings *SaverSettings) *Saver {
	return &Saver{
		ctx:            ctx,
		store:          store,
		engine:         engine,
		settings:       settings,
		pendingEntries: map[Id]*LedgerEntry{},
		notify:         make(chan struct{}, 1),
	}
}

// ledger dirty callback (LedgerStore.SetPersistence)
func (self *Saver) MarkLedgerDirty(entry *LedgerEntry) {
	self.mutex.Lock()
	self.pendingEntries[entry.Identity] = entry
	self.mutex.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

// synchronous first-touch hook, durable before GetOrCreate returns
func (self *Saver) CreateLedgerEntry(entry *LedgerEntry) error {
	return self.store.SaveLedgerEntry(entry)
}

// engine write-path hook
func (self *Saver) MarkGridDirty() {
	self.mutex.Lock()
	self.gridDirty = true
	self.mutex.Unlock()
}

// engine wipe hook: immediate out-of-band save of the given snapshot,
// without blocking the event core
func (self *Saver) SaveGridNow(snapshot *GridSnapshot) {
	go func() {
		if err := self.store.SaveGrid(snapshot); err != nil {
			glog.Infof("[p]forced grid save error = %s\n", err)
		} else {
			glog.Infof("[p]forced grid save (%d cells)\n", len(snapshot.Cells))
		}
	}()
}

func (self *Saver) Run() {
	gridTicker := time.NewTicker(self.settings.GridSaveInterval)
	defer gridTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			self.ForceSave()
			return
		case <-gridTicker.C:
			self.flushGrid(false)
		case <-self.notify:
			// debounce window, coalesce a burst of ledger writes
			select {
			case <-self.ctx.Done():
				self.ForceSave()
				return
			case <-time.After(self.settings.LedgerDebounce):
			}
			self.flushLedger()
		}
	}
}

// used for wipes (indirectly) and process shutdown
func (self *Saver) ForceSave() {
	self.flushLedger()
	self.flushGrid(true)
}

func (self *Saver) flushLedger() {
	self.mutex.Lock()
	pending := self.pendingEntries
	self.pendingEntries = map[Id]*LedgerEntry{}
	self.mutex.Unlock()

	for _, entry := range pending {
		if err := self.store.SaveLedgerEntry(entry); err != nil {
			glog.Infof("[p]ledger save %s error = %s\n", entry.Identity, err)
		}
	}
	if 0 < len(pending) {
		glog.V(1).Infof("[p]ledger save (%d entries)\n", len(pending))
	}
}

func (self *Saver) flushGrid(force bool) {
	self.mutex.Lock()
	dirty := self.gridDirty
	self.gridDirty = false
	self.mutex.Unlock()

	if !dirty && !force {
		return
	}
	snapshot := self.engine.SnapshotGrid()
	if err := self.store.SaveGrid(snapshot); err != nil {
		glog.Infof("[p]grid save error = %s\n", err)
	} else {
		glog.V(1).Infof("[p]grid save (%d cells)\n", len(snapshot.Cells))
	}
}
