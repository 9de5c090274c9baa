package pixles

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// the authoritative canvas state: a sparse map of colored cells plus the
// effect annotations coupled to them. An effect never exists for an empty
// cell.
//
// GridStore is not safe for concurrent use. The engine serializes every
// read and write (see engine.go).

type GridStoreSettings struct {
	Size int
}

func DefaultGridStoreSettings() *GridStoreSettings {
	return &GridStoreSettings{
		Size: DefaultGridSize,
	}
}

type GridStore struct {
	settings *GridStoreSettings

	cells   map[CellPos]string
	effects map[CellPos]*CellEffect
}

func NewGridStoreWithDefaults() *GridStore {
	return NewGridStore(DefaultGridStoreSettings())
}

func NewGridStore(settings *GridStoreSettings) *GridStore {
	return &GridStore{
		settings: settings,
		cells:    map[CellPos]string{},
		effects:  map[CellPos]*CellEffect{},
	}
}

func (self *GridStore) Size() int {
	return self.settings.Size
}

func (self *GridStore) Contains(x int, y int) bool {
	return 0 <= x && x < self.settings.Size && 0 <= y && y < self.settings.Size
}

// reject out of bounds, do not clamp
func (self *GridStore) Get(x int, y int) (string, bool, error) {
	if !self.Contains(x, y) {
		return "", false, fmt.Errorf("out of bounds: (%d,%d)", x, y)
	}
	color, ok := self.cells[CellPos{X: x, Y: y}]
	return color, ok, nil
}

// last write wins. An empty color clears the cell. The effect annotation is
// replaced in either direction so the effect map can never diverge from the
// cells.
func (self *GridStore) Set(x int, y int, color string, effect *CellEffect) error {
	if !self.Contains(x, y) {
		return fmt.Errorf("out of bounds: (%d,%d)", x, y)
	}
	pos := CellPos{X: x, Y: y}
	if color == "" {
		delete(self.cells, pos)
		delete(self.effects, pos)
		return nil
	}
	self.cells[pos] = color
	if effect == nil {
		delete(self.effects, pos)
	} else {
		self.effects[pos] = effect
	}
	return nil
}

// applies in order, silently skipping out-of-bounds entries. Batches come
// from geometric tools where a partially-off-canvas shape is expected and
// only the in-bounds portion lands. Returns the applied count.
func (self *GridStore) SetMany(positions []CellPos, color string, effect *CellEffect) int {
	applied := 0
	for _, pos := range positions {
		if !self.Contains(pos.X, pos.Y) {
			continue
		}
		self.Set(pos.X, pos.Y, color, effect)
		applied += 1
	}
	return applied
}

// empties every cell and removes every effect annotation
func (self *GridStore) Clear() {
	self.cells = map[CellPos]string{}
	self.effects = map[CellPos]*CellEffect{}
}

func (self *GridStore) CellCount() int {
	return len(self.cells)
}

func (self *GridStore) EffectCount() int {
	return len(self.effects)
}

type GridCell struct {
	X      int         `json:"x"`
	Y      int         `json:"y"`
	Color  string      `json:"color"`
	Effect *CellEffect `json:"effect,omitempty"`
}

type GridSnapshot struct {
	Size  int        `json:"size"`
	Cells []GridCell `json:"cells"`
}

// a consistent point-in-time sparse copy, ordered by (y, x)
func (self *GridStore) Snapshot() *GridSnapshot {
	cells := make([]GridCell, 0, len(self.cells))
	for pos, color := range self.cells {
		cell := GridCell{
			X:     pos.X,
			Y:     pos.Y,
			Color: color,
		}
		if effect, ok := self.effects[pos]; ok {
			effectCopy := *effect
			cell.Effect = &effectCopy
		}
		cells = append(cells, cell)
	}
	slices.SortFunc(cells, func(a GridCell, b GridCell) int {
		if a.Y != b.Y {
			return a.Y - b.Y
		}
		return a.X - b.X
	})
	return &GridSnapshot{
		Size:  self.settings.Size,
		Cells: cells,
	}
}

// replaces the entire grid with the snapshot contents. Out-of-bounds
// snapshot entries are skipped, which allows loading a snapshot taken at a
// larger grid size.
func (self *GridStore) Restore(snapshot *GridSnapshot) {
	self.Clear()
	for _, cell := range snapshot.Cells {
		if !self.Contains(cell.X, cell.Y) {
			continue
		}
		var effect *CellEffect
		if cell.Effect != nil {
			effectCopy := *cell.Effect
			effect = &effectCopy
		}
		self.Set(cell.X, cell.Y, cell.Color, effect)
	}
}
