package tile

import (
	"context"
	"fmt"

	"github.com/aukilabs/tilestream/geo"
)

// MaxLevel is the deepest quadtree level a tile can be addressed at.
const MaxLevel = 30

// ID identifies a tile by its quadtree address.
type ID struct {
	Level int32 `json:"level"`
	X     int32 `json:"x"`
	Y     int32 `json:"y"`
}

// NoID means "no tile".
var NoID = ID{Level: -1, X: -1, Y: -1}

func NewID(level, x, y int32) ID {
	return ID{Level: level, X: x, Y: y}
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Level, id.X, id.Y)
}

// Valid reports whether the id addresses an existing tile.
func (id ID) Valid() bool {
	if id.Level < 0 || id.Level > MaxLevel {
		return false
	}
	size := int64(1) << id.Level
	return id.X >= 0 && int64(id.X) < size && id.Y >= 0 && int64(id.Y) < size
}

// Bounds returns the geographic box covered by the tile.
func (id ID) Bounds() geo.BBox {
	return geo.ForTile(id.Level, id.X, id.Y)
}

// Children returns the four sub-quadrants of the tile, ordered by child index.
func (id ID) Children() [4]ID {
	x, y := id.X*2, id.Y*2
	return [4]ID{
		{Level: id.Level + 1, X: x, Y: y},
		{Level: id.Level + 1, X: x + 1, Y: y},
		{Level: id.Level + 1, X: x, Y: y + 1},
		{Level: id.Level + 1, X: x + 1, Y: y + 1},
	}
}

// Task is a pending load request.
type Task struct {
	ID     ID
	Bounds geo.BBox
}

func NewTask(id ID) Task {
	return Task{
		ID:     id,
		Bounds: id.Bounds(),
	}
}

// Placement describes where a tile is drawn relatively to the viewer.
type Placement struct {
	ID ID `json:"id"`

	// The tile reference point offset from the viewer, in meters.
	Offset geo.Vector3 `json:"offset"`

	// The rotation from the tile local frame to the viewer frame.
	Orientation geo.Orientation `json:"orientation"`
}

// Tile is a loaded tile payload. Once placed in a tree, the tree is its sole
// owner and calls Release when the tile is evicted or discarded.
type Tile interface {
	// The point the tile geometry is expressed relatively to.
	Reference() geo.Vector3

	// Draws the tile.
	Render(Placement)

	// Frees the resources held by the tile.
	Release()
}

// Factory builds tile payloads. SpawnTile may be slow and is always called
// without any tree or queue lock held.
type Factory interface {
	SpawnTile(ctx context.Context, id ID, bounds geo.BBox) (Tile, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, id ID, bounds geo.BBox) (Tile, error)

func (f FactoryFunc) SpawnTile(ctx context.Context, id ID, bounds geo.BBox) (Tile, error) {
	return f(ctx, id, bounds)
}
