package tilemanager

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aukilabs/tilestream/geo"
	"github.com/aukilabs/tilestream/tile"
)

var (
	paris        = geo.NewVector3(2.3522, 48.8566, 0)
	sanFrancisco = geo.NewVector3(-122.4194, 37.7749, 0)
)

func testConfig() Config {
	return Config{
		LowresLevel:      2,
		LowresRange:      5000000,
		HiresLevel:       4,
		HiresRange:       1000000,
		MaxQueuedPerWalk: 1000,
	}
}

type testTile struct {
	id        tile.ID
	reference geo.Vector3
	factory   *testFactory

	mutex      sync.Mutex
	placements []tile.Placement
	released   bool
}

func (t *testTile) Reference() geo.Vector3 {
	return t.reference
}

func (t *testTile) Render(p tile.Placement) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.placements = append(t.placements, p)
}

func (t *testTile) Release() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.released {
		panic("tile " + t.id.String() + " released twice")
	}
	t.released = true

	if t.factory != nil {
		t.factory.released.Add(1)
	}
}

func (t *testTile) isReleased() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.released
}

// testFactory builds testTiles and keeps track of what it spawned. When
// block is set, it is called before returning each tile.
type testFactory struct {
	block func(ctx context.Context, id tile.ID) error

	spawned  atomic.Int64
	released atomic.Int64

	mutex sync.Mutex
	ids   []tile.ID
	tiles map[tile.ID][]*testTile
}

func (f *testFactory) SpawnTile(ctx context.Context, id tile.ID, bounds geo.BBox) (tile.Tile, error) {
	if f.block != nil {
		if err := f.block(ctx, id); err != nil {
			return nil, err
		}
	}

	t := &testTile{
		id:        id,
		reference: bounds.Center(),
		factory:   f,
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.tiles == nil {
		f.tiles = make(map[tile.ID][]*testTile)
	}
	f.ids = append(f.ids, id)
	f.tiles[id] = append(f.tiles[id], t)
	f.spawned.Add(1)
	return t, nil
}

func (f *testFactory) spawnedIDs() []tile.ID {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]tile.ID(nil), f.ids...)
}

func (f *testFactory) tilesOf(id tile.ID) []*testTile {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]*testTile(nil), f.tiles[id]...)
}

// wantedIDs returns, by brute force, the tiles at the given level within
// rangeMeters of the viewer.
func wantedIDs(viewer geo.Vector3, level int32, rangeMeters float64) []tile.ID {
	var ids []tile.ID

	size := int32(1) << level
	for y := int32(0); y < size; y++ {
		for x := int32(0); x < size; x++ {
			d := geo.ForTile(level, x, y).ApproxDistanceSquare(viewer.Flattened())
			if d <= rangeMeters*rangeMeters {
				ids = append(ids, tile.NewID(level, x, y))
			}
		}
	}
	return ids
}
