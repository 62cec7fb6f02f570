// Package tilesource provides tile factories.
package tilesource

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/aukilabs/tilestream/geo"
	"github.com/aukilabs/tilestream/tile"
)

const (
	// DefaultGridSize is the number of height samples per tile side.
	DefaultGridSize = 16
)

// Synthetic is a tile factory that generates height grids instead of loading
// real data. It is meant for tests and demos.
type Synthetic struct {
	// Simulates the time taken to download and decode a tile.
	Latency time.Duration

	// The number of height samples per tile side. DefaultGridSize is used
	// when 0.
	GridSize int

	// The height amplitude in meters.
	Amplitude float64
}

func (s Synthetic) SpawnTile(ctx context.Context, id tile.ID, bounds geo.BBox) (tile.Tile, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	size := s.GridSize
	if size <= 0 {
		size = DefaultGridSize
	}

	return &SyntheticTile{
		ID:       id,
		Bounds:   bounds,
		GridSize: size,
		Heights:  heights(bounds, size, s.Amplitude),
	}, nil
}

// heights hashes the geographic position of each sample into a pseudo random
// height, so neighbor tiles share their edges.
func heights(bounds geo.BBox, size int, amplitude float64) []float64 {
	h := make([]float64, size*size)
	if amplitude == 0 {
		return h
	}

	stepX := (bounds.Max.X - bounds.Min.X) / float64(size-1)
	stepY := (bounds.Max.Y - bounds.Min.Y) / float64(size-1)
	if size == 1 {
		stepX, stepY = 0, 0
	}

	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			lon := bounds.Min.X + float64(i)*stepX
			lat := bounds.Max.Y - float64(j)*stepY
			h[j*size+i] = amplitude * hashHeight(lon, lat)
		}
	}
	return h
}

func hashHeight(lon, lat float64) float64 {
	hash := fnv.New64a()

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], math.Float64bits(math.Round(lon*1e6)))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(math.Round(lat*1e6)))
	hash.Write(buf[:])

	return float64(hash.Sum64()%10000) / 10000
}

// SyntheticTile is a tile generated by Synthetic.
type SyntheticTile struct {
	ID       tile.ID
	Bounds   geo.BBox
	GridSize int
	Heights  []float64

	renderer
}

// Reference returns the center of the tile.
func (t *SyntheticTile) Reference() geo.Vector3 {
	return t.Bounds.Center()
}

func (t *SyntheticTile) Release() {
	t.Heights = nil
}

// renderer records the last placement a tile was rendered at.
type renderer struct {
	mutex     sync.Mutex
	placement tile.Placement
	rendered  bool
}

func (r *renderer) Render(p tile.Placement) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.placement = p
	r.rendered = true
}

// LastPlacement returns the placement of the last render call and whether
// the tile was ever rendered.
func (r *renderer) LastPlacement() (tile.Placement, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.placement, r.rendered
}
