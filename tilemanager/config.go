package tilemanager

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/geo"
	"github.com/aukilabs/tilestream/tile"
)

const (
	// ErrTypeInit is the type of the errors returned when a manager can't be
	// created or started.
	ErrTypeInit = "tile_manager_init"

	// ErrTypeClosed is the type of the errors returned when an operation is
	// called on a closed manager.
	ErrTypeClosed = "tile_manager_closed"
)

const (
	DefaultLowresLevel      = 8
	DefaultHiresLevel       = 13
	DefaultLowresRange      = 1000000.0
	DefaultHiresRange       = 10000.0
	DefaultMaxQueuedPerWalk = 100
)

// LoadFlags alter the behavior of LoadLocality and LoadArea.
type LoadFlags int

const (
	// Sync loads the wanted tiles on the calling goroutine instead of queuing
	// them for the background loader.
	Sync LoadFlags = 1 << iota
)

func (f LoadFlags) Has(flag LoadFlags) bool {
	return f&flag != 0
}

type Config struct {
	// The quadtree level and range in meters of the low resolution tiles.
	// Reserved for a two tier loading scheme: validated but not used by the
	// walks.
	LowresLevel int32
	LowresRange float64

	// The quadtree level at which tiles are loaded.
	HiresLevel int32

	// The distance in meters from the viewer within which tiles are loaded.
	HiresRange float64

	// The number of tasks a single walk can queue before far tiles are dropped.
	// Tiles closer than every queued one are always queued.
	MaxQueuedPerWalk int

	// The projection used to place tiles relatively to the viewer.
	Projection geo.Projection
}

func DefaultConfig() Config {
	return Config{
		LowresLevel:      DefaultLowresLevel,
		LowresRange:      DefaultLowresRange,
		HiresLevel:       DefaultHiresLevel,
		HiresRange:       DefaultHiresRange,
		MaxQueuedPerWalk: DefaultMaxQueuedPerWalk,
		Projection:       geo.LocalProjection{},
	}
}

func (c Config) withDefaults() Config {
	if c.MaxQueuedPerWalk == 0 {
		c.MaxQueuedPerWalk = DefaultMaxQueuedPerWalk
	}
	if c.Projection == nil {
		c.Projection = geo.LocalProjection{}
	}
	return c
}

// Validate returns an error when the configuration cannot be used to create a
// manager.
func (c Config) Validate() error {
	if c.HiresLevel < 0 || c.HiresLevel > tile.MaxLevel {
		return errors.New("invalid hires level").
			WithType(ErrTypeInit).
			WithTag("hires_level", c.HiresLevel)
	}

	if c.HiresRange <= 0 || math.IsNaN(c.HiresRange) {
		return errors.New("invalid hires range").
			WithType(ErrTypeInit).
			WithTag("hires_range", c.HiresRange)
	}

	if c.LowresLevel < 0 || c.LowresLevel > tile.MaxLevel {
		return errors.New("invalid lowres level").
			WithType(ErrTypeInit).
			WithTag("lowres_level", c.LowresLevel)
	}

	if c.LowresRange < 0 || math.IsNaN(c.LowresRange) {
		return errors.New("invalid lowres range").
			WithType(ErrTypeInit).
			WithTag("lowres_range", c.LowresRange)
	}

	if c.MaxQueuedPerWalk < 0 {
		return errors.New("invalid max queued tasks per walk").
			WithType(ErrTypeInit).
			WithTag("max_queued_per_walk", c.MaxQueuedPerWalk)
	}

	return nil
}
