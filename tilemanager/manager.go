// Package tilemanager implements a streaming cache of geographic tiles.
//
// A Manager keeps a quadtree of the tiles around a viewer. Each frame, the
// consumer calls LoadLocality to mark the wanted part of the tree and queue
// the missing tiles, Render to draw what is loaded, and periodically
// GarbageCollect to drop what is no longer wanted. A single background loader
// builds queued tiles with the configured factory and places them in the
// tree.
//
// Public methods must not be called concurrently with each other.
package tilemanager

import (
	"context"
	"slices"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/tilestream/geo"
	"github.com/aukilabs/tilestream/tile"
	"github.com/google/uuid"
)

type Manager struct {
	id      string
	config  Config
	factory tile.Factory

	treeMutex  sync.RWMutex
	root       *quadNode
	generation uint64
	marked     uint64

	queue *loadQueue

	ctx    context.Context
	cancel context.CancelFunc

	lifecycleMutex sync.Mutex
	started        bool
	closed         bool
	done           chan struct{}
}

// New creates a tile manager. The loader is not running until Start is called.
func New(conf Config, factory tile.Factory) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("tile factory is nil").WithType(ErrTypeInit)
	}

	conf = conf.withDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		id:      uuid.NewString(),
		config:  conf,
		factory: factory,
		root:    newQuadNode(geo.ForTile(0, 0, 0), 0),
		queue:   newLoadQueue(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// ID returns the unique identifier used to tag the manager logs.
func (m *Manager) ID() string {
	return m.id
}

// Start launches the background loader.
func (m *Manager) Start() error {
	m.lifecycleMutex.Lock()
	defer m.lifecycleMutex.Unlock()

	if m.closed {
		return errors.New("tile manager is closed").
			WithType(ErrTypeInit).
			WithTag("manager_id", m.id)
	}

	if m.started {
		return errors.New("tile manager is already started").
			WithType(ErrTypeInit).
			WithTag("manager_id", m.id)
	}

	m.started = true
	go m.runLoader()
	return nil
}

// Close stops the loader and releases every tile. It waits for a load in
// progress to return before freeing the tree.
func (m *Manager) Close() {
	m.lifecycleMutex.Lock()
	defer m.lifecycleMutex.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	m.queue.close()
	m.cancel()

	if m.started {
		<-m.done
	}

	m.treeMutex.Lock()
	defer m.treeMutex.Unlock()

	nodes, tiles := m.root.release()
	m.root = nil
	instrumentEviction(nodes, tiles)

	logs.WithTag("manager_id", m.id).
		WithTag("nodes", nodes).
		WithTag("tiles", tiles).
		Debug("tile manager closed")
}

// LoadLocality marks the tiles within the hires range of the viewer as wanted.
//
// Pending tasks from previous calls are discarded and the missing tiles are
// queued by proximity for the background loader. With the Sync flag, the
// queue is left untouched and the missing tiles are loaded before returning,
// nearest first.
func (m *Manager) LoadLocality(ctx context.Context, viewer geo.Vector3, flags LoadFlags) error {
	wanted := localityWanted(viewer, m.config.HiresRange)

	if flags.Has(Sync) {
		return m.loadSync(ctx, wanted)
	}

	m.queue.mutex.Lock()
	defer m.queue.mutex.Unlock()

	if n := m.queue.clearLocked(); n != 0 {
		tileQueueCleared.Add(float64(n))
	}

	return m.enqueueLocked(wanted, &admission{
		limit: m.config.MaxQueuedPerWalk,
	})
}

// LoadArea marks the tiles intersecting the given area as wanted.
//
// Unlike LoadLocality, pending tasks are kept and the area tiles are queued
// behind them, so a preload never delays the tiles around the viewer. The
// Sync flag loads them before returning.
func (m *Manager) LoadArea(ctx context.Context, area geo.BBox, flags LoadFlags) error {
	if area.IsEmpty() {
		return errors.New("area is empty").
			WithTag("manager_id", m.id).
			WithTag("area", area)
	}

	wanted := areaWanted(area)

	if flags.Has(Sync) {
		return m.loadSync(ctx, wanted)
	}

	m.queue.mutex.Lock()
	defer m.queue.mutex.Unlock()

	return m.enqueueLocked(wanted, &admission{
		limit: m.config.MaxQueuedPerWalk,
	})
}

// enqueueLocked runs a wanted-set walk that feeds the load queue. The queue
// mutex must be held.
func (m *Manager) enqueueLocked(wanted func(geo.BBox) (float64, bool), a *admission) error {
	m.treeMutex.Lock()
	defer m.treeMutex.Unlock()

	if m.root == nil {
		return m.closedError()
	}

	walk := loadWalk{
		level:      m.config.HiresLevel,
		generation: m.generation,
		loading:    m.queue.loading,
		wanted:     wanted,
		request: func(task tile.Task, distance float64) {
			instrumentAdmission(m.queue.admitLocked(a, task, distance))
		},
	}
	walk.visit(&m.root, 0, 0, 0)
	m.marked = m.generation

	tileNodesCreated.Add(float64(walk.created))
	m.queue.signalLocked()
	return nil
}

type candidate struct {
	task     tile.Task
	distance float64
}

func (m *Manager) loadSync(ctx context.Context, wanted func(geo.BBox) (float64, bool)) error {
	loading := m.queue.Loading()

	var candidates []candidate

	m.treeMutex.Lock()
	if m.root == nil {
		m.treeMutex.Unlock()
		return m.closedError()
	}

	walk := loadWalk{
		level:      m.config.HiresLevel,
		generation: m.generation,
		loading:    loading,
		wanted:     wanted,
		request: func(task tile.Task, distance float64) {
			candidates = append(candidates, candidate{
				task:     task,
				distance: distance,
			})
		},
	}
	walk.visit(&m.root, 0, 0, 0)
	m.marked = m.generation
	m.treeMutex.Unlock()

	tileNodesCreated.Add(float64(walk.created))

	slices.SortStableFunc(candidates, func(a, b candidate) int {
		switch {
		case a.distance < b.distance:
			return -1
		case a.distance > b.distance:
			return 1
		default:
			return 0
		}
	})

	if limit := m.config.MaxQueuedPerWalk; len(candidates) > limit {
		for range candidates[limit:] {
			instrumentAdmission(positionDropped)
		}
		candidates = candidates[:limit]
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.load(ctx, c.task)
	}
	return ctx.Err()
}

// Render draws the loaded tiles of the last wanted set, deepest first, and
// returns how many were drawn.
func (m *Manager) Render(viewer geo.Vector3) int {
	m.treeMutex.RLock()
	defer m.treeMutex.RUnlock()

	if m.root == nil {
		return 0
	}

	walk := renderWalk{
		generation: m.marked,
		projection: m.config.Projection,
		viewer:     viewer,
		ground:     viewer.Flattened(),
	}
	walk.visit(m.root, 0, 0, 0)
	return walk.rendered
}

// GarbageCollect drops the nodes that were not marked by the last wanted set,
// releasing their tiles, and starts a new generation. It returns the number
// of dropped nodes.
//
// Tiles being loaded are not canceled: they are discarded when the loader
// fails to place them.
func (m *Manager) GarbageCollect() int {
	m.treeMutex.Lock()
	defer m.treeMutex.Unlock()

	if m.root == nil {
		return 0
	}

	nodes, tiles := m.root.collect(m.marked)
	m.generation++
	instrumentEviction(nodes, tiles)

	if nodes != 0 {
		logs.WithTag("manager_id", m.id).
			WithTag("generation", m.generation).
			WithTag("nodes", nodes).
			WithTag("tiles", tiles).
			Debug("tiles collected")
	}
	return nodes
}

// Stats is a snapshot of a manager state.
type Stats struct {
	Generation uint64  `json:"generation"`
	Nodes      int     `json:"nodes"`
	Tiles      int     `json:"tiles"`
	Queued     int     `json:"queued"`
	Loading    tile.ID `json:"loading"`
}

func (m *Manager) Stats() Stats {
	var s Stats

	m.queue.mutex.Lock()
	s.Queued = m.queue.lenLocked()
	s.Loading = m.queue.loading
	m.queue.mutex.Unlock()

	m.treeMutex.RLock()
	defer m.treeMutex.RUnlock()

	s.Generation = m.generation
	if m.root != nil {
		s.Nodes, s.Tiles = m.root.count()
	}
	return s
}

func (m *Manager) closedError() error {
	return errors.New("tile manager is closed").
		WithType(ErrTypeClosed).
		WithTag("manager_id", m.id)
}
