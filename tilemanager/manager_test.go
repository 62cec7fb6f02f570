package tilemanager

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/geo"
	"github.com/aukilabs/tilestream/tile"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, conf Config, f tile.Factory) *Manager {
	m, err := New(conf, f)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func queuedIDs(m *Manager) []tile.ID {
	m.queue.mutex.Lock()
	defer m.queue.mutex.Unlock()

	var ids []tile.ID
	for _, task := range m.queue.tasksLocked() {
		ids = append(ids, task.ID)
	}
	return ids
}

func TestNew(t *testing.T) {
	t.Run("default config is valid", func(t *testing.T) {
		m, err := New(DefaultConfig(), &testFactory{})
		require.NoError(t, err)
		defer m.Close()

		require.NotEmpty(t, m.ID())
		require.Equal(t, Stats{Nodes: 1, Loading: tile.NoID}, m.Stats())
	})

	t.Run("missing fields are defaulted", func(t *testing.T) {
		m, err := New(Config{HiresLevel: 5, HiresRange: 100}, &testFactory{})
		require.NoError(t, err)
		defer m.Close()

		require.Equal(t, DefaultMaxQueuedPerWalk, m.config.MaxQueuedPerWalk)
		require.Equal(t, geo.LocalProjection{}, m.config.Projection)
	})

	t.Run("invalid config is an init error", func(t *testing.T) {
		configs := []Config{
			{HiresLevel: -1, HiresRange: 100},
			{HiresLevel: tile.MaxLevel + 1, HiresRange: 100},
			{HiresLevel: 5, HiresRange: 0},
			{HiresLevel: 5, HiresRange: 100, LowresLevel: 99},
			{HiresLevel: 5, HiresRange: 100, LowresRange: -1},
			{HiresLevel: 5, HiresRange: 100, MaxQueuedPerWalk: -1},
		}

		for _, c := range configs {
			_, err := New(c, &testFactory{})
			require.Error(t, err)
			require.True(t, errors.IsType(err, ErrTypeInit))
		}
	})

	t.Run("nil factory is an init error", func(t *testing.T) {
		_, err := New(DefaultConfig(), nil)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeInit))
	})
}

func TestManagerLifecycle(t *testing.T) {
	t.Run("starting twice fails", func(t *testing.T) {
		m := newTestManager(t, testConfig(), &testFactory{})

		require.NoError(t, m.Start())
		err := m.Start()
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeInit))
	})

	t.Run("starting after close fails", func(t *testing.T) {
		m := newTestManager(t, testConfig(), &testFactory{})
		m.Close()

		err := m.Start()
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeInit))
	})

	t.Run("close is idempotent", func(t *testing.T) {
		m := newTestManager(t, testConfig(), &testFactory{})
		require.NoError(t, m.Start())

		m.Close()
		m.Close()
	})

	t.Run("operations after close do nothing", func(t *testing.T) {
		m := newTestManager(t, testConfig(), &testFactory{})
		m.Close()

		err := m.LoadLocality(context.Background(), paris, 0)
		require.True(t, errors.IsType(err, ErrTypeClosed))

		err = m.LoadLocality(context.Background(), paris, Sync)
		require.True(t, errors.IsType(err, ErrTypeClosed))

		require.Zero(t, m.Render(paris))
		require.Zero(t, m.GarbageCollect())
		require.Zero(t, m.Stats().Nodes)
	})
}

func TestManagerLoadLocality(t *testing.T) {
	conf := testConfig()
	want := wantedIDs(paris, conf.HiresLevel, conf.HiresRange)
	require.NotEmpty(t, want)

	t.Run("missing tiles in range are queued", func(t *testing.T) {
		m := newTestManager(t, conf, &testFactory{})

		require.NoError(t, m.LoadLocality(context.Background(), paris, 0))
		require.ElementsMatch(t, want, queuedIDs(m))
	})

	t.Run("closest queued tile is loaded first", func(t *testing.T) {
		m := newTestManager(t, conf, &testFactory{})
		require.NoError(t, m.LoadLocality(context.Background(), paris, 0))

		ids := queuedIDs(m)
		require.NotEmpty(t, ids)

		first := ids[0].Bounds().ApproxDistanceSquare(paris)
		for _, id := range ids[1:] {
			require.LessOrEqual(t, first, id.Bounds().ApproxDistanceSquare(paris))
		}
	})

	t.Run("tile being loaded is not queued again", func(t *testing.T) {
		m := newTestManager(t, conf, &testFactory{})

		m.queue.mutex.Lock()
		m.queue.loading = want[0]
		m.queue.mutex.Unlock()

		require.NoError(t, m.LoadLocality(context.Background(), paris, 0))

		ids := queuedIDs(m)
		require.NotContains(t, ids, want[0])
		require.Len(t, ids, len(want)-1)
	})

	t.Run("sync does not load the tile being loaded", func(t *testing.T) {
		f := &testFactory{}
		m := newTestManager(t, conf, f)

		m.queue.mutex.Lock()
		m.queue.loading = want[0]
		m.queue.mutex.Unlock()

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		require.NotContains(t, f.spawnedIDs(), want[0])
		require.Len(t, f.spawnedIDs(), len(want)-1)
	})

	t.Run("reloading a locality replaces the pending tasks", func(t *testing.T) {
		m := newTestManager(t, conf, &testFactory{})

		require.NoError(t, m.LoadLocality(context.Background(), paris, 0))
		require.NoError(t, m.LoadLocality(context.Background(), sanFrancisco, 0))
		require.ElementsMatch(t, wantedIDs(sanFrancisco, conf.HiresLevel, conf.HiresRange), queuedIDs(m))
	})

	t.Run("sync loads the wanted set", func(t *testing.T) {
		f := &testFactory{}
		m := newTestManager(t, conf, f)

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		require.ElementsMatch(t, want, f.spawnedIDs())
		require.Zero(t, m.Stats().Queued)
		require.Equal(t, len(want), m.Stats().Tiles)

		for _, id := range want {
			node := m.root.lookup(id.Level, id.X, id.Y)
			require.NotNil(t, node)
			require.NotNil(t, node.tile)
		}
	})

	t.Run("sync does not reload resident tiles", func(t *testing.T) {
		f := &testFactory{}
		m := newTestManager(t, conf, f)

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		require.Len(t, f.spawnedIDs(), len(want))

		require.NoError(t, m.LoadLocality(context.Background(), paris, 0))
		require.Empty(t, queuedIDs(m))
	})

	t.Run("sync loads nearest first within the walk limit", func(t *testing.T) {
		c := conf
		c.MaxQueuedPerWalk = 1

		f := &testFactory{}
		m := newTestManager(t, c, f)

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))

		ids := f.spawnedIDs()
		require.Len(t, ids, 1)
		for _, id := range want {
			require.LessOrEqual(t,
				ids[0].Bounds().ApproxDistanceSquare(paris),
				id.Bounds().ApproxDistanceSquare(paris),
			)
		}
	})

	t.Run("sync stops when the context is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		f := &testFactory{
			block: func(context.Context, tile.ID) error {
				cancel()
				return nil
			},
		}
		m := newTestManager(t, conf, f)

		err := m.LoadLocality(ctx, paris, Sync)
		require.ErrorIs(t, err, context.Canceled)
		require.Len(t, f.spawnedIDs(), 1)
	})

	t.Run("factory errors leave the tile to a later walk", func(t *testing.T) {
		failing := true
		f := &testFactory{
			block: func(context.Context, tile.ID) error {
				if failing {
					return errors.New("no data").WithType("test_error")
				}
				return nil
			},
		}
		m := newTestManager(t, conf, f)

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		require.Zero(t, m.Stats().Tiles)

		failing = false
		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		require.Equal(t, len(want), m.Stats().Tiles)
	})

	t.Run("nil tiles are ignored", func(t *testing.T) {
		m := newTestManager(t, conf, tile.FactoryFunc(func(context.Context, tile.ID, geo.BBox) (tile.Tile, error) {
			return nil, nil
		}))

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		require.Zero(t, m.Stats().Tiles)
		require.Zero(t, m.Render(paris))
	})
}

func TestManagerLoadArea(t *testing.T) {
	conf := testConfig()

	area := geo.BBox{
		Min: geo.NewVector3(-10, 35, 0),
		Max: geo.NewVector3(20, 60, 0),
	}

	var want []tile.ID
	size := int32(1) << conf.HiresLevel
	for y := int32(0); y < size; y++ {
		for x := int32(0); x < size; x++ {
			if geo.ForTile(conf.HiresLevel, x, y).Intersects(area) {
				want = append(want, tile.NewID(conf.HiresLevel, x, y))
			}
		}
	}
	require.NotEmpty(t, want)

	t.Run("tiles intersecting the area are queued", func(t *testing.T) {
		m := newTestManager(t, conf, &testFactory{})

		require.NoError(t, m.LoadArea(context.Background(), area, 0))
		require.ElementsMatch(t, want, queuedIDs(m))
	})

	t.Run("area tiles are queued behind pending tasks", func(t *testing.T) {
		m := newTestManager(t, conf, &testFactory{})

		require.NoError(t, m.LoadLocality(context.Background(), sanFrancisco, 0))
		pending := queuedIDs(m)
		require.NotEmpty(t, pending)

		require.NoError(t, m.LoadArea(context.Background(), area, 0))
		ids := queuedIDs(m)
		require.Equal(t, pending, ids[:len(pending)])
		require.ElementsMatch(t, want, ids[len(pending):])
	})

	t.Run("sync loads the area", func(t *testing.T) {
		f := &testFactory{}
		m := newTestManager(t, conf, f)

		require.NoError(t, m.LoadArea(context.Background(), area, Sync))
		require.ElementsMatch(t, want, f.spawnedIDs())
		require.Equal(t, len(want), m.Render(geo.NewVector3(5, 45, 0)))
	})

	t.Run("empty area is rejected", func(t *testing.T) {
		m := newTestManager(t, conf, &testFactory{})

		err := m.LoadArea(context.Background(), geo.BBox{
			Min: geo.NewVector3(1, 1, 0),
			Max: geo.NewVector3(0, 0, 0),
		}, 0)
		require.Error(t, err)
	})
}

func TestManagerRender(t *testing.T) {
	conf := testConfig()

	t.Run("loaded tiles are rendered relatively to the viewer", func(t *testing.T) {
		f := &testFactory{}
		m := newTestManager(t, conf, f)

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))

		viewer := geo.NewVector3(paris.X, paris.Y, 120)
		require.Equal(t, len(f.spawnedIDs()), m.Render(viewer))

		for _, id := range f.spawnedIDs() {
			tl := f.tilesOf(id)[0]
			require.Len(t, tl.placements, 1)

			p := tl.placements[0]
			require.Equal(t, id, p.ID)

			expected := geo.LocalProjection{}.Project(tl.Reference(), viewer.Flattened())
			expected.Z = -120
			require.True(t, expected.EqualWithEpsilon(p.Offset, 1e-6))
			require.Equal(t, geo.IdentityOrientation, p.Orientation)
		}
	})

	t.Run("tiles are oriented by the projection", func(t *testing.T) {
		conf := testConfig()
		conf.Projection = geo.SphericalProjection{}

		f := &testFactory{}
		m := newTestManager(t, conf, f)

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		require.NotZero(t, m.Render(paris))

		var tilted int
		for _, id := range f.spawnedIDs() {
			tl := f.tilesOf(id)[0]
			require.Len(t, tl.placements, 1)

			p := tl.placements[0]
			expected := geo.SphericalProjection{}.Orientation(tl.Reference(), paris.Flattened())
			require.Equal(t, expected, p.Orientation)

			if !p.Orientation.Up.EqualWithEpsilon(geo.IdentityOrientation.Up, 1e-9) {
				tilted++
			}
		}
		require.NotZero(t, tilted)
	})

	t.Run("only the last wanted set is rendered", func(t *testing.T) {
		f := &testFactory{}
		m := newTestManager(t, conf, f)

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		require.Equal(t, 0, m.GarbageCollect())

		require.NoError(t, m.LoadLocality(context.Background(), sanFrancisco, 0))
		require.Zero(t, m.Render(paris))
	})

	t.Run("empty tree renders nothing", func(t *testing.T) {
		m := newTestManager(t, conf, &testFactory{})
		require.Zero(t, m.Render(paris))
	})
}

func TestManagerGarbageCollect(t *testing.T) {
	conf := testConfig()

	t.Run("wanted tiles are kept", func(t *testing.T) {
		f := &testFactory{}
		m := newTestManager(t, conf, f)

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		before := m.Stats()

		require.Zero(t, m.GarbageCollect())
		after := m.Stats()
		require.Equal(t, before.Nodes, after.Nodes)
		require.Equal(t, before.Tiles, after.Tiles)
		require.Equal(t, before.Generation+1, after.Generation)
		require.Zero(t, f.released.Load())
	})

	t.Run("unwanted tiles are released", func(t *testing.T) {
		f := &testFactory{}
		m := newTestManager(t, conf, f)

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		m.GarbageCollect()
		parisTiles := m.Stats().Tiles

		require.NoError(t, m.LoadLocality(context.Background(), sanFrancisco, Sync))
		require.NotZero(t, m.GarbageCollect())

		for _, id := range wantedIDs(paris, conf.HiresLevel, conf.HiresRange) {
			require.Nil(t, m.root.lookup(id.Level, id.X, id.Y))
			require.True(t, f.tilesOf(id)[0].isReleased())
		}
		require.Equal(t, int64(parisTiles), f.released.Load())
	})

	t.Run("collecting twice without a walk does nothing", func(t *testing.T) {
		m := newTestManager(t, conf, &testFactory{})

		require.NoError(t, m.LoadLocality(context.Background(), paris, Sync))
		m.GarbageCollect()
		require.NoError(t, m.LoadLocality(context.Background(), sanFrancisco, Sync))
		require.NotZero(t, m.GarbageCollect())

		before := m.Stats()
		require.Zero(t, m.GarbageCollect())
		after := m.Stats()
		require.Equal(t, before.Nodes, after.Nodes)
		require.Equal(t, before.Tiles, after.Tiles)
	})

	t.Run("tile loaded after its node was collected is discarded", func(t *testing.T) {
		loading := make(chan tile.ID, 1)
		unblock := make(chan struct{})

		first := true
		f := &testFactory{
			block: func(ctx context.Context, id tile.ID) error {
				if !first {
					return nil
				}
				first = false

				loading <- id
				<-unblock
				return nil
			},
		}

		m := newTestManager(t, conf, f)
		require.NoError(t, m.Start())
		require.NoError(t, m.LoadLocality(context.Background(), paris, 0))

		var id tile.ID
		select {
		case id = <-loading:
		case <-time.After(time.Second):
			t.Fatal("no tile loading")
		}
		require.Equal(t, id, m.Stats().Loading)
		m.GarbageCollect()

		require.NoError(t, m.LoadLocality(context.Background(), sanFrancisco, 0))
		require.NotZero(t, m.GarbageCollect())
		require.Nil(t, m.root.lookup(id.Level, id.X, id.Y))

		close(unblock)

		require.Eventually(t, func() bool {
			tiles := f.tilesOf(id)
			return len(tiles) == 1 && tiles[0].isReleased()
		}, time.Second, time.Millisecond*10)
	})
}

func TestManagerConcurrency(t *testing.T) {
	t.Run("frames run while the loader places tiles", func(t *testing.T) {
		f := &testFactory{
			block: func(ctx context.Context, id tile.ID) error {
				time.Sleep(100 * time.Microsecond)
				return nil
			},
		}

		m, err := New(testConfig(), f)
		require.NoError(t, err)
		require.NoError(t, m.Start())

		for i := 0; i < 300; i++ {
			viewer := geo.NewVector3(-120+float64(i), 45, 0)

			require.NoError(t, m.LoadLocality(context.Background(), viewer, 0))
			m.Render(viewer)

			if i%10 == 0 {
				m.GarbageCollect()
			}

			if i%50 == 0 {
				m.Stats()
			}

			// Gives the loader a chance to run between frames on a single
			// CPU, as a frame tick would.
			runtime.Gosched()
		}

		require.Eventually(t, func() bool {
			return f.spawned.Load() > 0
		}, time.Second*5, time.Millisecond*10)

		m.Close()
		require.NotZero(t, f.spawned.Load())
		require.Equal(t, f.spawned.Load(), f.released.Load())
	})
}

func TestManagerClose(t *testing.T) {
	t.Run("close cancels a blocked load", func(t *testing.T) {
		loading := make(chan struct{}, 1)
		f := &testFactory{
			block: func(ctx context.Context, id tile.ID) error {
				loading <- struct{}{}
				<-ctx.Done()
				return ctx.Err()
			},
		}

		m, err := New(testConfig(), f)
		require.NoError(t, err)
		require.NoError(t, m.Start())
		require.NoError(t, m.LoadLocality(context.Background(), paris, 0))
		<-loading

		closed := make(chan struct{})
		go func() {
			m.Close()
			close(closed)
		}()

		select {
		case <-closed:
		case <-time.After(time.Second):
			t.Fatal("close did not return")
		}
		require.Zero(t, f.spawned.Load())
	})

	t.Run("close waits for the loader before releasing tiles", func(t *testing.T) {
		loading := make(chan struct{}, 1)
		unblock := make(chan struct{})

		first := true
		f := &testFactory{
			block: func(ctx context.Context, id tile.ID) error {
				if !first {
					return nil
				}
				first = false

				loading <- struct{}{}
				<-unblock
				return nil
			},
		}

		m, err := New(testConfig(), f)
		require.NoError(t, err)
		require.NoError(t, m.Start())
		require.NoError(t, m.LoadLocality(context.Background(), paris, 0))
		<-loading

		closed := make(chan struct{})
		go func() {
			m.Close()
			close(closed)
		}()

		select {
		case <-closed:
			t.Fatal("close returned while a tile was loading")
		case <-time.After(50 * time.Millisecond):
		}

		close(unblock)

		select {
		case <-closed:
		case <-time.After(time.Second):
			t.Fatal("close did not return")
		}
		require.Equal(t, int64(1), f.spawned.Load())
		require.Equal(t, int64(1), f.released.Load())
	})
}
