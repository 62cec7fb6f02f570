package tilemanager

import (
	"context"
	"runtime"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/tilestream/tile"
)

// ErrTypeNoTile is the type of the error reported when a factory returns
// neither a tile nor an error.
const ErrTypeNoTile = "tile_manager_no_tile"

func (m *Manager) runLoader() {
	defer close(m.done)

	tileLoaders.Inc()
	defer tileLoaders.Dec()

	logs.WithTag("manager_id", m.id).Info("tile loader started")
	defer logs.WithTag("manager_id", m.id).Info("tile loader stopped")

	for {
		task, ok := m.queue.next()
		if !ok {
			return
		}

		m.load(m.ctx, task)

		// Lets a pending LoadLocality reorder the queue before the next task
		// is taken. This is a hint to the scheduler, not a guarantee.
		runtime.Gosched()

		m.queue.done()
	}
}

// load builds the tile of the given task and places it in the tree. It must be
// called without any lock held.
func (m *Manager) load(ctx context.Context, task tile.Task) {
	start := time.Now()

	t, err := m.factory.SpawnTile(ctx, task.ID, task.Bounds)
	if err == nil && t == nil {
		err = errors.New("tile factory returned no tile").WithType(ErrTypeNoTile)
	}
	instrumentLoad(start, err)

	if err != nil {
		if ctx.Err() != nil {
			logs.WithTag("manager_id", m.id).
				WithTag("tile_id", task.ID).
				Debug("tile load canceled")
			return
		}

		logs.Warn(errors.New("loading tile failed").
			WithTag("manager_id", m.id).
			WithTag("tile_id", task.ID).
			Wrap(err))
		return
	}

	m.treeMutex.Lock()
	defer m.treeMutex.Unlock()

	if m.root == nil {
		t.Release()
		instrumentPlacement(discardedCollected)
		return
	}

	p := m.root.place(t, task.ID.Level, task.ID.X, task.ID.Y)
	instrumentPlacement(p)

	if p != placed {
		logs.WithTag("manager_id", m.id).
			WithTag("tile_id", task.ID).
			WithTag("reason", p).
			Debug("loaded tile discarded")
	}
}
