package tilemanager

import (
	"github.com/aukilabs/tilestream/geo"
	"github.com/aukilabs/tilestream/tile"
)

// loadWalk is the traversal that stamps wanted nodes with the current
// generation and requests the tiles missing at the hires level.
type loadWalk struct {
	level      int32
	generation uint64
	loading    tile.ID

	// Reports whether a node with the given bounds is wanted, and its priority
	// distance when it is.
	wanted func(bounds geo.BBox) (float64, bool)

	// Called for each wanted tile that is neither loaded nor loading.
	request func(task tile.Task, distance float64)

	created   int
	requested int
}

func localityWanted(viewer geo.Vector3, rangeMeters float64) func(geo.BBox) (float64, bool) {
	ground := viewer.Flattened()
	rangeSquare := rangeMeters * rangeMeters

	return func(bounds geo.BBox) (float64, bool) {
		distance := bounds.ApproxDistanceSquare(ground)
		return distance, distance <= rangeSquare
	}
}

func areaWanted(area geo.BBox) func(geo.BBox) (float64, bool) {
	center := area.Center().Flattened()

	return func(bounds geo.BBox) (float64, bool) {
		if !bounds.Intersects(area) {
			return 0, false
		}
		return bounds.ApproxDistanceSquare(center), true
	}
}

func (w *loadWalk) visit(pnode **quadNode, level, x, y int32) {
	node := *pnode

	var distance float64
	if node == nil {
		bounds := geo.ForTile(level, x, y)

		var ok bool
		if distance, ok = w.wanted(bounds); !ok {
			return
		}

		node = newQuadNode(bounds, w.generation)
		*pnode = node
		w.created++
	} else {
		var ok bool
		if distance, ok = w.wanted(node.bounds); !ok {
			return
		}
	}

	node.generation = w.generation

	if level == w.level {
		if node.tile != nil {
			return
		}

		id := tile.NewID(level, x, y)
		if id == w.loading {
			return
		}

		w.requested++
		w.request(tile.Task{ID: id, Bounds: node.bounds}, distance)
		return
	}

	w.visit(&node.children[0], level+1, x*2, y*2)
	w.visit(&node.children[1], level+1, x*2+1, y*2)
	w.visit(&node.children[2], level+1, x*2, y*2+1)
	w.visit(&node.children[3], level+1, x*2+1, y*2+1)
}

// renderWalk draws the tiles of the nodes stamped with the given generation.
type renderWalk struct {
	generation uint64
	projection geo.Projection
	viewer     geo.Vector3
	ground     geo.Vector3
	rendered   int
}

func (w *renderWalk) visit(node *quadNode, level, x, y int32) {
	if node == nil || node.generation != w.generation {
		return
	}

	w.visit(node.children[0], level+1, x*2, y*2)
	w.visit(node.children[1], level+1, x*2+1, y*2)
	w.visit(node.children[2], level+1, x*2, y*2+1)
	w.visit(node.children[3], level+1, x*2+1, y*2+1)

	if node.tile == nil {
		return
	}

	// The viewer stands at the origin: the tile is placed relatively to the
	// ground point below the viewer, then lifted by the viewer altitude.
	reference := node.tile.Reference()
	offset := geo.Add(
		w.projection.Project(reference, w.ground),
		w.projection.Project(w.ground, w.viewer),
	)

	node.tile.Render(tile.Placement{
		ID:          tile.NewID(level, x, y),
		Offset:      offset,
		Orientation: w.projection.Orientation(reference, w.ground),
	})
	w.rendered++
}
