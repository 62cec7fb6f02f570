package tilemanager

import (
	"github.com/aukilabs/tilestream/geo"
	"github.com/aukilabs/tilestream/tile"
)

// quadNode is a node of the tile quadtree. It exclusively owns its children
// and its tile. Only nodes at the hires level hold a tile.
type quadNode struct {
	bounds     geo.BBox
	tile       tile.Tile
	children   [4]*quadNode
	generation uint64
}

func newQuadNode(bounds geo.BBox, generation uint64) *quadNode {
	return &quadNode{
		bounds:     bounds,
		generation: generation,
	}
}

// childIndex returns the child slot to descend into in order to reach the tile
// (x, y) when level levels remain below the current node.
func childIndex(level, x, y int32) int {
	mask := int32(1) << (level - 1)

	index := 0
	if y&mask != 0 {
		index |= 2
	}
	if x&mask != 0 {
		index |= 1
	}
	return index
}

type placement string

const (
	placed             placement = "placed"
	discardedCollected placement = "collected"
	discardedDuplicate placement = "duplicate"
)

// place attaches t to the node addressed by (level, x, y) relatively to n.
//
// The tile is released instead when the branch leading to its node was
// garbage collected while it was loading, or when the node already holds a
// tile. The first placed tile always wins.
func (n *quadNode) place(t tile.Tile, level, x, y int32) placement {
	node := n
	for ; level > 0; level-- {
		node = node.children[childIndex(level, x, y)]
		if node == nil {
			t.Release()
			return discardedCollected
		}
	}

	if node.tile != nil {
		t.Release()
		return discardedDuplicate
	}

	node.tile = t
	return placed
}

// lookup returns the node addressed by (level, x, y) relatively to n, or nil
// when it does not exist.
func (n *quadNode) lookup(level, x, y int32) *quadNode {
	node := n
	for ; level > 0 && node != nil; level-- {
		node = node.children[childIndex(level, x, y)]
	}
	return node
}

// release frees the node subtree and returns the number of nodes and tiles
// that were in it, n included.
func (n *quadNode) release() (nodes int, tiles int) {
	if n.tile != nil {
		n.tile.Release()
		n.tile = nil
		tiles++
	}
	nodes++

	for i, c := range n.children {
		if c == nil {
			continue
		}
		cn, ct := c.release()
		nodes += cn
		tiles += ct
		n.children[i] = nil
	}
	return nodes, tiles
}

// collect drops every descendant subtree whose root was not stamped with the
// given generation. Descendants of kept children are visited too.
func (n *quadNode) collect(generation uint64) (nodes int, tiles int) {
	for i, c := range n.children {
		if c == nil {
			continue
		}

		if c.generation != generation {
			cn, ct := c.release()
			nodes += cn
			tiles += ct
			n.children[i] = nil
			continue
		}

		cn, ct := c.collect(generation)
		nodes += cn
		tiles += ct
	}
	return nodes, tiles
}

// count returns the number of nodes and tiles in the subtree, n included.
func (n *quadNode) count() (nodes int, tiles int) {
	nodes = 1
	if n.tile != nil {
		tiles = 1
	}

	for _, c := range n.children {
		if c == nil {
			continue
		}
		cn, ct := c.count()
		nodes += cn
		tiles += ct
	}
	return nodes, tiles
}
