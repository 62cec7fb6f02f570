package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/featureflag"
	"github.com/aukilabs/tilestream/geo"
	"github.com/aukilabs/tilestream/tile"
	"github.com/aukilabs/tilestream/tilemanager"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// HeaderClientID is the request header a client can use to identify itself.
const HeaderClientID = "X-Tilestream-Client-Id"

// ViewerHandler streams the tiles around a viewer. Each connection owns its
// own tile manager.
type ViewerHandler struct {
	// The time a client is idle before being disconnected.
	ClientIdleTimeout time.Duration

	// The duration of a frame.
	ClientFrameDuration time.Duration

	// The number of frames between each garbage collection.
	CollectEvery int

	// The tile manager configuration.
	Manager tilemanager.Config

	// The factory that builds the streamed tiles.
	Factory tile.Factory

	FeatureFlags featureflag.FeatureFlag

	conn     *websocket.Conn
	clientID string
	manager  *tilemanager.Manager
	viewer   *geo.Vector3
	frame    uint64
	rendered []tile.Placement
}

func (h *ViewerHandler) HandleConnect(conn *websocket.Conn) error {
	h.conn = conn

	h.clientID = conn.Request().Header.Get(HeaderClientID)
	if h.clientID == "" {
		h.clientID = uuid.NewString()
	}

	manager, err := tilemanager.New(h.Manager, tile.FactoryFunc(h.spawnTile))
	if err != nil {
		return err
	}
	if err = manager.Start(); err != nil {
		manager.Close()
		return err
	}

	h.manager = manager
	return nil
}

// spawnTile wraps the tiles built by the factory in order to collect the
// placements of each rendered frame.
func (h *ViewerHandler) spawnTile(ctx context.Context, id tile.ID, bounds geo.BBox) (tile.Tile, error) {
	t, err := h.Factory.SpawnTile(ctx, id, bounds)
	if err != nil || t == nil {
		return t, err
	}

	return &recordedTile{
		Tile:    t,
		handler: h,
	}, nil
}

func (h *ViewerHandler) HandleViewer(ctx context.Context, respond ResponseSender, msg Msg) error {
	if msg.Position == nil {
		return errors.New("viewer message without position").
			WithType(ErrTypeBadMessage)
	}

	position := *msg.Position
	h.viewer = &position
	return nil
}

func (h *ViewerHandler) HandleArea(ctx context.Context, respond ResponseSender, msg Msg) error {
	if msg.Area == nil || msg.Area.IsEmpty() {
		return errors.New("area message without a valid area").
			WithType(ErrTypeBadMessage).
			WithTag("area", msg.Area)
	}

	var flags tilemanager.LoadFlags
	if msg.Sync {
		flags |= tilemanager.Sync
	}

	return h.manager.LoadArea(ctx, *msg.Area, flags)
}

func (h *ViewerHandler) HandleFrame(ctx context.Context, respond ResponseSender) error {
	if h.viewer == nil {
		return nil
	}
	viewer := *h.viewer
	h.frame++

	var flags tilemanager.LoadFlags
	h.FeatureFlags.IfSet(featureflag.FlagSyncLoad, func() {
		flags |= tilemanager.Sync
	})

	if err := h.manager.LoadLocality(ctx, viewer, flags); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("loading locality failed").
			WithTag("frame", h.frame).
			Wrap(err)
	}

	h.rendered = h.rendered[:0]
	h.manager.Render(viewer)

	if h.CollectEvery > 0 && h.frame%uint64(h.CollectEvery) == 0 {
		h.FeatureFlags.IfNotSet(featureflag.FlagDisableGarbageCollect, func() {
			h.manager.GarbageCollect()
		})
	}

	stats := h.manager.Stats()
	frame := Msg{
		Type:       MsgTypeFrame,
		Frame:      h.frame,
		Generation: stats.Generation,
		Queued:     stats.Queued,
		Resident:   stats.Tiles,
	}

	h.FeatureFlags.IfNotSet(featureflag.FlagDisableFrameTiles, func() {
		frame.Tiles = append([]tile.Placement(nil), h.rendered...)
	})

	respond.Send(frame)
	return nil
}

func (h *ViewerHandler) HandleDisconnect(_ error) {
}

func (h *ViewerHandler) Receiver() Receiver {
	return func() (Msg, int, error) {
		return Receive(h.conn)
	}
}

func (h *ViewerHandler) Sender() Sender {
	return func(msg Msg) (int, error) {
		return Send(h.conn, msg)
	}
}

func (h *ViewerHandler) Close() {
	if h.manager != nil {
		h.manager.Close()
	}
}

func (h *ViewerHandler) FrameDuration() time.Duration {
	return h.ClientFrameDuration
}

func (h *ViewerHandler) IdleTimeout() time.Duration {
	return h.ClientIdleTimeout
}

func (h *ViewerHandler) GetClientID() string {
	return h.clientID
}

// ManagerID returns the id of the connection tile manager.
func (h *ViewerHandler) ManagerID() string {
	if h.manager == nil {
		return ""
	}
	return h.manager.ID()
}

type recordedTile struct {
	tile.Tile

	handler *ViewerHandler
}

func (t *recordedTile) Render(p tile.Placement) {
	t.Tile.Render(p)
	t.handler.rendered = append(t.handler.rendered, p)
}
