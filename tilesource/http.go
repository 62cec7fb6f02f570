package tilesource

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/tilestream/geo"
	"github.com/aukilabs/tilestream/tile"
)

const (
	// DefaultMaxTileSize is the default maximum size of a downloaded tile.
	DefaultMaxTileSize = 16 << 20

	// ErrTypeTileNotFound is the type of the error returned when the tile
	// server has no data for a tile.
	ErrTypeTileNotFound = "tile_not_found"

	// ErrTypeTileFetch is the type of the error returned when a tile could
	// not be downloaded.
	ErrTypeTileFetch = "tile_fetch"
)

// HTTP is a tile factory that downloads raster tiles from a slippy map
// server.
type HTTP struct {
	// The tile URL, where {z}, {x} and {y} are replaced by the tile level and
	// coordinates. Example: https://tile.openstreetmap.org/{z}/{x}/{y}.png
	URLTemplate string

	// The client used to download tiles. A client that reports
	// prometheus metrics is used when nil.
	Client *http.Client

	// The user agent sent with each request.
	UserAgent string

	// The maximum size in bytes of a tile. DefaultMaxTileSize is used when 0.
	MaxSize int64

	once   sync.Once
	client *http.Client
}

func (s *HTTP) SpawnTile(ctx context.Context, id tile.ID, bounds geo.BBox) (tile.Tile, error) {
	s.once.Do(func() {
		s.client = s.Client
		if s.client == nil {
			s.client = &http.Client{
				Transport: metrics.HTTPTransport(http.DefaultTransport),
			}
		}
	})

	url := TileURL(s.URLTemplate, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.New("creating tile request failed").
			WithType(ErrTypeTileFetch).
			WithTag("url", url).
			Wrap(err)
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, errors.New("fetching tile failed").
			WithType(ErrTypeTileFetch).
			WithTag("url", url).
			Wrap(err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:

	case http.StatusNotFound, http.StatusNoContent:
		return nil, errors.New("tile not found").
			WithType(ErrTypeTileNotFound).
			WithTag("url", url)

	default:
		return nil, errors.New("fetching tile failed").
			WithType(ErrTypeTileFetch).
			WithTag("url", url).
			WithTag("status_code", res.StatusCode)
	}

	maxSize := s.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxTileSize
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxSize+1))
	if err != nil {
		return nil, errors.New("reading tile failed").
			WithType(ErrTypeTileFetch).
			WithTag("url", url).
			Wrap(err)
	}
	if int64(len(data)) > maxSize {
		return nil, errors.New("tile is too large").
			WithType(ErrTypeTileFetch).
			WithTag("url", url).
			WithTag("max_size", maxSize)
	}

	return &RasterTile{
		ID:          id,
		Bounds:      bounds,
		ContentType: res.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// TileURL fills the {z}, {x} and {y} placeholders of a tile URL template.
func TileURL(template string, id tile.ID) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(int(id.Level)),
		"{x}", strconv.Itoa(int(id.X)),
		"{y}", strconv.Itoa(int(id.Y)),
	).Replace(template)
}

// RasterTile is a tile holding the encoded image served by a tile server.
type RasterTile struct {
	ID          tile.ID
	Bounds      geo.BBox
	ContentType string
	Data        []byte

	renderer
}

// Reference returns the north-west corner of the tile, where raster images
// start.
func (t *RasterTile) Reference() geo.Vector3 {
	return geo.NewVector3(t.Bounds.Min.X, t.Bounds.Max.Y, 0)
}

func (t *RasterTile) Release() {
	t.Data = nil
}
