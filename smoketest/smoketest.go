package smoketest

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/tilestream/geo"
	tswebsocket "github.com/aukilabs/tilestream/websocket"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"

	// DefaultTimeout is the time given to a viewer to receive its first tiles.
	DefaultTimeout = time.Second * 10
)

type Options struct {
	// The endpoint of the server running the smoke tests.
	Endpoint  string
	UserAgent string
}

// Request describes a smoke test run against a tile streaming server.
type Request struct {
	Endpoint string        `json:"endpoint"`
	Position geo.Vector3   `json:"position"`
	Timeout  time.Duration `json:"timeout"`
}

type Result struct {
	FromEndpoint    string  `json:"from_endpoint"`
	ToEndpoint      string  `json:"to_endpoint"`
	Status          string  `json:"status"`
	Frames          uint64  `json:"frames"`
	Tiles           int     `json:"tiles"`
	LatencyMilliSec float64 `json:"latency_ms"`
	Error           string  `json:"error,omitempty"`
}

// HandleSmokeTest runs a smoke test against the endpoint described in the
// request body and responds with its result.
func HandleSmokeTest(ctx context.Context, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var req Request
		if err := json.Unmarshal(b, &req); err != nil || req.Endpoint == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		res, err := Run(ctx, opts, req)
		if err != nil {
			logs.WithTag("from_endpoint", opts.Endpoint).
				WithTag("to_endpoint", req.Endpoint).
				Warn(err)
		}

		if b, err = json.Marshal(res); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}

// Run connects a viewer to the requested endpoint and waits for the first
// frame that carries tiles.
func Run(ctx context.Context, opts Options, req Request) (Result, error) {
	res := Result{
		FromEndpoint: opts.Endpoint,
		ToEndpoint:   req.Endpoint,
		Status:       StatusFailed,
	}

	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	err := run(ctx, opts, req, &res)
	if err != nil {
		res.Error = err.Error()
		return res, errors.New("smoke test failed").
			WithTag("endpoint", req.Endpoint).
			Wrap(err)
	}

	res.Status = StatusSuccess
	return res, nil
}

func run(ctx context.Context, opts Options, req Request, res *Result) error {
	location, err := viewerURL(req.Endpoint)
	if err != nil {
		return err
	}

	origin := opts.Endpoint
	if origin == "" {
		origin = "http://localhost"
	}

	config, err := websocket.NewConfig(location, origin)
	if err != nil {
		return errors.New("creating websocket config failed").Wrap(err)
	}
	if opts.UserAgent != "" {
		config.Header.Set("User-Agent", opts.UserAgent)
	}

	conn, err := config.DialContext(ctx)
	if err != nil {
		return errors.New("dialing viewer endpoint failed").
			WithTag("location", location).
			Wrap(err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	start := time.Now()
	if _, err = tswebsocket.Send(conn, tswebsocket.Msg{
		Type:     tswebsocket.MsgTypeViewer,
		Position: &req.Position,
	}); err != nil {
		return errors.New("sending viewer position failed").Wrap(err)
	}

	for {
		msg, _, err := tswebsocket.Receive(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return errors.New("receiving frame failed").Wrap(err)
		}

		switch msg.Type {
		case tswebsocket.MsgTypeError:
			return errors.New("viewer position rejected").
				WithTag("reason", msg.Error)

		case tswebsocket.MsgTypeFrame:
			res.Frames++
			if len(msg.Tiles) != 0 || msg.Resident != 0 {
				res.Tiles = msg.Resident
				res.LatencyMilliSec = float64(time.Since(start)) / float64(time.Millisecond)
				return nil
			}
		}
	}
}

func viewerURL(endpoint string) (string, error) {
	u, err := url.ParseRequestURI(endpoint)
	if err != nil {
		return "", errors.New("invalid endpoint").Wrap(err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"

	case "https", "wss":
		u.Scheme = "wss"

	default:
		return "", errors.New("unsupported endpoint scheme").
			WithTag("scheme", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/viewer"
	return u.String(), nil
}
