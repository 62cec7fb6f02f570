package http

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// ShutdownTimeout is the time given to servers to close their connections
// once they are stopped.
var ShutdownTimeout = time.Second * 10

// ListenAndServe binds the address of every server before serving any of
// them, so a busy port fails the whole set at startup.
func ListenAndServe(ctx context.Context, servers ...*http.Server) error {
	listeners := make([]net.Listener, 0, len(servers))

	for _, s := range servers {
		addr := s.Addr
		if addr == "" {
			addr = ":http"
		}

		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return errors.New("listening failed").
				WithTag("addr", s.Addr).
				Wrap(err)
		}
		listeners = append(listeners, l)
	}

	return Serve(ctx, servers, listeners)
}

// Serve runs each server on the listener at the same index until ctx is
// canceled or one of them fails. All the servers are shut down in both cases
// and the first failure is returned.
func Serve(ctx context.Context, servers []*http.Server, listeners []net.Listener) error {
	if len(servers) != len(listeners) {
		return errors.New("each server needs a listener").
			WithTag("servers", len(servers)).
			WithTag("listeners", len(listeners))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	failures := make(chan error, len(servers))
	var wg sync.WaitGroup

	for i, s := range servers {
		wg.Add(1)

		go func(s *http.Server, l net.Listener) {
			defer wg.Done()

			logs.WithTag("addr", l.Addr().String()).Info("starting server")

			err := s.Serve(l)
			if err == nil || errors.Is(err, http.ErrServerClosed) {
				logs.WithTag("addr", l.Addr().String()).Info("stopping server")
				return
			}

			failures <- errors.New("server stopped").
				WithTag("addr", l.Addr().String()).
				Wrap(err)
			cancel()
		}(s, listeners[i])
	}

	<-ctx.Done()
	shutdown(servers)

	wg.Wait()
	close(failures)
	return <-failures
}

func shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			logs.Warn(errors.New("shutting down the server failed").
				WithTag("addr", s.Addr).
				Wrap(err))
		}
	}
}

// MetricsPathFormatter drops the path of the requests that did not reach a
// handler, so scanners don't create a metric series per probed URL.
func MetricsPathFormatter(statusCode int, path string) string {
	switch statusCode {
	case http.StatusMovedPermanently,
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusMethodNotAllowed:
		return ""

	default:
		return path
	}
}
