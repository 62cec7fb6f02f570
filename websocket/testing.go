package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/tilestream/featureflag"
	"github.com/aukilabs/tilestream/tilemanager"
	"github.com/aukilabs/tilestream/tilesource"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

var testLogs struct {
	once   sync.Once
	mutex  sync.Mutex
	logger func(...any)
}

// Creates a testing environment to unit test viewer handlers. It returns a
// client connected to a server running the handlers returned by newHandler.
// Logs are written to the test log until the returned close func is called.
func NewTestingEnv(t *testing.T, newHandler func() Handler) (*websocket.Conn, func()) {
	testLogs.once.Do(func() {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
		errors.Encoder = json.Marshal

		logs.SetLogger(func(e logs.Entry) {
			testLogs.mutex.Lock()
			defer testLogs.mutex.Unlock()

			if testLogs.logger != nil {
				testLogs.logger(e)
			}
		})
	})

	testLogs.mutex.Lock()
	testLogs.logger = t.Log
	testLogs.mutex.Unlock()

	client, close := newTestingEnv(t, newHandler)
	return client, func() {
		close()

		testLogs.mutex.Lock()
		testLogs.logger = nil
		testLogs.mutex.Unlock()
	}
}

func newTestingEnv(t *testing.T, newHandler func() Handler) (*websocket.Conn, func()) {
	handled := make(chan struct{})

	server := httptest.NewServer(websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer close(handled)
			defer conn.Close()

			handler := newHandler()
			defer handler.Close()

			Handle(context.Background(), conn, handler)
		},
	})

	config, err := websocket.NewConfig(
		strings.ReplaceAll(server.URL, "http://", "ws://"),
		"http://localhost",
	)
	if err != nil {
		t.Fatalf("error initializing web socket: %s", err)
	}

	config.Header.Set("User-Agent", "ted")
	config.Header.Set(HeaderClientID, uuid.NewString())

	client, err := websocket.DialConfig(config)
	if err != nil {
		t.Fatalf("error dialing web socket: %s", err)
	}

	return client, func() {
		client.Close()

		// The server handler logs until it returns.
		select {
		case <-handled:
		case <-time.After(time.Second * 5):
			t.Error("server handler did not return")
		}

		server.Close()
	}
}

// testManagerConfig returns a small tile manager configuration.
func testManagerConfig() tilemanager.Config {
	return tilemanager.Config{
		HiresLevel:       4,
		HiresRange:       1000000,
		MaxQueuedPerWalk: 1000,
	}
}

func newTestHandler(flags ...string) func() Handler {
	return func() Handler {
		var h Handler = &ViewerHandler{
			ClientIdleTimeout:   time.Minute,
			ClientFrameDuration: time.Millisecond * 10,
			CollectEvery:        1,
			Manager:             testManagerConfig(),
			Factory:             tilesource.Synthetic{GridSize: 2},
			FeatureFlags:        featureflag.New(flags),
		}

		h = HandlerWithLogs(h, time.Millisecond*100)
		h = HandlerWithMetrics(h, "https://tilestream-test.com")
		return h
	}
}
