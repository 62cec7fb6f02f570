package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/tilestream/featureflag"
	tshttp "github.com/aukilabs/tilestream/http"
	"github.com/aukilabs/tilestream/smoketest"
	"github.com/aukilabs/tilestream/tile"
	"github.com/aukilabs/tilestream/tilemanager"
	"github.com/aukilabs/tilestream/tilesource"
	tswebsocket "github.com/aukilabs/tilestream/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

var (
	// The Tilestream version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "tilestream_info",
		Help:        "Tilestream information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// Keeps the config keys readable when the binary is obfuscated.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string        `cli:""        env:"TILESTREAM_ADDR"                 help:"Listening address for viewer connections."`
	AdminAddr          string        `cli:""        env:"TILESTREAM_ADMIN_ADDR"           help:"Admin listening address."`
	PublicEndpoint     string        `cli:""        env:"TILESTREAM_PUBLIC_ENDPOINT"      help:"The public endpoint where this server is reachable."`
	LogLevel           string        `cli:""        env:"TILESTREAM_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	LogIndent          bool          `cli:""        env:"TILESTREAM_LOG_INDENT"           help:"Indent logs."`
	ClientIdleTimeout  time.Duration `cli:",hidden" env:"TILESTREAM_CLIENT_IDLE_TIMEOUT"  help:"Time until an idle viewer will be disconnected."`
	FrameDuration      time.Duration `cli:",hidden" env:"TILESTREAM_FRAME_DURATION"       help:"The duration of a viewer frame."`
	CollectEvery       int           `cli:",hidden" env:"TILESTREAM_COLLECT_EVERY"        help:"The number of frames between each tile garbage collection."`
	LogSummaryInterval time.Duration `cli:",hidden" env:"TILESTREAM_LOG_SUMMARY_INTERVAL" help:"The duration between each log summary by connection."`
	Tiles              tilesConfig   `cli:""        env:"-"                               help:"Tile configuration."`
	Events             eventsConfig  `cli:",hidden" env:"-"                               help:"Event pusher configuration."`
	FeatureFlags       []string      `cli:",hidden" env:"TILESTREAM_FEATURE_FLAGS"        help:"Comma separated feature flags."`
	Version            bool          `cli:""        env:"-"                               help:"Show version."`
	Help               bool          `cli:""        env:"-"                               help:"Show help."`
}

type tilesConfig struct {
	URL              string        `cli:""        env:"TILESTREAM_TILES_URL"                 help:"Tile server URL template with {z}, {x} and {y} placeholders. Synthetic tiles are streamed when empty."`
	Latency          time.Duration `cli:",hidden" env:"TILESTREAM_TILES_LATENCY"             help:"Simulated loading time of synthetic tiles."`
	HiresLevel       int32         `cli:""        env:"TILESTREAM_TILES_HIRES_LEVEL"         help:"The level of the streamed tiles."`
	HiresRange       float64       `cli:""        env:"TILESTREAM_TILES_HIRES_RANGE"         help:"The distance in meters within which tiles are streamed."`
	LowresLevel      int32         `cli:",hidden" env:"TILESTREAM_TILES_LOWRES_LEVEL"        help:"The level of the coarse tiles."`
	LowresRange      float64       `cli:",hidden" env:"TILESTREAM_TILES_LOWRES_RANGE"        help:"The distance in meters within which coarse tiles are streamed."`
	MaxQueuedPerWalk int           `cli:",hidden" env:"TILESTREAM_TILES_MAX_QUEUED_PER_WALK" help:"The maximum number of tiles queued by a single walk."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"TILESTREAM_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"TILESTREAM_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"TILESTREAM_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"TILESTREAM_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func defaultConfig() config {
	manager := tilemanager.DefaultConfig()

	return config{
		Addr:               ":4100",
		AdminAddr:          ":18191",
		PublicEndpoint:     "http://localhost:4100",
		LogLevel:           logs.InfoLevel.String(),
		ClientIdleTimeout:  time.Minute * 5,
		FrameDuration:      time.Millisecond * 100,
		CollectEvery:       10,
		LogSummaryInterval: time.Minute,
		Tiles: tilesConfig{
			Latency:          time.Millisecond * 20,
			HiresLevel:       manager.HiresLevel,
			HiresRange:       manager.HiresRange,
			LowresLevel:      manager.LowresLevel,
			LowresRange:      manager.LowresRange,
			MaxQueuedPerWalk: manager.MaxQueuedPerWalk,
		},
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}
}

func main() {
	conf := defaultConfig()

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts Tilestream server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := validateConfig(conf); err != nil {
		logs.Fatal(err)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	transport := metrics.HTTPTransport(http.DefaultTransport)

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     transport,
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "tilestream",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	factory := newTileFactory(conf, transport)
	managerConfig := newManagerConfig(conf)
	featureFlags := featureflag.New(conf.FeatureFlags)

	var viewers atomic.Int64
	readinessCheck := func() bool {
		return ctx.Err() == nil
	}

	var service http.ServeMux
	service.Handle("/health", tshttp.HandleWithCORS(http.HandlerFunc(tshttp.HandleHealthCheck)))
	service.Handle("/version", tshttp.HandleWithCORS(tshttp.HandleVersion(version)))
	service.Handle("/ready", tshttp.HandleWithCORS(tshttp.HandleReadyCheck(readinessCheck)))
	service.Handle("/stats", tshttp.HandleWithCORS(tshttp.HandleJSON(func() any {
		return map[string]any{
			"version":       version,
			"viewers":       viewers.Load(),
			"feature_flags": featureFlags.List(),
		}
	})))

	service.Handle("/viewer", tshttp.HandleWithCORS(websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			viewers.Add(1)
			defer viewers.Add(-1)

			var h tswebsocket.Handler = &tswebsocket.ViewerHandler{
				ClientIdleTimeout:   conf.ClientIdleTimeout,
				ClientFrameDuration: conf.FrameDuration,
				CollectEvery:        conf.CollectEvery,
				Manager:             managerConfig,
				Factory:             factory,
				FeatureFlags:        featureFlags,
			}
			h = tswebsocket.HandlerWithLogs(h, conf.LogSummaryInterval)
			h = tswebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
			defer h.Close()

			tswebsocket.Handle(ctx, conn, h)
		},
	}))

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", tshttp.HandleHealthCheck)
	admin.HandleFunc("/ready", tshttp.HandleReadyCheck(readinessCheck))
	admin.HandleFunc("/smoke-test", smoketest.HandleSmokeTest(ctx, smoketest.Options{
		Endpoint:  conf.PublicEndpoint,
		UserAgent: fmt.Sprintf("Tilestream %s", version),
	}))
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("endpoint", conf.PublicEndpoint).
		WithTag("tiles_url", conf.Tiles.URL).
		WithTag("hires_level", managerConfig.HiresLevel).
		WithTag("hires_range", managerConfig.HiresRange).
		WithTag("feature_flags", featureFlags.List()).
		Info("starting tilestream server")

	err := tshttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			tshttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)
	if err != nil {
		logs.Fatal(err)
	}
}

func newManagerConfig(conf config) tilemanager.Config {
	c := tilemanager.DefaultConfig()
	c.HiresLevel = conf.Tiles.HiresLevel
	c.HiresRange = conf.Tiles.HiresRange
	c.LowresLevel = conf.Tiles.LowresLevel
	c.LowresRange = conf.Tiles.LowresRange
	c.MaxQueuedPerWalk = conf.Tiles.MaxQueuedPerWalk
	return c
}

func newTileFactory(conf config, transport http.RoundTripper) tile.Factory {
	if conf.Tiles.URL == "" {
		return tilesource.Synthetic{
			Latency: conf.Tiles.Latency,
		}
	}

	return &tilesource.HTTP{
		URLTemplate: conf.Tiles.URL,
		Client:      &http.Client{Transport: transport, Timeout: time.Second * 30},
		UserAgent:   fmt.Sprintf("Tilestream %s", version),
	}
}

func validateConfig(conf config) error {
	if _, err := url.ParseRequestURI(conf.PublicEndpoint); err != nil {
		return errors.New("invalid public endpoint").Wrap(err)
	}

	if conf.Tiles.URL != "" {
		u, err := url.ParseRequestURI(conf.Tiles.URL)
		if err != nil {
			return errors.New("invalid tiles url").Wrap(err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("invalid tiles url scheme").
				WithTag("scheme", u.Scheme)
		}
		for _, p := range []string{"{z}", "{x}", "{y}"} {
			if !strings.Contains(conf.Tiles.URL, p) {
				return errors.New("tiles url is missing a placeholder").
					WithTag("placeholder", p)
			}
		}
	}

	if conf.FrameDuration <= 0 {
		return errors.New("frame duration must be positive").
			WithTag("frame_duration", conf.FrameDuration)
	}

	if conf.CollectEvery < 0 {
		return errors.New("collect every must not be negative").
			WithTag("collect_every", conf.CollectEvery)
	}

	return newManagerConfig(conf).Validate()
}
