package tilemanager

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	errTypeLabel  = "error_type"
	positionLabel = "position"
	reasonLabel   = "reason"
)

var (
	tileLoaders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tile_manager_loaders",
		Help: "The number of running tile loaders.",
	})

	tileQueueAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_manager_queue_admissions",
		Help: "The number of tile load requests by queue position.",
	}, []string{
		positionLabel,
	})

	tileQueueCleared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_manager_queue_cleared",
		Help: "The number of pending tasks discarded when a locality is reloaded.",
	})

	tileLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_manager_loads",
		Help: "The number of tiles built by the tile factory.",
	})

	tileLoadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_manager_load_errors",
		Help: "The errors that occured while building a tile.",
	}, []string{
		errTypeLabel,
	})

	tileLoadLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "tile_manager_load_latency",
		Help: "The time to build a tile.",
	})

	tileDiscards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_manager_discarded_tiles",
		Help: "The number of loaded tiles dropped at placement.",
	}, []string{
		reasonLabel,
	})

	tileResident = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tile_manager_resident_tiles",
		Help: "The number of tiles held by quadtrees.",
	})

	tileNodesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_manager_nodes_created",
		Help: "The number of quadtree nodes created by walks.",
	})

	tileNodesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tile_manager_nodes_evicted",
		Help: "The number of quadtree nodes dropped by garbage collections.",
	})
)

func instrumentAdmission(p position) {
	tileQueueAdmissions.With(prometheus.Labels{
		positionLabel: string(p),
	}).Inc()
}

func instrumentLoad(start time.Time, err error) {
	tileLoadLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		tileLoadErrors.With(prometheus.Labels{
			errTypeLabel: errors.Type(err),
		}).Inc()
		return
	}
	tileLoads.Inc()
}

func instrumentPlacement(p placement) {
	if p == placed {
		tileResident.Inc()
		return
	}

	tileDiscards.With(prometheus.Labels{
		reasonLabel: string(p),
	}).Inc()
}

func instrumentEviction(nodes, tiles int) {
	tileNodesEvicted.Add(float64(nodes))
	tileResident.Sub(float64(tiles))
}
