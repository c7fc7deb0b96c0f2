package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var processStart = time.Now()

var (
	SyncReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agenda_sync_reloads_total",
		Help: "Appointment collection reloads by result.",
	}, []string{"result"})

	SyncReloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agenda_sync_reload_duration_seconds",
		Help:    "Duration of appointment collection reloads.",
		Buckets: prometheus.DefBuckets,
	})

	SyncInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenda_sync_invalidations_total",
		Help: "Invalidation signals received.",
	})

	SyncCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenda_sync_coalesced_invalidations_total",
		Help: "Invalidations folded into an already scheduled reload.",
	})

	OptimisticUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agenda_sync_optimistic_updates_total",
		Help: "Optimistic appointment updates by remote result.",
	}, []string{"result"})

	ShareRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agenda_share_requests_total",
		Help: "Share requests handled by the privileged boundary, by result code.",
	}, []string{"result"})

	RelayNotices = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agenda_relay_notices_total",
		Help: "Store change notices relayed to NATS, by table.",
	}, []string{"table"})

	uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "process_uptime_seconds",
		Help: "Seconds since process start.",
	}, func() float64 {
		return time.Since(processStart).Seconds()
	})
)

// Registry holds every collector of this process.
var Registry = prometheus.NewRegistry()

var initOnce sync.Once

// Init registers the collectors once; later calls are no-ops.
func Init() {
	initOnce.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			uptime,
			SyncReloads,
			SyncReloadDuration,
			SyncInvalidations,
			SyncCoalesced,
			OptimisticUpdates,
			ShareRequests,
			RelayNotices,
		)
	})
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
