package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BenchWriteSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgprobe_bench_write_seconds",
			Help: "Elapsed seconds of the latest durable write pass, per block size",
		},
		[]string{"block_size"},
	)
	InsertCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgprobe_inserts_total",
			Help: "Total number of timestamp inserts attempted",
		},
		[]string{"result"},
	)
	LastInsert = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgprobe_last_insert_timestamp_seconds",
		Help: "Unix time of the latest successful insert",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgprobe_sandbox_active_connections",
		Help: "Number of open sandbox client connections",
	})
	SandboxQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgprobe_sandbox_queries_total",
			Help: "Total number of queries served by the sandbox",
		},
		[]string{"type"},
	)
)

func SetBenchWrite(blockSize int, elapsed time.Duration) {
	BenchWriteSeconds.WithLabelValues(strconv.Itoa(blockSize)).Set(elapsed.Seconds())
}

func IncInsert(ok bool, at time.Time) {
	if !ok {
		InsertCount.WithLabelValues("error").Inc()
		return
	}
	InsertCount.WithLabelValues("ok").Inc()
	LastInsert.Set(float64(at.UnixNano()) / 1e9)
}

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}

func IncSQL(opType string) {
	SandboxQueryCount.WithLabelValues(opType).Inc()
}
