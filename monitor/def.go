package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"OwlDetServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "owldet_requests_total",
		Help: "Requests received, by transport and operation",
	}, []string{"transport", "op"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "owldet_queue_depth",
		Help: "Jobs waiting for the accelerator worker",
	})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "owldet_job_duration_seconds",
		Help:    "Time a job held the accelerator worker",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"op", "outcome"})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "owldet_embedding_cache_lookups_total",
		Help: "Image embedding cache lookups by result",
	}, []string{"result"})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "owldet_embedding_cache_entries",
		Help: "Images currently held in the embedding cache",
	})

	ExtractorUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "owldet_remote_extractor_up",
		Help: "1 if the last health probe of the extractor sidecar succeeded",
	})
)

func init() {
	Registry.MustRegister(memUsage, cpuUsage, RequestsTotal, QueueDepth, JobDuration, CacheLookups, CacheEntries, ExtractorUp)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func checkProcessInfo(p *process.Process) {
	if memInfo, err := p.MemoryInfo(); err == nil && memInfo != nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process stats until ctx is done.
func StartMon(port int, ctx context.Context) {
	log := logger.Named("monitor")
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	p := &process.Process{Pid: int32(os.Getpid())}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			checkProcessInfo(p)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}
}
