package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"SawitDetServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Metrics holds every collector on its own registry so tests can build as
// many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	memUsage prometheus.Gauge
	cpuUsage prometheus.Gauge

	HTTPTotal       *prometheus.CounterVec
	GRPCTotal       prometheus.Counter
	ImagesDetected  prometheus.Counter
	ImagesNotFound  prometheus.Counter
	FramesAnnotated prometheus.Counter
	VideosStreamed  prometheus.Counter

	proc *process.Process
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		HTTPTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		}, []string{"method", "route", "status"}),
		GRPCTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total number of gRPC requests processed",
		}),
		ImagesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "images_detected_total",
			Help: "Images with at least one bunch detected",
		}),
		ImagesNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "images_not_found_total",
			Help: "Images where nothing was detected",
		}),
		FramesAnnotated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "video_frames_annotated_total",
			Help: "Video frames annotated in runs that reached the last frame",
		}),
		VideosStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "videos_processed_total",
			Help: "Videos processed through their last frame",
		}),
	}
	m.Registry.MustRegister(m.memUsage, m.cpuUsage, m.HTTPTotal, m.GRPCTotal,
		m.ImagesDetected, m.ImagesNotFound, m.FramesAnnotated, m.VideosStreamed)
	return m
}

// WatchSessions exports count as active_sessions, sampled on scrape.
// Call it once per Metrics.
func (m *Metrics) WatchSessions(count func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Sessions currently held in memory",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// CheckProcessInfo samples RSS and CPU of this process.
func (m *Metrics) CheckProcessInfo() {
	if m.proc == nil {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			logger.Log().Warn("process stats unavailable", zap.Error(err))
			return
		}
		m.proc = p
	}
	if memInfo, err := m.proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples the process every 500ms
// until ctx is done.
func (m *Metrics) StartMon(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
	logger.Log().Info("metrics server started", zap.Int("port", port))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("prometheus server shutdown error", zap.Error(err))
	}
}
