package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/config"
)

type Metrics interface {
	SetCoordinatorPhase(phase string)
	AddChunksCreated(table string, count int)
	IncChunksAssigned()
	IncChunksFinished(table string)
	IncChunksFailed(table string)
	SetSplitQueues(pending, inFlight, finished int)
	AddSnapshotRows(table string, count int)
	AddBackfillEvents(table string, count int)
	ObserveChunkReadDuration(duration time.Duration)
	IncStreamEventsForwarded(table string)
	IncStreamEventsSuppressed(table string)
	IncPureStreamingTransitions()
	IncSuspensions()
	IncStreamReconnects()
	SetStreamLag(lag time.Duration)
	ObserveSinkWrite(sink string, events int, duration time.Duration)
	IncSinkErrors(sink string)
	SetConnectionStatus(component string, connected bool)
	IncCheckpointsCreated()
	ObserveCheckpointDuration(duration time.Duration)
}

// HealthFunc reports the current pipeline health for the health endpoint.
type HealthFunc func() common.HealthStatus

type Manager struct {
	cfg     *config.MonitoringConfig
	logger  *zap.Logger
	metrics Metrics
	server  *http.Server

	mu     sync.RWMutex
	health HealthFunc
}

func NewManager(cfg *config.MonitoringConfig, logger *zap.Logger) *Manager {
	var metrics Metrics = &NoopMetrics{}
	if cfg.Enabled {
		metrics = NewPrometheusMetrics(prometheus.DefaultRegisterer)
	}

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

func (m *Manager) SetHealthFunc(fn HealthFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = fn
}

func (m *Manager) Start() error {
	if !m.cfg.Enabled {
		m.logger.Info("Metrics disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(m.cfg.HealthPath, m.healthHandler)

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Starting metrics server",
			zap.Int("port", m.cfg.Port),
			zap.String("metrics_path", m.cfg.MetricsPath),
			zap.String("health_path", m.cfg.HealthPath))

		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return nil
}

func (m *Manager) Stop() error {
	if m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error("Failed to shutdown metrics server", zap.Error(err))
		return err
	}

	m.logger.Info("Metrics server stopped")
	return nil
}

func (m *Manager) GetMetrics() Metrics {
	return m.metrics
}

func (m *Manager) healthHandler(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	fn := m.health
	m.mu.RUnlock()

	status := common.HealthStatus{Status: "ok"}
	if fn != nil {
		status = fn()
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		m.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

type NoopMetrics struct{}

func (n *NoopMetrics) SetCoordinatorPhase(phase string)                                 {}
func (n *NoopMetrics) AddChunksCreated(table string, count int)                         {}
func (n *NoopMetrics) IncChunksAssigned()                                               {}
func (n *NoopMetrics) IncChunksFinished(table string)                                   {}
func (n *NoopMetrics) IncChunksFailed(table string)                                     {}
func (n *NoopMetrics) SetSplitQueues(pending, inFlight, finished int)                   {}
func (n *NoopMetrics) AddSnapshotRows(table string, count int)                          {}
func (n *NoopMetrics) AddBackfillEvents(table string, count int)                        {}
func (n *NoopMetrics) ObserveChunkReadDuration(duration time.Duration)                  {}
func (n *NoopMetrics) IncStreamEventsForwarded(table string)                            {}
func (n *NoopMetrics) IncStreamEventsSuppressed(table string)                           {}
func (n *NoopMetrics) IncPureStreamingTransitions()                                     {}
func (n *NoopMetrics) IncSuspensions()                                                  {}
func (n *NoopMetrics) IncStreamReconnects()                                             {}
func (n *NoopMetrics) SetStreamLag(lag time.Duration)                                   {}
func (n *NoopMetrics) ObserveSinkWrite(sink string, events int, duration time.Duration) {}
func (n *NoopMetrics) IncSinkErrors(sink string)                                        {}
func (n *NoopMetrics) SetConnectionStatus(component string, connected bool)             {}
func (n *NoopMetrics) IncCheckpointsCreated()                                           {}
func (n *NoopMetrics) ObserveCheckpointDuration(duration time.Duration)                 {}
