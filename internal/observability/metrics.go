// Package observability wires audiobridge components to Prometheus.
// Sentry error telemetry lives in the telemetry package.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/audiobridge/internal/device"
	"github.com/tphakala/audiobridge/internal/engine"
	"github.com/tphakala/audiobridge/internal/feeder"
	"github.com/tphakala/audiobridge/internal/logger"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry *prometheus.Registry
	Device   *metrics.DeviceMetrics
	Engine   *metrics.EngineMetrics
	Feeder   *metrics.FeederMetrics
	HTTP     *metrics.HTTPMetrics
}

// NewMetrics creates a new instance of Metrics on a private registry,
// initializing all metric collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register Go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	deviceMetrics, err := metrics.NewDeviceMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create device metrics: %w", err)
	}

	engineMetrics, err := metrics.NewEngineMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine metrics: %w", err)
	}

	feederMetrics, err := metrics.NewFeederMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create feeder metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		Device:   deviceMetrics,
		Engine:   engineMetrics,
		Feeder:   feederMetrics,
		HTTP:     httpMetrics,
	}, nil
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      promErrorLog{},
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", m.Handler())
}

// BindDevice reports s through the device collector. A nil session unbinds.
func (m *Metrics) BindDevice(s *device.Session) {
	if s == nil {
		m.Device.Bind(nil)
		return
	}
	m.Device.Bind(func() metrics.DeviceSnapshot {
		st := s.Stats()
		return metrics.DeviceSnapshot{
			State:            int(s.State()),
			FramesConsumed:   st.FramesConsumed,
			SamplesDelivered: st.SamplesDelivered,
			Underruns:        st.Underruns,
			Callbacks:        st.Callbacks,
			UnexpectedStops:  st.UnexpectedStops,
			FIFOAvailable:    s.FIFOAvailable(),
			FIFOCapacity:     s.FIFO().Capacity(),
			MasterVolume:     float64(s.MasterVolume()),
			SampleRate:       s.SampleRate(),
			Channels:         s.Channels(),
		}
	})
}

// BindEngine reports e and its decode cache through the engine collector.
func (m *Metrics) BindEngine(e *engine.Engine) {
	if e == nil {
		m.Engine.Bind(nil)
		return
	}
	m.Engine.Bind(func() metrics.EngineSnapshot {
		st := e.Stats()
		cs := e.Cache().Stats()
		return metrics.EngineSnapshot{
			Running:      e.Running(),
			TimeFrames:   st.Time,
			Passes:       st.Passes,
			SkippedReads: st.SkippedReads,
			Nodes:        st.Nodes,
			Sounds:       st.Sounds,
			Volume:       float64(e.Volume()),
			SampleRate:   e.SampleRate(),
			CacheHits:    cs.Hits,
			CacheDecodes: cs.Decodes,
			CacheEntries: cs.Entries,
		}
	})
}

// BindFeeder reports f through the feeder collector.
func (m *Metrics) BindFeeder(f *feeder.Feeder) {
	if f == nil {
		m.Feeder.Bind(nil)
		return
	}
	m.Feeder.Bind(func() metrics.FeederSnapshot {
		st := f.Stats()
		return metrics.FeederSnapshot{
			BytesIn:         st.BytesIn,
			BytesDropped:    st.BytesDropped,
			SamplesMoved:    st.SamplesMoved,
			StagedBytes:     st.Staged,
			StagingCapacity: f.Capacity(),
		}
	})
}

// promErrorLog routes promhttp errors to the package logger.
type promErrorLog struct{}

func (promErrorLog) Println(v ...any) {
	log.Error("metrics handler error", logger.String("error", fmt.Sprint(v...)))
}
