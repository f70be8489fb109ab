package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the compile job worker.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the ephemeral record reaper.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// HealthMode selects which health-check strategy callers consult.
// Running compilation embedded in the serving process and running it in a
// dedicated worker process are distinguished here, by configuration, not by
// scattered conditionals.
type HealthMode string

const (
	// HealthModeEmbedded derives health from in-process runner counters.
	HealthModeEmbedded HealthMode = "embedded"
	// HealthModeDedicated derives health purely from heartbeat freshness,
	// since the serving process has no in-process visibility of the worker.
	HealthModeDedicated HealthMode = "dedicated"
)

// UnmarshalText implements encoding.TextUnmarshaler for HealthMode to allow env parsing.
func (m *HealthMode) UnmarshalText(text []byte) error {
	v := HealthMode(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case HealthModeEmbedded, HealthModeDedicated:
		*m = v
		return nil
	default:
		return fmt.Errorf("invalid health mode: %q (valid options: embedded, dedicated)", string(text))
	}
}

// WorkerConfig contains compile worker configuration.
type WorkerConfig struct {
	// InstanceID identifies this worker process in heartbeat records.
	// Defaults to the hostname when empty (resolved in bootstrap).
	InstanceID string `env:"WORKER_INSTANCE_ID" envDefault:""`

	// HealthMode selects the health-check strategy: "embedded" when the
	// worker runs inside the request-serving process, "dedicated" when a
	// separate worker process is expected.
	HealthMode HealthMode `env:"WORKER_HEALTH_MODE" envDefault:"embedded"`

	// HeartbeatInterval is how often a running worker publishes a heartbeat.
	HeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"10s"`

	// HeartbeatMaxAge is the staleness threshold for dedicated-mode health.
	HeartbeatMaxAge time.Duration `env:"WORKER_HEARTBEAT_MAX_AGE" envDefault:"45s"`

	// IdleBackoff is how long a worker sleeps when the queue is empty.
	IdleBackoff time.Duration `env:"WORKER_IDLE_BACKOFF" envDefault:"500ms"`

	// CancelTTL is the lifetime of cancellation markers. Sanitize forces it
	// above the compile timeout so a late-polling engine still observes it.
	CancelTTL time.Duration `env:"WORKER_CANCEL_TTL" envDefault:"10m"`
}

// Sanitize applies guardrails to worker configuration values.
// compileTimeout is the configured wall-clock ceiling for one compile; the
// cancellation marker TTL must outlive it.
func (w *WorkerConfig) Sanitize(compileTimeout time.Duration) {
	if w.HealthMode != HealthModeEmbedded && w.HealthMode != HealthModeDedicated {
		w.HealthMode = HealthModeEmbedded
	}
	if w.HeartbeatInterval < time.Second {
		w.HeartbeatInterval = time.Second
	}
	if w.HeartbeatMaxAge < 3*w.HeartbeatInterval {
		w.HeartbeatMaxAge = 3 * w.HeartbeatInterval
	}
	if w.IdleBackoff < 50*time.Millisecond {
		w.IdleBackoff = 50 * time.Millisecond
	}
	if w.CancelTTL <= compileTimeout {
		w.CancelTTL = compileTimeout + time.Minute
	}
}

// ReaperConfig contains ephemeral record reaper configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// BatchSize is the maximum number of expired records to purge per tick.
	// Batching prevents long Redis scans and filesystem I/O spikes.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 5*time.Second {
		r.Interval = 5 * time.Second
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
}
