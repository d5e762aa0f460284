package config

import (
	"log"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/sessiond.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/sessiond.log"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	DockerHost           string `envconfig:"DOCKER_HOST" default:""`
	ContainerImage       string `envconfig:"CONTAINER_IMAGE" default:"ghcr.io/gluk-w/sessiond-runtime:main"`
	ContainerMemoryLimit string `envconfig:"CONTAINER_MEMORY_LIMIT" default:"4g"`
	ContainerShmSize     string `envconfig:"CONTAINER_SHM_SIZE" default:"512m"`
	StopTimeoutSeconds   int    `envconfig:"STOP_TIMEOUT_SECONDS" default:"10"`

	// Providers file describing device-flow endpoints (YAML).
	ProvidersPath string `envconfig:"PROVIDERS_PATH" default:"/app/data/providers.yaml"`

	// Outer wait bound for interactive auth stages (URL wait, code wait).
	AuthStageTimeout time.Duration `envconfig:"AUTH_STAGE_TIMEOUT" default:"60s"`
	// Bounded per-poll wait between output reads; independent from the
	// stage timeout above.
	OutputPollInterval time.Duration `envconfig:"OUTPUT_POLL_INTERVAL" default:"1s"`

	// Cron spec for the registry reconcile / mirror sweep job.
	ReconcileSchedule string `envconfig:"RECONCILE_SCHEDULE" default:"@every 10m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SESSIOND", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// MemoryLimitBytes parses ContainerMemoryLimit ("4g", "512m", ...).
// Returns 0 (no limit) when the value is empty or unparseable.
func (s Settings) MemoryLimitBytes() int64 {
	if s.ContainerMemoryLimit == "" {
		return 0
	}
	n, err := units.RAMInBytes(s.ContainerMemoryLimit)
	if err != nil {
		log.Printf("WARNING: invalid memory limit %q: %v", s.ContainerMemoryLimit, err)
		return 0
	}
	return n
}

// ShmSizeBytes parses ContainerShmSize the same way.
func (s Settings) ShmSizeBytes() int64 {
	if s.ContainerShmSize == "" {
		return 0
	}
	n, err := units.RAMInBytes(s.ContainerShmSize)
	if err != nil {
		log.Printf("WARNING: invalid shm size %q: %v", s.ContainerShmSize, err)
		return 0
	}
	return n
}
