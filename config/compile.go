package config

import (
	"strings"
	"time"
)

// CompileConfig contains container execution limits and spool settings.
// Resource ceilings are deployment configuration, never negotiable per job.
type CompileConfig struct {
	// Image is the pre-built compiler image invoked for every job.
	Image string `env:"COMPILE_IMAGE" envDefault:"texlive/texlive:latest"`

	// DockerBinary is the container CLI used to create/run/kill containers.
	DockerBinary string `env:"COMPILE_DOCKER_BINARY" envDefault:"docker"`

	// Timeout is the wall-clock ceiling for one compile attempt.
	Timeout time.Duration `env:"COMPILE_TIMEOUT" envDefault:"90s"`

	// CPUs is the CPU share ceiling passed to the container runtime.
	CPUs float64 `env:"COMPILE_CPUS" envDefault:"1.0"`

	// MemoryMB is the memory ceiling in megabytes.
	MemoryMB int `env:"COMPILE_MEMORY_MB" envDefault:"512"`

	// Concurrency bounds concurrent container executions per process.
	// Jobs beyond this wait in the queue, not inside the engine.
	Concurrency int `env:"COMPILE_CONCURRENCY" envDefault:"2"`

	// DefaultEngine is used when a job requests "auto" and the source
	// carries no magic engine comment.
	DefaultEngine string `env:"COMPILE_DEFAULT_ENGINE" envDefault:"pdflatex"`

	// SpoolDir holds staged source directories and output artifacts for
	// ephemeral (one-shot) jobs.
	SpoolDir string `env:"COMPILE_SPOOL_DIR" envDefault:"/var/spool/texq"`

	// MaxSourceBytes is the inline source size ceiling for one-shot jobs.
	MaxSourceBytes int64 `env:"COMPILE_MAX_SOURCE_BYTES" envDefault:"1048576"`

	// EphemeralTTL is how long one-shot records and artifacts are retained.
	EphemeralTTL time.Duration `env:"COMPILE_EPHEMERAL_TTL" envDefault:"15m"`
}

// Sanitize applies guardrails to compile configuration values.
func (c *CompileConfig) Sanitize() {
	c.Image = strings.TrimSpace(c.Image)
	c.DockerBinary = strings.TrimSpace(c.DockerBinary)
	if c.DockerBinary == "" {
		c.DockerBinary = "docker"
	}
	if c.Timeout < time.Second {
		c.Timeout = time.Second
	}
	if c.CPUs <= 0 {
		c.CPUs = 1.0
	}
	if c.MemoryMB < 64 {
		c.MemoryMB = 64
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.DefaultEngine == "" {
		c.DefaultEngine = "pdflatex"
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "/var/spool/texq"
	}
	if c.MaxSourceBytes < 1024 {
		c.MaxSourceBytes = 1024
	}
	if c.EphemeralTTL < time.Minute {
		c.EphemeralTTL = time.Minute
	}
}
