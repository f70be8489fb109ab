// Package engine runs one compile attempt inside an isolated, resource-limited
// container and reports the outcome.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/texq/texq/config"
	"github.com/texq/texq/internal/core"
	"github.com/texq/texq/internal/domain/model"
)

// cancelPollInterval is how often a running container is checked against the
// cancellation registry.
const cancelPollInterval = 2 * time.Second

// ContainerCLI is the minimal container runtime surface the engine needs:
// run a constrained container to completion, kill one by name, and verify a
// named image exists.
type ContainerCLI interface {
	Run(ctx context.Context, args []string) (output []byte, exitCode int, err error)
	Kill(ctx context.Context, name string) error
	ImageExists(ctx context.Context, image string) (bool, error)
}

// Options configures the execution engine.
type Options struct {
	Config  config.CompileConfig
	Logger  *slog.Logger
	Cancels core.CancelRegistry

	// CLI is an optional container runtime injection (useful for tests);
	// defaults to the docker binary from Config.
	CLI ContainerCLI
}

// Engine executes compile jobs in containers. At most Config.Concurrency
// containers run at once per process; jobs beyond that bound wait in the job
// queue, not here; the semaphore only covers the brief window between
// dequeue and container exit.
type Engine struct {
	cfg     config.CompileConfig
	logger  *slog.Logger
	cancels core.CancelRegistry
	cli     ContainerCLI
	sem     *semaphore.Weighted
}

var _ core.ContainerEngine = (*Engine)(nil)

// New constructs an Engine from options.
func New(opts Options) (*Engine, error) {
	if opts.Cancels == nil {
		return nil, errors.New("cancel registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cli := opts.CLI
	if cli == nil {
		cli = &dockerCLI{binary: opts.Config.DockerBinary}
	}

	n := opts.Config.Concurrency
	if n < 1 {
		n = 1
	}

	return &Engine{
		cfg:     opts.Config,
		logger:  logger,
		cancels: opts.Cancels,
		cli:     cli,
		sem:     semaphore.NewWeighted(int64(n)),
	}, nil
}

// VerifyRuntime checks the container runtime pre-flight: the CLI binary must
// be resolvable and the compiler image present. Failures here mean submission
// should be refused, not queued to fail later.
func (e *Engine) VerifyRuntime(ctx context.Context) error {
	if _, err := exec.LookPath(e.cfg.DockerBinary); err != nil {
		return fmt.Errorf("container runtime %q not found: %w", e.cfg.DockerBinary, err)
	}
	ok, err := e.cli.ImageExists(ctx, e.cfg.Image)
	if err != nil {
		return fmt.Errorf("verify compiler image: %w", err)
	}
	if !ok {
		return fmt.Errorf("compiler image %q not found", e.cfg.Image)
	}
	return nil
}

// Run executes one compile attempt for a staged source directory. The
// returned result distinguishes timeout, cancellation, and normal exits; PDF
// presence is the authoritative success signal. An error return means the
// attempt could not be made at all.
func (e *Engine) Run(ctx context.Context, job *model.CompileJob, sourceDir string) (*core.RunResult, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire execution slot: %w", err)
	}
	defer e.sem.Release(1)

	start := time.Now()
	res := &core.RunResult{
		ExitCode: -1,
		// Resolved before invocation: a timeout still reports the engine
		// that was attempted.
		EngineUsed: ResolveEngine(job.RequestedEngine, sourceDir, job.MainFile, model.Engine(e.cfg.DefaultEngine)),
	}

	if e.isCanceled(ctx, job.ID) {
		res.Canceled = true
		res.Duration = time.Since(start)
		return res, nil
	}

	containerName := "texq-" + job.ID
	runCtx, cancelRun := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancelRun()

	canceledMidRun := e.watchCancellation(runCtx, job.ID, containerName)

	output, exitCode, runErr := e.cli.Run(runCtx, e.runArgs(containerName, sourceDir, res.EngineUsed, job.MainFile))
	res.Duration = time.Since(start)
	res.ExitCode = exitCode
	res.Logs = e.collectLogs(sourceDir, job.MainFile, output)

	select {
	case <-canceledMidRun:
		res.Canceled = true
		return res, nil
	default:
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		// The CLI process is dead but the container may not be; kill it
		// by name with a fresh context.
		e.forceKill(containerName)
		res.TimedOut = true
		return res, nil
	}

	if runErr != nil {
		return nil, fmt.Errorf("run container: %w", runErr)
	}

	res.ExitedNormally = exitCode == 0
	if pdf, ok := e.findPDF(sourceDir, job.MainFile); ok {
		res.PDFPath = pdf
	}

	// One last poll: a marker that raced the container exit turns an
	// unsuccessful outcome into canceled rather than error.
	if !res.Succeeded() && e.isCanceled(ctx, job.ID) {
		res.Canceled = true
	}

	return res, nil
}

// runArgs builds the container invocation with hard resource ceilings from
// configuration. The source directory is the only mount; the network is
// disabled entirely.
func (e *Engine) runArgs(name, sourceDir string, eng model.Engine, mainFile string) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", "none",
		"--cpus", fmt.Sprintf("%.2f", e.cfg.CPUs),
		"--memory", fmt.Sprintf("%dm", e.cfg.MemoryMB),
		"-v", sourceDir + ":/compile",
		"-w", "/compile",
		e.cfg.Image,
	}
	return append(args, compilerArgs(eng, mainFile)...)
}

// watchCancellation polls the registry while the container runs and kills it
// on a positive hit. The returned channel is closed when a cancellation was
// observed.
func (e *Engine) watchCancellation(ctx context.Context, jobID, containerName string) <-chan struct{} {
	canceled := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if e.isCanceled(ctx, jobID) {
					close(canceled)
					e.forceKill(containerName)
					return
				}
			}
		}
	}()
	return canceled
}

func (e *Engine) isCanceled(ctx context.Context, jobID string) bool {
	hit, err := e.cancels.IsCanceled(ctx, jobID)
	if err != nil {
		// Registry trouble never fails a compile; the job just runs on.
		e.logger.WarnContext(ctx, "cancellation poll failed", "job_id", jobID, "error", err)
		return false
	}
	return hit
}

// forceKill terminates a container by name with a short independent deadline,
// since the caller's context is usually already done.
func (e *Engine) forceKill(containerName string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.cli.Kill(killCtx, containerName); err != nil {
		e.logger.WarnContext(killCtx, "kill container failed", "container", containerName, "error", err)
	}
}

// collectLogs prefers the compiler's .log transcript over captured output;
// the file survives kills and carries the full diagnostics.
func (e *Engine) collectLogs(sourceDir, mainFile string, output []byte) string {
	base := strings.TrimSuffix(mainFile, filepath.Ext(mainFile))
	logPath := filepath.Join(sourceDir, base+".log")
	if data, err := os.ReadFile(logPath); err == nil && len(data) > 0 {
		return string(data)
	}
	return string(output)
}

// findPDF checks for the compiled artifact next to the main file.
func (e *Engine) findPDF(sourceDir, mainFile string) (string, bool) {
	base := strings.TrimSuffix(mainFile, filepath.Ext(mainFile))
	pdfPath := filepath.Join(sourceDir, base+".pdf")
	info, err := os.Stat(pdfPath)
	if err != nil || info.Size() == 0 {
		return "", false
	}
	return pdfPath, true
}

// dockerCLI drives the container runtime through its command-line binary.
type dockerCLI struct {
	binary string
}

// Run executes the docker invocation to completion, returning combined
// output and the container exit code. A start failure (binary missing,
// daemon down) comes back as err; a nonzero container exit does not.
func (d *dockerCLI) Run(ctx context.Context, args []string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if err == nil {
		return buf.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return buf.Bytes(), exitErr.ExitCode(), nil
	}
	return buf.Bytes(), -1, err
}

// Kill force-terminates a container by name. An already-gone container is
// not an error.
func (d *dockerCLI) Kill(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, d.binary, "kill", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.ToLower(string(out))
		if strings.Contains(msg, "no such container") || strings.Contains(msg, "is not running") {
			return nil
		}
		return fmt.Errorf("docker kill %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ImageExists verifies a named image is present locally.
func (d *dockerCLI) ImageExists(ctx context.Context, image string) (bool, error) {
	cmd := exec.CommandContext(ctx, d.binary, "image", "inspect", image)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("docker image inspect: %w", err)
	}
	return true, nil
}
