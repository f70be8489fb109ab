package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/texq/texq/internal/domain/model"
)

const (
	ephemeralPrefix    = "texq:ephemeral:"
	ephemeralExpiryKey = "texq:ephemeral:expiry"

	pdfArtifactName = "output.pdf"
	logArtifactName = "compile.log"
)

// ErrEphemeralNotFound is returned when an ephemeral record does not exist or
// has passed its expiry.
var ErrEphemeralNotFound = errors.New("ephemeral job not found")

// EphemeralRepo holds metadata and artifacts for one-shot (API-triggered,
// project-less) compiles. Metadata lives in Redis with a TTL matching the
// record's ExpiresAt; source directories, logs, and PDFs live under a spool
// directory. A sorted set scored by expiry time tells the reaper what to
// delete.
//
// Records are written by exactly one worker and read by any number of
// concurrent pollers; readers must tolerate a record with a non-terminal
// status.
type EphemeralRepo struct {
	client   redis.UniversalClient
	spoolDir string
	ttl      time.Duration
}

// NewEphemeralRepo creates an EphemeralRepo writing artifacts under spoolDir.
func NewEphemeralRepo(client redis.UniversalClient, spoolDir string, ttl time.Duration) *EphemeralRepo {
	return &EphemeralRepo{client: client, spoolDir: spoolDir, ttl: ttl}
}

func ephemeralKey(jobID string) string { return ephemeralPrefix + "job:" + jobID }

// JobDir returns the spool directory staged for a job's source and artifacts.
func (e *EphemeralRepo) JobDir(jobID string) string {
	return filepath.Join(e.spoolDir, jobID)
}

// Create stores a new ephemeral record, stamping ExpiresAt, and stages the
// job's spool directory. A Create whose follow-up enqueue fails must be
// rolled back with Delete so the store never holds a record for a job that
// was never queued.
func (e *EphemeralRepo) Create(ctx context.Context, job *model.CompileJob) error {
	if job == nil || job.ID == "" {
		return errors.New("job with id is required")
	}

	expires := time.Now().Add(e.ttl)
	job.ExpiresAt = &expires

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal ephemeral record: %w", err)
	}

	if err := os.MkdirAll(e.JobDir(job.ID), 0o755); err != nil {
		return fmt.Errorf("stage spool dir: %w", err)
	}

	pipe := e.client.TxPipeline()
	pipe.Set(ctx, ephemeralKey(job.ID), payload, e.ttl)
	pipe.ZAdd(ctx, ephemeralExpiryKey, redis.Z{Score: float64(expires.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		// Creation failed; don't leave a dangling spool dir behind.
		_ = os.RemoveAll(e.JobDir(job.ID))
		return fmt.Errorf("store ephemeral record: %w", err)
	}
	return nil
}

// Read returns the record for a job id, or ErrEphemeralNotFound once it has
// expired or never existed.
func (e *EphemeralRepo) Read(ctx context.Context, jobID string) (*model.CompileJob, error) {
	raw, err := e.client.Get(ctx, ephemeralKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEphemeralNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read ephemeral record: %w", err)
	}

	var job model.CompileJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal ephemeral record: %w", err)
	}

	// Redis TTL expiry and the recorded ExpiresAt can disagree by a beat;
	// the recorded expiry is authoritative for readers.
	if job.ExpiresAt != nil && time.Now().After(*job.ExpiresAt) {
		return nil, ErrEphemeralNotFound
	}
	return &job, nil
}

// Patch reads the record, applies the mutation, and writes it back keeping
// the original TTL. The job id is unique per execution so there is no
// writer/writer contention by construction.
func (e *EphemeralRepo) Patch(ctx context.Context, jobID string, apply func(*model.CompileJob)) error {
	job, err := e.Read(ctx, jobID)
	if err != nil {
		return err
	}

	apply(job)

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal ephemeral record: %w", err)
	}
	if err := e.client.Set(ctx, ephemeralKey(jobID), payload, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("patch ephemeral record: %w", err)
	}
	return nil
}

// Delete removes the record, its expiry index entry, and all artifacts.
func (e *EphemeralRepo) Delete(ctx context.Context, jobID string) error {
	pipe := e.client.TxPipeline()
	pipe.Del(ctx, ephemeralKey(jobID))
	pipe.ZRem(ctx, ephemeralExpiryKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete ephemeral record: %w", err)
	}

	if err := os.RemoveAll(e.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove spool dir: %w", err)
	}
	return nil
}

// WriteSource stages inline source text as the job's main file.
func (e *EphemeralRepo) WriteSource(jobID, mainFile, content string) error {
	path := filepath.Join(e.JobDir(jobID), filepath.Clean(mainFile))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("stage source dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write source: %w", err)
	}
	return nil
}

// WriteLog stores the raw compile transcript artifact.
func (e *EphemeralRepo) WriteLog(jobID string, logs []byte) error {
	return e.writeArtifact(jobID, logArtifactName, logs)
}

// ReadLog returns the raw compile transcript, or ErrEphemeralNotFound.
func (e *EphemeralRepo) ReadLog(ctx context.Context, jobID string) ([]byte, error) {
	return e.readArtifact(ctx, jobID, logArtifactName)
}

// WritePDF stores the compiled PDF artifact.
func (e *EphemeralRepo) WritePDF(jobID string, pdf []byte) error {
	return e.writeArtifact(jobID, pdfArtifactName, pdf)
}

// ReadPDF returns the compiled PDF bytes, or ErrEphemeralNotFound.
func (e *EphemeralRepo) ReadPDF(ctx context.Context, jobID string) ([]byte, error) {
	return e.readArtifact(ctx, jobID, pdfArtifactName)
}

func (e *EphemeralRepo) writeArtifact(jobID, name string, data []byte) error {
	if err := os.MkdirAll(e.JobDir(jobID), 0o755); err != nil {
		return fmt.Errorf("stage spool dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(e.JobDir(jobID), name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (e *EphemeralRepo) readArtifact(ctx context.Context, jobID, name string) ([]byte, error) {
	// Artifact visibility follows the metadata record: expired means gone
	// even if the reaper has not swept the spool dir yet.
	if _, err := e.Read(ctx, jobID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(e.JobDir(jobID), name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrEphemeralNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// ExpiredBefore returns up to limit job ids whose expiry passed before the
// given time. The reaper purges them with Purge.
func (e *EphemeralRepo) ExpiredBefore(ctx context.Context, t time.Time, limit int) ([]string, error) {
	ids, err := e.client.ZRangeByScore(ctx, ephemeralExpiryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", t.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired records: %w", err)
	}
	return ids, nil
}

// Purge removes an expired record and its artifacts. Safe to call for
// records whose metadata already aged out of Redis.
func (e *EphemeralRepo) Purge(ctx context.Context, jobID string) error {
	return e.Delete(ctx, jobID)
}
