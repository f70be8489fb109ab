package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/texq/texq/internal/core"
	"github.com/texq/texq/internal/domain/model"
	apperrors "github.com/texq/texq/internal/errors"
)

// BuildRepo persists project build state in Postgres. It backs the job
// persistence hook: the pipeline calls OnStatusChange at every transition and
// the web tier reads build rows relationally. Ephemeral one-shot jobs never
// touch this table.
type BuildRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// BuildRepoConfig holds configuration options for the build repository.
type BuildRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// NewBuildRepo creates a new BuildRepo instance with the given database connection and configuration.
func NewBuildRepo(db *sql.DB, cfg BuildRepoConfig) *BuildRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &BuildRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const buildColumns = `
  id,
  status,
  status_schema_version,
  requested_engine,
  engine_used,
  main_file,
  project_dir,
  logs,
  exit_code,
  duration_ms,
  warning_count,
  error_count,
  message,
  created_at,
  started_at,
  completed_at,
  updated_at
`

// OnStatusChange records a job status transition. The first call for an id
// inserts the row; later calls update it. Transitions out of a terminal state
// are rejected with ErrBuildTerminal, keeping the row as monotonic as the
// in-memory lifecycle.
func (r *BuildRepo) OnStatusChange(
	ctx context.Context,
	job *model.CompileJob,
	status model.JobStatus,
	fields core.StatusChangeFields,
) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job with id is required")
	}
	if !status.Valid() {
		return fmt.Errorf("invalid status: %q", status)
	}

	now := r.timeProvider.Now().UTC()

	var startedAt, completedAt any
	if status == model.JobStatusCompiling {
		startedAt = now
	}
	if status.Terminal() {
		completedAt = now
	}

	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO builds (
			id, status, status_schema_version, requested_engine, engine_used,
			main_file, project_dir, logs, exit_code, duration_ms,
			warning_count, error_count, message,
			created_at, started_at, completed_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $14)
		ON CONFLICT (id) DO UPDATE SET
			status                = EXCLUDED.status,
			status_schema_version = EXCLUDED.status_schema_version,
			engine_used           = COALESCE(EXCLUDED.engine_used, builds.engine_used),
			logs                  = COALESCE(EXCLUDED.logs, builds.logs),
			exit_code             = COALESCE(EXCLUDED.exit_code, builds.exit_code),
			duration_ms           = COALESCE(EXCLUDED.duration_ms, builds.duration_ms),
			warning_count         = COALESCE(EXCLUDED.warning_count, builds.warning_count),
			error_count           = COALESCE(EXCLUDED.error_count, builds.error_count),
			message               = COALESCE(EXCLUDED.message, builds.message),
			started_at            = COALESCE(builds.started_at, EXCLUDED.started_at),
			completed_at          = COALESCE(builds.completed_at, EXCLUDED.completed_at),
			updated_at            = EXCLUDED.updated_at
		WHERE builds.status NOT IN ('success', 'error', 'timeout', 'canceled')
	`,
		job.ID, status, model.StatusSchemaVersion, job.RequestedEngine, nullableEngine(fields.EngineUsed),
		job.MainFile, job.ProjectDir, fields.Logs, fields.ExitCode, fields.DurationMs,
		fields.WarningCount, fields.ErrorCount, fields.Message,
		now, startedAt, completedAt,
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("record status change: %w", err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrBuildTerminal
	}
	return nil
}

// Get returns one build row by id.
func (r *BuildRepo) Get(ctx context.Context, id string) (*model.CompileJob, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)

	var (
		job           model.CompileJob
		schemaVersion int
		engineUsed    sql.NullString
		logs          sql.NullString
		exitCode      sql.NullInt64
		durationMs    sql.NullInt64
		warningCount  sql.NullInt64
		errorCount    sql.NullInt64
		message       sql.NullString
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		updatedAt     sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.Status, &schemaVersion, &job.RequestedEngine, &engineUsed,
		&job.MainFile, &job.ProjectDir, &logs, &exitCode, &durationMs,
		&warningCount, &errorCount, &message,
		&job.CreatedAt, &startedAt, &completedAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBuildNotFound
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get build: %w", err))
	}

	if engineUsed.Valid {
		job.EngineUsed = model.Engine(engineUsed.String)
	}
	job.Logs = logs.String
	job.ExitCode = int(exitCode.Int64)
	job.DurationMs = durationMs.Int64
	job.WarningCount = int(warningCount.Int64)
	job.ErrorCount = int(errorCount.Int64)
	job.Message = message.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullableEngine(e *model.Engine) any {
	if e == nil {
		return nil
	}
	return string(*e)
}
