package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texq/texq/internal/core"
	"github.com/texq/texq/internal/domain/model"
	"github.com/texq/texq/internal/testutil"
)

func projectJob(id string) *model.CompileJob {
	return &model.CompileJob{
		ID:              id,
		ProjectDir:      "/srv/projects/thesis",
		MainFile:        "main.tex",
		RequestedEngine: model.EngineAuto,
		Status:          model.JobStatusQueued,
		ExitCode:        -1,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestBuildRepo_StatusLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	db := testutil.SetupTestDB(t)
	repo := NewBuildRepo(db, BuildRepoConfig{})
	ctx := context.Background()

	job := projectJob("b-1")

	t.Run("first transition inserts the row", func(t *testing.T) {
		require.NoError(t, repo.OnStatusChange(ctx, job, model.JobStatusQueued, core.StatusChangeFields{}))

		got, err := repo.Get(ctx, "b-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusQueued, got.Status)
		assert.Equal(t, "/srv/projects/thesis", got.ProjectDir)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("compiling stamps started_at", func(t *testing.T) {
		require.NoError(t, repo.OnStatusChange(ctx, job, model.JobStatusCompiling, core.StatusChangeFields{}))

		got, err := repo.Get(ctx, "b-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompiling, got.Status)
		assert.NotNil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("terminal transition records the outcome", func(t *testing.T) {
		engine := model.EnginePDFLaTeX
		fields := core.StatusChangeFields{
			EngineUsed:   &engine,
			Logs:         testutil.Ptr("transcript"),
			ExitCode:     testutil.Ptr(0),
			DurationMs:   testutil.Ptr(int64(1200)),
			WarningCount: testutil.Ptr(2),
			ErrorCount:   testutil.Ptr(0),
			Message:      testutil.Ptr("compiled successfully"),
		}
		require.NoError(t, repo.OnStatusChange(ctx, job, model.JobStatusSuccess, fields))

		got, err := repo.Get(ctx, "b-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusSuccess, got.Status)
		assert.Equal(t, model.EnginePDFLaTeX, got.EngineUsed)
		assert.Equal(t, "transcript", got.Logs)
		assert.Equal(t, 0, got.ExitCode)
		assert.Equal(t, int64(1200), got.DurationMs)
		assert.Equal(t, 2, got.WarningCount)
		assert.Equal(t, "compiled successfully", got.Message)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("terminal rows refuse further transitions", func(t *testing.T) {
		err := repo.OnStatusChange(ctx, job, model.JobStatusCompiling, core.StatusChangeFields{})
		assert.ErrorIs(t, err, ErrBuildTerminal)

		got, err := repo.Get(ctx, "b-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusSuccess, got.Status)
	})
}

func TestBuildRepo_Get(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	db := testutil.SetupTestDB(t)
	repo := NewBuildRepo(db, BuildRepoConfig{})
	ctx := context.Background()

	t.Run("unknown id reports not found", func(t *testing.T) {
		_, err := repo.Get(ctx, "b-missing")
		assert.ErrorIs(t, err, ErrBuildNotFound)
	})

	t.Run("nullable columns default to zero values", func(t *testing.T) {
		require.NoError(t, repo.OnStatusChange(ctx, projectJob("b-2"), model.JobStatusQueued, core.StatusChangeFields{}))

		got, err := repo.Get(ctx, "b-2")
		require.NoError(t, err)
		assert.Empty(t, got.EngineUsed)
		assert.Empty(t, got.Logs)
		assert.Empty(t, got.Message)
		assert.Zero(t, got.DurationMs)
	})
}

func TestBuildRepo_QueuedToCanceled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	db := testutil.SetupTestDB(t)
	repo := NewBuildRepo(db, BuildRepoConfig{})
	ctx := context.Background()

	job := projectJob("b-3")
	require.NoError(t, repo.OnStatusChange(ctx, job, model.JobStatusQueued, core.StatusChangeFields{}))

	fields := core.StatusChangeFields{Message: testutil.Ptr("canceled before execution")}
	require.NoError(t, repo.OnStatusChange(ctx, job, model.JobStatusCanceled, fields))

	got, err := repo.Get(ctx, "b-3")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCanceled, got.Status)
	assert.Equal(t, "canceled before execution", got.Message)
	assert.Nil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestBuildRepo_InvalidInput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	db := testutil.SetupTestDB(t)
	repo := NewBuildRepo(db, BuildRepoConfig{})
	ctx := context.Background()

	assert.Error(t, repo.OnStatusChange(ctx, nil, model.JobStatusQueued, core.StatusChangeFields{}))
	assert.Error(t, repo.OnStatusChange(ctx, &model.CompileJob{ID: "  "}, model.JobStatusQueued, core.StatusChangeFields{}))
	assert.Error(t, repo.OnStatusChange(ctx, projectJob("b-4"), model.JobStatus("paused"), core.StatusChangeFields{}))
}
