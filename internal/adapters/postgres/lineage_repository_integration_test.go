package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/domain/models"
)

// Integration tests require a real PostgreSQL instance

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := getTestDatabaseURL()
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := Connect(context.Background(), ConnectConfig{URL: dbURL})
	if err != nil {
		t.Skipf("test database unavailable: %v", err)
	}
	if err := Migrate(context.Background(), pool); err != nil {
		pool.Close()
		t.Fatalf("Migrate failed: %v", err)
	}

	cleanupTestData(t, pool)
	t.Cleanup(func() {
		cleanupTestData(t, pool)
		pool.Close()
	})

	return pool
}

func cleanupTestData(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	if _, err := pool.Exec(context.Background(), `DELETE FROM prompt_lineages WHERE id LIKE 'lin_it_%'`); err != nil {
		t.Logf("cleanup failed: %v", err)
	}
}

func getTestDatabaseURL() string {
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}
	if os.Getenv("PGHOST") == "" {
		return ""
	}

	pgHost := os.Getenv("PGHOST")
	pgPort := os.Getenv("PGPORT")
	pgUser := os.Getenv("PGUSER")
	pgDatabase := os.Getenv("PGDATABASE")
	if pgPort == "" {
		pgPort = "5432"
	}
	if pgUser == "" {
		pgUser = "postgres"
	}
	if pgDatabase == "" {
		pgDatabase = "promptlab_test"
	}

	// Unix socket
	if pgHost[0] == '/' {
		return fmt.Sprintf("postgres://%s@:%s/%s?host=%s&sslmode=disable", pgUser, pgPort, pgDatabase, pgHost)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable", pgUser, pgHost, pgPort, pgDatabase)
}

func commitVersion(ctx context.Context, tm *TransactionManager, repo *LineageRepository, lineageID, text string) (int, error) {
	var version int
	err := tm.WithTransaction(ctx, func(txCtx context.Context) error {
		v, err := repo.BeginVersionAllocation(txCtx, lineageID)
		if err != nil {
			return err
		}
		p := models.NewPrompt(lineageID, text, "test-model", nil, models.PromptMetadata{Source: models.SourceInitial})
		p.Version = v
		version = v
		return repo.CommitPrompt(txCtx, p)
	})
	return version, err
}

func TestLineageRepository_Integration_AllocateAndCommit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	pool := setupTestDB(t)
	repo := NewLineageRepository(pool)
	tm := NewTransactionManager(pool)
	ctx := context.Background()

	lineage := models.NewLineage("lin_it_commit", "integration task")
	if err := repo.CreateLineage(ctx, lineage); err != nil {
		t.Fatalf("CreateLineage failed: %v", err)
	}

	for i := 1; i <= 3; i++ {
		v, err := commitVersion(ctx, tm, repo, lineage.ID, fmt.Sprintf("text %d", i))
		if err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
		if v != i {
			t.Errorf("expected version %d, got %d", i, v)
		}
	}

	prompts, err := repo.GetLineage(ctx, lineage.ID)
	if err != nil {
		t.Fatalf("GetLineage failed: %v", err)
	}
	if len(prompts) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(prompts))
	}
}

func TestLineageRepository_Integration_RollbackReleasesReservation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	pool := setupTestDB(t)
	repo := NewLineageRepository(pool)
	tm := NewTransactionManager(pool)
	ctx := context.Background()

	lineage := models.NewLineage("lin_it_rollback", "integration task")
	if err := repo.CreateLineage(ctx, lineage); err != nil {
		t.Fatalf("CreateLineage failed: %v", err)
	}

	testErr := errors.New("abort")
	err := tm.WithTransaction(ctx, func(txCtx context.Context) error {
		if _, err := repo.BeginVersionAllocation(txCtx, lineage.ID); err != nil {
			return err
		}
		return testErr
	})
	if err != testErr {
		t.Fatalf("expected test error, got %v", err)
	}

	v, err := commitVersion(ctx, tm, repo, lineage.ID, "first")
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if v != 1 {
		t.Errorf("rolled back reservation leaked: got version %d", v)
	}
}

func TestLineageRepository_Integration_ConcurrentAllocation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	pool := setupTestDB(t)
	repo := NewLineageRepository(pool)
	tm := NewTransactionManager(pool)
	ctx := context.Background()

	lineage := models.NewLineage("lin_it_concurrent", "integration task")
	if err := repo.CreateLineage(ctx, lineage); err != nil {
		t.Fatalf("CreateLineage failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := commitVersion(ctx, tm, repo, lineage.ID, fmt.Sprintf("writer %d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("writer failed: %v", err)
	}

	prompts, err := repo.GetLineage(ctx, lineage.ID)
	if err != nil {
		t.Fatalf("GetLineage failed: %v", err)
	}
	for i, p := range prompts {
		if p.Version != i+1 {
			t.Errorf("expected contiguous version %d, got %d", i+1, p.Version)
		}
	}
	if len(prompts) != writers {
		t.Errorf("expected %d versions, got %d", writers, len(prompts))
	}
}

func TestLineageRepository_Integration_DeleteCascades(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	pool := setupTestDB(t)
	repo := NewLineageRepository(pool)
	tm := NewTransactionManager(pool)
	ctx := context.Background()

	lineage := models.NewLineage("lin_it_delete", "integration task")
	if err := repo.CreateLineage(ctx, lineage); err != nil {
		t.Fatalf("CreateLineage failed: %v", err)
	}
	if _, err := commitVersion(ctx, tm, repo, lineage.ID, "text"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := repo.AddTrainingExamples(ctx, lineage.ID, 1, []models.TrainingExample{{Input: "a", Output: "b"}}); err != nil {
		t.Fatalf("AddTrainingExamples failed: %v", err)
	}

	if err := repo.DeleteLineage(ctx, lineage.ID); err != nil {
		t.Fatalf("DeleteLineage failed: %v", err)
	}
	if _, err := repo.GetLineage(ctx, lineage.ID); !errors.Is(err, domain.ErrLineageNotFound) {
		t.Errorf("expected ErrLineageNotFound after delete, got %v", err)
	}

	var orphans int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM prompt_training_examples WHERE lineage_id = $1`, lineage.ID).Scan(&orphans); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if orphans != 0 {
		t.Errorf("expected examples to cascade, found %d", orphans)
	}
}
