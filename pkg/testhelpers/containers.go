package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/database"
)

// PostgresImage is the stock PostgreSQL image the store schema is migrated into.
const PostgresImage = "postgres:16-alpine"

// ClinicalDB holds a shared PostgreSQL container with the store schema applied.
type ClinicalDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
}

var (
	sharedClinicalDB     *ClinicalDB
	sharedClinicalDBOnce sync.Once
	sharedClinicalDBErr  error
)

// GetClinicalDB returns a shared PostgreSQL container for integration tests.
// The container is created once and reused across all tests in the run.
func GetClinicalDB(t *testing.T) *ClinicalDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedClinicalDBOnce.Do(func() {
		sharedClinicalDB, sharedClinicalDBErr = setupClinicalDB()
	})

	if sharedClinicalDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedClinicalDBErr)
	}

	return sharedClinicalDB
}

// Reset empties every store table so each test starts from a clean database.
func (c *ClinicalDB) Reset(t *testing.T) {
	t.Helper()

	_, err := c.DB.Exec(context.Background(), `
		TRUNCATE waveform, visit_observation, visit_observation_type, lab_result, lab_order,
			lab_battery_element, lab_test_definition, lab_number, hospital_visit, mrn,
			audit_log, reader_checkpoint, skipped_records, source_records
		RESTART IDENTITY`)
	if err != nil {
		t.Fatalf("failed to reset test database: %v", err)
	}
}

func setupClinicalDB() (*ClinicalDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "clinical_star",
			"POSTGRES_USER":     "clinical",
			"POSTGRES_PASSWORD": "test_password",
		},
		// The server logs readiness once for the init pass and once for real.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://clinical:test_password@%s:%s/clinical_star?sslmode=disable",
		host, port.Port())

	// Run migrations using database/sql (required by golang-migrate)
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, MigrationsPath(), zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}

	return &ClinicalDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
	}, nil
}

// MigrationsPath returns the absolute path of the repository's migrations directory.
func MigrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
