package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	internal_storage "github.com/ignatij/taskgraph/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:15-alpine"

// TestDB is a migrated PostgreSQL instance running in a throwaway container.
type TestDB struct {
	DB      *sqlx.DB
	ConnStr string
}

// MigrationsDir returns the absolute path of the repository's migrations directory.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// SetupTestDB starts PostgreSQL, applies the migrations and registers cleanup on t.
// Credentials come from DB_USERNAME, DB_PASSWORD and DB_NAME (a .env file is honoured);
// the test is skipped when they are missing, in -short mode, or when no container runtime is available.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	_ = godotenv.Load(filepath.Join(MigrationsDir(), "..", ".env"))

	user, password, name := os.Getenv("DB_USERNAME"), os.Getenv("DB_PASSWORD"), os.Getenv("DB_NAME")
	if user == "" || password == "" || name == "" {
		t.Skip("DB_USERNAME, DB_PASSWORD and DB_NAME are required for PostgreSQL integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       name,
			},
			// postgres logs readiness twice: once for the init run, once for the real server
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to resolve container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to resolve container port: %v", err)
	}
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), name)

	if _, err := internal_storage.Migrate(connStr, MigrationsDir(), false); err != nil {
		t.Fatalf("Failed to migrate test DB: %v", err)
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to connect to test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &TestDB{DB: db, ConnStr: connStr}
}

// Reset empties every table, keeping the schema.
func (td *TestDB) Reset(t *testing.T) {
	t.Helper()
	if _, err := td.DB.Exec("TRUNCATE TABLE dependencies, tasks, workflows CASCADE"); err != nil {
		t.Fatalf("Failed to reset test DB: %v", err)
	}
}
