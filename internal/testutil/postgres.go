package testutil

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/quizhub/internal/config"
	"github.com/cory-johannsen/quizhub/internal/storage/postgres"
)

// PostgresContainer is a running PostgreSQL test database.
type PostgresContainer struct {
	Pool    *postgres.Pool
	RawPool *pgxpool.Pool
	Config  config.DatabaseConfig
}

// NewPostgresContainer starts a PostgreSQL test container and connects to it.
// The schema is not applied; see ApplyMigrations.
//
// Precondition: Docker must be available.
// Postcondition: Returns a connected container, or fails the test.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	start := time.Now()

	host, port := startContainer(t, "postgres", testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "quizhub",
			"POSTGRES_PASSWORD": "quizhub",
			"POSTGRES_DB":       "quizhub",
		},
		// postgres restarts once after initdb
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}, "5432")

	cfg := config.DatabaseConfig{
		Host:            host,
		Port:            port,
		User:            "quizhub",
		Password:        "quizhub",
		Name:            "quizhub",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	}
	pool, err := postgres.NewPool(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("connecting to test postgres: %v [%s]", err, time.Since(start))
	}
	t.Cleanup(pool.Close)

	return &PostgresContainer{Pool: pool, RawPool: pool.DB(), Config: cfg}
}

// MigrationsDir returns the absolute path of the repository's migrations directory.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// ApplyMigrations runs every up migration with golang-migrate, the same way
// cmd/migrate does.
//
// Postcondition: The rooms and room_players tables exist in the test database.
func (pc *PostgresContainer) ApplyMigrations(t *testing.T) {
	t.Helper()
	start := time.Now()

	m, err := migrate.New("file://"+MigrationsDir(), pc.DSN())
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("applying migrations: %v", err)
	}
	version, _, _ := m.Version()
	t.Logf("migrated to version %d [%s]", version, time.Since(start))
}

// NewPool starts a migrated PostgreSQL container and returns its pool.
//
// Precondition: Docker must be available.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pc := NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	return pc.RawPool
}

// DSN returns the connection string for the test database.
func (pc *PostgresContainer) DSN() string {
	return pc.Config.DSN()
}
