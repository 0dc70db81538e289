// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// TestSet is one uploaded pair of datasets with its KPI configuration and
// accumulated results. It is the unit of persistence.
type TestSet struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Source     []Row               `json:"source"`
	Target     []Row               `json:"target"`
	Mismatches []DataMismatchEntry `json:"mismatches"`
	KPIs       []KPI               `json:"kpis"`
	Results    []EvaluationResult  `json:"results"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// TestSetInfo is the listing view of a test set.
type TestSetInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RecordCount int       `json:"recordCount"`
	KPICount    int       `json:"kpiCount"`
	ResultCount int       `json:"resultCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Repository defines the interface for test-set persistence.
type Repository interface {
	// Test set operations
	SaveTestSet(ctx context.Context, ts *TestSet) error
	GetTestSet(ctx context.Context, id string) (*TestSet, error)
	ListTestSets(ctx context.Context) ([]*TestSetInfo, error)
	DeleteTestSet(ctx context.Context, id string) error

	// KPI configuration
	SaveKPIs(ctx context.Context, testSetID string, kpis []KPI) error

	// Evaluation results
	SaveResults(ctx context.Context, testSetID string, results []EvaluationResult) error
	SaveResult(ctx context.Context, testSetID string, result *EvaluationResult) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}
