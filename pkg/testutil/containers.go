// Package testutil starts the Postgres and MinIO containers that the
// integration and e2e suites run against.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/conductor/fleet/internal/config"
)

// PostgresContainerConfig selects the database the container creates.
type PostgresContainerConfig struct {
	Database string
	Username string
	Password string
	ImageTag string
}

func DefaultPostgresConfig() PostgresContainerConfig {
	return PostgresContainerConfig{
		Database: "fleet_test",
		Username: "fleet",
		Password: "fleet_test_pass",
		ImageTag: "16-alpine",
	}
}

// PostgresContainer is a throwaway server with ConnStr ready for pgxpool.
type PostgresContainer struct {
	Container *postgres.PostgresContainer
	ConnStr   string
}

func NewPostgresContainer(ctx context.Context, cfg PostgresContainerConfig) (*PostgresContainer, error) {
	if cfg.Database == "" {
		cfg = DefaultPostgresConfig()
	}

	// Postgres logs "ready" once for the init server and once for the real one.
	ready := wait.ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(time.Minute)

	c, err := postgres.Run(ctx, "postgres:"+cfg.ImageTag,
		postgres.WithDatabase(cfg.Database),
		postgres.WithUsername(cfg.Username),
		postgres.WithPassword(cfg.Password),
		testcontainers.WithWaitStrategy(ready),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get postgres connection string: %w", err)
	}
	return &PostgresContainer{Container: c, ConnStr: connStr}, nil
}

func (c *PostgresContainer) Terminate(ctx context.Context) error {
	if c.Container == nil {
		return nil
	}
	return c.Container.Terminate(ctx)
}

// MinioContainer is a throwaway S3 endpoint for the command archive.
type MinioContainer struct {
	Container       *minio.MinioContainer
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func NewMinioContainer(ctx context.Context) (*MinioContainer, error) {
	const user, pass = "minioadmin", "minioadmin"

	c, err := minio.Run(ctx, "minio/minio:latest",
		minio.WithUsername(user),
		minio.WithPassword(pass),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start minio container: %w", err)
	}

	endpoint, err := c.ConnectionString(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get minio endpoint: %w", err)
	}
	// minio-go wants host:port without a scheme.
	return &MinioContainer{
		Container:       c,
		Endpoint:        strings.TrimPrefix(endpoint, "http://"),
		AccessKeyID:     user,
		SecretAccessKey: pass,
	}, nil
}

// ArchiveConfig points an archiver at bucket with no retention, so every
// SENT command is immediately eligible.
func (c *MinioContainer) ArchiveConfig(bucket string) config.ArchiveConfig {
	return config.ArchiveConfig{
		Enabled:         true,
		Interval:        time.Second,
		BatchSize:       100,
		Compress:        true,
		Endpoint:        c.Endpoint,
		Bucket:          bucket,
		Region:          "us-east-1",
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	}
}

func (c *MinioContainer) Terminate(ctx context.Context) error {
	if c.Container == nil {
		return nil
	}
	return c.Container.Terminate(ctx)
}

// IsDockerAvailable reports whether testcontainers can reach a Docker
// daemon. Suites call it from TestMain and skip when it is false.
func IsDockerAvailable() (available bool) {
	// Some broken DOCKER_HOST setups make the provider panic.
	defer func() {
		if recover() != nil {
			available = false
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	return provider.Health(ctx) == nil
}
