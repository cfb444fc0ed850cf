package repository

import (
	"context"

	"github.com/zots0127/chunkup/internal/domain/entities"
)

// HealthRepository defines the checks behind the health endpoints
type HealthRepository interface {
	// CheckHealth runs every check and aggregates them
	CheckHealth(ctx context.Context) (*entities.HealthCheck, error)

	// CheckDatabase verifies the session database answers
	CheckDatabase(ctx context.Context) entities.CheckResult

	// CheckStorage verifies the chunk, temp and merged directories are writable
	CheckStorage(ctx context.Context) entities.CheckResult

	// CheckDiskSpace checks available disk space under the storage root
	CheckDiskSpace(ctx context.Context) entities.CheckResult

	// IsReady checks if the service is ready to accept uploads
	IsReady(ctx context.Context) (bool, string)
}
