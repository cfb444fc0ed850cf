package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/zots0127/chunkup/internal/domain/entities"
	"github.com/zots0127/chunkup/internal/domain/repository"
)

// HealthRepositoryImpl implements HealthRepository
type HealthRepositoryImpl struct {
	db       *sql.DB
	sessions repository.SessionRepository
	root     string
	dirs     []string
}

// NewHealthRepository checks the session database and every storage
// directory. root is used for disk space accounting.
func NewHealthRepository(db *sql.DB, sessions repository.SessionRepository, root string, dirs ...string) repository.HealthRepository {
	return &HealthRepositoryImpl{
		db:       db,
		sessions: sessions,
		root:     root,
		dirs:     dirs,
	}
}

// CheckHealth performs every check and aggregates the status
func (h *HealthRepositoryImpl) CheckHealth(ctx context.Context) (*entities.HealthCheck, error) {
	checks := map[string]entities.CheckResult{
		"database":   h.CheckDatabase(ctx),
		"storage":    h.CheckStorage(ctx),
		"disk_space": h.CheckDiskSpace(ctx),
	}

	overallStatus := entities.HealthStatusUp
	for _, check := range checks {
		if check.Status == entities.HealthStatusDown {
			overallStatus = entities.HealthStatusDown
			break
		}
		if check.Status == entities.HealthStatusPartial {
			overallStatus = entities.HealthStatusPartial
		}
	}

	return &entities.HealthCheck{
		Status:  overallStatus,
		Checks:  checks,
		Storage: h.storageInfo(ctx),
	}, nil
}

// CheckDatabase verifies the session database answers
func (h *HealthRepositoryImpl) CheckDatabase(ctx context.Context) entities.CheckResult {
	if h.db == nil {
		return entities.CheckResult{
			Status:  entities.HealthStatusDown,
			Message: "Database connection is nil",
		}
	}

	if err := h.db.PingContext(ctx); err != nil {
		return entities.CheckResult{
			Status:  entities.HealthStatusDown,
			Message: fmt.Sprintf("Database ping failed: %v", err),
		}
	}

	stats := h.db.Stats()
	return entities.CheckResult{
		Status:  entities.HealthStatusUp,
		Message: "Database is healthy",
		Details: map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"wait_count":       stats.WaitCount,
		},
	}
}

// CheckStorage verifies each storage directory exists and is writable
func (h *HealthRepositoryImpl) CheckStorage(ctx context.Context) entities.CheckResult {
	for _, dir := range h.dirs {
		info, err := os.Stat(dir)
		if err != nil {
			return entities.CheckResult{
				Status:  entities.HealthStatusDown,
				Message: fmt.Sprintf("Storage path not accessible: %v", err),
			}
		}
		if !info.IsDir() {
			return entities.CheckResult{
				Status:  entities.HealthStatusDown,
				Message: fmt.Sprintf("Storage path %s is not a directory", dir),
			}
		}

		// dot-prefixed names are invisible to chunk listing
		testFile := filepath.Join(dir, ".health_check")
		file, err := os.Create(testFile)
		if err != nil {
			return entities.CheckResult{
				Status:  entities.HealthStatusDown,
				Message: fmt.Sprintf("Cannot write to storage: %v", err),
			}
		}
		file.Close()
		os.Remove(testFile)
	}

	return entities.CheckResult{
		Status:  entities.HealthStatusUp,
		Message: "Storage is healthy",
		Details: map[string]interface{}{
			"paths":    h.dirs,
			"writable": true,
		},
	}
}

// CheckDiskSpace checks available disk space under the storage root
func (h *HealthRepositoryImpl) CheckDiskSpace(ctx context.Context) entities.CheckResult {
	total, available, err := diskSpace(h.root)
	if err != nil {
		return entities.CheckResult{
			Status:  entities.HealthStatusDown,
			Message: fmt.Sprintf("Failed to check disk space: %v", err),
		}
	}

	usagePercent := usage(total, available)
	details := map[string]interface{}{
		"total_bytes":     total,
		"available_bytes": available,
		"usage_percent":   usagePercent,
	}

	status := entities.HealthStatusUp
	message := "Disk space is sufficient"

	if usagePercent > 95 {
		status = entities.HealthStatusDown
		message = "Critical: Disk space is critically low"
	} else if usagePercent > 85 {
		status = entities.HealthStatusPartial
		message = "Warning: Disk space is running low"
	}

	return entities.CheckResult{
		Status:  status,
		Message: message,
		Details: details,
	}
}

func (h *HealthRepositoryImpl) storageInfo(ctx context.Context) entities.StorageInfo {
	info := entities.StorageInfo{GoRoutines: runtime.NumGoroutine()}

	if total, available, err := diskSpace(h.root); err == nil {
		info.TotalDiskSpace = total
		info.AvailableDiskSpace = available
		info.DiskUsagePercent = usage(total, available)
	}
	if h.sessions != nil {
		if n, err := h.sessions.CountOpen(ctx); err == nil {
			info.OpenSessions = n
		}
	}
	return info
}

// IsReady checks if the service can accept uploads
func (h *HealthRepositoryImpl) IsReady(ctx context.Context) (bool, string) {
	if h.db == nil {
		return false, "Database not ready: no connection"
	}
	if err := h.db.PingContext(ctx); err != nil {
		return false, fmt.Sprintf("Database not ready: %v", err)
	}

	for _, dir := range h.dirs {
		if _, err := os.Stat(dir); err != nil {
			return false, fmt.Sprintf("Storage not ready: %v", err)
		}
	}

	return true, "Service is ready"
}

func diskSpace(path string) (total, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	return int64(stat.Blocks) * int64(stat.Bsize), int64(stat.Bavail) * int64(stat.Bsize), nil
}

func usage(total, available int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(total-available) / float64(total) * 100
}
