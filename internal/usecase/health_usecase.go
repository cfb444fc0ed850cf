package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zots0127/chunkup/internal/domain/entities"
	"github.com/zots0127/chunkup/internal/domain/repository"
)

// HealthUseCase aggregates the checks of the upload service
type HealthUseCase struct {
	healthRepo repository.HealthRepository
	startTime  time.Time
	version    string
}

// NewHealthUseCase creates a new health use case
func NewHealthUseCase(healthRepo repository.HealthRepository, version string) *HealthUseCase {
	return &HealthUseCase{
		healthRepo: healthRepo,
		startTime:  time.Now(),
		version:    version,
	}
}

// GetHealth returns the report with its overall status: down when any check
// is down, partial when any is partial. Message names the checks at fault.
func (h *HealthUseCase) GetHealth(ctx context.Context) (*entities.HealthCheck, error) {
	health, err := h.healthRepo.CheckHealth(ctx)
	if err != nil {
		return nil, err
	}

	health.Version = h.version
	health.Uptime = time.Since(h.startTime)
	health.Timestamp = time.Now()

	var down, partial []string
	for name, check := range health.Checks {
		switch check.Status {
		case entities.HealthStatusDown:
			down = append(down, describeCheck(name, check))
		case entities.HealthStatusPartial:
			partial = append(partial, describeCheck(name, check))
		}
	}
	sort.Strings(down)
	sort.Strings(partial)

	switch {
	case len(down) > 0:
		health.Status = entities.HealthStatusDown
		health.Message = "down: " + strings.Join(append(down, partial...), "; ")
	case len(partial) > 0:
		health.Status = entities.HealthStatusPartial
		health.Message = "degraded: " + strings.Join(partial, "; ")
	default:
		health.Status = entities.HealthStatusUp
	}

	return health, nil
}

func describeCheck(name string, check entities.CheckResult) string {
	if check.Message == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, check.Message)
}

// GetReadiness reports whether chunks can be accepted: the database and
// storage directories are reachable and the disk is not critically full.
func (h *HealthUseCase) GetReadiness(ctx context.Context) (bool, string) {
	ready, message := h.healthRepo.IsReady(ctx)
	if !ready {
		return false, message
	}

	if disk := h.healthRepo.CheckDiskSpace(ctx); disk.Status == entities.HealthStatusDown {
		return false, "Storage not ready: " + disk.Message
	}
	return true, message
}

// GetLiveness checks if the service is alive
func (h *HealthUseCase) GetLiveness(ctx context.Context) bool {
	return true
}
